package timesync

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// MonotonicClock reads CLOCK_MONOTONIC.
type MonotonicClock struct{}

// Now returns monotonic nanoseconds. A failing clock read returns 0.
func (MonotonicClock) Now() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	//nolint:gosec // CLOCK_MONOTONIC is never negative
	return uint64(ts.Nano())
}

// Converter handles conversion from monotonic timestamps to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter creates a converter anchored at the current boot time.
func NewConverter() (*Converter, error) {
	bootTime, err := systemBootTime()
	if err != nil {
		return nil, err
	}
	return &Converter{bootTime: bootTime}, nil
}

// NewConverterAt creates a converter with an explicit boot time.
func NewConverterAt(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

// MonotonicToWallClock converts a monotonic timestamp (nanoseconds since boot) to wall-clock time.
func (c *Converter) MonotonicToWallClock(monotonicNanos uint64) time.Time {
	//nolint:gosec // uint64 to int64 conversion for time.Duration is safe for reasonable timestamps
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

// BootTime returns the system boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

// systemBootTime derives the boot time from the realtime/monotonic offset.
func systemBootTime() (time.Time, error) {
	var mono, wall unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		return time.Time{}, fmt.Errorf("reading CLOCK_MONOTONIC: %w", err)
	}
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &wall); err != nil {
		return time.Time{}, fmt.Errorf("reading CLOCK_REALTIME: %w", err)
	}
	return time.Unix(0, wall.Nano()-mono.Nano()), nil
}
