// Package timesync provides the monotonic clock used to timestamp probe events
// and the conversion of those timestamps to wall-clock time.
//
// Probe timestamps use CLOCK_MONOTONIC (nanoseconds since boot, the base of
// bpf_ktime_get_ns). The converter samples CLOCK_REALTIME and CLOCK_MONOTONIC
// back to back once and adds the resulting offset to every timestamp.
package timesync
