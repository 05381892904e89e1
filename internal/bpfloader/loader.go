// Package bpfloader manages the kernel BPF maps that hold the probe correlation
// state and the event ring buffer.
//
// The maps are created from userspace so that the Go probes and kernel
// programs attached by an external loader can share them: the timestamp tables
// and traced_pids use the same key/value layout as the kernel handlers.
package bpfloader

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mrzor/activity-tracer/internal/probe"
)

// DefaultRingBufferSize is the size in bytes of the event ring buffer. It must
// be a power of two and a multiple of the page size.
const DefaultRingBufferSize = 1 << 20

// Options configures the maps created by the Loader.
type Options struct {
	// MaxEntries bounds every hash map.
	MaxEntries uint32
	// RingBufferSize is the event ring buffer size in bytes.
	RingBufferSize uint32
}

// Loader owns the BPF maps backing the correlation tables.
type Loader struct {
	logger          *zap.Logger
	entryTimestamps *ebpf.Map
	pendingForks    *ebpf.Map
	pendingExits    *ebpf.Map
	tracedPids      *ebpf.Map
	events          *ebpf.Map
}

// New creates the maps. It requires CAP_BPF (or root).
func New(opts Options, logger *zap.Logger) (*Loader, error) {
	if opts.MaxEntries == 0 {
		opts.MaxEntries = probe.DefaultTableCapacity
	}
	if opts.RingBufferSize == 0 {
		opts.RingBufferSize = DefaultRingBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}

	l := &Loader{logger: logger}
	maps := []struct {
		dst  **ebpf.Map
		spec *ebpf.MapSpec
	}{
		{&l.entryTimestamps, timestampSpec("entry_timestamps", opts.MaxEntries)},
		{&l.pendingForks, timestampSpec("pending_forks", opts.MaxEntries)},
		{&l.pendingExits, timestampSpec("pending_exits", opts.MaxEntries)},
		{&l.tracedPids, &ebpf.MapSpec{
			Name:       "traced_pids",
			Type:       ebpf.Hash,
			KeySize:    4,
			ValueSize:  1,
			MaxEntries: opts.MaxEntries,
		}},
		{&l.events, &ebpf.MapSpec{
			Name:       "events",
			Type:       ebpf.RingBuf,
			MaxEntries: opts.RingBufferSize,
		}},
	}

	for _, m := range maps {
		created, err := ebpf.NewMap(m.spec)
		if err != nil {
			return nil, l.closeErrorf(fmt.Sprintf("creating %s map", m.spec.Name), err)
		}
		*m.dst = created
	}

	logger.Info("correlation maps created",
		zap.Uint32("max_entries", opts.MaxEntries),
		zap.Uint32("ring_buffer_size", opts.RingBufferSize),
	)
	return l, nil
}

func timestampSpec(name string, maxEntries uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: maxEntries,
	}
}

// closeErrorf closes every map created so far and returns a formatted error.
func (l *Loader) closeErrorf(errstr string, e error) error {
	_ = l.Close() //nolint:errcheck // Best-effort cleanup in error path
	return fmt.Errorf("%s: %w", errstr, e)
}

// Tables returns the kernel-backed correlation tables. Socket handles cannot
// live in a kernel map, so PendingSockets is left unset and falls back to an
// in-memory table.
func (l *Loader) Tables() probe.Tables {
	return probe.Tables{
		EntryTimestamps: &TimestampTable{m: l.entryTimestamps},
		PendingForks:    &TimestampTable{m: l.pendingForks},
		PendingExits:    &TimestampTable{m: l.pendingExits},
		TracedPids:      &PidSet{m: l.tracedPids},
	}
}

// OpenRingBuffer opens and returns a ring buffer reader for receiving events.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(l.events)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// TrackPID adds a PID to the traced_pids map.
func (l *Loader) TrackPID(pid int) error {
	//nolint:gosec // int to uint32 conversion required for BPF map key type
	if err := (&PidSet{m: l.tracedPids}).Add(uint32(pid)); err != nil {
		return fmt.Errorf("adding PID %d to traced map: %w", pid, err)
	}
	return nil
}

// Close releases all maps.
func (l *Loader) Close() error {
	var errs []error
	for name, m := range map[string]*ebpf.Map{
		"entry_timestamps": l.entryTimestamps,
		"pending_forks":    l.pendingForks,
		"pending_exits":    l.pendingExits,
		"traced_pids":      l.tracedPids,
		"events":           l.events,
	} {
		if m == nil {
			continue
		}
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s map: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}
	return nil
}

// updateErr maps a full hash map to probe.ErrTableFull.
func updateErr(m *ebpf.Map, err error) error {
	if errors.Is(err, unix.E2BIG) {
		return probe.ErrTableFull
	}
	return fmt.Errorf("updating %s: %w", m, err)
}

// TimestampTable is a probe.Table over a BPF hash map of u32 -> u64.
type TimestampTable struct {
	m *ebpf.Map
}

// Update inserts or overwrites key.
func (t *TimestampTable) Update(key uint32, value uint64) error {
	if err := t.m.Update(key, value, ebpf.UpdateAny); err != nil {
		return updateErr(t.m, err)
	}
	return nil
}

// Lookup returns the value under key. A failed lookup reads as absent.
func (t *TimestampTable) Lookup(key uint32) (uint64, bool) {
	var value uint64
	if err := t.m.Lookup(key, &value); err != nil {
		return 0, false
	}
	return value, true
}

// Delete removes key; a missing key is not an error.
func (t *TimestampTable) Delete(key uint32) {
	_ = t.m.Delete(key) //nolint:errcheck // ErrKeyNotExist is expected
}

// PidSet is a probe.PidSet over a BPF hash map of u32 -> u8.
type PidSet struct {
	m *ebpf.Map
}

// Add inserts pid.
func (s *PidSet) Add(pid uint32) error {
	if err := s.m.Update(pid, uint8(1), ebpf.UpdateAny); err != nil {
		return updateErr(s.m, err)
	}
	return nil
}

// Remove deletes pid.
func (s *PidSet) Remove(pid uint32) {
	_ = s.m.Delete(pid) //nolint:errcheck // ErrKeyNotExist is expected
}

// Contains reports whether pid is present.
func (s *PidSet) Contains(pid uint32) bool {
	var marker uint8
	return s.m.Lookup(pid, &marker) == nil
}
