package probe

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/activity-tracer/internal/bpf"
)

var errFault = errors.New("bad address")

// fakeSock is an in-memory struct sock. Fields named in faults fail to read.
type fakeSock struct {
	family     uint16
	num        uint16
	dport      uint16 // host order, stored big endian by Dport
	rcvSaddr   [4]byte
	daddr      [4]byte
	v6RcvSaddr [16]byte
	v6Daddr    [16]byte
	faults     map[string]bool
}

func (s *fakeSock) fault(field string) error {
	if s.faults[field] {
		return errFault
	}
	return nil
}

func (s *fakeSock) Family() (uint16, error) { return s.family, s.fault("family") }
func (s *fakeSock) Num() (uint16, error)    { return s.num, s.fault("num") }
func (s *fakeSock) Dport() ([2]byte, error) {
	return [2]byte{byte(s.dport >> 8), byte(s.dport)}, s.fault("dport")
}
func (s *fakeSock) RcvSaddr() ([4]byte, error)    { return s.rcvSaddr, s.fault("rcv_saddr") }
func (s *fakeSock) Daddr() ([4]byte, error)       { return s.daddr, s.fault("daddr") }
func (s *fakeSock) V6RcvSaddr() ([16]byte, error) { return s.v6RcvSaddr, s.fault("v6_rcv_saddr") }
func (s *fakeSock) V6Daddr() ([16]byte, error)    { return s.v6Daddr, s.fault("v6_daddr") }

func ipv4Sock(remote [4]byte, remotePort uint16) *fakeSock {
	return &fakeSock{
		family:   bpf.AF_INET,
		num:      40000,
		dport:    remotePort,
		rcvSaddr: [4]byte{192, 168, 1, 10},
		daddr:    remote,
	}
}

// stepClock advances by step on every read.
type stepClock struct {
	now  atomic.Uint64
	step uint64
}

func newStepClock(start, step uint64) *stepClock {
	c := &stepClock{step: step}
	c.now.Store(start)
	return c
}

func (c *stepClock) Now() uint64 {
	return c.now.Add(c.step) - c.step
}

type harness struct {
	probes *Probes
	out    *ChannelOutput
	clock  *stepClock
	tables Tables
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	out := NewChannelOutput(1024)
	clock := newStepClock(1000, 100)
	tables := NewMemTables(DefaultTableCapacity)
	p, err := New(cfg, out,
		WithClock(clock),
		WithTables(tables),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	return &harness{probes: p, out: out, clock: clock, tables: tables}
}

// events drains every queued record.
func (h *harness) events(t *testing.T) []bpf.Event {
	t.Helper()
	var events []bpf.Event
	for h.out.Pending() > 0 {
		record, err := h.out.Read()
		require.NoError(t, err)
		event, err := bpf.Decode(record.RawSample)
		require.NoError(t, err)
		events = append(events, event)
	}
	return events
}

// failingTable refuses every insert with err.
type failingTable[K comparable, V any] struct {
	err error
}

func (f failingTable[K, V]) Update(K, V) error       { return f.err }
func (f failingTable[K, V]) Lookup(K) (v V, ok bool) { return v, false }
func (f failingTable[K, V]) Delete(K)                {}

func kinds(events []bpf.Event) []bpf.EventKind {
	out := make([]bpf.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func task(pid uint32, comm string) Task {
	return Task{Pid: pid, Tgid: pid, Comm: bpf.MakeComm(comm)}
}
