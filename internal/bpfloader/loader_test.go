package bpfloader

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/activity-tracer/internal/bpf"
	"github.com/mrzor/activity-tracer/internal/probe"
)

// newLoader creates kernel maps or skips when the test lacks privileges.
func newLoader(t *testing.T, opts Options) *Loader {
	t.Helper()
	l, err := New(opts, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("cannot create BPF maps: %v", err)
	}
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	return l
}

func TestTimestampTable(t *testing.T) {
	l := newLoader(t, Options{MaxEntries: 2})
	table := l.Tables().PendingForks

	require.NoError(t, table.Update(1, 100))
	require.NoError(t, table.Update(1, 200))
	v, ok := table.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, uint64(200), v)

	require.NoError(t, table.Update(2, 300))
	assert.True(t, errors.Is(table.Update(3, 400), probe.ErrTableFull))

	table.Delete(1)
	table.Delete(1)
	_, ok = table.Lookup(1)
	assert.False(t, ok)
}

func TestPidSetAndTrackPID(t *testing.T) {
	l := newLoader(t, Options{})
	set := l.Tables().TracedPids

	require.NoError(t, l.TrackPID(4242))
	assert.True(t, set.Contains(4242))
	set.Remove(4242)
	assert.False(t, set.Contains(4242))
}

func TestProbesOnKernelTables(t *testing.T) {
	l := newLoader(t, Options{})
	out := probe.NewChannelOutput(16)
	var now uint64 = 5000
	p, err := probe.New(probe.Config{PidFilter: 10}, out,
		probe.WithTables(l.Tables()),
		probe.WithClock(probe.ClockFunc(func() uint64 { now += 10; return now })),
	)
	require.NoError(t, err)

	parent := probe.Task{Pid: 10, Tgid: 10, Comm: bpf.MakeComm("bash")}
	child := probe.Task{Pid: 11, Tgid: 11, Comm: bpf.MakeComm("bash")}
	p.CloneExit(parent, 11)
	p.SchedStart(child)
	p.TaskExit(child)
	p.WaitExit(parent, 11)

	var got []bpf.EventKind
	for out.Pending() > 0 {
		record, err := out.Read()
		require.NoError(t, err)
		event, err := bpf.Decode(record.RawSample)
		require.NoError(t, err)
		got = append(got, event.Kind)
	}
	assert.Equal(t, []bpf.EventKind{bpf.ProcessCreate, bpf.ProcessStart, bpf.ProcessEnd, bpf.ProcessJoin}, got)
	assert.False(t, l.Tables().TracedPids.Contains(11))
}

func TestOpenRingBuffer(t *testing.T) {
	l := newLoader(t, Options{RingBufferSize: 4096})
	rd, err := l.OpenRingBuffer()
	require.NoError(t, err)
	require.NoError(t, rd.Close())
}
