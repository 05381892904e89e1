package probe

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/activity-tracer/internal/bpf"
)

func TestCreateThenStart_OrderingBump(t *testing.T) {
	h := newHarness(t, Config{})
	parent := task(10, "bash")
	child := Task{Pid: 11, Tgid: 11, Comm: bpf.MakeComm("bash")}

	h.probes.CloneExit(parent, 11)
	h.clock.now.Add(1_000_000)
	h.probes.SchedStart(child)

	events := h.events(t)
	require.Len(t, events, 2)
	create, start := events[0], events[1]
	assert.Equal(t, bpf.ProcessCreate, create.Kind)
	assert.Equal(t, uint32(10), create.Pid)
	assert.Equal(t, uint32(11), create.ChildPid())
	assert.Equal(t, bpf.ProcessStart, start.Kind)
	assert.Equal(t, uint32(11), start.Pid)
	assert.Equal(t, create.Timestamp+1, start.Timestamp)

	_, pending := h.tables.PendingForks.Lookup(11)
	assert.False(t, pending, "pending fork consumed by start")
}

func TestStartWithoutCreate_UsesNow(t *testing.T) {
	h := newHarness(t, Config{})
	expected := h.clock.now.Load()

	h.probes.SchedStart(task(50, "late"))

	events := h.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, bpf.ProcessStart, events[0].Kind)
	assert.Equal(t, expected, events[0].Timestamp)
}

func TestCloneExit_IgnoresFailureAndChildSide(t *testing.T) {
	h := newHarness(t, Config{})
	h.probes.CloneExit(task(10, "bash"), 0)  // child side of fork
	h.probes.CloneExit(task(10, "bash"), -11) // EAGAIN
	assert.Empty(t, h.events(t))
}

func TestEndThenJoin_ConsumedOnce(t *testing.T) {
	h := newHarness(t, Config{})
	parent := task(10, "bash")
	child := task(11, "sleep")

	h.probes.TaskExit(child)
	h.clock.now.Add(1_000_000)
	h.probes.WaitExit(parent, 11)
	h.probes.WaitExit(parent, 11)

	events := h.events(t)
	require.Len(t, events, 2)
	end, join := events[0], events[1]
	assert.Equal(t, bpf.ProcessEnd, end.Kind)
	assert.Equal(t, uint32(11), end.Pid)
	assert.Equal(t, bpf.ProcessJoin, join.Kind)
	assert.Equal(t, uint32(10), join.Pid)
	assert.Equal(t, uint32(11), join.ChildPid())
	assert.Equal(t, end.Timestamp+1, join.Timestamp)
}

func TestJoinWithoutEnd_EmitsNothing(t *testing.T) {
	h := newHarness(t, Config{})
	h.probes.WaitExit(task(10, "bash"), 11)
	h.probes.WaitExit(task(10, "bash"), -10) // ECHILD
	h.probes.WaitExit(task(10, "bash"), 0)   // WNOHANG, nothing reaped
	assert.Empty(t, h.events(t))
}

func TestTracedMembershipLifecycle(t *testing.T) {
	h := newHarness(t, Config{PidFilter: 10})
	root := task(10, "bash")
	child := task(11, "python")
	sk := ipv4Sock([4]byte{10, 0, 0, 5}, 443)

	h.probes.ConnectEnter(child, sk)
	h.probes.ConnectExit(child, 0)
	assert.Empty(t, h.events(t), "child not traced before its creation is seen")

	h.probes.CloneExit(root, 11)
	assert.True(t, h.probes.Filter().ShouldTrace(11, child.Comm))

	h.probes.SchedStart(child)
	h.probes.ConnectEnter(child, sk)
	h.probes.ConnectExit(child, 0)
	h.probes.TaskExit(child)
	h.probes.WaitExit(root, 11)

	assert.Equal(t, []bpf.EventKind{
		bpf.ProcessCreate, bpf.ProcessStart, bpf.SocketConnect, bpf.ProcessEnd, bpf.ProcessJoin,
	}, kinds(h.events(t)))
	assert.False(t, h.probes.Filter().ShouldTrace(11, child.Comm), "joined pid leaves traced scope")

	h.probes.ConnectEnter(child, sk)
	h.probes.ConnectExit(child, 0)
	assert.Empty(t, h.events(t))
}

func TestGrandchildrenAreTraced(t *testing.T) {
	h := newHarness(t, Config{PidFilter: 10})

	h.probes.CloneExit(task(10, "bash"), 11)
	h.probes.CloneExit(task(11, "make"), 12)
	h.probes.FsyncExit(task(12, "cc"), 0)

	assert.Equal(t, []bpf.EventKind{bpf.ProcessCreate, bpf.ProcessCreate, bpf.DurableWriteComplete}, kinds(h.events(t)))
}

func TestExec_ReportedAsCreate(t *testing.T) {
	h := newHarness(t, Config{PidFilter: 10})

	// A non-leader thread 12 of process 10 execs and takes over pid 10.
	h.probes.Exec(Task{Pid: 10, Tgid: 10, Comm: bpf.MakeComm("ls")}, 12)
	// Unrelated process exec is ignored.
	h.probes.Exec(task(99, "ls"), 99)

	events := h.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, bpf.ProcessCreate, events[0].Kind)
	assert.Equal(t, uint32(12), events[0].Pid)
	assert.Equal(t, uint32(10), events[0].ChildPid())
	_, pending := h.tables.PendingForks.Lookup(10)
	assert.False(t, pending)
}

func TestThreadExits_DoNotCrowdOutJoins(t *testing.T) {
	out := NewChannelOutput(16)
	p, err := New(Config{TableCapacity: 4}, out,
		WithClock(newStepClock(1000, 100)),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	h := &harness{probes: p, out: out}

	for tid := uint32(501); tid <= 504; tid++ {
		p.TaskExit(Task{Pid: tid, Tgid: 500, Comm: bpf.MakeComm("worker")})
	}
	p.TaskExit(task(700, "job"))
	p.WaitExit(task(1, "init"), 700)

	events := h.events(t)
	assert.Equal(t, []bpf.EventKind{
		bpf.ProcessEnd, bpf.ProcessEnd, bpf.ProcessEnd, bpf.ProcessEnd, bpf.ProcessEnd, bpf.ProcessJoin,
	}, kinds(events))
	require.Len(t, events, 6)
	assert.Equal(t, uint32(700), events[5].ChildPid())
	assert.Equal(t, events[4].Timestamp+1, events[5].Timestamp)

	for tid := uint32(501); tid <= 504; tid++ {
		_, pending := p.tables.PendingExits.Lookup(tid)
		assert.False(t, pending, "thread %d", tid)
	}
	assert.Zero(t, testutil.ToFloat64(p.metrics.tableFull[tablePendingExits]))
}

func TestTaskExit_ZeroTgidIsLeader(t *testing.T) {
	h := newHarness(t, Config{})

	h.probes.TaskExit(Task{Pid: 42, Comm: bpf.MakeComm("job")})
	h.probes.WaitExit(task(1, "init"), 42)

	assert.Equal(t, []bpf.EventKind{bpf.ProcessEnd, bpf.ProcessJoin}, kinds(h.events(t)))
}

func TestInsertFailures_CountedByCause(t *testing.T) {
	tables := NewMemTables(DefaultTableCapacity)
	tables.PendingForks = failingTable[uint32, uint64]{err: fmt.Errorf("update pending_forks: %w", ErrTableFull)}
	tables.PendingExits = failingTable[uint32, uint64]{err: errors.New("operation not permitted")}
	out := NewChannelOutput(16)
	p, err := New(Config{}, out,
		WithClock(newStepClock(1000, 100)),
		WithTables(tables),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	h := &harness{probes: p, out: out, tables: tables}

	p.CloneExit(task(10, "bash"), 11)
	p.TaskExit(task(11, "sleep"))
	p.WaitExit(task(10, "bash"), 11)

	assert.Equal(t, []bpf.EventKind{bpf.ProcessCreate, bpf.ProcessEnd}, kinds(h.events(t)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.tableFull[tablePendingForks]))
	assert.Zero(t, testutil.ToFloat64(p.metrics.tableErrors[tablePendingForks]))
	assert.Zero(t, testutil.ToFloat64(p.metrics.tableFull[tablePendingExits]))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.tableErrors[tablePendingExits]))
}
