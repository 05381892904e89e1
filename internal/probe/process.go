package probe

import "github.com/mrzor/activity-tracer/internal/bpf"

// CloneExit observes the parent side of a successful fork/clone. ret is the
// new task id returned to the parent.
func (p *Probes) CloneExit(t Task, ret int64) {
	if !p.filter.ShouldTrace(t.Pid, t.Comm) || ret <= 0 {
		return
	}

	//nolint:gosec // pid_t values are positive and fit in 32 bits
	child := uint32(ret)
	now := p.clock.Now()
	if err := p.tables.PendingForks.Update(child, now); err != nil {
		p.insertFailed(tablePendingForks, child, err)
	}
	p.track(child)
	p.emit(bpf.ProcessCreate, t, now, nil, child)
}

// Exec observes a successful exec by t. oldPid is the task id before exec
// (it differs from t.Pid when a non-leader thread execs). It is reported as a
// create with oldPid as parent and t.Pid as child. Unlike CloneExit it records
// no pending_forks entry.
func (p *Probes) Exec(t Task, oldPid uint32) {
	if !p.filter.ShouldTrace(oldPid, t.Comm) && !p.filter.ShouldTrace(t.Pid, t.Comm) {
		return
	}

	// The exec'ing task is already running, so no scheduler start will follow
	// and nothing is recorded in pending_forks.
	p.track(t.Pid)
	parent := Task{Pid: oldPid, Tgid: t.Tgid, Comm: t.Comm}
	p.emit(bpf.ProcessCreate, parent, p.clock.Now(), nil, t.Pid)
}

// SchedStart observes the scheduler placing a new task on a CPU.
func (p *Probes) SchedStart(t Task) {
	if !p.filter.ShouldTrace(t.Pid, t.Comm) {
		return
	}

	timestamp := p.clock.Now()
	if forkedAt, ok := p.tables.PendingForks.Lookup(t.Pid); ok {
		p.tables.PendingForks.Delete(t.Pid)
		timestamp = forkedAt + orderingBump
	} else {
		p.miss(probeSchedStart)
	}
	p.emit(bpf.ProcessStart, t, timestamp, nil, 0)
}

// TaskExit observes t beginning to exit. Every thread reports an end, but
// only a thread group leader is recorded in pending_exits since wait reaps
// by tgid.
func (p *Probes) TaskExit(t Task) {
	if !p.filter.ShouldTrace(t.Pid, t.Comm) {
		return
	}

	now := p.clock.Now()
	if t.leader() {
		if err := p.tables.PendingExits.Update(t.Pid, now); err != nil {
			p.insertFailed(tablePendingExits, t.Pid, err)
		}
	}
	p.emit(bpf.ProcessEnd, t, now, nil, 0)
}

// WaitExit observes the return of a wait-style call on t. ret is the reaped
// pid, or <= 0 when nothing was reaped.
func (p *Probes) WaitExit(t Task, ret int64) {
	if !p.filter.ShouldTrace(t.Pid, t.Comm) || ret <= 0 {
		return
	}

	//nolint:gosec // pid_t values are positive and fit in 32 bits
	exited := uint32(ret)
	exitedAt, ok := p.tables.PendingExits.Lookup(exited)
	if !ok {
		p.miss(probeWaitExit)
		return
	}
	p.tables.PendingExits.Delete(exited)
	p.tables.TracedPids.Remove(exited)
	p.emit(bpf.ProcessJoin, t, exitedAt+orderingBump, nil, exited)
}

// track adds pid to the traced scope.
func (p *Probes) track(pid uint32) {
	if err := p.tables.TracedPids.Add(pid); err != nil {
		p.insertFailed(tableTracedPids, pid, err)
	}
}
