package probe

import "github.com/mrzor/activity-tracer/internal/bpf"

// FsyncExit observes the return of fsync/fdatasync. It keeps no entry state.
func (p *Probes) FsyncExit(t Task, ret int64) {
	if ret != 0 || !p.filter.ShouldTrace(t.Pid, t.Comm) {
		return
	}
	p.emit(bpf.DurableWriteComplete, t, p.clock.Now(), nil, 0)
}
