package probe

import "github.com/mrzor/activity-tracer/internal/bpf"

// Filter decides whether a control-flow point belongs to the traced scope.
type Filter struct {
	rootPid uint32
	comm    bpf.Comm
	traced  PidSet
}

// NewFilter creates a filter. rootPid 0 disables the pid filter, a zero comm
// disables the command-name filter. traced holds descendants of the root.
func NewFilter(rootPid uint32, comm bpf.Comm, traced PidSet) *Filter {
	return &Filter{rootPid: rootPid, comm: comm, traced: traced}
}

// ShouldTrace reports whether (pid, comm) is in scope. It does not allocate.
func (f *Filter) ShouldTrace(pid uint32, comm bpf.Comm) bool {
	if f.rootPid != 0 && pid != f.rootPid && !f.traced.Contains(pid) {
		return false
	}
	if !f.comm.IsZero() && comm != f.comm {
		return false
	}
	return true
}
