package probe

import "github.com/mrzor/activity-tracer/internal/bpf"

// Task is the ambient context of the thread that triggered a probe.
// Pid is the kernel thread id, Tgid the thread group (process) id.
type Task struct {
	Pid  uint32
	Tgid uint32
	Comm bpf.Comm
}

// leader reports whether t is its thread group leader. A zero Tgid is taken
// as a leader.
func (t Task) leader() bool {
	return t.Tgid == 0 || t.Pid == t.Tgid
}

// Clock returns monotonic nanoseconds, the same base as bpf_ktime_get_ns.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint64

// Now implements Clock.
func (f ClockFunc) Now() uint64 { return f() }

// Sock is a best-effort view over a kernel socket. Each read may fault
// independently; a faulting read returns an error and callers fall back to the
// zero value. A null handle is passed as an untyped nil Sock.
type Sock interface {
	Family() (uint16, error)
	// Num is the local port in host byte order.
	Num() (uint16, error)
	// Dport is the remote port exactly as stored, in network byte order.
	Dport() ([2]byte, error)
	RcvSaddr() ([4]byte, error)
	Daddr() ([4]byte, error)
	V6RcvSaddr() ([16]byte, error)
	V6Daddr() ([16]byte, error)
}
