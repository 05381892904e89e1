package attributes

import (
	"github.com/mrzor/activity-tracer/internal/bpf"
	"github.com/mrzor/activity-tracer/internal/procmeta"
)

// Subject is the data an expression is evaluated against.
type Subject struct {
	Event *bpf.Event
	// Process is the lineage of Event's pid, if known.
	Process *procmeta.ProcessMetadata
}

// exprEnv declares variable types for compilation.
func exprEnv() map[string]any {
	return map[string]any{
		"kind":       "",
		"pid":        0,
		"tgid":       0,
		"comm":       "",
		"timestamp":  0,
		"parent_pid": 0,
		"child_pid":  0,
		"bytes":      0,
		"family":     0,
		"local_ip":   "",
		"local_port": 0,
		"peer_ip":    "",
		"peer_port":  0,
	}
}

func (s Subject) env() map[string]any {
	env := exprEnv()
	ev := s.Event
	env["kind"] = ev.Kind.String()
	env["pid"] = int(ev.Pid)
	env["tgid"] = int(ev.Tgid)
	env["comm"] = ev.Comm.String()
	//nolint:gosec // monotonic nanoseconds fit in int for centuries
	env["timestamp"] = int(ev.Timestamp)
	env["child_pid"] = int(ev.ChildPid())
	env["bytes"] = int(ev.ByteCount())

	if ev.Kind.IsSocket() {
		env["family"] = int(ev.Socket.Family)
		if local := ev.Socket.LocalAddrPort(); local.IsValid() {
			env["local_ip"] = local.Addr().String()
		}
		env["local_port"] = int(ev.Socket.LocalPort)
		if peer := ev.Socket.RemoteAddrPort(); peer.IsValid() {
			env["peer_ip"] = peer.Addr().String()
		}
		env["peer_port"] = int(ev.Socket.RemotePort)
	}

	if s.Process != nil {
		env["parent_pid"] = int(s.Process.ParentPid)
		if ev.Comm.IsZero() {
			env["comm"] = s.Process.Comm
		}
	}
	return env
}
