package eventprocessor

import (
	"net/netip"

	"github.com/mrzor/activity-tracer/internal/bpf"
)

// Direction tells which way a socket message travels relative to the traced task.
type Direction uint8

const (
	// Outbound messages leave the traced task: send and connect.
	Outbound Direction = iota
	// Inbound messages reach the traced task: receive and accept.
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Flow is the source and destination of a socket event.
// Endpoints are the zero value for non-IP families.
type Flow struct {
	Direction Direction
	Src       netip.AddrPort
	Dst       netip.AddrPort
	// PeerNames are names the traced processes used for the remote address.
	PeerNames []string
}

// Peer returns the remote endpoint.
func (f Flow) Peer() netip.AddrPort {
	if f.Direction == Inbound {
		return f.Src
	}
	return f.Dst
}

// FlowOf orients the socket endpoints of event. Send and connect go from the
// local endpoint to the remote one; receive and accept go the other way.
func FlowOf(event *bpf.Event) Flow {
	local := event.Socket.LocalAddrPort()
	remote := event.Socket.RemoteAddrPort()

	switch event.Kind {
	case bpf.SocketReceive, bpf.SocketAccept:
		return Flow{Direction: Inbound, Src: remote, Dst: local}
	default:
		return Flow{Direction: Outbound, Src: local, Dst: remote}
	}
}
