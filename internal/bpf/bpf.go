// Package bpf defines the wire format shared by the probe handlers and the
// userspace consumer: the event kinds and the fixed-size event record.
package bpf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// TaskCommLen matches TASK_COMM_LEN from linux/sched.h.
const TaskCommLen = 16

// EventSize is the encoded size of an Event record in bytes.
const EventSize = 88

// Address families as reported in SocketInfo.Family.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches C/kernel conventions
const (
	AF_INET  = 2
	AF_INET6 = 10
)

// EventKind selects the interpretation of an Event's socket and payload fields.
type EventKind uint32

// Event kinds. The numbering groups socket (1xx), process (2xx) and
// filesystem (3xx) events so raw dumps stay readable.
const (
	SocketConnect        EventKind = 101
	SocketAccept         EventKind = 102
	SocketSend           EventKind = 103
	SocketReceive        EventKind = 104
	ProcessCreate        EventKind = 201
	ProcessStart         EventKind = 202
	ProcessEnd           EventKind = 203
	ProcessJoin          EventKind = 204
	DurableWriteComplete EventKind = 301
)

var (
	// ErrUnknownKind is returned when decoding a record whose kind is not part of the taxonomy.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrShortRecord is returned when a raw sample is smaller than EventSize.
	ErrShortRecord = errors.New("short event record")
)

var kindNames = map[EventKind]string{
	SocketConnect:        "socket_connect",
	SocketAccept:         "socket_accept",
	SocketSend:           "socket_send",
	SocketReceive:        "socket_receive",
	ProcessCreate:        "process_create",
	ProcessStart:         "process_start",
	ProcessEnd:           "process_end",
	ProcessJoin:          "process_join",
	DurableWriteComplete: "durable_write_complete",
}

// Kinds returns every event kind in wire order.
func Kinds() []EventKind {
	return []EventKind{
		SocketConnect, SocketAccept, SocketSend, SocketReceive,
		ProcessCreate, ProcessStart, ProcessEnd, ProcessJoin,
		DurableWriteComplete,
	}
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind_%d", uint32(k))
}

// Valid reports whether k is part of the taxonomy.
func (k EventKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsSocket reports whether events of this kind carry a meaningful SocketInfo.
func (k EventKind) IsSocket() bool {
	return k >= SocketConnect && k <= SocketReceive
}

// HasByteCount reports whether the payload holds a byte count.
func (k EventKind) HasByteCount() bool {
	return k == SocketSend || k == SocketReceive
}

// HasChildPid reports whether the payload holds a child pid.
func (k EventKind) HasChildPid() bool {
	return k == ProcessCreate || k == ProcessJoin
}

// Comm is a fixed-width, NUL-padded command name.
type Comm [TaskCommLen]byte

// MakeComm truncates name to TaskCommLen-1 bytes the way the kernel does.
func MakeComm(name string) Comm {
	var c Comm
	copy(c[:TaskCommLen-1], name)
	return c
}

func (c Comm) String() string {
	return string(bytes.TrimRight(c[:], "\x00"))
}

// IsZero reports whether the name is empty.
func (c Comm) IsZero() bool {
	return c == Comm{}
}

// SocketInfo is the normalized view of a socket. IPv4 addresses occupy the
// first four bytes of the address fields; the rest stays zero.
type SocketInfo struct {
	Family     uint16
	LocalPort  uint16
	RemotePort uint16
	_          uint16 // Padding
	LocalAddr  [16]byte
	RemoteAddr [16]byte
}

// LocalAddrPort returns the local endpoint, or the zero value for non-IP families.
func (s *SocketInfo) LocalAddrPort() netip.AddrPort {
	return s.addrPort(s.LocalAddr, s.LocalPort)
}

// RemoteAddrPort returns the remote endpoint, or the zero value for non-IP families.
func (s *SocketInfo) RemoteAddrPort() netip.AddrPort {
	return s.addrPort(s.RemoteAddr, s.RemotePort)
}

func (s *SocketInfo) addrPort(raw [16]byte, port uint16) netip.AddrPort {
	switch s.Family {
	case AF_INET:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(raw[:4])), port)
	case AF_INET6:
		return netip.AddrPortFrom(netip.AddrFrom16(raw), port)
	default:
		return netip.AddrPort{}
	}
}

// Event matches the record emitted by the probe handlers.
// Payload is a union: byte count or child pid depending on Kind.
type Event struct {
	Kind      EventKind
	Pid       uint32
	Tgid      uint32
	_         uint32 // Padding before timestamp to maintain 8-byte alignment
	Timestamp uint64
	Comm      Comm
	Socket    SocketInfo
	Payload   uint32
	_         uint32 // Tail padding
}

// ByteCount returns the payload as a byte count, or 0 if Kind does not carry one.
func (e *Event) ByteCount() uint32 {
	if !e.Kind.HasByteCount() {
		return 0
	}
	return e.Payload
}

// ChildPid returns the payload as a child pid, or 0 if Kind does not carry one.
func (e *Event) ChildPid() uint32 {
	if !e.Kind.HasChildPid() {
		return 0
	}
	return e.Payload
}

// Encode writes the record into buf without allocating.
func (e *Event) Encode(buf *[EventSize]byte) {
	le := binary.LittleEndian
	*buf = [EventSize]byte{}
	le.PutUint32(buf[0:], uint32(e.Kind))
	le.PutUint32(buf[4:], e.Pid)
	le.PutUint32(buf[8:], e.Tgid)
	le.PutUint64(buf[16:], e.Timestamp)
	copy(buf[24:40], e.Comm[:])
	le.PutUint16(buf[40:], e.Socket.Family)
	le.PutUint16(buf[42:], e.Socket.LocalPort)
	le.PutUint16(buf[44:], e.Socket.RemotePort)
	copy(buf[48:64], e.Socket.LocalAddr[:])
	copy(buf[64:80], e.Socket.RemoteAddr[:])
	le.PutUint32(buf[80:], e.Payload)
}

// Decode parses a raw sample produced by Encode or by the kernel handlers.
func Decode(raw []byte) (Event, error) {
	var event Event
	if len(raw) < EventSize {
		return event, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(raw))
	}
	if err := binary.Read(bytes.NewReader(raw[:EventSize]), binary.LittleEndian, &event); err != nil {
		return event, fmt.Errorf("parsing event: %w", err)
	}
	if !event.Kind.Valid() {
		return event, fmt.Errorf("%w: %d", ErrUnknownKind, uint32(event.Kind))
	}
	return event, nil
}
