package probe

import "github.com/mrzor/activity-tracer/internal/bpf"

// ConnectEnter observes the entry of a TCP connect on sk. Only IP sockets are stashed.
func (p *Probes) ConnectEnter(t Task, sk Sock) {
	if sk == nil || !p.filter.ShouldTrace(t.Pid, t.Comm) || !isIPFamily(sk) {
		return
	}
	p.stash(t, sk)
}

// ConnectExit observes the return of the connect entered on the same thread.
// ret is the kernel return code; negative values are errors.
func (p *Probes) ConnectExit(t Task, ret int64) {
	sk, enteredAt, ok := p.unstash(t)
	if !ok {
		p.miss(probeConnectExit)
		return
	}
	if ret < 0 {
		return
	}

	info := ExtractSocketInfo(sk)
	p.emit(bpf.SocketConnect, t, enteredAt, &info, 0)
}

// AcceptExit observes the return of an accept. sk is the new connection, nil on failure.
func (p *Probes) AcceptExit(t Task, sk Sock) {
	if !p.filter.ShouldTrace(t.Pid, t.Comm) || sk == nil {
		return
	}

	info := ExtractSocketInfo(sk)
	p.emit(bpf.SocketAccept, t, p.clock.Now(), &info, 0)
}

// SendEnter observes the entry of a socket send on sk.
func (p *Probes) SendEnter(t Task, sk Sock) {
	if sk == nil || !p.filter.ShouldTrace(t.Pid, t.Comm) {
		return
	}
	p.stash(t, sk)
}

// SendExit observes the return of a send; ret is the number of bytes sent.
func (p *Probes) SendExit(t Task, ret int64) {
	p.transferExit(t, ret, bpf.SocketSend, probeSendExit)
}

// RecvEnter observes the entry of a socket receive on sk.
func (p *Probes) RecvEnter(t Task, sk Sock) {
	if sk == nil || !p.filter.ShouldTrace(t.Pid, t.Comm) {
		return
	}
	p.stash(t, sk)
}

// RecvExit observes the return of a receive; ret is the number of bytes received.
func (p *Probes) RecvExit(t Task, ret int64) {
	p.transferExit(t, ret, bpf.SocketReceive, probeRecvExit)
}

// transferExit emits a send or receive only when data actually moved.
func (p *Probes) transferExit(t Task, ret int64, kind bpf.EventKind, probe string) {
	sk, enteredAt, ok := p.unstash(t)
	if !ok {
		p.miss(probe)
		return
	}
	if ret <= 0 {
		return
	}

	info := ExtractSocketInfo(sk)
	//nolint:gosec // byte counts returned by sendmsg/recvmsg fit in 32 bits
	p.emit(kind, t, enteredAt, &info, uint32(ret))
}

// stash records the socket and entry time of the call in flight on t.
func (p *Probes) stash(t Task, sk Sock) {
	now := p.clock.Now()
	if err := p.tables.PendingSockets.Update(t.Pid, sk); err != nil {
		p.insertFailed(tablePendingSockets, t.Pid, err)
		return
	}
	if err := p.tables.EntryTimestamps.Update(t.Pid, now); err != nil {
		p.tables.PendingSockets.Delete(t.Pid)
		p.insertFailed(tableEntryTimestamps, t.Pid, err)
	}
}

// unstash consumes the entry state of t. Both entries are deleted whether or
// not they were found.
func (p *Probes) unstash(t Task) (Sock, uint64, bool) {
	sk, hasSock := p.tables.PendingSockets.Lookup(t.Pid)
	enteredAt, hasTs := p.tables.EntryTimestamps.Lookup(t.Pid)
	p.tables.PendingSockets.Delete(t.Pid)
	p.tables.EntryTimestamps.Delete(t.Pid)

	if !hasSock || !hasTs || sk == nil {
		return nil, 0, false
	}
	return sk, enteredAt, true
}
