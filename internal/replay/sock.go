package replay

import (
	"errors"
	"net/netip"
)

var errFault = errors.New("bad address")

var sockFields = map[string]bool{
	"family":       true,
	"num":          true,
	"dport":        true,
	"rcv_saddr":    true,
	"daddr":        true,
	"v6_rcv_saddr": true,
	"v6_daddr":     true,
}

// scriptedSock implements probe.Sock from a SocketSpec.
type scriptedSock struct {
	family uint16
	local  netip.AddrPort
	remote netip.AddrPort
	faults map[string]bool
}

func (s *scriptedSock) fault(field string) error {
	if s.faults[field] {
		return errFault
	}
	return nil
}

func (s *scriptedSock) Family() (uint16, error) { return s.family, s.fault("family") }

func (s *scriptedSock) Num() (uint16, error) { return s.local.Port(), s.fault("num") }

func (s *scriptedSock) Dport() ([2]byte, error) {
	port := s.remote.Port()
	return [2]byte{byte(port >> 8), byte(port)}, s.fault("dport")
}

func (s *scriptedSock) RcvSaddr() ([4]byte, error) { return v4(s.local.Addr()), s.fault("rcv_saddr") }

func (s *scriptedSock) Daddr() ([4]byte, error) { return v4(s.remote.Addr()), s.fault("daddr") }

func (s *scriptedSock) V6RcvSaddr() ([16]byte, error) {
	return v6(s.local.Addr()), s.fault("v6_rcv_saddr")
}

func (s *scriptedSock) V6Daddr() ([16]byte, error) { return v6(s.remote.Addr()), s.fault("v6_daddr") }

func v4(a netip.Addr) [4]byte {
	if !a.Is4() {
		return [4]byte{}
	}
	return a.As4()
}

func v6(a netip.Addr) [16]byte {
	if !a.IsValid() {
		return [16]byte{}
	}
	return a.As16()
}
