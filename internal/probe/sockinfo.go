package probe

import (
	"encoding/binary"

	"github.com/mrzor/activity-tracer/internal/bpf"
)

// orZero collapses a failed read to the zero value.
func orZero[T any](v T, err error) T {
	if err != nil {
		var zero T
		return zero
	}
	return v
}

// ExtractSocketInfo reads the address-family specific fields of sk.
// Unknown families yield a SocketInfo with only Family set.
func ExtractSocketInfo(sk Sock) bpf.SocketInfo {
	var info bpf.SocketInfo
	if sk == nil {
		return info
	}

	info.Family = orZero(sk.Family())
	switch info.Family {
	case bpf.AF_INET:
		saddr := orZero(sk.RcvSaddr())
		daddr := orZero(sk.Daddr())
		copy(info.LocalAddr[:4], saddr[:])
		copy(info.RemoteAddr[:4], daddr[:])
	case bpf.AF_INET6:
		info.LocalAddr = orZero(sk.V6RcvSaddr())
		info.RemoteAddr = orZero(sk.V6Daddr())
	default:
		return info
	}

	dport := orZero(sk.Dport())
	info.LocalPort = orZero(sk.Num())
	info.RemotePort = binary.BigEndian.Uint16(dport[:])
	return info
}

// isIPFamily reads the family of sk and reports whether it is AF_INET or AF_INET6.
func isIPFamily(sk Sock) bool {
	family := orZero(sk.Family())
	return family == bpf.AF_INET || family == bpf.AF_INET6
}
