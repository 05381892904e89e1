package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mrzor/activity-tracer/internal/bpf"
)

func TestExtractSocketInfo_IPv4(t *testing.T) {
	info := ExtractSocketInfo(ipv4Sock([4]byte{10, 0, 0, 5}, 443))

	assert.Equal(t, uint16(bpf.AF_INET), info.Family)
	assert.Equal(t, uint16(40000), info.LocalPort)
	assert.Equal(t, uint16(443), info.RemotePort, "remote port converted to host order")
	assert.Equal(t, [16]byte{192, 168, 1, 10}, info.LocalAddr)
	assert.Equal(t, [16]byte{10, 0, 0, 5}, info.RemoteAddr)
}

func TestExtractSocketInfo_IPv6(t *testing.T) {
	remote := [16]byte{0x20, 0x01, 0x0d, 0xb8, 15: 1}
	local := [16]byte{0xfe, 0x80, 15: 2}
	info := ExtractSocketInfo(&fakeSock{
		family:     bpf.AF_INET6,
		num:        5000,
		dport:      8080,
		v6RcvSaddr: local,
		v6Daddr:    remote,
		// IPv4 fields must be ignored for IPv6 sockets.
		rcvSaddr: [4]byte{1, 1, 1, 1},
	})

	assert.Equal(t, uint16(bpf.AF_INET6), info.Family)
	assert.Equal(t, uint16(8080), info.RemotePort)
	assert.Equal(t, local, info.LocalAddr)
	assert.Equal(t, remote, info.RemoteAddr)
}

func TestExtractSocketInfo_UnknownFamilyZeroesFields(t *testing.T) {
	sk := ipv4Sock([4]byte{10, 0, 0, 5}, 443)
	sk.family = 1 // AF_UNIX

	info := ExtractSocketInfo(sk)
	assert.Equal(t, bpf.SocketInfo{Family: 1}, info)
}

func TestExtractSocketInfo_FaultsDegradeSingleFields(t *testing.T) {
	sk := ipv4Sock([4]byte{10, 0, 0, 5}, 443)
	sk.faults = map[string]bool{"daddr": true, "num": true}

	info := ExtractSocketInfo(sk)
	assert.Equal(t, uint16(bpf.AF_INET), info.Family)
	assert.Equal(t, [16]byte{}, info.RemoteAddr)
	assert.Zero(t, info.LocalPort)
	assert.Equal(t, uint16(443), info.RemotePort)
	assert.Equal(t, [16]byte{192, 168, 1, 10}, info.LocalAddr)
}

func TestExtractSocketInfo_FamilyFault(t *testing.T) {
	sk := ipv4Sock([4]byte{10, 0, 0, 5}, 443)
	sk.faults = map[string]bool{"family": true}

	assert.Equal(t, bpf.SocketInfo{}, ExtractSocketInfo(sk))
	assert.Equal(t, bpf.SocketInfo{}, ExtractSocketInfo(nil))
}
