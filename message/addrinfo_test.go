package message

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPToUint32RoundTrip(t *testing.T) {
	ip := net.ParseIP("10.0.0.17")
	v := IPToUint32(ip)
	assert.Equal(t, "10.0.0.17", ipToString(v))
}

func TestIPToUint32RejectsNonIPv4(t *testing.T) {
	v := IPToUint32(net.ParseIP("::1"))
	assert.Equal(t, uint32(0), v)
}

func TestAddrInfoString(t *testing.T) {
	a := AddrInfo{IP: IPToUint32(net.ParseIP("192.168.1.5")), Port: 9001, ID: PeerId(3)}
	assert.Equal(t, "192.168.1.5:9001#3", a.String())
}

func TestUnassignedPeerId(t *testing.T) {
	assert.Equal(t, PeerId(-1), UnassignedPeerId)
}
