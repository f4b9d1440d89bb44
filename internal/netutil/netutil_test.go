package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundEndpoint(t *testing.T) {
	bound := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4567}

	ep, err := BoundEndpoint("tcp://127.0.0.1:0", bound)
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:4567", ep)

	ep, err = BoundEndpoint("tcp://*:0", bound)
	require.NoError(t, err)
	assert.Equal(t, TCPEndpoint(InterfaceAddress(), 4567), ep)

	_, err = BoundEndpoint("tcp://127.0.0.1:0", nil)
	assert.Error(t, err)
}

func TestInterfaceAddress(t *testing.T) {
	ip := net.ParseIP(InterfaceAddress())
	require.NotNil(t, ip)
	assert.NotNil(t, ip.To4())
}
