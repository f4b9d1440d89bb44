// Package storetest runs an embedded coordination store for tests.
package storetest

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/10yihang/cpid/internal/engine/memory"
	"github.com/10yihang/cpid/internal/protocol"
)

// Start serves a fresh keyspace on a loopback port and returns its address.
// The server is stopped when the test ends.
func Start(t testing.TB) string {
	t.Helper()

	store := memory.NewStore(nil)
	srv := protocol.NewServer("127.0.0.1:0", store, nil)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		_ = srv.Stop()
		_ = store.Close()
	})

	addr := srv.Addr()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return addr
}
