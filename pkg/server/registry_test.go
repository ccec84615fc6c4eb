package server_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"chatboxd/pkg/server"
)

func newIdleHandler(t *testing.T) *server.ClientHandler {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		_ = serverConn.Close()
		_ = clientConn.Close()
	})
	return server.NewClientHandler(serverConn, nil, nil, server.NewRegistry(), server.NewMetrics())
}

func TestRegistryRegisterDeregister(t *testing.T) {
	req := require.New(t)
	r := server.NewRegistry()
	h1 := newIdleHandler(t)
	h2 := newIdleHandler(t)

	req.NoError(r.Register(1, h1))
	req.ErrorIs(r.Register(1, h2), server.ErrSessionExists)
	req.Equal(1, r.Count())

	got, ok := r.Get(1)
	req.True(ok)
	req.Same(h1, got)

	// A stale handler's cleanup must not evict the live session.
	r.Deregister(1, h2)
	_, ok = r.Get(1)
	req.True(ok)

	r.Deregister(1, h1)
	_, ok = r.Get(1)
	req.False(ok)
	req.Equal(0, r.Count())
}
