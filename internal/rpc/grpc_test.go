// ABOUTME: Tests for the gRPC session binding
// ABOUTME: Uses a real loopback gRPC server with the CBOR codec

package rpc

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func startGRPC(t *testing.T, acceptor *GRPCAcceptor) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	acceptor.Register(srv)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Stop)

	return ln.Addr().String()
}

func TestGRPCSessionRoundTrip(t *testing.T) {
	ctx := t.Context()

	sessions := make(chan *Session, 1)
	addr := startGRPC(t, &GRPCAcceptor{
		Options:   Options{Bootstrap: echoCapability(), Logger: testLogger()},
		OnSession: func(s *Session) { sessions <- s },
	})

	client, err := DialGRPC(ctx, addr, Options{Logger: testLogger()})
	require.NoError(t, err)
	defer client.Close()

	msg, err := callSync(ctx, client, func(s Scope) *Promise {
		return client.Bootstrap().Call(s, "echo", echoParams{Text: "over grpc"})
	})
	require.NoError(t, err)

	var out echoParams
	require.NoError(t, msg.Decode(&out))
	assert.Equal(t, "echo: over grpc", out.Text)

	var server *Session
	select {
	case server = <-sessions:
	case <-time.After(time.Second):
		t.Fatal("acceptor never reported the session")
	}
	assert.NotEmpty(t, server.RemoteAddr())
}

func TestGRPCClientCloseTearsDownServer(t *testing.T) {
	ctx := t.Context()

	var released atomic.Bool
	registry := NewLocal("registry", map[string]Method{
		"open": func(Scope, *Call) (*Results, error) {
			return Return(nil, NewLocal("sink", nil).OnRelease(func() { released.Store(true) })), nil
		},
	})

	sessions := make(chan *Session, 1)
	addr := startGRPC(t, &GRPCAcceptor{
		Options:   Options{Bootstrap: registry, Logger: testLogger()},
		OnSession: func(s *Session) { sessions <- s },
	})

	client, err := DialGRPC(ctx, addr, Options{Logger: testLogger()})
	require.NoError(t, err)

	_, err = callSync(ctx, client, func(s Scope) *Promise {
		return client.Bootstrap().Call(s, "open", nil)
	})
	require.NoError(t, err)

	server := <-sessions
	require.NoError(t, client.Close())

	waitDone(t, server)
	assert.True(t, released.Load(), "sink should be released when the agent goes away")
}
