// ABOUTME: Tests for sessions over in-memory stream transports
// ABOUTME: Covers bootstrap calls, capability passing, ordering and teardown

package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newPair connects two sessions over net.Pipe. serverBoot is what the
// client reaches through Bootstrap.
func newPair(t *testing.T, serverBoot *Local) (client, server *Session) {
	t.Helper()

	c1, c2 := net.Pipe()
	server = NewSession(NewStreamTransport(c1), Options{Bootstrap: serverBoot, Logger: testLogger()})
	client = NewSession(NewStreamTransport(c2), Options{Logger: testLogger()})
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func callSync(ctx context.Context, sess *Session, issue func(Scope) *Promise) (*Message, error) {
	var p *Promise
	if err := sess.Do(ctx, func(s Scope) error {
		p = issue(s)
		return nil
	}); err != nil {
		return nil, err
	}
	return p.Await(ctx)
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session teardown")
	}
}

type echoParams struct {
	Text string `cbor:"text"`
}

func echoCapability() *Local {
	return NewLocal("echo", map[string]Method{
		"echo": func(_ Scope, call *Call) (*Results, error) {
			var p echoParams
			if err := call.Decode(&p); err != nil {
				return nil, err
			}
			return Return(echoParams{Text: "echo: " + p.Text}), nil
		},
		"fail": func(Scope, *Call) (*Results, error) {
			return nil, errors.New("boom")
		},
		"panic": func(Scope, *Call) (*Results, error) {
			panic("handler exploded")
		},
	})
}

func TestBootstrapCall(t *testing.T) {
	ctx := t.Context()
	client, _ := newPair(t, echoCapability())

	msg, err := callSync(ctx, client, func(s Scope) *Promise {
		return client.Bootstrap().Call(s, "echo", echoParams{Text: "hi"})
	})
	require.NoError(t, err)

	var out echoParams
	require.NoError(t, msg.Decode(&out))
	assert.Equal(t, "echo: hi", out.Text)
}

func TestCallErrors(t *testing.T) {
	ctx := t.Context()
	client, _ := newPair(t, echoCapability())

	t.Run("method error becomes failed", func(t *testing.T) {
		_, err := callSync(ctx, client, func(s Scope) *Promise {
			return client.Bootstrap().Call(s, "fail", nil)
		})
		require.Error(t, err)
		var rpcErr *Error
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, KindFailed, rpcErr.Kind)
		assert.Contains(t, rpcErr.Message, "boom")
	})

	t.Run("unknown method is unimplemented", func(t *testing.T) {
		_, err := callSync(ctx, client, func(s Scope) *Promise {
			return client.Bootstrap().Call(s, "nope", nil)
		})
		assert.ErrorIs(t, err, ErrUnimplemented)
	})

	t.Run("panic fails the call but not the session", func(t *testing.T) {
		_, err := callSync(ctx, client, func(s Scope) *Promise {
			return client.Bootstrap().Call(s, "panic", nil)
		})
		require.Error(t, err)

		msg, err := callSync(ctx, client, func(s Scope) *Promise {
			return client.Bootstrap().Call(s, "echo", echoParams{Text: "still here"})
		})
		require.NoError(t, err)
		var out echoParams
		require.NoError(t, msg.Decode(&out))
		assert.Equal(t, "echo: still here", out.Text)
	})

	t.Run("no bootstrap on client side", func(t *testing.T) {
		_, server := newPair(t, echoCapability())
		_, err := callSync(ctx, server, func(s Scope) *Promise {
			return server.Bootstrap().Call(s, "echo", nil)
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no capability")
	})
}

func TestCapabilityPassing(t *testing.T) {
	ctx := t.Context()

	received := make(chan *Client, 1)
	registry := NewLocal("registry", map[string]Method{
		"register": func(_ Scope, call *Call) (*Results, error) {
			cb, err := call.Cap(0)
			if err != nil {
				return nil, err
			}
			received <- cb
			sink := NewLocal("sink", map[string]Method{
				"ping": func(Scope, *Call) (*Results, error) { return Return("pong"), nil },
			})
			return Return(nil, sink), nil
		},
	})
	client, server := newPair(t, registry)

	pings := make(chan string, 1)
	callback := NewLocal("callback", map[string]Method{
		"notify": func(_ Scope, call *Call) (*Results, error) {
			var text string
			if err := call.Decode(&text); err != nil {
				return nil, err
			}
			pings <- text
			return nil, nil
		},
	})

	msg, err := callSync(ctx, client, func(s Scope) *Promise {
		return client.Bootstrap().Call(s, "register", nil, callback)
	})
	require.NoError(t, err)
	require.Equal(t, 1, msg.NumCaps())
	sink, err := msg.Cap(0)
	require.NoError(t, err)

	t.Run("returned capability is callable", func(t *testing.T) {
		answer, err := callSync(ctx, client, func(s Scope) *Promise {
			return sink.Call(s, "ping", nil)
		})
		require.NoError(t, err)
		var out string
		require.NoError(t, answer.Decode(&out))
		assert.Equal(t, "pong", out)
	})

	t.Run("passed capability can be called back", func(t *testing.T) {
		var cb *Client
		select {
		case cb = <-received:
		case <-time.After(time.Second):
			t.Fatal("server never received callback")
		}
		assert.Same(t, server, cb.Session())

		_, err := callSync(ctx, server, func(s Scope) *Promise {
			return cb.Call(s, "notify", "hello agent")
		})
		require.NoError(t, err)
		assert.Equal(t, "hello agent", <-pings)
	})
}

func TestWrongScopeIsRejected(t *testing.T) {
	ctx := t.Context()
	clientA, _ := newPair(t, echoCapability())
	clientB, _ := newPair(t, echoCapability())

	_, err := callSync(ctx, clientB, func(s Scope) *Promise {
		return clientA.Bootstrap().Call(s, "echo", nil)
	})
	assert.ErrorIs(t, err, ErrWrongSession)

	var zero Scope
	_, err = clientA.Bootstrap().Call(zero, "echo", nil).Await(ctx)
	assert.ErrorIs(t, err, ErrWrongSession)
}

func TestInboundCallsRunInOrder(t *testing.T) {
	ctx := t.Context()

	var mu sync.Mutex
	var seen []int
	recorder := NewLocal("recorder", map[string]Method{
		"record": func(_ Scope, call *Call) (*Results, error) {
			var n int
			if err := call.Decode(&n); err != nil {
				return nil, err
			}
			mu.Lock()
			seen = append(seen, n)
			mu.Unlock()
			return nil, nil
		},
	})
	client, _ := newPair(t, recorder)

	const n = 50
	promises := make([]*Promise, 0, n)
	require.NoError(t, client.Do(ctx, func(s Scope) error {
		for i := range n {
			promises = append(promises, client.Bootstrap().Call(s, "record", i))
		}
		return nil
	}))
	for _, p := range promises {
		_, err := p.Await(ctx)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for i := range n {
		assert.Equal(t, i, seen[i])
	}
}

func TestTeardown(t *testing.T) {
	t.Run("pending calls fail with disconnected", func(t *testing.T) {
		ctx := t.Context()

		started := make(chan struct{})
		block := make(chan struct{})
		defer close(block)
		slow := NewLocal("slow", map[string]Method{
			"wait": func(Scope, *Call) (*Results, error) {
				close(started)
				<-block
				return nil, nil
			},
		})
		client, server := newPair(t, slow)

		var p *Promise
		require.NoError(t, client.Do(ctx, func(s Scope) error {
			p = client.Bootstrap().Call(s, "wait", nil)
			return nil
		}))
		<-started

		require.NoError(t, server.Close())

		_, err := p.Await(ctx)
		assert.ErrorIs(t, err, ErrDisconnected)
	})

	t.Run("calls after close fail fast", func(t *testing.T) {
		ctx := t.Context()
		client, _ := newPair(t, echoCapability())
		require.NoError(t, client.Close())
		waitDone(t, client)

		err := client.Do(ctx, func(Scope) error { return nil })
		assert.ErrorIs(t, err, ErrDisconnected)
		assert.ErrorIs(t, client.Err(), ErrClosed)
	})

	t.Run("exported capabilities are released once on peer loss", func(t *testing.T) {
		ctx := t.Context()

		var releases atomic.Int32
		registry := NewLocal("registry", map[string]Method{
			"open": func(Scope, *Call) (*Results, error) {
				sink := NewLocal("sink", nil).OnRelease(func() { releases.Add(1) })
				return Return(nil, sink), nil
			},
		})
		client, server := newPair(t, registry)

		_, err := callSync(ctx, client, func(s Scope) *Promise {
			return client.Bootstrap().Call(s, "open", nil)
		})
		require.NoError(t, err)

		require.NoError(t, client.Close())
		waitDone(t, server)
		_ = server.Close()

		assert.Equal(t, int32(1), releases.Load())
		assert.Error(t, server.Err())
	})

	t.Run("explicit release runs hook after earlier calls", func(t *testing.T) {
		ctx := t.Context()

		var order []string
		var mu sync.Mutex
		record := func(s string) {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
		released := make(chan struct{})
		registry := NewLocal("registry", map[string]Method{
			"open": func(Scope, *Call) (*Results, error) {
				sink := NewLocal("sink", map[string]Method{
					"report": func(Scope, *Call) (*Results, error) {
						record("report")
						return nil, nil
					},
				}).OnRelease(func() {
					record("release")
					close(released)
				})
				return Return(nil, sink), nil
			},
		})
		client, _ := newPair(t, registry)

		msg, err := callSync(ctx, client, func(s Scope) *Promise {
			return client.Bootstrap().Call(s, "open", nil)
		})
		require.NoError(t, err)
		sink, err := msg.Cap(0)
		require.NoError(t, err)

		require.NoError(t, client.Do(ctx, func(s Scope) error {
			sink.Call(s, "report", nil)
			sink.Release(s)
			return nil
		}))

		select {
		case <-released:
		case <-time.After(2 * time.Second):
			t.Fatal("release hook never ran")
		}
		mu.Lock()
		assert.Equal(t, []string{"report", "release"}, order)
		mu.Unlock()

		_, err = callSync(ctx, client, func(s Scope) *Promise {
			return sink.Call(s, "report", nil)
		})
		assert.ErrorIs(t, err, ErrReleased)
	})
}
