// ABOUTME: Local (exported) and remote (imported) capabilities
// ABOUTME: Method tables, release hooks and scope-checked outbound calls

package rpc

import (
	"sync"
	"sync/atomic"

	"github.com/2389/conure/internal/codec"
)

// Method handles one inbound call. It runs on the session's executor.
// Returning a nil *Results acknowledges the call with empty content.
type Method func(s Scope, call *Call) (*Results, error)

// Local is a capability implemented in this process. It can be published
// as a session's bootstrap or passed to the peer in a call or return.
type Local struct {
	name    string
	methods map[string]Method

	release     func()
	releaseOnce sync.Once
}

// NewLocal creates a capability that dispatches calls by method name.
func NewLocal(name string, methods map[string]Method) *Local {
	return &Local{name: name, methods: methods}
}

// OnRelease sets a hook that runs once, when the peer releases the
// capability or when the session exporting it is torn down. Bootstrap
// capabilities are shared across sessions and never released.
func (l *Local) OnRelease(fn func()) *Local {
	l.release = fn
	return l
}

// Name returns the capability's name, used in logs and errors.
func (l *Local) Name() string {
	return l.name
}

func (l *Local) dispatch(s Scope, call *Call) (*Results, error) {
	m, ok := l.methods[call.Method]
	if !ok {
		return nil, &Error{Kind: KindUnimplemented, Message: l.name + "." + call.Method}
	}
	return m(s, call)
}

func (l *Local) runRelease() {
	l.releaseOnce.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// Client is a reference to a capability exported by the peer. It is bound
// to the session it arrived on and can only be called through that
// session's Scope.
type Client struct {
	sess     *Session
	id       uint32
	released atomic.Bool
}

// Session returns the session that owns this capability.
func (c *Client) Session() *Session {
	return c.sess
}

// Call issues a method call and returns a promise for its answer. It never
// blocks on the peer. params is CBOR-encoded; caps are exported on the
// session and delivered as the call's capability table.
func (c *Client) Call(s Scope, method string, params any, caps ...*Local) *Promise {
	if s.sess != c.sess {
		return rejected(ErrWrongSession)
	}
	if c.released.Load() {
		return rejected(ErrReleased)
	}

	var content codec.RawMessage
	if params != nil {
		data, err := codec.Marshal(params)
		if err != nil {
			return rejected(Failed("encoding %s params: %v", method, err))
		}
		content = data
	}

	return c.sess.call(c.id, method, content, caps)
}

// Release tells the peer this side no longer needs the capability. Later
// calls on c fail with ErrReleased.
func (c *Client) Release(s Scope) {
	if s.sess != c.sess || !c.released.CompareAndSwap(false, true) {
		return
	}
	c.sess.release(c.id)
}

// Scope grants access to a session's capabilities. It is only handed out
// to code running on that session's executor.
type Scope struct {
	sess *Session
}

// Session returns the session this scope belongs to.
func (s Scope) Session() *Session {
	return s.sess
}
