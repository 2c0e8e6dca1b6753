// ABOUTME: Promise for the answer to an outbound call
// ABOUTME: Resolved exactly once by the session reader or by teardown

package rpc

import (
	"context"
	"sync"
)

// Promise is the pending answer to a call.
type Promise struct {
	done chan struct{}
	once sync.Once
	msg  *Message
	err  error
}

func newPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

func rejected(err error) *Promise {
	p := newPromise()
	p.resolve(nil, err)
	return p
}

func (p *Promise) resolve(msg *Message, err error) {
	p.once.Do(func() {
		p.msg, p.err = msg, err
		close(p.done)
	})
}

// Done is closed when the answer is available.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the answer arrives, the session dies, or ctx ends.
func (p *Promise) Await(ctx context.Context) (*Message, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
