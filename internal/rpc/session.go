// ABOUTME: Session: one transport, its message pump and its capability tables
// ABOUTME: Reader, writer and executor goroutines plus idempotent teardown

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/conure/internal/codec"
)

// ErrClosed is the session error after a local Close.
var ErrClosed = errors.New("rpc: session closed")

const (
	// defaultQueueSize bounds inbound work waiting for the executor. A
	// full queue stalls this session's reader, never another session.
	defaultQueueSize = 128

	outboundQueueSize = 64
)

// Options configures a Session.
type Options struct {
	// Bootstrap is published to the peer as export 0. Nil publishes nothing.
	Bootstrap *Local

	Logger *slog.Logger

	// QueueSize bounds the executor queue. Zero means defaultQueueSize.
	QueueSize int
}

// Session is one bidirectional capability connection. Its message pump
// starts in NewSession and runs until the transport fails or Close is
// called; callers never drive it.
type Session struct {
	id        string
	transport Transport
	logger    *slog.Logger

	mu           sync.Mutex
	exports      map[uint32]*Local
	nextExport   uint32
	questions    map[uint64]*Promise
	nextQuestion uint64
	closed       bool
	err          error

	out      chan *Frame
	tasks    chan func(Scope)
	stop     chan struct{}
	stopOnce sync.Once
	execDone chan struct{}
	done     chan struct{}
}

// NewSession starts a session on t.
func NewSession(t Transport, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	s := &Session{
		id:         uuid.New().String(),
		transport:  t,
		exports:    make(map[uint32]*Local),
		nextExport: bootstrapID + 1,
		questions:  make(map[uint64]*Promise),
		out:        make(chan *Frame, outboundQueueSize),
		tasks:      make(chan func(Scope), queueSize),
		stop:       make(chan struct{}),
		execDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.logger = logger.With("session_id", s.id)
	if opts.Bootstrap != nil {
		s.exports[bootstrapID] = opts.Bootstrap
	}

	go s.readLoop()
	go s.writeLoop()
	go s.execLoop()

	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address reported by the transport.
func (s *Session) RemoteAddr() string {
	return s.transport.RemoteAddr()
}

// Bootstrap returns the peer's bootstrap capability.
func (s *Session) Bootstrap() *Client {
	return &Client{sess: s, id: bootstrapID}
}

// Done is closed once the session is torn down and every release hook of
// its exports has run.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session stopped, or nil while it is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() error {
	s.fail(ErrClosed)
	return nil
}

// Do runs fn on the session's executor and waits for it to return. It must
// not be called from the executor itself.
func (s *Session) Do(ctx context.Context, fn func(Scope) error) error {
	result := make(chan error, 1)
	if err := s.enqueue(ctx, func(sc Scope) { result <- fn(sc) }); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-s.stop:
		select {
		case err := <-result:
			return err
		default:
			return disconnected(s.Err())
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn on the session's executor without waiting for it.
func (s *Session) Post(fn func(Scope)) error {
	return s.enqueue(context.Background(), fn)
}

func (s *Session) enqueue(ctx context.Context, task func(Scope)) error {
	select {
	case <-s.stop:
		return disconnected(s.Err())
	default:
	}

	select {
	case s.tasks <- task:
		return nil
	case <-s.stop:
		return disconnected(s.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) execLoop() {
	defer close(s.execDone)

	scope := Scope{sess: s}
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		select {
		case task := <-s.tasks:
			task(scope)
		case <-s.stop:
			return
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.out:
			if err := s.transport.Send(f); err != nil {
				s.fail(fmt.Errorf("sending frame: %w", err))
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		f, err := s.transport.Recv()
		if err != nil {
			s.fail(err)
			return
		}
		if err := s.handleFrame(f); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) handleFrame(f *Frame) error {
	switch f.Kind {
	case frameCall:
		return s.handleCall(f)
	case frameReturn:
		s.handleReturn(f)
		return nil
	case frameRelease:
		return s.handleRelease(f)
	case frameAbort:
		if f.Error != nil {
			return disconnected(errors.New("peer aborted: " + f.Error.Message))
		}
		return disconnected(errors.New("peer aborted"))
	default:
		return fmt.Errorf("unknown frame kind %d", f.Kind)
	}
}

func (s *Session) handleCall(f *Frame) error {
	s.mu.Lock()
	target, ok := s.exports[f.Target]
	s.mu.Unlock()

	call := &Call{
		Method:  f.Method,
		Message: Message{content: f.Content, caps: s.importCaps(f.Caps)},
	}

	if !ok {
		return s.send(&Frame{
			Kind:     frameReturn,
			Question: f.Question,
			Error:    &wireError{Kind: KindFailed, Message: fmt.Sprintf("no capability %d", f.Target)},
		})
	}

	return s.enqueue(context.Background(), func(sc Scope) {
		s.answer(sc, target, f.Question, call)
	})
}

// answer runs a method and sends its return. A panicking method fails the
// call instead of the process.
func (s *Session) answer(sc Scope, target *Local, question uint64, call *Call) {
	ret := &Frame{Kind: frameReturn, Question: question}

	res, err := func() (res *Results, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("capability method panicked",
					"capability", target.name,
					"method", call.Method,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				err = Failed("%s.%s panicked", target.name, call.Method)
			}
		}()
		return target.dispatch(sc, call)
	}()

	if err == nil {
		content, encErr := res.encode()
		if encErr != nil {
			err = encErr
		} else {
			ret.Content = content
			if res != nil {
				ret.Caps = s.exportCaps(res.Caps)
			}
		}
	}

	if err != nil {
		s.logger.Debug("call failed",
			"capability", target.name,
			"method", call.Method,
			"error", err,
		)
		ret.Content = nil
		ret.Caps = nil
		ret.Error = toWire(err)
	}

	_ = s.send(ret)
}

func (s *Session) handleReturn(f *Frame) {
	s.mu.Lock()
	p, ok := s.questions[f.Question]
	delete(s.questions, f.Question)
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("return for unknown question", "question", f.Question)
		return
	}

	if f.Error != nil {
		p.resolve(nil, f.Error.err())
		return
	}
	p.resolve(&Message{content: f.Content, caps: s.importCaps(f.Caps)}, nil)
}

func (s *Session) handleRelease(f *Frame) error {
	if f.Target == bootstrapID {
		return nil
	}

	s.mu.Lock()
	l, ok := s.exports[f.Target]
	delete(s.exports, f.Target)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	// Queued behind pending calls so release hooks observe every call
	// the peer made before releasing.
	return s.enqueue(context.Background(), func(Scope) { l.runRelease() })
}

func (s *Session) call(target uint32, method string, content codec.RawMessage, caps []*Local) *Promise {
	p := newPromise()

	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return rejected(disconnected(err))
	}
	s.nextQuestion++
	question := s.nextQuestion
	s.questions[question] = p
	s.mu.Unlock()

	f := &Frame{
		Kind:     frameCall,
		Question: question,
		Target:   target,
		Method:   method,
		Content:  content,
		Caps:     s.exportCaps(caps),
	}
	if err := s.send(f); err != nil {
		s.mu.Lock()
		delete(s.questions, question)
		s.mu.Unlock()
		p.resolve(nil, err)
	}
	return p
}

func (s *Session) release(id uint32) {
	_ = s.send(&Frame{Kind: frameRelease, Target: id})
}

func (s *Session) send(f *Frame) error {
	select {
	case s.out <- f:
		return nil
	case <-s.stop:
		return disconnected(s.Err())
	}
}

func (s *Session) importCaps(ids []uint32) []*Client {
	if len(ids) == 0 {
		return nil
	}
	caps := make([]*Client, len(ids))
	for i, id := range ids {
		caps[i] = &Client{sess: s, id: id}
	}
	return caps
}

func (s *Session) exportCaps(locals []*Local) []uint32 {
	if len(locals) == 0 {
		return nil
	}

	ids := make([]uint32, 0, len(locals))
	var orphans []*Local

	s.mu.Lock()
	for _, l := range locals {
		if s.exports == nil {
			// Teardown already ran; nothing will release this export.
			orphans = append(orphans, l)
			continue
		}
		id := s.nextExport
		s.nextExport++
		s.exports[id] = l
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, l := range orphans {
		l.runRelease()
	}
	return ids
}

// fail stops the session exactly once. Pending promises fail with
// ErrDisconnected immediately; release hooks run after the executor exits.
func (s *Session) fail(cause error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = cause
		pending := s.questions
		s.questions = nil
		s.mu.Unlock()

		close(s.stop)
		_ = s.transport.Close()

		derr := disconnected(cause)
		for _, p := range pending {
			p.resolve(nil, derr)
		}

		s.logger.Debug("session stopped", "cause", cause, "pending_calls", len(pending))
		go s.teardown()
	})
}

func (s *Session) teardown() {
	<-s.execDone

	s.mu.Lock()
	exports := s.exports
	s.exports = nil
	s.mu.Unlock()

	for id, l := range exports {
		if id == bootstrapID {
			continue
		}
		l.runRelease()
	}
	close(s.done)
}
