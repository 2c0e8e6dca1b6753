// ABOUTME: Transport abstraction plus the raw CBOR-over-TCP binding
// ABOUTME: Dial/Serve helpers for stream connections with Nagle disabled

package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/conure/internal/codec"
)

// Transport moves frames between two peers. Send is only called from the
// session's writer and Recv only from its reader. Close must unblock both.
type Transport interface {
	Send(f *Frame) error
	Recv() (*Frame, error)
	Close() error
	RemoteAddr() string
}

// ErrFrameTooLarge is returned by a stream transport whose peer sent a
// frame larger than codec.MaxFrameSize. The session fails with it.
var ErrFrameTooLarge = fmt.Errorf("rpc: frame exceeds %d bytes", codec.MaxFrameSize)

// streamTransport frames CBOR values directly on a byte stream. CBOR is
// self-delimiting, so no length prefix is needed.
type streamTransport struct {
	conn  net.Conn
	enc   *codec.Encoder
	dec   *codec.Decoder
	limit *frameLimiter

	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport wraps conn. TCP connections get TCP_NODELAY so small
// calls are not held back by Nagle's algorithm.
func NewStreamTransport(conn net.Conn) Transport {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	limit := &frameLimiter{r: bufio.NewReader(conn), max: codec.MaxFrameSize}
	return &streamTransport{
		conn:  conn,
		enc:   codec.NewEncoder(conn),
		dec:   codec.NewDecoder(limit),
		limit: limit,
	}
}

// frameLimiter fails reads once more than max bytes have been pulled since
// the last decoded frame. The decoder reads ahead, so a frame may reach
// the decoder partly buffered; the bound still holds to within one read.
type frameLimiter struct {
	r        io.Reader
	max      int
	n        int
	exceeded bool
}

func (l *frameLimiter) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrFrameTooLarge
	}
	if room := l.max - l.n; len(p) > room+1 {
		p = p[:room+1]
	}
	n, err := l.r.Read(p)
	l.n += n
	if l.n > l.max {
		l.exceeded = true
		return n, ErrFrameTooLarge
	}
	return n, err
}

func (l *frameLimiter) reset() {
	l.n = 0
}

func (t *streamTransport) Send(f *Frame) error {
	return t.enc.Encode(f)
}

func (t *streamTransport) Recv() (*Frame, error) {
	f := new(Frame)
	if err := t.dec.Decode(f); err != nil {
		if t.limit.exceeded {
			return nil, ErrFrameTooLarge
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return nil, io.EOF
		}
		return nil, err
	}
	t.limit.reset()
	return f, nil
}

func (t *streamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *streamTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

const streamDialTimeout = 10 * time.Second

// DialStream connects to a raw stream listener and starts a client-side
// session on it.
func DialStream(ctx context.Context, address string, opts Options) (*Session, error) {
	dialer := net.Dialer{Timeout: streamDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	return NewSession(NewStreamTransport(conn), opts), nil
}

// ServeStream accepts raw stream connections until ctx is cancelled,
// starting a server-side session on each. onSession, if set, is called
// with every new session.
func ServeStream(ctx context.Context, ln net.Listener, opts Options, onSession func(*Session)) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("accept failed", "error", err)
			continue
		}

		sess := NewSession(NewStreamTransport(conn), opts)
		if onSession != nil {
			onSession(sess)
		}
	}
}
