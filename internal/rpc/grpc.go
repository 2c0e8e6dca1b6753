// ABOUTME: gRPC binding: one bidirectional stream per session, CBOR frames
// ABOUTME: Hand-written ServiceDesc so no generated protobuf code is needed

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/conure/internal/codec"
)

const (
	serviceName = "conure.Conure"
	sessionPath = "/" + serviceName + "/Session"
)

// SessionServer accepts sessions carried on gRPC streams.
type SessionServer interface {
	ServeSession(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SessionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "conure/session.cbor",
}

func sessionStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SessionServer).ServeSession(stream)
}

// GRPCAcceptor turns incoming gRPC streams into server-side sessions.
type GRPCAcceptor struct {
	Options Options

	// OnSession is called with each new session before its stream handler
	// starts waiting for it to end.
	OnSession func(*Session)
}

// Register installs the session service on srv.
func (a *GRPCAcceptor) Register(srv *grpc.Server) {
	srv.RegisterService(&serviceDesc, a)
}

// ServeSession implements SessionServer. The stream stays open for as long
// as the session lives.
func (a *GRPCAcceptor) ServeSession(stream grpc.ServerStream) error {
	t := newServerStreamTransport(stream)
	sess := NewSession(t, a.Options)
	if a.OnSession != nil {
		a.OnSession(sess)
	}

	<-sess.Done()

	err := sess.Err()
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, ErrClosed):
		return nil
	case status.Code(err) == codes.Canceled:
		return nil
	default:
		return status.Errorf(codes.Aborted, "session ended: %v", err)
	}
}

type serverStreamTransport struct {
	stream grpc.ServerStream
	addr   string
	closed chan struct{}
	once   sync.Once
}

func newServerStreamTransport(stream grpc.ServerStream) *serverStreamTransport {
	t := &serverStreamTransport{
		stream: stream,
		closed: make(chan struct{}),
	}
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		t.addr = p.Addr.String()
	}
	return t
}

func (t *serverStreamTransport) Send(f *Frame) error {
	return t.stream.SendMsg(f)
}

func (t *serverStreamTransport) Recv() (*Frame, error) {
	f := new(Frame)
	if err := t.stream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Close marks the transport closed. The stream itself ends when
// ServeSession returns, which happens once the session is torn down.
func (t *serverStreamTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *serverStreamTransport) RemoteAddr() string {
	return t.addr
}

type clientStreamTransport struct {
	stream grpc.ClientStream
	conn   *grpc.ClientConn
	cancel context.CancelFunc
	target string
	once   sync.Once
}

func (t *clientStreamTransport) Send(f *Frame) error {
	return t.stream.SendMsg(f)
}

func (t *clientStreamTransport) Recv() (*Frame, error) {
	f := new(Frame)
	if err := t.stream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (t *clientStreamTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		err = t.conn.Close()
	})
	return err
}

func (t *clientStreamTransport) RemoteAddr() string {
	return t.target
}

// DialGRPC opens a session stream to a gateway. The connection is
// plaintext unless dialOpts override the transport credentials. The
// session outlives ctx, which only bounds stream setup.
func DialGRPC(ctx context.Context, target string, opts Options, dialOpts ...grpc.DialOption) (*Session, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codec.Name),
			grpc.MaxCallRecvMsgSize(codec.MaxFrameSize),
		),
	}
	conn, err := grpc.NewClient(target, append(base, dialOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", target, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], sessionPath, grpc.WaitForReady(true))
	if !stop() {
		cancel()
		_ = conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("opening session stream to %s: %w", target, err)
	}
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("opening session stream to %s: %w", target, err)
	}

	t := &clientStreamTransport{
		stream: stream,
		conn:   conn,
		cancel: cancel,
		target: target,
	}
	return NewSession(t, opts), nil
}
