// ABOUTME: Error taxonomy for capability calls
// ABOUTME: Kinds survive the wire so a remote failure keeps its meaning

package rpc

import (
	"errors"
	"fmt"
)

// Kind classifies a call failure.
type Kind uint8

const (
	// KindFailed is a generic failure reported by the callee.
	KindFailed Kind = iota
	// KindDisconnected means the session carrying the call is gone.
	KindDisconnected
	// KindUnimplemented means the target does not implement the method.
	KindUnimplemented
)

func (k Kind) String() string {
	switch k {
	case KindFailed:
		return "failed"
	case KindDisconnected:
		return "disconnected"
	case KindUnimplemented:
		return "unimplemented"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is a call failure with a Kind. errors.Is matches any *Error of the
// same Kind, so errors.Is(err, ErrDisconnected) holds for every
// disconnection regardless of its message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "rpc: " + e.Kind.String()
	}
	return fmt.Sprintf("rpc: %s: %s", e.Kind, e.Message)
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	// ErrFailed matches any failure reported by the callee.
	ErrFailed = &Error{Kind: KindFailed}

	// ErrDisconnected is returned by every call on a session that has
	// been torn down.
	ErrDisconnected = &Error{Kind: KindDisconnected}

	// ErrUnimplemented is returned when a capability has no such method.
	ErrUnimplemented = &Error{Kind: KindUnimplemented}

	// ErrWrongSession is returned when a Client is used with a Scope that
	// belongs to a different session.
	ErrWrongSession = errors.New("rpc: capability used outside its owning session")

	// ErrReleased is returned when calling a Client after Release.
	ErrReleased = errors.New("rpc: capability already released")
)

// Failed returns a KindFailed error with a formatted message.
func Failed(format string, args ...any) *Error {
	return &Error{Kind: KindFailed, Message: fmt.Sprintf(format, args...)}
}

// disconnected wraps the cause of a session failure.
func disconnected(cause error) *Error {
	if cause == nil {
		return &Error{Kind: KindDisconnected, Message: "session closed"}
	}
	var e *Error
	if errors.As(cause, &e) && e.Kind == KindDisconnected {
		return e
	}
	return &Error{Kind: KindDisconnected, Message: cause.Error()}
}

// toWire converts a method error into its wire form.
func toWire(err error) *wireError {
	var e *Error
	if errors.As(err, &e) {
		return &wireError{Kind: e.Kind, Message: e.Message}
	}
	return &wireError{Kind: KindFailed, Message: err.Error()}
}
