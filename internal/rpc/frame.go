// ABOUTME: Wire frames exchanged on a session
// ABOUTME: Calls, returns, releases and aborts, all CBOR-encoded

package rpc

import "github.com/2389/conure/internal/codec"

// frameKind identifies the frame type on the wire.
type frameKind uint8

const (
	frameCall frameKind = iota + 1
	frameReturn
	frameRelease
	frameAbort
)

// bootstrapID is the export ID of each side's bootstrap capability.
const bootstrapID uint32 = 0

// Frame is one message on a session.
//
// A call targets an export of the receiver and carries a question ID the
// receiver echoes in its return. Caps lists export IDs the sender
// allocated for capabilities passed in Content's call or return.
type Frame struct {
	Kind     frameKind        `cbor:"k"`
	Question uint64           `cbor:"q,omitempty"`
	Target   uint32           `cbor:"t,omitempty"`
	Method   string           `cbor:"m,omitempty"`
	Content  codec.RawMessage `cbor:"c,omitempty"`
	Caps     []uint32         `cbor:"p,omitempty"`
	Error    *wireError       `cbor:"e,omitempty"`
}

type wireError struct {
	Kind    Kind   `cbor:"k"`
	Message string `cbor:"m,omitempty"`
}

func (w *wireError) err() *Error {
	return &Error{Kind: w.Kind, Message: w.Message}
}
