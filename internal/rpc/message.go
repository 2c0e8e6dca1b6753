// ABOUTME: Decoded call parameters and answers with their capability tables
// ABOUTME: Results is what a Method hands back to be encoded as a return

package rpc

import (
	"fmt"

	"github.com/2389/conure/internal/codec"
)

// Message is the decoded side of a call or return: CBOR content plus the
// capabilities the sender attached.
type Message struct {
	content codec.RawMessage
	caps    []*Client
}

// Decode unmarshals the content into v. Empty content leaves v untouched.
func (m *Message) Decode(v any) error {
	if len(m.content) == 0 {
		return nil
	}
	if err := codec.Unmarshal(m.content, v); err != nil {
		return Failed("decoding content: %v", err)
	}
	return nil
}

// Cap returns the i-th attached capability.
func (m *Message) Cap(i int) (*Client, error) {
	if i < 0 || i >= len(m.caps) {
		return nil, Failed("missing capability %d (have %d)", i, len(m.caps))
	}
	return m.caps[i], nil
}

// NumCaps returns the number of attached capabilities.
func (m *Message) NumCaps() int {
	return len(m.caps)
}

// Call is an inbound method call.
type Call struct {
	Method string
	Message
}

// Results is a method's answer: a value to encode and capabilities to
// export alongside it.
type Results struct {
	Value any
	Caps  []*Local
}

// Return builds a Results.
func Return(v any, caps ...*Local) *Results {
	return &Results{Value: v, Caps: caps}
}

func (r *Results) encode() (codec.RawMessage, error) {
	if r == nil || r.Value == nil {
		return nil, nil
	}
	data, err := codec.Marshal(r.Value)
	if err != nil {
		return nil, fmt.Errorf("encoding results: %w", err)
	}
	return data, nil
}
