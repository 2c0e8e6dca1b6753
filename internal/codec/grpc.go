// ABOUTME: gRPC encoding.Codec that carries CBOR instead of protobuf
// ABOUTME: Registered under the "cbor" content subtype at package init

package codec

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the gRPC content subtype for CBOR frames.
const Name = "cbor"

// GRPCCodec implements encoding.Codec on top of Marshal and Unmarshal.
type GRPCCodec struct{}

func init() {
	encoding.RegisterCodec(GRPCCodec{})
}

// Marshal implements encoding.Codec.
func (GRPCCodec) Marshal(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal implements encoding.Codec.
func (GRPCCodec) Unmarshal(data []byte, v any) error {
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor unmarshal %T: %w", v, err)
	}
	return nil
}

// Name implements encoding.Codec.
func (GRPCCodec) Name() string {
	return Name
}
