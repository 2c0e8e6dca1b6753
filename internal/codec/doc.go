// Package codec provides the CBOR encoding used on the agent wire.
//
// Every frame exchanged between an agent and the gateway is a CBOR value.
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// logical frame always produces the same bytes.
//
// For buffers:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For streams (raw TCP sessions):
//
//	enc := codec.NewEncoder(conn)
//	dec := codec.NewDecoder(conn)
//
// The package also registers a gRPC codec named "cbor". gRPC sessions
// select it with grpc.CallContentSubtype(codec.Name); the server picks it
// up automatically from the request content-type.
package codec
