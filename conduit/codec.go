// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	segjson "github.com/segmentio/encoding/json"
)

// jsonMarshal/jsonUnmarshal centralize the JSON implementation used for
// Result's custom MarshalJSON/UnmarshalJSON, so swapping codecs (see
// [Codec]) doesn't require touching the wire-shape logic in result.go.
func jsonMarshal(v any) ([]byte, error)      { return segjson.Marshal(v) }
func jsonUnmarshal(data []byte, v any) error { return segjson.Unmarshal(data, v) }

// A Codec encodes and decodes Envelopes to and from bytes exchanged over a
// Transport. Implementations must be symmetric (encode∘decode is the
// identity up to unknown fields) and must round-trip binary payloads.
//
// The concrete wire format — binary msgpack-like or JSON-with-embedded-bytes
// — is a collaborator external to the core, per the framework's scope: the
// core only depends on this interface.
type Codec interface {
	// Encode marshals an envelope to bytes for transmission.
	Encode(*Envelope) ([]byte, error)
	// Decode unmarshals bytes received from the transport into an envelope.
	// Decode must tolerate unknown fields for forward compatibility. If data
	// represents an empty/heartbeat frame with no meaningful payload, Decode
	// returns an envelope with a nil Payload, not an error.
	Decode([]byte) (*Envelope, error)
}

// PayloadCodec is consulted by a Session to decode a stream's payload field
// into the concrete type a procedure expects, and to recognize control and
// Result payloads. The core ships [JSONCodec], which decodes payloads as
// json.RawMessage and lets callers (server.go's init decoding via schema.go,
// and typed.go's iterators) do the second-stage decode against a
// procedure's schema-derived Go type.
type PayloadCodec interface {
	Codec
	// DecodePayload further decodes a raw payload (as produced by Decode)
	// into v, a pointer to the destination type.
	DecodePayload(raw any, v any) error
}
