// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"fmt"

	segjson "github.com/segmentio/encoding/json"

	"github.com/conduitrpc/conduit/conduit/internal/strict"
)

// JSONCodec is the default [Codec]/[PayloadCodec]: the "JSON-with-embedded
// bytes" wire format named in spec.md §1/§6. It uses
// github.com/segmentio/encoding/json rather than the standard library for
// the hot envelope encode/decode path, matching the teacher's use of the
// same library to accelerate its own message codec.
//
// Binary payload fields round-trip as base64 strings, exactly as
// encoding/json already does for []byte; JSONCodec relies on that behavior
// rather than reimplementing it.
type JSONCodec struct {
	// Strict enables strict-mode decoding (see internal/strict) in Decode,
	// for the envelope's top-level fields, and in DecodePayload, for payload
	// bodies: unknown fields and case-smuggled field names are rejected
	// rather than silently ignored, and Decode also rejects case-colliding
	// duplicate keys anywhere in the frame. Decode's own discrimination of
	// control payloads stays lenient. Defaults to false (lenient), matching
	// the Codec contract's "must tolerate unknown fields".
	Strict bool
}

// wireEnvelope mirrors Envelope but leaves Payload as a raw message so
// Decode can discriminate control frames from user payloads before handing
// the latter to procedure-specific unmarshaling.
type wireEnvelope struct {
	ID            string             `json:"id"`
	From          string             `json:"from"`
	To            string             `json:"to"`
	Seq           uint64             `json:"seq"`
	Ack           uint64             `json:"ack"`
	StreamID      StreamID           `json:"streamId,omitempty"`
	ControlFlags  ControlFlags       `json:"controlFlags"`
	ServiceName   string             `json:"serviceName,omitempty"`
	ProcedureName string             `json:"procedureName,omitempty"`
	Tracing       any                `json:"tracing,omitempty"`
	Payload       segjson.RawMessage `json:"payload,omitempty"`
}

func (c JSONCodec) Encode(e *Envelope) ([]byte, error) {
	w := wireEnvelope{
		ID: e.ID, From: e.From, To: e.To,
		Seq: e.Seq, Ack: e.Ack,
		StreamID: e.StreamID, ControlFlags: e.ControlFlags,
		ServiceName: e.ServiceName, ProcedureName: e.ProcedureName,
		Tracing: e.Tracing,
	}
	if e.Payload != nil {
		raw, err := segjson.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("conduit: encode payload: %w", err)
		}
		w.Payload = raw
	}
	return segjson.Marshal(w)
}

func (c JSONCodec) Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	var err error
	if c.Strict {
		err = strict.Unmarshal(data, &w)
	} else {
		err = segjson.Unmarshal(data, &w)
	}
	if err != nil {
		return nil, fmt.Errorf("conduit: decode envelope: %w", err)
	}

	e := &Envelope{
		ID: w.ID, From: w.From, To: w.To,
		Seq: w.Seq, Ack: w.Ack,
		StreamID: w.StreamID, ControlFlags: w.ControlFlags,
		ServiceName: w.ServiceName, ProcedureName: w.ProcedureName,
		Tracing: w.Tracing,
	}
	if len(w.Payload) == 0 {
		return e, nil
	}

	// Discriminate: a control payload has a recognizable "type" field; a
	// Result has an "ok" boolean; anything else is an opaque user payload
	// left as raw bytes for DecodePayload to interpret against a schema.
	var probe struct {
		Type *ControlType `json:"type"`
		OK   *bool        `json:"ok"`
	}
	if err := segjson.Unmarshal(w.Payload, &probe); err == nil && probe.Type != nil {
		var cp ControlPayload
		if err := segjson.Unmarshal(w.Payload, &cp); err != nil {
			return nil, fmt.Errorf("conduit: decode control payload: %w", err)
		}
		e.Payload = &cp
		return e, nil
	}
	if err == nil && probe.OK != nil {
		e.Payload = w.Payload // caller re-decodes into Result[T] once T is known
		return e, nil
	}
	e.Payload = w.Payload
	return e, nil
}

// DecodePayload decodes raw (a segjson.RawMessage produced by Decode, or any
// value already of the destination type) into v.
func (c JSONCodec) DecodePayload(raw any, v any) error {
	switch r := raw.(type) {
	case segjson.RawMessage:
		if c.Strict {
			return strict.Unmarshal(r, v)
		}
		return segjson.Unmarshal(r, v)
	case []byte:
		if c.Strict {
			return strict.Unmarshal(r, v)
		}
		return segjson.Unmarshal(r, v)
	default:
		// Already-typed value (e.g. from an in-memory transport that skips
		// serialization entirely): remarshal through JSON to normalize it
		// into v's type, matching the teacher's util.remarshal helper.
		data, err := segjson.Marshal(raw)
		if err != nil {
			return err
		}
		return segjson.Unmarshal(data, v)
	}
}

var _ PayloadCodec = JSONCodec{}
