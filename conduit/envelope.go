// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package conduit implements the core of a schema-typed RPC framework that
// multiplexes unary, client-streaming, server-streaming, and bidirectional
// procedures over a single reliable ordered byte pipe.
package conduit

import "fmt"

// ControlFlags is a bitset carried on every Envelope describing stream
// lifecycle transitions. It is the sole source of truth for whether a
// frame opens, closes, or aborts its stream.
type ControlFlags uint8

const (
	// FlagStreamOpen marks the first frame sent by a stream's originator. It
	// carries ServiceName and ProcedureName.
	FlagStreamOpen ControlFlags = 1 << iota
	// FlagStreamClosed marks the sender's last payload-bearing frame for the
	// stream; the half is now HalfClosedLocal from the sender's view.
	FlagStreamClosed
	// FlagStreamCloseRequest politely asks the peer to wind down and
	// eventually set FlagStreamClosed. It does not itself close anything.
	FlagStreamCloseRequest
	// FlagStreamAbort is terminal: both halves of the stream are torn down
	// and Payload carries an Err Result.
	FlagStreamAbort
)

func (f ControlFlags) Has(bit ControlFlags) bool { return f&bit != 0 }

func (f ControlFlags) String() string {
	if f == 0 {
		return "none"
	}
	var s string
	add := func(bit ControlFlags, name string) {
		if f.Has(bit) {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(FlagStreamOpen, "OPEN")
	add(FlagStreamClosed, "CLOSED")
	add(FlagStreamCloseRequest, "CLOSE_REQUEST")
	add(FlagStreamAbort, "ABORT")
	return s
}

// StreamID uniquely identifies a logical stream within a session.
type StreamID string

// ControlPayload is the payload of a dedicated control envelope (no stream
// lifecycle bits set, no ServiceName/ProcedureName). It carries the
// handshake exchange and bare acks/closes.
type ControlPayload struct {
	Type ControlType `json:"type"`

	// Handshake fields, present when Type is HandshakeReq or HandshakeResp.
	ProtocolVersion      string                `json:"protocolVersion,omitempty"`
	SessionID            string                `json:"sessionId,omitempty"`
	ExpectedSessionState *ExpectedSessionState `json:"expectedSessionState,omitempty"`
	Metadata             any                   `json:"metadata,omitempty"`

	// HandshakeResp fields.
	OK     bool   `json:"ok,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ControlType discriminates the kind of a dedicated control payload.
type ControlType string

const (
	ControlHandshakeReq  ControlType = "HANDSHAKE_REQ"
	ControlHandshakeResp ControlType = "HANDSHAKE_RESP"
	ControlClose         ControlType = "CLOSE"
	ControlAck           ControlType = "ACK"
)

// ExpectedSessionState is sent by a client attempting to resume a session: it
// tells the server what the client already believes about sequencing.
type ExpectedSessionState struct {
	NextExpectedSeq uint64 `json:"nextExpectedSeq"`
	NextSentSeq     uint64 `json:"nextSentSeq"`
}

// Envelope is the unit of transmission between session peers. Exactly one of
// Payload's dynamic types applies: a user value, a Result[any], or a
// *ControlPayload.
type Envelope struct {
	// ID is an opaque unique id for tracing only; it plays no role in
	// ordering or deduplication.
	ID string `json:"id"`

	From string `json:"from"`
	To   string `json:"to"`

	// Seq is the sender's monotonically increasing per-session counter.
	Seq uint64 `json:"seq"`
	// Ack is the highest contiguous Seq the sender has observed from the peer.
	Ack uint64 `json:"ack"`

	StreamID     StreamID     `json:"streamId,omitempty"`
	ControlFlags ControlFlags `json:"controlFlags"`

	// ServiceName/ProcedureName are present only when ControlFlags has
	// FlagStreamOpen set.
	ServiceName   string `json:"serviceName,omitempty"`
	ProcedureName string `json:"procedureName,omitempty"`

	// Tracing is an opaque propagation context forwarded unexamined.
	Tracing any `json:"tracing,omitempty"`

	Payload any `json:"payload,omitempty"`
}

func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{id=%s seq=%d ack=%d stream=%s flags=%s}", e.ID, e.Seq, e.Ack, e.StreamID, e.ControlFlags)
}

// isControl reports whether the envelope is a dedicated control frame (no
// stream lifecycle bits, empty payload semantics handled by the codec).
func (e *Envelope) isControl() bool {
	_, ok := e.Payload.(*ControlPayload)
	return ok
}
