// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import "errors"

// Protocol errors are plain Go errors, distinct from the in-band Result
// errors in result.go: they represent failures of the session/transport
// layer itself, never something a procedure handler can catch. Retries
// exceeded, message ordering violations and use-after-destroy are surfaced
// through a Session's protocolError event stream (events.go); handshake
// failures and session state mismatches are returned as errors by
// PerformClientHandshake/AcceptServerHandshake instead. Per spec.md §7,
// they force the transport connection closed without necessarily killing
// the session.
var (
	// ErrHandshakeFailed means the peer's handshake request/response was
	// malformed, used the wrong protocol version, or failed metadata
	// validation.
	ErrHandshakeFailed = errors.New("conduit: handshake failed")
	// ErrRetriesExceeded means the client's reconnect attempt budget was
	// exhausted without a successful connection.
	ErrRetriesExceeded = errors.New("conduit: retries exceeded")
	// ErrMessageOrderingViolated means an inbound envelope's Seq didn't
	// match the session's nextExpectedSeq; the connection (not the
	// session) is dropped.
	ErrMessageOrderingViolated = errors.New("conduit: message ordering violated")
	// ErrSessionStateMismatch means a resumption attempt named a
	// nextExpectedSeq outside the server's retained send buffer.
	ErrSessionStateMismatch = errors.New("conduit: session state mismatch")
	// ErrUseAfterDestroy means an operation was attempted on a session
	// whose grace period already elapsed.
	ErrUseAfterDestroy = errors.New("conduit: use after session destroyed")
)

// ProtocolErrorType classifies a ProtocolError event for programmatic
// handling, mirroring the reserved error codes on Result but for the
// protocol layer.
type ProtocolErrorType string

const (
	ProtocolErrorHandshakeFailed         ProtocolErrorType = "HandshakeFailed"
	ProtocolErrorRetriesExceeded         ProtocolErrorType = "RetriesExceeded"
	ProtocolErrorMessageOrderingViolated ProtocolErrorType = "MessageOrderingViolated"
	ProtocolErrorSessionStateMismatch    ProtocolErrorType = "SessionStateMismatch"
	ProtocolErrorUseAfterDestroy         ProtocolErrorType = "UseAfterDestroy"
)

// ProtocolError is the value delivered on the protocolError event.
type ProtocolError struct {
	Type ProtocolErrorType
	Err  error
}

func (e *ProtocolError) Error() string { return string(e.Type) + ": " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }
