// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

// Reserved Result error codes. Applications may define additional codes for
// their own procedure-level failures (e.g. the "DIV_BY_ZERO" used in
// fallible.divide in the conformance suite).
const (
	// CodeUncaughtError means a handler panicked.
	CodeUncaughtError = "UNCAUGHT_ERROR"
	// CodeAbort means either side explicitly aborted the stream.
	CodeAbort = "ABORT"
	// CodeUnexpectedDisconnect means the client's session grace period
	// elapsed without a reconnect.
	CodeUnexpectedDisconnect = "UNEXPECTED_DISCONNECT"
	// CodeInvalidRequest means an open frame failed schema validation or
	// named an unknown service/procedure.
	CodeInvalidRequest = "INVALID_REQUEST"
	// CodeReadableBroken means a consumer called Readable.Break and the
	// reader subsequently observed this terminal result.
	CodeReadableBroken = "READABLE_BROKEN"
)

// ResultError is the error payload of a failed Result.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Extras  any    `json:"extras,omitempty"`
}

func (e *ResultError) Error() string { return e.Code + ": " + e.Message }

// Result is the tagged union that every rpc/upload terminal response, and
// every subscription/stream data frame's error channel, is expressed in:
// either a success payload of type T, or a typed ResultError.
//
// Result marshals as {"ok":true,"payload":T} or
// {"ok":false,"payload":{"code":...,"message":...,"extras":...}}.
type Result[T any] struct {
	Ok      bool
	Payload T
	Err     *ResultError
}

// OkResult constructs a successful Result.
func OkResult[T any](payload T) Result[T] {
	return Result[T]{Ok: true, Payload: payload}
}

// ErrResult constructs a failed Result.
func ErrResult[T any](code, message string) Result[T] {
	return Result[T]{Err: &ResultError{Code: code, Message: message}}
}

// ErrResultExtras constructs a failed Result carrying structured extras.
func ErrResultExtras[T any](code, message string, extras any) Result[T] {
	return Result[T]{Err: &ResultError{Code: code, Message: message, Extras: extras}}
}

// MarshalJSON implements the {ok,payload} tagged-union wire shape.
func (r Result[T]) MarshalJSON() ([]byte, error) {
	if r.Ok {
		return jsonMarshal(struct {
			OK      bool `json:"ok"`
			Payload T    `json:"payload"`
		}{true, r.Payload})
	}
	errPayload := r.Err
	if errPayload == nil {
		errPayload = &ResultError{Code: CodeUncaughtError, Message: "nil error"}
	}
	return jsonMarshal(struct {
		OK      bool         `json:"ok"`
		Payload *ResultError `json:"payload"`
	}{false, errPayload})
}

// UnmarshalJSON implements the {ok,payload} tagged-union wire shape.
func (r *Result[T]) UnmarshalJSON(data []byte) error {
	var probe struct {
		OK bool `json:"ok"`
	}
	if err := jsonUnmarshal(data, &probe); err != nil {
		return err
	}
	if probe.OK {
		var wire struct {
			Payload T `json:"payload"`
		}
		if err := jsonUnmarshal(data, &wire); err != nil {
			return err
		}
		*r = Result[T]{Ok: true, Payload: wire.Payload}
		return nil
	}
	var wire struct {
		Payload ResultError `json:"payload"`
	}
	if err := jsonUnmarshal(data, &wire); err != nil {
		return err
	}
	*r = Result[T]{Ok: false, Err: &wire.Payload}
	return nil
}
