// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"sync"
)

// Kind distinguishes the four procedure shapes a Stream can carry.
type Kind string

const (
	KindRPC          Kind = "rpc"
	KindUpload       Kind = "upload"
	KindSubscription Kind = "subscription"
	KindStream       Kind = "stream"
)

// Side identifies which end of a Stream the local process owns.
type Side string

const (
	SideClient Side = "client"
	SideServer Side = "server"
)

// State is a Stream's lifecycle stage (spec.md §4.4).
type State string

const (
	StateOpen             State = "Open"
	StateHalfClosedLocal  State = "HalfClosedLocal"
	StateHalfClosedRemote State = "HalfClosedRemote"
	StateClosed           State = "Closed"
	StateAborted          State = "Aborted"
)

// frameSender delivers an outbound data/close/abort frame for a stream. The
// Session implementation stamps id/from/to/seq/ack; Stream only supplies the
// control flags and payload.
type frameSender func(flags ControlFlags, payload any) error

// Stream is one logical procedure invocation multiplexed over a Session.
// Per spec.md §3, exactly one local owner exists for each readable/writable
// half: a client Stream owns reqWritable/resReadable, a server Stream owns
// reqReadable/resWritable. The unused fields on each side are left nil.
type Stream struct {
	ID            StreamID
	ServiceName   string
	ProcedureName string
	Kind          Kind
	Side          Side

	// ReqReadable is populated on the server for upload/stream, fed by
	// inbound client data frames.
	ReqReadable *Readable[any]
	// ReqWritable is populated on the client for upload/stream.
	ReqWritable *Writable[any]
	// ResReadable is populated on the client for all four kinds: it
	// receives either the single terminal Result (rpc/upload) or the N
	// data frames (subscription/stream).
	ResReadable *Readable[any]
	// ResWritable is populated on the server for all four kinds,
	// symmetric to ResReadable.
	ResWritable *Writable[any]

	handlerCtx    context.Context
	handlerCancel context.CancelCauseFunc

	send frameSender

	mu             sync.Mutex
	state          State
	localReqDone   bool
	localResDone   bool
	remoteReqDone  bool
	remoteResDone  bool
	tombstoned     bool

	cleanupMu    sync.Mutex
	cleanupStack []func()
	cleanupRan   bool
}

func newStream(id StreamID, service, proc string, kind Kind, side Side, send frameSender) *Stream {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Stream{
		ID:            id,
		ServiceName:   service,
		ProcedureName: proc,
		Kind:          kind,
		Side:          side,
		state:         StateOpen,
		handlerCtx:    ctx,
		handlerCancel: cancel,
		send:          send,
	}
}

// newClientStream constructs a client-owned Stream: ReqWritable for
// upload/stream kinds, ResReadable always. A client never owns ResWritable
// and has no inbound signal for "server finished reading the request", so
// localResDone and remoteReqDone are trivially true on this side: the only
// closure this Stream needs to observe over the wire is the server's
// response close (remoteResDone, set by handleInbound below).
func newClientStream(id StreamID, service, proc string, kind Kind, send frameSender) *Stream {
	s := newStream(id, service, proc, kind, SideClient, send)
	s.ResReadable = NewReadable[any]()
	s.localResDone = true
	s.remoteReqDone = true
	if kind == KindUpload || kind == KindStream {
		s.ReqWritable = NewWritable[any](
			func(v any) error { return s.send(0, v) },
			func() { s.localCloseReq() },
		)
	} else {
		// rpc/subscription: the request half closes with the open frame.
		s.localReqDone = true
	}
	return s
}

// newServerStream constructs a server-owned Stream: ReqReadable for
// upload/stream kinds, ResWritable always. A server never owns ReqWritable
// and has no inbound signal for "client finished reading the response", so
// localReqDone and remoteResDone are trivially true on this side: the only
// closure this Stream needs to observe over the wire is the client's
// request close (remoteReqDone, set below or by handleInbound).
func newServerStream(id StreamID, service, proc string, kind Kind, send frameSender) *Stream {
	s := newStream(id, service, proc, kind, SideServer, send)
	s.ResWritable = NewWritable[any](
		func(v any) error { return s.send(0, v) },
		func() { s.localCloseRes() },
	)
	s.localReqDone = true
	s.remoteResDone = true
	if kind == KindUpload || kind == KindStream {
		s.ReqReadable = NewReadable[any]()
	} else {
		s.remoteReqDone = true
	}
	return s
}

// Context is cancelled when the peer aborts the stream or the session
// disconnects without resumption; handlers select on Done() per spec.md §4.6.
func (s *Stream) Context() context.Context { return s.handlerCtx }

// State returns the stream's current lifecycle stage.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) localCloseReq() {
	s.mu.Lock()
	already := s.localReqDone
	s.localReqDone = true
	s.mu.Unlock()
	if already {
		return
	}
	s.send(FlagStreamClosed, nil)
	s.maybeFinish()
}

func (s *Stream) localCloseRes() {
	s.mu.Lock()
	already := s.localResDone
	s.localResDone = true
	s.mu.Unlock()
	if already {
		return
	}
	s.send(FlagStreamClosed, nil)
	s.maybeFinish()
}

// handleInbound routes one inbound data/control frame for this stream,
// honoring StreamClosed/StreamAbort per spec.md §4.4.
func (s *Stream) handleInbound(flags ControlFlags, payload any) {
	s.mu.Lock()
	if s.tombstoned {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if flags.Has(FlagStreamAbort) {
		s.handleRemoteAbort(payload)
		return
	}

	if payload != nil {
		switch s.Side {
		case SideServer:
			if s.ReqReadable != nil {
				s.ReqReadable.pushValue(OkResult(payload))
			}
		case SideClient:
			if s.ResReadable != nil {
				s.ResReadable.pushValue(OkResult(payload))
			}
		}
	}

	if flags.Has(FlagStreamClosed) {
		switch s.Side {
		case SideServer:
			s.mu.Lock()
			s.remoteReqDone = true
			s.mu.Unlock()
			if s.ReqReadable != nil {
				s.ReqReadable.triggerClose()
			}
		case SideClient:
			s.mu.Lock()
			s.remoteResDone = true
			s.mu.Unlock()
			if s.ResReadable != nil {
				s.ResReadable.triggerClose()
			}
		}
		s.maybeFinish()
	}
}

// handleRemoteAbort tears down both local halves in response to a peer
// StreamAbort frame carrying an Err Result payload.
func (s *Stream) handleRemoteAbort(payload any) {
	result := abortResult(payload)
	s.teardown(result, false)
}

// Abort is the local-initiated counterpart: it sends a StreamAbort frame,
// then tears down both local halves exactly as a remote abort would.
func (s *Stream) Abort(code, message string) {
	result := ErrResult[any](code, message)
	s.send(FlagStreamAbort, result)
	s.teardown(result, true)
}

func (s *Stream) teardown(result Result[any], causedLocally bool) {
	s.mu.Lock()
	if s.state == StateAborted || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateAborted
	s.tombstoned = true
	s.mu.Unlock()

	if s.ResReadable != nil {
		s.ResReadable.pushValue(result)
		s.ResReadable.triggerClose()
	}
	if s.ReqReadable != nil {
		s.ReqReadable.Break()
	}
	if s.ReqWritable != nil {
		s.ReqWritable.Close()
	}
	if s.ResWritable != nil {
		s.ResWritable.Close()
	}
	reason := result.Err
	if reason == nil {
		reason = &ResultError{Code: CodeAbort, Message: "aborted"}
	}
	s.handlerCancel(reason)
	s.runCleanup()
}

// maybeFinish transitions Open/HalfClosed states once both halves have
// wound down, and runs cleanup exactly once.
func (s *Stream) maybeFinish() {
	s.mu.Lock()
	if s.state == StateAborted || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	reqDone := s.localReqDone && s.remoteReqDone
	resDone := s.localResDone && s.remoteResDone
	switch {
	case reqDone && resDone:
		s.state = StateClosed
	case reqDone || resDone:
		// HalfClosedLocal once this side has closed the half it sends
		// (request on the client, response on the server); otherwise the
		// peer closed its sending half first.
		s.state = StateHalfClosedRemote
		if (s.Side == SideClient && s.localReqDone) || (s.Side == SideServer && s.localResDone) {
			s.state = StateHalfClosedLocal
		}
	}
	finished := s.state == StateClosed
	s.mu.Unlock()
	if finished {
		s.handlerCancel(nil)
		s.runCleanup()
	}
}

// DeferCleanup registers fn to run, in LIFO order, once the stream fully
// closes. If the stream already finished, fn runs immediately.
func (s *Stream) DeferCleanup(fn func()) {
	s.cleanupMu.Lock()
	if s.cleanupRan {
		s.cleanupMu.Unlock()
		runCleanupFn(fn)
		return
	}
	s.cleanupStack = append(s.cleanupStack, fn)
	s.cleanupMu.Unlock()
}

func (s *Stream) runCleanup() {
	s.cleanupMu.Lock()
	if s.cleanupRan {
		s.cleanupMu.Unlock()
		return
	}
	s.cleanupRan = true
	stack := s.cleanupStack
	s.cleanupStack = nil
	s.cleanupMu.Unlock()

	for i := len(stack) - 1; i >= 0; i-- {
		runCleanupFn(stack[i])
	}
}

// runCleanupFn runs fn, containing a panic so one bad cleanup never blocks
// the rest of the LIFO stack.
func runCleanupFn(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// abortResult extracts the Err Result carried by a StreamAbort payload,
// falling back to a generic ABORT if the peer sent something malformed.
// payload arrives either already-typed (an in-process session, or a
// producer that builds the Result directly) or as the raw bytes a Codec
// left behind pending second-stage decode (every over-the-wire Transport):
// both shapes are handled here since Stream has no Codec of its own.
func abortResult(payload any) Result[any] {
	switch p := payload.(type) {
	case Result[any]:
		return p
	case *Result[any]:
		if p != nil {
			return *p
		}
	case []byte:
		var r Result[any]
		if err := jsonUnmarshal(p, &r); err == nil {
			return r
		}
	default:
		if data, err := jsonMarshal(payload); err == nil {
			var r Result[any]
			if err := jsonUnmarshal(data, &r); err == nil {
				return r
			}
		}
	}
	return ErrResult[any](CodeAbort, "aborted by peer")
}
