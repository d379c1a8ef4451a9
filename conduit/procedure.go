// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"fmt"
)

// HandlerContext is what a handler or middleware function receives per
// open, per spec.md §4.6: session/peer identity, parsed handshake metadata,
// a cancellation signal, and deferred cleanup registration.
type HandlerContext struct {
	SessionID    string
	RemotePeerID string
	Metadata     any

	stream *Stream
	codec  PayloadCodec
}

// Context is done when the client aborts the stream, the peer's session
// disconnects without resumption, or Cancel is called locally.
func (h *HandlerContext) Context() context.Context { return h.stream.Context() }

// Cancel ends the stream from the handler side: it is translated into a
// server-originated StreamAbort carrying {code, message}.
func (h *HandlerContext) Cancel(code, message string) { h.stream.Abort(code, message) }

// DeferCleanup registers fn to run, LIFO, once the stream fully closes.
func (h *HandlerContext) DeferCleanup(fn func()) { h.stream.DeferCleanup(fn) }

// procedureHandler is the internal, kind-erased call shape every typed
// constructor below compiles down to; server.go invokes this directly once
// it has validated and decoded the open frame's init payload.
type procedureHandler func(hctx *HandlerContext, init any, stream *Stream)

// Procedure is one entry of a ServiceSchemaMap: a procedure's kind, its
// schemas (requestInit is required; requestData/responseError are optional
// depending on kind; responseData is required), and its handler.
type Procedure struct {
	Kind Kind

	RequestInit   *Schema
	RequestData   *Schema
	ResponseData  *Schema
	ResponseError *Schema

	// decodeInit validates and decodes an open frame's raw init payload into
	// the concrete Init type Handler expects, closing over Init the same way
	// Handler does.
	decodeInit func(sc *schemaCache, codec PayloadCodec, raw any) (any, error)

	Handler procedureHandler
}

// ServiceSchemaMap is the server's full procedure registry: service name to
// procedure name to definition (spec.md §4.6).
type ServiceSchemaMap map[string]map[string]*Procedure

// NewServiceSchemaMap returns an empty registry ready for AddProcedure.
func NewServiceSchemaMap() ServiceSchemaMap { return make(ServiceSchemaMap) }

// AddProcedure registers proc under service/name, creating the service's
// procedure map on first use.
func (m ServiceSchemaMap) AddProcedure(service, name string, proc *Procedure) {
	procs, ok := m[service]
	if !ok {
		procs = make(map[string]*Procedure)
		m[service] = procs
	}
	procs[name] = proc
}

// Lookup finds the procedure registered under service/name, if any.
func (m ServiceSchemaMap) Lookup(service, name string) (*Procedure, bool) {
	procs, ok := m[service]
	if !ok {
		return nil, false
	}
	proc, ok := procs[name]
	return proc, ok
}

// safeCall runs fn, containing a panic as an UNCAUGHT_ERROR StreamAbort rather than letting it escape the server's
// dispatch goroutine and take other streams down with it (spec.md §4.6).
func safeCall[Res any](stream *Stream, fn func() Result[Res]) (result Result[Res], aborted bool) {
	defer func() {
		if r := recover(); r != nil {
			stream.Abort(CodeUncaughtError, fmt.Sprintf("%v", r))
			aborted = true
		}
	}()
	result = fn()
	return result, false
}

// safeRun is safeCall's void counterpart, used by subscription/stream
// handlers that report completion via closing their response writable
// rather than returning a Result.
func safeRun(stream *Stream, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			stream.Abort(CodeUncaughtError, fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// decodeInitFunc closes over Init so the server's dispatch path — which only
// has the erased *Procedure — can still produce a concretely typed value to
// hand to Handler.
func decodeInitFunc[Init any](reqInit *Schema) func(sc *schemaCache, codec PayloadCodec, raw any) (any, error) {
	return func(sc *schemaCache, codec PayloadCodec, raw any) (any, error) {
		var init Init
		if err := sc.Validate(codec, reqInit, raw, &init); err != nil {
			return nil, err
		}
		return init, nil
	}
}

// RPCProcedure registers a unary request/reply procedure: the handler
// receives the decoded init payload and returns exactly one Result.
func RPCProcedure[Init, Res any](reqInit, resData *Schema, handler func(hctx *HandlerContext, init Init) Result[Res]) *Procedure {
	return &Procedure{
		Kind:         KindRPC,
		RequestInit:  reqInit,
		ResponseData: resData,
		decodeInit:   decodeInitFunc[Init](reqInit),
		Handler: func(hctx *HandlerContext, initRaw any, stream *Stream) {
			init, _ := initRaw.(Init)
			result, aborted := safeCall(stream, func() Result[Res] { return handler(hctx, init) })
			if aborted {
				return
			}
			_ = stream.ResWritable.Write(result)
			stream.ResWritable.Close()
		},
	}
}

// UploadProcedure registers a client-streaming procedure: the handler reads
// the client's data frames via reqData, then returns exactly one Result.
func UploadProcedure[Init, Data, Res any](reqInit, reqData, resData *Schema, handler func(hctx *HandlerContext, init Init, reqData *TypedReadable[Data]) Result[Res]) *Procedure {
	return &Procedure{
		Kind:         KindUpload,
		RequestInit:  reqInit,
		RequestData:  reqData,
		ResponseData: resData,
		decodeInit:   decodeInitFunc[Init](reqInit),
		Handler: func(hctx *HandlerContext, initRaw any, stream *Stream) {
			init, _ := initRaw.(Init)
			typedReq := newTypedReadable[Data](stream.ReqReadable, hctx.codec)
			result, aborted := safeCall(stream, func() Result[Res] { return handler(hctx, init, typedReq) })
			if aborted {
				return
			}
			_ = stream.ResWritable.Write(result)
			stream.ResWritable.Close()
		},
	}
}

// SubscriptionProcedure registers a server-streaming procedure: the handler
// writes zero or more data frames via resData. The handler's return is not
// itself a close signal (spec.md "Handler return vs. writer close"): a
// handler that spawns a background producer and returns immediately leaves
// resData open until that producer calls Close, or until stream teardown
// (abort/disconnect) closes it out from under an abandoned handler.
func SubscriptionProcedure[Init, Data any](reqInit, resData *Schema, handler func(hctx *HandlerContext, init Init, resData *TypedWritable[Data])) *Procedure {
	return &Procedure{
		Kind:         KindSubscription,
		RequestInit:  reqInit,
		ResponseData: resData,
		decodeInit:   decodeInitFunc[Init](reqInit),
		Handler: func(hctx *HandlerContext, initRaw any, stream *Stream) {
			init, _ := initRaw.(Init)
			typedRes := newTypedWritable[Data](stream.ResWritable)
			safeRun(stream, func() { handler(hctx, init, typedRes) })
		},
	}
}

// StreamProcedure registers a full-duplex procedure: the handler reads the
// client's data frames and writes its own, independently. As with
// SubscriptionProcedure, the handler returning does not close resData; a
// handler may hand resData to a background goroutine and return before that
// goroutine finishes writing.
func StreamProcedure[Init, ReqData, ResData any](reqInit, reqData, resData *Schema, handler func(hctx *HandlerContext, init Init, reqData *TypedReadable[ReqData], resData *TypedWritable[ResData])) *Procedure {
	return &Procedure{
		Kind:         KindStream,
		RequestInit:  reqInit,
		RequestData:  reqData,
		ResponseData: resData,
		decodeInit:   decodeInitFunc[Init](reqInit),
		Handler: func(hctx *HandlerContext, initRaw any, stream *Stream) {
			init, _ := initRaw.(Init)
			typedReq := newTypedReadable[ReqData](stream.ReqReadable, hctx.codec)
			typedRes := newTypedWritable[ResData](stream.ResWritable)
			safeRun(stream, func() { handler(hctx, init, typedReq, typedRes) })
		},
	}
}
