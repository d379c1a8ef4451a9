// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"log/slog"
)

// Middleware runs before a procedure's handler, per open, sharing the
// stream's cleanup stack (spec.md §4.6). Returning a non-nil *ResultError
// short-circuits the open with a StreamAbort instead of invoking the
// handler.
type Middleware func(hctx *HandlerContext) *ResultError

// Server owns a ServiceSchemaMap and drives dispatch for every Session it
// is attached to: it validates opens, decodes/validates init payloads,
// runs the middleware chain, and spawns handlers (spec.md §4.6).
type Server struct {
	Services   ServiceSchemaMap
	Middleware []Middleware
	Codec      PayloadCodec
	Logger     *slog.Logger

	schemas *schemaCache
}

// NewServer returns an empty Server using codec for payload (de)coding.
func NewServer(codec PayloadCodec) *Server {
	logger := slog.Default()
	return &Server{
		Services: NewServiceSchemaMap(),
		Codec:    codec,
		Logger:   logger,
		schemas:  newSchemaCache(),
	}
}

// Use appends mw to the middleware chain, run in registration order.
func (srv *Server) Use(mw Middleware) { srv.Middleware = append(srv.Middleware, mw) }

// AddProcedure registers proc under service/name.
func (srv *Server) AddProcedure(service, name string, proc *Procedure) {
	srv.Services.AddProcedure(service, name, proc)
}

// OnOpen is the Session onOpen hook (see NewSession): it is invoked
// synchronously on the session's own loop goroutine for every inbound
// envelope that opens a stream with no existing streamId. Per spec.md §5's
// concurrency model, it must not block — the handler itself is spawned on
// its own goroutine below.
func (srv *Server) OnOpen(session *Session, env *Envelope) {
	proc, ok := srv.Services.Lookup(env.ServiceName, env.ProcedureName)
	if !ok {
		srv.rejectOpen(session, env.StreamID, CodeInvalidRequest, "unknown service/procedure: "+env.ServiceName+"."+env.ProcedureName)
		return
	}

	initVal, err := proc.decodeInit(srv.schemas, srv.Codec, env.Payload)
	if err != nil {
		srv.rejectOpen(session, env.StreamID, CodeInvalidRequest, err.Error())
		return
	}

	send := func(flags ControlFlags, payload any) error {
		return session.Send(&Envelope{StreamID: env.StreamID, ControlFlags: flags, Payload: payload})
	}
	stream := newServerStream(env.StreamID, env.ServiceName, env.ProcedureName, proc.Kind, send)
	session.RegisterStream(stream)

	hctx := &HandlerContext{
		SessionID:    session.ID,
		RemotePeerID: session.To,
		Metadata:     session.Metadata,
		stream:       stream,
		codec:        srv.Codec,
	}

	for _, mw := range srv.Middleware {
		if resErr := mw(hctx); resErr != nil {
			stream.Abort(resErr.Code, resErr.Message)
			return
		}
	}

	go proc.Handler(hctx, initVal, stream)
}

func (srv *Server) rejectOpen(session *Session, streamID StreamID, code, message string) {
	_ = session.Send(&Envelope{
		StreamID:     streamID,
		ControlFlags: FlagStreamAbort,
		Payload:      ErrResult[any](code, message),
	})
}

// Accept runs the server side of connection setup for one freshly accepted
// Connection: the handshake (with optional resumption against registry),
// then the read loop that feeds inbound frames to the resulting Session.
// It blocks until the connection's read loop ends (peer close, transport
// error, or ctx cancellation), matching the teacher's per-connection serve
// goroutine idiom (mcp/streamable.go, mcp/websocket.go).
func (srv *Server) Accept(ctx context.Context, conn Connection, protocolVersion, localPeerID string, registry *SessionRegistry, sessionCfg SessionConfig, validate AuthValidator) error {
	sessionCfg.Codec = srv.Codec
	session, resumed, metadata, err := AcceptServerHandshake(ctx, conn, srv.Codec, protocolVersion, localPeerID, registry, sessionCfg, srv.OnOpen, validate)
	if err != nil {
		return err
	}
	session.Metadata = metadata
	srv.Logger.Info("conduit: session accepted", "sessionId", session.ID, "resumed", resumed)

	for {
		raw, err := conn.Recv(ctx)
		if err != nil {
			session.Detach()
			return err
		}
		session.HandleInbound(raw)
	}
}
