// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ReconnectOptions configures the client's reconnect policy (spec.md §4.3).
type ReconnectOptions struct {
	// OnConnectionDrop schedules an automatic reconnect loop when the
	// transport connection is lost unexpectedly.
	OnConnectionDrop bool
	// ConnectOnInvoke defers the first Connect until the first call is
	// made, rather than requiring an explicit upfront Connect.
	ConnectOnInvoke bool

	BackoffBase time.Duration
	BackoffMax  time.Duration

	AttemptBudgetCapacity int
	AttemptMinInterval    time.Duration
}

func (o *ReconnectOptions) withDefaults() ReconnectOptions {
	out := *o
	if out.BackoffBase <= 0 {
		out.BackoffBase = 200 * time.Millisecond
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 30 * time.Second
	}
	if out.AttemptBudgetCapacity <= 0 {
		out.AttemptBudgetCapacity = 10
	}
	return out
}

// TokenSourceMetadata adapts an oauth2.TokenSource into the opaque handshake
// metadata blob spec.md §1 leaves application-defined: each (re)connect
// attempt calls Metadata fresh, so a refreshing TokenSource keeps handshake
// auth current across reconnects without the session layer knowing
// anything about OAuth.
type TokenSourceMetadata struct {
	Source oauth2.TokenSource
}

// Metadata returns the current access token, refreshing it first if needed.
func (m TokenSourceMetadata) Metadata(ctx context.Context) (any, error) {
	tok, err := m.Source.Token()
	if err != nil {
		return nil, fmt.Errorf("conduit: refresh handshake token: %w", err)
	}
	return map[string]string{"accessToken": tok.AccessToken, "tokenType": tok.TokenType}, nil
}

// MetadataSource produces the opaque metadata blob sent with each
// HANDSHAKE_REQ, evaluated fresh on every (re)connect attempt.
type MetadataSource func(ctx context.Context) (any, error)

// Client is the client-side call-dispatch surface (spec.md §4.5): it owns
// exactly one Session to one server peer, originates streams per
// invocation, and optionally manages reconnect.
type Client struct {
	Transport       Transport
	Codec           PayloadCodec
	ProtocolVersion string
	LocalPeerID     string
	ServerPeerID    string
	SessionConfig   SessionConfig
	Reconnect       ReconnectOptions
	Metadata        MetadataSource

	mu      sync.Mutex
	session *Session
	backoff *Backoff
	budget  *ReconnectBudget
}

// NewClient constructs a Client. Connect (or the first call, if
// Reconnect.ConnectOnInvoke is set) establishes the underlying Session.
func NewClient(transport Transport, codec PayloadCodec, localPeerID, serverPeerID, protocolVersion string, cfg SessionConfig, reconnect ReconnectOptions) *Client {
	reconnect = reconnect.withDefaults()
	return &Client{
		Transport:       transport,
		Codec:           codec,
		ProtocolVersion: protocolVersion,
		LocalPeerID:     localPeerID,
		ServerPeerID:    serverPeerID,
		SessionConfig:   cfg,
		Reconnect:       reconnect,
		backoff:         NewBackoff(reconnect.BackoffBase, reconnect.BackoffMax),
		budget:          NewReconnectBudget(reconnect.AttemptBudgetCapacity, reconnect.AttemptMinInterval),
	}
}

// Session returns the client's current Session, if Connect has run.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connect establishes the session's first transport connection.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) (*Session, error) {
	if c.session == nil {
		sessionCfg := c.SessionConfig
		sessionCfg.Codec = c.Codec
		c.session = NewSession(randID(), c.LocalPeerID, c.ServerPeerID, sessionCfg, nil)
	}
	if c.session.State() == SessionConnected {
		return c.session, nil
	}
	if err := c.connectOnce(ctx, c.session); err != nil {
		return nil, err
	}
	return c.session, nil
}

func (c *Client) connectOnce(ctx context.Context, session *Session) error {
	conn, err := c.Transport.Connect(ctx, c.ServerPeerID)
	if err != nil {
		return err
	}
	var metadata any
	if c.Metadata != nil {
		metadata, err = c.Metadata(ctx)
		if err != nil {
			_ = conn.Close()
			return err
		}
	}
	params := ClientHandshakeParams{
		ProtocolVersion: c.ProtocolVersion,
		SessionID:       session.ID,
		Expected:        session.ExpectedState(),
		Metadata:        metadata,
	}
	if _, err := PerformClientHandshake(ctx, conn, c.Codec, params); err != nil {
		_ = conn.Close()
		return err
	}
	session.Attach(conn, c.ProtocolVersion)
	go c.readLoop(conn, session)
	return nil
}

func (c *Client) readLoop(conn Connection, session *Session) {
	for {
		raw, err := conn.Recv(context.Background())
		if err != nil {
			session.Detach()
			if c.Reconnect.OnConnectionDrop {
				go c.reconnectLoop(session)
			}
			return
		}
		session.HandleInbound(raw)
	}
}

func (c *Client) reconnectLoop(session *Session) {
	ctx := context.Background()
	for {
		if err := c.budget.Wait(ctx); err != nil {
			return
		}
		time.Sleep(c.backoff.Next())

		if err := c.connectOnce(ctx, session); err != nil {
			if c.budget.RecordFailure() {
				session.EmitProtocolError(&ProtocolError{Type: ProtocolErrorRetriesExceeded, Err: ErrRetriesExceeded})
				return
			}
			continue
		}
		c.backoff.Reset()
		c.budget.RecordSuccess()
		return
	}
}

// ensureConnected connects on first use when ConnectOnInvoke is set,
// otherwise requires a prior explicit Connect.
func (c *Client) ensureConnected(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	session := c.session
	connectOnInvoke := c.Reconnect.ConnectOnInvoke
	c.mu.Unlock()
	if session != nil {
		return session, nil
	}
	if !connectOnInvoke {
		return nil, fmt.Errorf("conduit: client not connected")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// openStream originates a new stream for a call, sends its open frame, and
// wires cancellation of ctx to a client-initiated StreamAbort (spec.md
// §4.5).
func openStream(ctx context.Context, c *Client, service, proc string, kind Kind, init any) (*Stream, error) {
	session, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	id := StreamID(randID())
	send := func(flags ControlFlags, payload any) error {
		return session.Send(&Envelope{StreamID: id, ControlFlags: flags, Payload: payload})
	}
	stream := newClientStream(id, service, proc, kind, send)
	session.RegisterStream(stream)

	openFlags := FlagStreamOpen
	if kind == KindRPC || kind == KindSubscription {
		openFlags |= FlagStreamClosed
	}
	if err := session.Send(&Envelope{
		StreamID:      id,
		ControlFlags:  openFlags,
		ServiceName:   service,
		ProcedureName: proc,
		Payload:       init,
	}); err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			stream.Abort(CodeAbort, "Aborted by client")
		case <-stream.Context().Done():
		}
	}()

	return stream, nil
}

// decodeTerminalResult interprets one value read off a Stream's
// ResReadable for an rpc/upload call: v.Ok false means the stream was torn
// down locally (abort/teardown) and v.Err already is the terminal error; v.Ok
// true means v.Payload is the raw wire bytes of the server's Result[Res].
func decodeTerminalResult[Res any](codec PayloadCodec, v Result[any]) (Result[Res], error) {
	if !v.Ok {
		return Result[Res]{Err: v.Err}, nil
	}
	var typed Result[Res]
	if err := codec.DecodePayload(v.Payload, &typed); err != nil {
		return Result[Res]{}, fmt.Errorf("conduit: decode result: %w", err)
	}
	return typed, nil
}

func awaitTerminal[Res any](ctx context.Context, codec PayloadCodec, readable *Readable[any]) (Result[Res], error) {
	it, err := readable.Iterate()
	if err != nil {
		return Result[Res]{}, err
	}
	v, ok, err := it.Next(ctx)
	if err != nil {
		return Result[Res]{}, err
	}
	if !ok {
		return ErrResult[Res](CodeAbort, "stream closed without a result"), nil
	}
	return decodeTerminalResult[Res](codec, v)
}

// RPCCall invokes a unary procedure and blocks for its single Result.
func RPCCall[Init, Res any](ctx context.Context, c *Client, service, proc string, init Init) (Result[Res], error) {
	stream, err := openStream(ctx, c, service, proc, KindRPC, init)
	if err != nil {
		return Result[Res]{}, err
	}
	return awaitTerminal[Res](ctx, c.Codec, stream.ResReadable)
}

// UploadHandle is returned by UploadCall: Req is the client-streaming
// writer, Finalize closes it and awaits the server's single Result.
type UploadHandle[Data, Res any] struct {
	Req    *TypedWritable[Data]
	stream *Stream
	codec  PayloadCodec
}

// Finalize closes Req (sending StreamClosed) and awaits the server's
// terminal Result.
func (h *UploadHandle[Data, Res]) Finalize(ctx context.Context) (Result[Res], error) {
	h.Req.Close()
	return awaitTerminal[Res](ctx, h.codec, h.stream.ResReadable)
}

// UploadCall invokes a client-streaming procedure, returning a writer for
// the request data and a handle to finalize the call.
func UploadCall[Init, Data, Res any](ctx context.Context, c *Client, service, proc string, init Init) (*UploadHandle[Data, Res], error) {
	stream, err := openStream(ctx, c, service, proc, KindUpload, init)
	if err != nil {
		return nil, err
	}
	return &UploadHandle[Data, Res]{
		Req:    newTypedWritable[Data](stream.ReqWritable),
		stream: stream,
		codec:  c.Codec,
	}, nil
}

// SubscribeCall invokes a server-streaming procedure, returning a reader
// for the server's data frames.
func SubscribeCall[Init, Data any](ctx context.Context, c *Client, service, proc string, init Init) (*TypedReadable[Data], error) {
	stream, err := openStream(ctx, c, service, proc, KindSubscription, init)
	if err != nil {
		return nil, err
	}
	return newTypedReadable[Data](stream.ResReadable, c.Codec), nil
}

// StreamHandle is returned by StreamCall: independent request writer and
// response reader for a full-duplex procedure.
type StreamHandle[ReqData, ResData any] struct {
	Req *TypedWritable[ReqData]
	Res *TypedReadable[ResData]
}

// StreamCall invokes a full-duplex procedure.
func StreamCall[Init, ReqData, ResData any](ctx context.Context, c *Client, service, proc string, init Init) (*StreamHandle[ReqData, ResData], error) {
	stream, err := openStream(ctx, c, service, proc, KindStream, init)
	if err != nil {
		return nil, err
	}
	return &StreamHandle[ReqData, ResData]{
		Req: newTypedWritable[ReqData](stream.ReqWritable),
		Res: newTypedReadable[ResData](stream.ResReadable, c.Codec),
	}, nil
}
