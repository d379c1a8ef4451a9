// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// AuthValidator is the pluggable server-side handshake metadata check named
// in spec.md §4.3 ("Server may extend handshake with user validation
// returning parsed metadata attached to the session"). Returning an error
// fails the handshake: AcceptServerHandshake sends HANDSHAKE_RESP{ok:false},
// closes the connection and returns an error wrapping ErrHandshakeFailed. No
// protocolError event is emitted for it. The concrete validator (e.g. a JWT
// check, see package auth) is supplied by the application.
type AuthValidator func(ctx context.Context, metadata any) (parsed any, err error)

// ClientHandshakeParams configures the client side of HANDSHAKE_REQ/RESP
// negotiation (spec.md §4.7).
type ClientHandshakeParams struct {
	ProtocolVersion string
	SessionID       string
	Expected        ExpectedSessionState
	Metadata        any
}

// strictControlCodec upgrades codec to strict-mode decoding (see
// internal/strict) for control-frame reads. A handshake frame is the one
// boundary where bytes arrive from a peer before any application-level
// validation has run, so it's where duplicate-key and field-case smuggling
// matter most; JSONCodec's normal payload decoding elsewhere stays lenient
// per the Codec contract. Codecs other than JSONCodec pass through
// unchanged — strict mode is a JSONCodec-specific concern.
func strictControlCodec(codec Codec) Codec {
	if jc, ok := codec.(JSONCodec); ok {
		jc.Strict = true
		return jc
	}
	return codec
}

func readControlFrame(ctx context.Context, conn Connection, codec Codec) (*ControlPayload, error) {
	raw, err := conn.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("conduit: handshake read: %w", err)
	}
	env, err := strictControlCodec(codec).Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed handshake frame: %v", ErrHandshakeFailed, err)
	}
	cp, ok := env.Payload.(*ControlPayload)
	if !ok {
		return nil, fmt.Errorf("%w: expected control frame, got data frame", ErrHandshakeFailed)
	}
	return cp, nil
}

func sendControlFrame(ctx context.Context, conn Connection, codec Codec, env *Envelope) error {
	data, err := codec.Encode(env)
	if err != nil {
		return fmt.Errorf("conduit: encode handshake frame: %w", err)
	}
	return conn.Send(ctx, data)
}

// PerformClientHandshake sends HANDSHAKE_REQ over conn and blocks for
// HANDSHAKE_RESP, returning the response on success. On a clean rejection
// it returns the response (ok=false with Reason set) together with a wrapped
// ErrHandshakeFailed; on any other protocol violation it returns only the
// wrapped ErrHandshakeFailed.
func PerformClientHandshake(ctx context.Context, conn Connection, codec Codec, params ClientHandshakeParams) (*ControlPayload, error) {
	req := &Envelope{
		ID:       randID(),
		StreamID: StreamID(randID()),
		Payload: &ControlPayload{
			Type:                 ControlHandshakeReq,
			ProtocolVersion:      params.ProtocolVersion,
			SessionID:            params.SessionID,
			ExpectedSessionState: &params.Expected,
			Metadata:             params.Metadata,
		},
	}
	if err := sendControlFrame(ctx, conn, codec, req); err != nil {
		return nil, err
	}
	resp, err := readControlFrame(ctx, conn, codec)
	if err != nil {
		return nil, err
	}
	if resp.Type != ControlHandshakeResp {
		return nil, fmt.Errorf("%w: expected HANDSHAKE_RESP, got %s", ErrHandshakeFailed, resp.Type)
	}
	if !resp.OK {
		return resp, fmt.Errorf("%w: %s", ErrHandshakeFailed, resp.Reason)
	}
	return resp, nil
}

// AcceptServerHandshake runs the server side of spec.md §4.7/§4.3's
// PendingIdentification step: it reads exactly one frame from a freshly
// accepted conn, validates it as HANDSHAKE_REQ, optionally runs validate,
// then either creates a brand-new Session or resumes an existing one found
// in registry. On a protocol failure it sends HANDSHAKE_RESP{ok:false}
// itself, closes conn and returns a wrapped
// ErrHandshakeFailed/ErrSessionStateMismatch (a failed read just closes
// conn and returns the read error); it never
// leaves the caller to close conn on a protocol failure, since the
// rejection response must go out first.
func AcceptServerHandshake(
	ctx context.Context,
	conn Connection,
	codec PayloadCodec,
	protocolVersion string,
	localPeerID string,
	registry *SessionRegistry,
	sessionCfg SessionConfig,
	onOpen func(s *Session, env *Envelope),
	validate AuthValidator,
) (session *Session, resumed bool, parsedMetadata any, err error) {
	req, err := readControlFrame(ctx, conn, codec)
	if err != nil {
		if errors.Is(err, ErrHandshakeFailed) {
			_ = rejectHandshake(ctx, conn, codec, "", err.Error())
		} else {
			_ = conn.Close()
		}
		return nil, false, nil, err
	}
	if req.Type != ControlHandshakeReq {
		return nil, false, nil, rejectHandshake(ctx, conn, codec, "", fmt.Sprintf("expected HANDSHAKE_REQ, got %s", req.Type))
	}
	if req.ProtocolVersion != protocolVersion {
		return nil, false, nil, rejectHandshake(ctx, conn, codec, req.SessionID, fmt.Sprintf("protocol version mismatch: got %q want %q", req.ProtocolVersion, protocolVersion))
	}

	if validate != nil {
		parsedMetadata, err = validate(ctx, req.Metadata)
		if err != nil {
			return nil, false, nil, rejectHandshake(ctx, conn, codec, req.SessionID, fmt.Sprintf("metadata rejected: %v", err))
		}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = randID()
	}

	existing, lookupErr := registry.Lookup(sessionID)
	if lookupErr != nil && lookupErr != fs.ErrNotExist {
		return nil, false, nil, rejectHandshake(ctx, conn, codec, sessionID, "registry lookup failed")
	}

	if existing == nil {
		s := NewSession(sessionID, localPeerID, req.SessionID, sessionCfg, onOpen)
		s.setRegistry(registry)
		registry.Put(s)
		if err := sendControlFrame(ctx, conn, codec, handshakeRespOK(localPeerID, sessionID)); err != nil {
			return nil, false, nil, err
		}
		s.Attach(conn, protocolVersion)
		return s, false, parsedMetadata, nil
	}

	var expected uint64
	if req.ExpectedSessionState != nil {
		expected = req.ExpectedSessionState.NextExpectedSeq
	}
	replay, ok := existing.resumableFrom(expected)
	if !ok {
		return nil, false, nil, rejectHandshakeMismatch(ctx, conn, codec, sessionID)
	}
	if err := sendControlFrame(ctx, conn, codec, handshakeRespOK(localPeerID, sessionID)); err != nil {
		return nil, false, nil, err
	}
	existing.AttachResumed(conn, protocolVersion, replay)
	return existing, true, parsedMetadata, nil
}

func handshakeRespOK(from, sessionID string) *Envelope {
	return &Envelope{
		ID:       randID(),
		From:     from,
		StreamID: StreamID(randID()),
		Payload:  &ControlPayload{Type: ControlHandshakeResp, OK: true, SessionID: sessionID},
	}
}

func rejectHandshake(ctx context.Context, conn Connection, codec Codec, sessionID, reason string) error {
	resp := &Envelope{
		ID:       randID(),
		StreamID: StreamID(randID()),
		Payload:  &ControlPayload{Type: ControlHandshakeResp, OK: false, SessionID: sessionID, Reason: reason},
	}
	_ = sendControlFrame(ctx, conn, codec, resp)
	_ = conn.Close()
	return fmt.Errorf("%w: %s", ErrHandshakeFailed, reason)
}

func rejectHandshakeMismatch(ctx context.Context, conn Connection, codec Codec, sessionID string) error {
	reason := "nextExpectedSeq outside retained send buffer"
	resp := &Envelope{
		ID:       randID(),
		StreamID: StreamID(randID()),
		Payload:  &ControlPayload{Type: ControlHandshakeResp, OK: false, SessionID: sessionID, Reason: reason},
	}
	_ = sendControlFrame(ctx, conn, codec, resp)
	_ = conn.Close()
	return fmt.Errorf("%w: %s", ErrSessionStateMismatch, reason)
}
