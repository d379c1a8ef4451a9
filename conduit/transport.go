// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import "context"

// A Transport originates Connections to a remote peer. It is the client-side
// half of the transport contract (spec.md §6): the concrete byte pipe
// (websocket, unix socket, in-memory) is an external collaborator behind
// this interface.
type Transport interface {
	// Connect dials peerID and returns an established Connection, or an
	// error if the dial failed outright (a failure here counts against the
	// reconnect budget in backoff.go).
	Connect(ctx context.Context, peerID string) (Connection, error)
}

// A Connection is a single, message-oriented, bidirectional pipe to a peer.
// One logical Envelope crosses per Send/receive; transports built on a
// byte-stream (not message-oriented) must supply their own framing
// (length-prefixed frames are the recommended convention) below this
// interface.
type Connection interface {
	// Send writes one encoded envelope to the peer. Send may be called
	// concurrently with Recv but must serialize concurrent Send calls
	// itself if the underlying transport requires it.
	Send(ctx context.Context, frame []byte) error
	// Recv blocks for the next frame from the peer, returning io.EOF (or a
	// wrapped io.EOF) when the peer has cleanly closed the connection.
	Recv(ctx context.Context) ([]byte, error)
	// Close closes the connection. Close is idempotent.
	Close() error
}

// ConnectionAcceptor is implemented by server-side transports: something
// that listens and hands the session layer newly accepted Connections, each
// representing one inbound attempt from a (possibly already-known) peer.
type ConnectionAcceptor interface {
	// Accept blocks until a new Connection arrives or ctx is done.
	Accept(ctx context.Context) (Connection, error)
}
