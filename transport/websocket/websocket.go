// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package websocket is a gorilla/websocket-backed conduit.Transport,
// adapted from the teacher's mcp/websocket.go: one binary WebSocket
// message carries one encoded Envelope frame.
package websocket

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conduitrpc/conduit/conduit"
)

const subprotocol = "conduit"

// ClientTransport dials a conduit server over WebSocket.
type ClientTransport struct {
	// URL is the WebSocket server URL (e.g. "ws://localhost:8080/conduit").
	URL string
	// Dialer is the WebSocket dialer to use. If nil, websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Header carries additional HTTP headers for the handshake.
	Header http.Header
}

// Connect establishes a WebSocket connection to t.URL. peerID is unused —
// the URL already names the target — and is accepted only to satisfy
// conduit.Transport.
func (t *ClientTransport) Connect(ctx context.Context, peerID string) (conduit.Connection, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	dialer.Subprotocols = []string{subprotocol}

	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("conduit/websocket: connect failed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("conduit/websocket: connect failed: %w", err)
	}
	return &Conn{conn: conn}, nil
}

var _ conduit.Transport = (*ClientTransport)(nil)

// Conn implements conduit.Connection over one *websocket.Conn. Writes are
// mutex-serialized because gorilla/websocket forbids concurrent writers;
// Close is idempotent, matching the teacher's websocketConn.
type Conn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

// Recv blocks for the next binary message, translating a clean peer close
// into io.EOF per the conduit.Connection contract.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("conduit/websocket: read error: %w", err)
	}
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("conduit/websocket: unexpected message type %d (expected binary)", messageType)
	}
	return data, nil
}

// Send writes frame as one binary WebSocket message.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("conduit/websocket: write error: %w", err)
	}
	return nil
}

// Close closes the underlying WebSocket connection. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

var _ conduit.Connection = (*Conn)(nil)

// ServerTransport upgrades incoming HTTP requests to WebSocket connections
// and hands them to Accept, matching the teacher's
// WebSocketServerTransport/ServeHTTP split.
type ServerTransport struct {
	upgrader websocket.Upgrader
	acceptCh chan *Conn
}

// NewServerTransport returns a ServerTransport ready to be mounted as an
// http.Handler and polled via Accept.
func NewServerTransport() *ServerTransport {
	return &ServerTransport{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		acceptCh: make(chan *Conn, 16),
	}
}

// ServeHTTP upgrades the request and queues the resulting Conn for Accept.
func (t *ServerTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("conduit/websocket: upgrade failed: %v", err), http.StatusBadRequest)
		return
	}
	t.acceptCh <- &Conn{conn: wsConn}
}

// Accept blocks for the next upgraded connection.
func (t *ServerTransport) Accept(ctx context.Context) (conduit.Connection, error) {
	select {
	case c := <-t.acceptCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ conduit.ConnectionAcceptor = (*ServerTransport)(nil)
