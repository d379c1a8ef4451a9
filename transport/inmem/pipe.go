// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package inmem is a zero-dependency, message-oriented conduit.Transport
// over in-process Go channels: the primary test harness for the core, and
// the "OUT OF SCOPE... the concrete byte transport (websocket, unix socket,
// in-memory pipe)" collaborator spec.md §1 leaves external.
package inmem

import (
	"context"
	"io"
	"sync"
)

// pipeState is shared by both ends of a Pipe so either side's Close
// unblocks the other's Recv with io.EOF, mirroring the teacher's
// websocketConn closeOnce idempotency.
type pipeState struct {
	mu        sync.Mutex
	closeOnce sync.Once
	closeCh   chan struct{}
}

func (s *pipeState) close() {
	s.closeOnce.Do(func() { close(s.closeCh) })
}

func (s *pipeState) isClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Conn is one end of an in-memory Pipe. It implements conduit.Connection
// (see network.go's compile-time assertion).
type Conn struct {
	send  chan<- []byte
	recv  <-chan []byte
	state *pipeState
}

// NewPipe returns two connected Conn ends: frames sent on one are
// delivered to the other, in order, with no serialization of the payload
// (a []byte already representing an encoded envelope).
func NewPipe() (a, b *Conn) {
	c1 := make(chan []byte, 64)
	c2 := make(chan []byte, 64)
	state := &pipeState{closeCh: make(chan struct{})}
	return &Conn{send: c1, recv: c2, state: state}, &Conn{send: c2, recv: c1, state: state}
}

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.state.isClosed() {
		return io.ErrClosedPipe
	}
	select {
	case c.send <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.state.closeCh:
		return io.ErrClosedPipe
	}
}

func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.recv:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.state.closeCh:
		select {
		case frame := <-c.recv:
			return frame, nil
		default:
			return nil, io.EOF
		}
	}
}

func (c *Conn) Close() error {
	c.state.close()
	return nil
}
