// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/conduitrpc/conduit/conduit"
)

// Network is a registry of in-process Listeners keyed by peer id. It lets
// tests and examples wire up a client Transport and a server
// ConnectionAcceptor without a real socket.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Listener)}
}

// Listen registers a Listener for peerID and returns it; Dialer-produced
// Transports targeting peerID deliver new Conns here.
func (n *Network) Listen(peerID string) *Listener {
	l := &Listener{acceptCh: make(chan *Conn, 16)}
	n.mu.Lock()
	n.listeners[peerID] = l
	n.mu.Unlock()
	return l
}

// Dialer returns a conduit.Transport that dials peers registered on this
// Network via Listen.
func (n *Network) Dialer() *Dialer { return &Dialer{network: n} }

// Dialer is the client-side conduit.Transport implementation for Network.
type Dialer struct {
	network *Network
}

// Connect dials peerID, handing the new Conn's server end to that peer's
// Listener.Accept and returning the client end.
func (d *Dialer) Connect(ctx context.Context, peerID string) (conduit.Connection, error) {
	d.network.mu.Lock()
	l, ok := d.network.listeners[peerID]
	d.network.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inmem: no listener registered for peer %q", peerID)
	}
	clientEnd, serverEnd := NewPipe()
	select {
	case l.acceptCh <- serverEnd:
		return clientEnd, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ conduit.Transport = (*Dialer)(nil)

// Listener is the server-side conduit.ConnectionAcceptor implementation
// for Network.
type Listener struct {
	acceptCh chan *Conn
}

// Accept blocks for the next dialed Conn.
func (l *Listener) Accept(ctx context.Context) (conduit.Connection, error) {
	select {
	case c := <-l.acceptCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var (
	_ conduit.ConnectionAcceptor = (*Listener)(nil)
	_ conduit.Connection         = (*Conn)(nil)
)
