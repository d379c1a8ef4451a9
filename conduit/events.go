// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import "sync"

// ConnectionStatus is the payload of a connectionStatus event.
type ConnectionStatus struct {
	Connected bool
}

// SessionStatusKind distinguishes sessionStatus event payloads.
type SessionStatusKind string

const (
	SessionStatusConnect      SessionStatusKind = "connect"
	SessionStatusDisconnect   SessionStatusKind = "disconnect"
	SessionStatusGraceExpired SessionStatusKind = "sessionGraceExpired"
)

// SessionStatus is the payload of a sessionStatus event.
type SessionStatus struct {
	Kind      SessionStatusKind
	SessionID string
}

// MessageEvent is the payload of a message event: one envelope was received
// and dispatched (or, for unroutable frames, dropped).
type MessageEvent struct {
	Envelope *Envelope
}

// emitter is a minimal, mutex-protected multi-listener pub/sub used by
// Session/Client/Server for connectionStatus, sessionStatus, protocolError,
// and message events (spec.md §6). Listeners are invoked synchronously, in
// registration order, on the caller's goroutine — callers that need
// asynchrony should hand off themselves, keeping the session's own event
// loop free of handler-induced stalls (spec.md §5).
type emitter[T any] struct {
	mu        sync.Mutex
	listeners []func(T)
}

// on registers fn to be called on every future emit. It returns a function
// that removes the listener; calling it is idempotent.
func (e *emitter[T]) on(fn func(T)) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := len(e.listeners)
	e.listeners = append(e.listeners, fn)
	removed := false
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if removed || id >= len(e.listeners) {
			return
		}
		e.listeners[id] = nil
		removed = true
	}
}

func (e *emitter[T]) emit(v T) {
	e.mu.Lock()
	listeners := make([]func(T), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(v)
		}
	}
}
