// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"io/fs"
	"sync"
)

// SessionRegistry tracks a server's live Sessions by id so a reconnecting
// client's HANDSHAKE_REQ can be matched against an existing Session for
// resumption (spec.md §4.3). It is safe for concurrent use.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Lookup retrieves the Session for sessionID, if one is currently tracked.
// It returns fs.ErrNotExist rather than a bare ok=false so callers composing
// it with other stores get a consistent sentinel.
func (r *SessionRegistry) Lookup(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return s, nil
}

// Put registers a Session under its own id, replacing any existing entry
// with the same id.
func (r *SessionRegistry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove drops sessionID from the registry, typically once its grace period
// has elapsed and it has been destroyed.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}
