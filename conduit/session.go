// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conduitrpc/conduit/conduit/internal/tombstone"
)

// SessionState is the session-level connection state machine (spec.md §4.3).
type SessionState string

const (
	SessionNoConnection          SessionState = "NoConnection"
	SessionConnecting            SessionState = "Connecting"
	SessionHandshaking           SessionState = "Handshaking"
	SessionConnected             SessionState = "Connected"
	SessionPendingIdentification SessionState = "PendingIdentification"
)

// SessionConfig carries the timing and codec parameters negotiated or
// configured for a Session.
type SessionConfig struct {
	ProtocolVersion     string
	HeartbeatInterval   time.Duration
	HeartbeatsUntilDead int
	DisconnectGrace     time.Duration
	Codec               PayloadCodec
	Logger              *slog.Logger
}

func (c *SessionConfig) withDefaults() SessionConfig {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 20 * time.Second
	}
	if out.HeartbeatsUntilDead <= 0 {
		out.HeartbeatsUntilDead = 3
	}
	if out.DisconnectGrace <= 0 {
		out.DisconnectGrace = 2 * time.Minute
	}
	if out.Codec == nil {
		out.Codec = JSONCodec{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Session is the process-local, per-remote-peer endpoint of the protocol: it
// owns sequencing, the retained send buffer, heartbeat/grace timers, and the
// set of live Streams multiplexed over whatever Connection is currently
// attached. All mutable state is touched only from the session's own loop
// goroutine (spec.md §5); every other goroutine communicates with it by
// posting a closure to loopCh.
type Session struct {
	ID   string
	From string
	To   string

	// Metadata is the parsed handshake metadata from the most recent
	// successful AuthValidator call (server-side only); nil if no
	// AuthValidator was configured.
	Metadata any

	cfg SessionConfig

	loopCh chan func()
	doneCh chan struct{}

	onOpen func(s *Session, env *Envelope) // server-side stream-open hook

	// registry is the SessionRegistry this session was Put into, if any
	// (server-side only; a client-originated Session has none). Destroy
	// uses it to deregister itself once the grace period elapses, so a
	// long-running server doesn't accumulate dead sessions forever.
	registry *SessionRegistry

	connectionStatus emitter[ConnectionStatus]
	sessionStatus    emitter[SessionStatus]
	protocolErrorEm  emitter[*ProtocolError]
	messageEm        emitter[MessageEvent]

	// loop-owned state below; never touch outside loopCh.
	state           SessionState
	conn            Connection
	nextSentSeq     uint64
	nextExpectedSeq uint64
	sendBuffer      []*Envelope
	sendQueue       []*Envelope
	streams         map[StreamID]*Stream
	heartbeatMisses int
	heartbeatTimer  *time.Timer
	graceTimer      *time.Timer

	// tombstones records recently finished/aborted stream ids so a late
	// frame racing the close is silently dropped instead of erroring
	// (spec.md §3 "Drop any further inbound frames for the streamId";
	// SPEC_FULL.md §4 "tombstoning with bounded memory").
	tombstones *tombstone.Set

	destroyOnce sync.Once
}

// tombstoneFloor and tombstoneCapacity bound the memory a long-lived Session
// retains for stream ids it has already finished with. A tombstone must
// outlive the remainder of the session's current grace window (spec.md §9),
// so the actual per-session window is max(tombstoneFloor, DisconnectGrace),
// computed in NewSession once cfg.withDefaults() has resolved DisconnectGrace.
const (
	tombstoneFloor    = 5 * time.Minute
	tombstoneCapacity = 4096
)

// NewSession constructs a Session in NoConnection state and starts its loop
// goroutine. onOpen, if non-nil, is invoked for every inbound envelope that
// opens a new stream (server-side dispatch); clients pass nil.
func NewSession(id, from, to string, cfg SessionConfig, onOpen func(s *Session, env *Envelope)) *Session {
	resolved := cfg.withDefaults()
	tombstoneWindow := tombstoneFloor
	if resolved.DisconnectGrace > tombstoneWindow {
		tombstoneWindow = resolved.DisconnectGrace
	}
	s := &Session{
		ID:      id,
		From:    from,
		To:      to,
		cfg:     resolved,
		loopCh:  make(chan func(), 64),
		doneCh:  make(chan struct{}),
		onOpen:  onOpen,
		state:      SessionNoConnection,
		streams:    make(map[StreamID]*Stream),
		tombstones: tombstone.New(tombstoneWindow, tombstoneCapacity),
	}
	go s.loop()
	return s
}

func (s *Session) loop() {
	for {
		select {
		case fn := <-s.loopCh:
			fn()
		case <-s.doneCh:
			return
		}
	}
}

// post runs fn on the session's loop goroutine and blocks until it
// completes, reporting whether fn actually ran. It is safe to call from any
// goroutine, including from inside the loop itself is not supported (would
// deadlock) — internal loop code calls helpers directly instead. post
// returns false without running fn once the session has been destroyed
// (doneCh closed); callers reachable from outside the package (Send,
// RegisterStream) surface that as ProtocolErrorUseAfterDestroy, while
// internal bookkeeping calls that can legitimately race a concurrent
// Destroy (unregisterStream, heartbeat/grace timers) just ignore it.
func (s *Session) post(fn func()) bool {
	done := make(chan struct{})
	select {
	case s.loopCh <- func() { fn(); close(done) }:
		<-done
		return true
	case <-s.doneCh:
		return false
	}
}

// State returns the session's current connection state.
func (s *Session) State() (state SessionState) {
	s.post(func() { state = s.state })
	return state
}

// OnConnectionStatus, OnSessionStatus, OnProtocolError, and OnMessage
// register event listeners (spec.md §6); each returns a removal function.
func (s *Session) OnConnectionStatus(fn func(ConnectionStatus)) func() { return s.connectionStatus.on(fn) }
func (s *Session) OnSessionStatus(fn func(SessionStatus)) func()       { return s.sessionStatus.on(fn) }
func (s *Session) OnProtocolError(fn func(*ProtocolError)) func()      { return s.protocolErrorEm.on(fn) }
func (s *Session) OnMessage(fn func(MessageEvent)) func()              { return s.messageEm.on(fn) }

// Attach installs conn as the session's live connection and transitions to
// Connected, flushing anything queued while disconnected. Callers (the
// handshake negotiation in handshake.go) invoke this only after a
// successful HANDSHAKE_RESP.
func (s *Session) Attach(conn Connection, protocolVersion string) {
	s.post(func() {
		s.conn = conn
		s.cfg.ProtocolVersion = protocolVersion
		s.state = SessionConnected
		s.heartbeatMisses = 0
		s.stopGraceLocked()
		s.startHeartbeatLocked()
		s.flushQueueLocked()
	})
	s.connectionStatus.emit(ConnectionStatus{Connected: true})
	s.sessionStatus.emit(SessionStatus{Kind: SessionStatusConnect, SessionID: s.ID})
}

// AttachResumed installs conn after a successful resumption handshake: it
// replays the caller-supplied tail of the retained send buffer directly
// (these envelopes were already assigned a seq under the old connection)
// rather than running the fresh-connect flush path.
func (s *Session) AttachResumed(conn Connection, protocolVersion string, replay []*Envelope) {
	s.post(func() {
		s.conn = conn
		s.cfg.ProtocolVersion = protocolVersion
		s.state = SessionConnected
		s.heartbeatMisses = 0
		s.stopGraceLocked()
		s.startHeartbeatLocked()
		for _, env := range replay {
			if err := s.writeLocked(env); err != nil {
				s.cfg.Logger.Warn("conduit: resume replay failed", "sessionId", s.ID, "err", err)
			}
		}
		s.sendQueue = nil
	})
	s.connectionStatus.emit(ConnectionStatus{Connected: true})
	s.sessionStatus.emit(SessionStatus{Kind: SessionStatusConnect, SessionID: s.ID})
}

// Detach drops the current connection (heartbeat timeout, transport error,
// or explicit disconnect) and starts the grace timer. Streams remain open;
// sends redirect to sendQueue per spec.md §4.3.
func (s *Session) Detach() {
	s.post(func() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.conn = nil
		s.state = SessionNoConnection
		s.stopHeartbeatLocked()
		s.startGraceLocked()
	})
	s.connectionStatus.emit(ConnectionStatus{Connected: false})
	s.sessionStatus.emit(SessionStatus{Kind: SessionStatusDisconnect, SessionID: s.ID})
}

// Destroy tears the session down permanently: every live stream is aborted
// with UNEXPECTED_DISCONNECT and the loop goroutine exits. Destroy is
// idempotent.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.post(func() {
			s.stopHeartbeatLocked()
			s.stopGraceLocked()
			for _, st := range s.streams {
				st.Abort(CodeUnexpectedDisconnect, "session grace period elapsed")
			}
			s.streams = make(map[StreamID]*Stream)
			if s.conn != nil {
				_ = s.conn.Close()
			}
		})
		close(s.doneCh)
		if s.registry != nil {
			s.registry.Remove(s.ID)
		}
		s.sessionStatus.emit(SessionStatus{Kind: SessionStatusGraceExpired, SessionID: s.ID})
	})
}

// setRegistry records the SessionRegistry that owns this session, so Destroy
// can deregister it. Called once, from AcceptServerHandshake, before the
// session is reachable by any other goroutine.
func (s *Session) setRegistry(r *SessionRegistry) { s.registry = r }

// RegisterStream makes st visible to the receive path under its StreamID.
// It is the join point used both by client call dispatch (client.go, for a
// locally originated stream) and by server dispatch (server.go, for a
// stream created from an inbound open frame).
func (s *Session) RegisterStream(st *Stream) {
	if !s.post(func() { s.streams[st.ID] = st }) {
		s.protocolErrorEm.emit(&ProtocolError{Type: ProtocolErrorUseAfterDestroy, Err: ErrUseAfterDestroy})
	}
}

// unregisterStream removes a finished stream from the map it no longer
// needs to be routed through.
func (s *Session) unregisterStream(id StreamID) {
	s.post(func() {
		delete(s.streams, id)
		s.tombstones.Add(string(id), time.Now())
	})
}

// Send assigns the next seq, appends to the retained send buffer, and
// either forwards to the live connection or queues for later flush
// (spec.md §4.3's send path).
func (s *Session) Send(env *Envelope) error {
	var sendErr error
	if !s.post(func() {
		env.From = s.From
		env.To = s.To
		if env.ID == "" {
			env.ID = randID()
		}
		env.Seq = s.nextSentSeq
		s.nextSentSeq++
		env.Ack = s.nextExpectedSeq
		s.sendBuffer = append(s.sendBuffer, env)
		if s.state == SessionConnected && s.conn != nil {
			sendErr = s.writeLocked(env)
		} else {
			s.sendQueue = append(s.sendQueue, env)
		}
	}) {
		s.protocolErrorEm.emit(&ProtocolError{Type: ProtocolErrorUseAfterDestroy, Err: ErrUseAfterDestroy})
		return ErrUseAfterDestroy
	}
	return sendErr
}

func (s *Session) writeLocked(env *Envelope) error {
	data, err := s.cfg.Codec.Encode(env)
	if err != nil {
		return err
	}
	return s.conn.Send(context.Background(), data)
}

func (s *Session) flushQueueLocked() {
	queue := s.sendQueue
	s.sendQueue = nil
	for _, env := range queue {
		if err := s.writeLocked(env); err != nil {
			s.cfg.Logger.Warn("conduit: flush on reconnect failed", "sessionId", s.ID, "err", err)
			s.sendQueue = append(s.sendQueue, env)
		}
	}
}

// HandleInbound decodes and dispatches one frame read from the attached
// Connection (the client/server read loop calls this per delivery). It
// implements the receive path of spec.md §4.3: ordering check, ack-driven
// buffer pruning, then per-stream routing.
func (s *Session) HandleInbound(raw []byte) {
	env, err := s.cfg.Codec.Decode(raw)
	if err != nil {
		s.cfg.Logger.Warn("conduit: malformed inbound frame dropped", "sessionId", s.ID, "err", err)
		return
	}
	s.post(func() {
		s.heartbeatMisses = 0
		if env.Seq != s.nextExpectedSeq {
			s.protocolErrorEm.emit(&ProtocolError{Type: ProtocolErrorMessageOrderingViolated, Err: ErrMessageOrderingViolated})
			if s.conn != nil {
				_ = s.conn.Close()
			}
			s.conn = nil
			s.state = SessionNoConnection
			s.startGraceLocked()
			return
		}
		s.nextExpectedSeq++
		s.pruneSendBufferLocked(env.Ack)
		s.dispatchLocked(env)
	})
}

func (s *Session) pruneSendBufferLocked(ack uint64) {
	i := 0
	for ; i < len(s.sendBuffer); i++ {
		if s.sendBuffer[i].Seq > ack {
			break
		}
	}
	s.sendBuffer = s.sendBuffer[i:]
}

func (s *Session) dispatchLocked(env *Envelope) {
	s.messageEm.emit(MessageEvent{Envelope: env})
	if env.isControl() {
		return // heartbeats/bare acks/handshake frames are routed by handshake.go's own reader
	}
	if s.tombstones.Contains(string(env.StreamID), time.Now()) {
		s.cfg.Logger.Debug("conduit: dropped frame for tombstoned stream", "sessionId", s.ID, "streamId", env.StreamID)
		return
	}
	if env.ControlFlags.Has(FlagStreamOpen) {
		if _, exists := s.streams[env.StreamID]; !exists && s.onOpen != nil {
			s.onOpen(s, env)
			return
		}
	}
	if st, ok := s.streams[env.StreamID]; ok {
		st.handleInbound(env.ControlFlags, env.Payload)
		if st.State() == StateClosed || st.State() == StateAborted {
			delete(s.streams, env.StreamID)
			s.tombstones.Add(string(env.StreamID), time.Now())
		}
	}
}

// SessionSnapshot is a read-only, point-in-time view of a Session's
// protocol-level state, used by tests asserting the Testable Properties of
// spec.md §8 (e.g. "stream absent from session.streams within the next
// turn") and by operational introspection, grounded in the teacher's
// SessionState accessor pattern.
type SessionSnapshot struct {
	State           SessionState
	NextSentSeq     uint64
	NextExpectedSeq uint64
	PendingSend     int
	RetainedBuffer  int
	StreamCount     int
	HeartbeatMisses int
}

// Snapshot returns a copy of the session's current protocol state.
func (s *Session) Snapshot() (snap SessionSnapshot) {
	s.post(func() {
		snap = SessionSnapshot{
			State:           s.state,
			NextSentSeq:     s.nextSentSeq,
			NextExpectedSeq: s.nextExpectedSeq,
			PendingSend:     len(s.sendQueue),
			RetainedBuffer:  len(s.sendBuffer),
			StreamCount:     len(s.streams),
			HeartbeatMisses: s.heartbeatMisses,
		}
	})
	return snap
}

// ExpectedState snapshots nextSentSeq/nextExpectedSeq for a client's
// HANDSHAKE_REQ.expectedSessionState (spec.md §4.3/§4.7).
func (s *Session) ExpectedState() (state ExpectedSessionState) {
	s.post(func() {
		state = ExpectedSessionState{NextExpectedSeq: s.nextExpectedSeq, NextSentSeq: s.nextSentSeq}
	})
	return state
}

// EmitProtocolError surfaces pe on the protocolError event stream. It is
// exported for use by the client's reconnect loop (client.go), which lives
// outside the session's own loop goroutine.
func (s *Session) EmitProtocolError(pe *ProtocolError) { s.protocolErrorEm.emit(pe) }

// resumableFrom reports whether nextExpectedSeq (named by an inbound
// HANDSHAKE_REQ.expectedSessionState) still lies within the retained send
// buffer, i.e. resumption can replay from there (spec.md §4.3).
func (s *Session) resumableFrom(nextExpectedSeq uint64) (replay []*Envelope, ok bool) {
	var out []*Envelope
	s.post(func() {
		if len(s.sendBuffer) == 0 {
			if nextExpectedSeq == s.nextSentSeq {
				ok = true
			}
			return
		}
		first := s.sendBuffer[0].Seq
		last := s.sendBuffer[len(s.sendBuffer)-1].Seq
		if nextExpectedSeq < first || nextExpectedSeq > last+1 {
			return
		}
		for _, env := range s.sendBuffer {
			if env.Seq >= nextExpectedSeq {
				out = append(out, env)
			}
		}
		ok = true
	})
	return out, ok
}

func (s *Session) startHeartbeatLocked() {
	s.heartbeatTimer = time.AfterFunc(s.cfg.HeartbeatInterval, func() { s.onHeartbeatTick() })
}

func (s *Session) stopHeartbeatLocked() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
}

func (s *Session) onHeartbeatTick() {
	s.post(func() {
		if s.state != SessionConnected {
			return
		}
		s.heartbeatMisses++
		if s.heartbeatMisses >= s.cfg.HeartbeatsUntilDead {
			if s.conn != nil {
				_ = s.conn.Close()
			}
			s.conn = nil
			s.state = SessionNoConnection
			s.startGraceLocked()
			return
		}
		ack := &Envelope{StreamID: "", ControlFlags: 0, Payload: &ControlPayload{Type: ControlAck}}
		ack.From, ack.To = s.From, s.To
		ack.ID = randID()
		ack.Seq = s.nextSentSeq
		s.nextSentSeq++
		ack.Ack = s.nextExpectedSeq
		s.sendBuffer = append(s.sendBuffer, ack)
		_ = s.writeLocked(ack)
		s.startHeartbeatLocked()
	})
}

func (s *Session) startGraceLocked() {
	s.stopGraceLocked()
	s.graceTimer = time.AfterFunc(s.cfg.DisconnectGrace, func() { s.Destroy() })
}

func (s *Session) stopGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}
