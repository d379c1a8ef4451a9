// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Backoff computes a bounded exponential reconnect delay (spec.md §4.3's
// "schedule a reconnect with bounded exponential backoff").
type Backoff struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	attempt int
}

// NewBackoff returns a Backoff starting at base and never exceeding max.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{base: base, max: max}
}

// Next returns the delay before the next reconnect attempt and advances the
// internal attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.base << b.attempt
	if d <= 0 || d > b.max {
		d = b.max
	}
	if b.attempt < 62 {
		b.attempt++
	}
	return d
}

// Reset clears the attempt counter after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// ReconnectBudget caps how many reconnect failures a client will absorb
// before surfacing RetriesExceeded, per spec.md §4.3's attemptBudgetCapacity
// and §9's mandated decrement-on-failure/refill-on-success semantics.
// Repeated instant-close connects consume the budget exactly like any other
// failure. A golang.org/x/time/rate limiter paces attempts so a peer that
// closes the connection immediately can't exhaust the budget in a tight
// busy loop before the caller even observes RetriesExceeded.
type ReconnectBudget struct {
	mu        sync.Mutex
	capacity  int
	remaining int
	limiter   *rate.Limiter
}

// NewReconnectBudget returns a budget with capacity attempts, paced at no
// faster than one attempt per minInterval.
func NewReconnectBudget(capacity int, minInterval time.Duration) *ReconnectBudget {
	if minInterval <= 0 {
		minInterval = 50 * time.Millisecond
	}
	return &ReconnectBudget{
		capacity:  capacity,
		remaining: capacity,
		limiter:   rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// Wait paces the caller's next reconnect attempt.
func (b *ReconnectBudget) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// RecordFailure decrements the budget and reports whether it is now
// exhausted (the caller should surface RetriesExceeded).
func (b *ReconnectBudget) RecordFailure() (exceeded bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining > 0 {
		b.remaining--
	}
	return b.remaining <= 0
}

// RecordSuccess refills the budget back to capacity.
func (b *ReconnectBudget) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = b.capacity
}

// Remaining reports the current remaining attempt count.
func (b *ReconnectBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}
