// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"fmt"
	"sync"
)

// Readable is the single-owner read half of a stream direction. It exposes a
// lazy, single-consumer iteration contract, matching spec.md §4.1: at most
// one active iterator, a cooperative Break that unlocks the waiter exactly
// once with a terminal READABLE_BROKEN result, and a drain-before-done rule
// when the producer closes with values still queued.
type Readable[T any] struct {
	mu             sync.Mutex
	queue          []Result[T]
	producerClosed bool
	broken         bool
	iterating      bool
	signal         chan struct{} // 1-buffered; wakes a blocked Next
}

// NewReadable returns an empty, open Readable.
func NewReadable[T any]() *Readable[T] {
	return &Readable[T]{signal: make(chan struct{}, 1)}
}

func (r *Readable[T]) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// pushValue is internal-only: producers (the session's receive path) push
// validated payloads here. Producers must never call pushValue after
// triggerClose; doing so is a framework bug, not a user error, so it is
// silently dropped rather than panicking mid-dispatch.
func (r *Readable[T]) pushValue(v Result[T]) {
	r.mu.Lock()
	if r.producerClosed || r.broken {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, v)
	r.mu.Unlock()
	r.wake()
}

// triggerClose is internal-only: the producer signals no further values
// will be pushed. Iteration still drains whatever is already queued before
// signalling done.
func (r *Readable[T]) triggerClose() {
	r.mu.Lock()
	r.producerClosed = true
	r.mu.Unlock()
	r.wake()
}

// Break discards any queued values, delivers exactly one READABLE_BROKEN
// result to the active waiter, then signals done for all further reads.
// Break is idempotent.
func (r *Readable[T]) Break() {
	r.mu.Lock()
	if r.broken {
		r.mu.Unlock()
		return
	}
	r.broken = true
	r.queue = nil
	r.mu.Unlock()
	r.wake()
}

// IsReadable reports whether the readable still has values to deliver or
// may receive more.
func (r *Readable[T]) IsReadable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken {
		return false
	}
	return !r.producerClosed || len(r.queue) > 0
}

// ReadableIterator is the single active consumer of a Readable, obtained via
// [Readable.Iterate].
type ReadableIterator[T any] struct {
	r               *Readable[T]
	deliveredBroken bool
}

// Iterate returns this Readable's iterator. A second call while one is
// already active fails loudly rather than silently sharing state.
func (r *Readable[T]) Iterate() (*ReadableIterator[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.iterating {
		return nil, fmt.Errorf("conduit: readable already has an active iterator")
	}
	r.iterating = true
	return &ReadableIterator[T]{r: r}, nil
}

// Next blocks until a value is available, the readable is done, or ctx is
// cancelled. ok is false exactly when iteration is complete (producer
// closed with an empty queue, or Break's single terminal result was already
// delivered).
func (it *ReadableIterator[T]) Next(ctx context.Context) (value Result[T], ok bool, err error) {
	r := it.r
	for {
		r.mu.Lock()
		if r.broken {
			if it.deliveredBroken {
				r.mu.Unlock()
				return Result[T]{}, false, nil
			}
			it.deliveredBroken = true
			r.mu.Unlock()
			return ErrResult[T](CodeReadableBroken, "readable broken"), true, nil
		}
		if len(r.queue) > 0 {
			v := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return v, true, nil
		}
		if r.producerClosed {
			r.mu.Unlock()
			return Result[T]{}, false, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return Result[T]{}, false, ctx.Err()
		case <-r.signal:
		}
	}
}

// Collect drains the readable to a slice, blocking until it is done. It
// shares the single-iterator contract with [Readable.Iterate].
func (r *Readable[T]) Collect(ctx context.Context) ([]Result[T], error) {
	it, err := r.Iterate()
	if err != nil {
		return nil, err
	}
	var out []Result[T]
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}
