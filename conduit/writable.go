// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"fmt"
	"sync"
)

// Writable is the single-owner write half of a stream direction. Writes are
// non-suspending: they hand the value to sendFn, which is expected to be the
// session's buffered send path (spec.md §5).
type Writable[T any] struct {
	mu        sync.Mutex
	closed    bool
	sendFn    func(T) error
	onClose   func()
	closeOnce sync.Once
}

// NewWritable returns a Writable that forwards each written value to sendFn
// and, on Close, invokes onClose exactly once. onClose may be nil.
func NewWritable[T any](sendFn func(T) error, onClose func()) *Writable[T] {
	return &Writable[T]{sendFn: sendFn, onClose: onClose}
}

// Write sends value. It fails loudly (returns an error) if called after
// Close.
func (w *Writable[T]) Write(value T) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("conduit: write to closed writable")
	}
	w.mu.Unlock()
	return w.sendFn(value)
}

// Close marks the writable closed. It is idempotent and fires onClose
// exactly once, even under concurrent callers.
func (w *Writable[T]) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.closeOnce.Do(func() {
		if w.onClose != nil {
			w.onClose()
		}
	})
}

// IsWritable reports whether Write would currently be accepted.
func (w *Writable[T]) IsWritable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed
}
