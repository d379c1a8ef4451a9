// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import "context"

// TypedReadable decodes each value off an untyped *Readable[any] into T on
// read, the way the teacher's generic ServerRequest[P]/TypedToolHandler
// wrappers present a typed surface over an untyped transport. Decoding is
// lazy (on Next, not eagerly pumped into a second queue) so Break still
// reaches the same underlying queue a client abort would drain.
type TypedReadable[T any] struct {
	inner *Readable[any]
	codec PayloadCodec
}

func newTypedReadable[T any](inner *Readable[any], codec PayloadCodec) *TypedReadable[T] {
	return &TypedReadable[T]{inner: inner, codec: codec}
}

// Break discards queued values and delivers a terminal READABLE_BROKEN.
func (t *TypedReadable[T]) Break() { t.inner.Break() }

// IsReadable reports whether more values may still arrive.
func (t *TypedReadable[T]) IsReadable() bool { return t.inner.IsReadable() }

// Iterate returns the single active typed iterator over this readable.
func (t *TypedReadable[T]) Iterate() (*TypedReadableIterator[T], error) {
	it, err := t.inner.Iterate()
	if err != nil {
		return nil, err
	}
	return &TypedReadableIterator[T]{it: it, codec: t.codec}, nil
}

// Collect drains the readable to a slice of typed Results.
func (t *TypedReadable[T]) Collect(ctx context.Context) ([]Result[T], error) {
	it, err := t.Iterate()
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

// TypedReadableIterator is the single active consumer of a TypedReadable.
type TypedReadableIterator[T any] struct {
	it    *ReadableIterator[any]
	codec PayloadCodec
}

// Next decodes the next queued value into T, passing through a peer's Err
// Result (abort or application error) untouched.
func (ti *TypedReadableIterator[T]) Next(ctx context.Context) (Result[T], bool, error) {
	v, ok, err := ti.it.Next(ctx)
	if err != nil || !ok {
		return Result[T]{}, ok, err
	}
	if !v.Ok {
		return Result[T]{Err: v.Err}, true, nil
	}
	var typed T
	if derr := ti.codec.DecodePayload(v.Payload, &typed); derr != nil {
		return ErrResult[T](CodeInvalidRequest, derr.Error()), true, nil
	}
	return OkResult(typed), true, nil
}

// TypedWritable is the typed counterpart to TypedReadable: writes pass the
// concrete value straight to the session send path, which marshals it on
// the way out, so no decode step is needed here.
type TypedWritable[T any] struct {
	inner *Writable[any]
}

func newTypedWritable[T any](inner *Writable[any]) *TypedWritable[T] {
	return &TypedWritable[T]{inner: inner}
}

// Write sends value. It fails loudly if called after Close.
func (w *TypedWritable[T]) Write(value T) error { return w.inner.Write(value) }

// Close idempotently closes the writable.
func (w *TypedWritable[T]) Close() { w.inner.Close() }

// IsWritable reports whether Write would currently be accepted.
func (w *TypedWritable[T]) IsWritable() bool { return w.inner.IsWritable() }
