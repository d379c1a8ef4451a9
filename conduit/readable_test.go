// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReadableDeliversQueuedValuesThenDone(t *testing.T) {
	r := NewReadable[int]()
	r.pushValue(OkResult(1))
	r.pushValue(OkResult(2))
	r.triggerClose()

	got, err := r.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := []Result[int]{OkResult(1), OkResult(2)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Collect() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadableBreakIsIdempotent(t *testing.T) {
	r := NewReadable[int]()
	r.pushValue(OkResult(1))

	r.Break()
	firstBroken := r.broken
	firstQueueLen := len(r.queue)

	r.Break()
	if r.broken != firstBroken || len(r.queue) != firstQueueLen {
		t.Fatal("second Break() call changed observable state")
	}

	it, err := r.Iterate()
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	v, ok, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok || v.Ok || v.Err.Code != CodeReadableBroken {
		t.Fatalf("Next() = %+v, %v, want a single READABLE_BROKEN terminal result", v, ok)
	}
	_, ok, err = it.Next(context.Background())
	if err != nil || ok {
		t.Fatalf("Next() after broken terminal = %v, %v, want ok=false", ok, err)
	}
}

func TestReadableSecondIteratorRejected(t *testing.T) {
	r := NewReadable[int]()
	if _, err := r.Iterate(); err != nil {
		t.Fatalf("first Iterate: %v", err)
	}
	if _, err := r.Iterate(); err == nil {
		t.Fatal("second concurrent Iterate() succeeded, want error")
	}
}

func TestReadableNextRespectsContextCancellation(t *testing.T) {
	r := NewReadable[int]()
	it, err := r.Iterate()
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := it.Next(ctx); err == nil {
		t.Fatal("Next() with a cancelled context returned nil error")
	}
}
