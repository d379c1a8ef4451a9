// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"testing"
)

func noopSend(ControlFlags, any) error { return nil }

func TestStreamCleanupRunsLIFOEvenIfOnePanics(t *testing.T) {
	s := newClientStream("s1", "test", "rpc", KindRPC, noopSend)

	var order []int
	s.DeferCleanup(func() { order = append(order, 1) })
	s.DeferCleanup(func() { panic("boom") })
	s.DeferCleanup(func() { order = append(order, 3) })

	s.Abort(CodeAbort, "done")

	want := []int{3, 1}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("cleanup order = %v, want %v", order, want)
	}
}

func TestStreamDeferCleanupAfterFinishRunsImmediately(t *testing.T) {
	s := newClientStream("s1", "test", "rpc", KindRPC, noopSend)
	s.Abort(CodeAbort, "done")

	ran := false
	s.DeferCleanup(func() { ran = true })
	if !ran {
		t.Fatal("DeferCleanup after stream finished did not run immediately")
	}
}

func TestStreamAbortDeliversResultAndCancelsContext(t *testing.T) {
	s := newClientStream("s1", "test", "rpc", KindRPC, noopSend)
	s.Abort("SOME_CODE", "went wrong")

	if s.State() != StateAborted {
		t.Fatalf("State() = %v, want Aborted", s.State())
	}
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("handler context not cancelled after Abort")
	}

	v, ok, err := mustIterate(t, s.ResReadable).Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok || v.Ok || v.Err.Code != "SOME_CODE" {
		t.Fatalf("Next() = %+v, %v, want the abort Result", v, ok)
	}
}

func TestServerStreamRPCClosesOnBothHalvesDone(t *testing.T) {
	s := newServerStream("s1", "test", "add.rpc", KindRPC, noopSend)
	if s.State() != StateOpen {
		t.Fatalf("State() = %v, want Open", s.State())
	}

	// rpc's request half is already done at construction (closes with open).
	s.ResWritable.Write(OkResult(any(42)))
	s.ResWritable.Close()

	if s.State() != StateClosed {
		t.Fatalf("State() = %v, want Closed", s.State())
	}
}

func mustIterate(t *testing.T, r *Readable[any]) *ReadableIterator[any] {
	t.Helper()
	it, err := r.Iterate()
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	return it
}
