// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import "testing"

func TestWritableWriteForwardsToSendFn(t *testing.T) {
	var got []int
	w := NewWritable(func(v int) error {
		got = append(got, v)
		return nil
	}, nil)

	if err := w.Write(1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(2); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v, want [1 2]", got)
	}
}

func TestWritableCloseIsIdempotentAndRunsOnCloseOnce(t *testing.T) {
	closes := 0
	w := NewWritable(func(int) error { return nil }, func() { closes++ })

	w.Close()
	w.Close()
	w.Close()

	if closes != 1 {
		t.Fatalf("onClose ran %d times, want exactly 1", closes)
	}
	if w.IsWritable() {
		t.Fatal("IsWritable() = true after Close")
	}
}

func TestWritableWriteAfterCloseFails(t *testing.T) {
	w := NewWritable(func(int) error { return nil }, nil)
	w.Close()
	if err := w.Write(1); err == nil {
		t.Fatal("Write() after Close succeeded, want error")
	}
}
