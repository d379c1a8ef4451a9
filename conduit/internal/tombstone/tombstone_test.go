// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tombstone

import (
	"testing"
	"time"
)

func TestSetContainsWithinWindow(t *testing.T) {
	s := New(time.Minute, 10)
	now := time.Now()
	s.Add("stream-1", now)

	if !s.Contains("stream-1", now.Add(30*time.Second)) {
		t.Fatal("expected stream-1 to still be tombstoned within the window")
	}
}

func TestSetExpiresAfterWindow(t *testing.T) {
	s := New(time.Minute, 10)
	now := time.Now()
	s.Add("stream-1", now)

	if s.Contains("stream-1", now.Add(2*time.Minute)) {
		t.Fatal("expected stream-1 to have expired")
	}
}

func TestSetEvictsByCapacity(t *testing.T) {
	s := New(time.Hour, 2)
	now := time.Now()
	s.Add("a", now)
	s.Add("b", now)
	s.Add("c", now)

	if s.Contains("a", now) {
		t.Fatal("expected oldest entry to be evicted once capacity was exceeded")
	}
	if !s.Contains("b", now) || !s.Contains("c", now) {
		t.Fatal("expected the two most recent entries to remain")
	}
	if got := s.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}
