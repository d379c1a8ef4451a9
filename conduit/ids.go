// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conduit

import "crypto/rand"

// randID returns a random opaque identifier suitable for envelope ids,
// session ids, and stream ids, matching the teacher's randText helper
// (crypto/rand-backed, not a counter, so ids are safe to compare across
// process restarts).
func randID() string {
	return rand.Text()
}
