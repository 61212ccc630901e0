// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trace

import "sync"

// defaultRingCapacity backstops a missing or non-positive config value.
const defaultRingCapacity = 1000

// ring retains the most recent calls across all tasks. Older entries
// are overwritten once the buffer is full.
type ring struct {
	mu   sync.RWMutex
	buf  []Call
	next int
	full bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &ring{buf: make([]Call, capacity)}
}

func (r *ring) add(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = c
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns the retained calls oldest-first.
func (r *ring) snapshot() []Call {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		out := make([]Call, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Call, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

func (r *ring) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
