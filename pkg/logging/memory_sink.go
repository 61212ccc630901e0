// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import "sync"

// DefaultMemoryCapacity is the ring size for MemorySink.
const DefaultMemoryCapacity = 1000

// MemorySink retains recent events in a bounded ring and notifies
// registered callbacks on every emit.
//
// The ring keeps the most recent Capacity events; older events are
// overwritten. Callbacks are invoked synchronously in registration
// order during Emit, so they must be fast and must not block. A
// callback that panics is isolated by the Manager like any other
// sink failure.
//
// MemorySink is the substrate for live debug streams: a StreamAdapter
// subscribes to it, replays history, and then follows new events.
//
// # Thread Safety
//
// MemorySink is safe for concurrent use.
type MemorySink struct {
	mu        sync.RWMutex
	buf       []LogEvent
	next      int
	full      bool
	callbacks map[int]func(LogEvent)
	nextCBID  int
}

// NewMemorySink creates a MemorySink with the given ring capacity.
//
// Capacity values <= 0 fall back to DefaultMemoryCapacity.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemorySink{
		buf:       make([]LogEvent, capacity),
		callbacks: make(map[int]func(LogEvent)),
	}
}

// Emit stores the event in the ring and notifies callbacks.
func (s *MemorySink) Emit(event LogEvent) {
	s.mu.Lock()
	s.buf[s.next] = event
	s.next++
	if s.next == len(s.buf) {
		s.next = 0
		s.full = true
	}
	cbs := make([]func(LogEvent), 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(event)
	}
}

// Subscribe registers a callback invoked for every subsequent event.
//
// Returns an unsubscribe function. The callback runs on the emitting
// goroutine; it must return quickly.
func (s *MemorySink) Subscribe(cb func(LogEvent)) func() {
	s.mu.Lock()
	id := s.nextCBID
	s.nextCBID++
	s.callbacks[id] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.callbacks, id)
		s.mu.Unlock()
	}
}

// Events returns the retained events in emission order (oldest first).
func (s *MemorySink) Events() []LogEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.full {
		result := make([]LogEvent, s.next)
		copy(result, s.buf[:s.next])
		return result
	}
	result := make([]LogEvent, 0, len(s.buf))
	result = append(result, s.buf[s.next:]...)
	result = append(result, s.buf[:s.next]...)
	return result
}

// Len returns the number of retained events.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return len(s.buf)
	}
	return s.next
}

// Flush is a no-op (events live in memory).
func (s *MemorySink) Flush() error { return nil }

// Close drops all callbacks. Retained events stay readable.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = make(map[int]func(LogEvent))
	return nil
}

var _ LogSink = (*MemorySink)(nil)
