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

import (
	"fmt"
	"os"
	"sync"
)

// =============================================================================
// Sink Interface
// =============================================================================

// LogSink receives events from the Manager.
//
// Implementations can write to files, consoles, in-memory rings, or
// external systems.
//
// # Implementation Requirements
//
//  1. Emit must be safe for concurrent use. The Manager may call it
//     from many goroutines.
//
//  2. Emit should be fast. Slow sinks delay every caller of the fabric;
//     buffer internally if the destination is slow.
//
//  3. Flush should persist all buffered entries before returning.
//     It's called during graceful shutdown.
//
//  4. Close should release all resources (connections, files).
//     It's called after Flush during shutdown.
//
// Sinks should not panic, but the Manager tolerates those that do:
// a panicking sink is isolated and the remaining sinks still receive
// the event.
type LogSink interface {
	// Emit writes one event to the sink's destination.
	Emit(event LogEvent)

	// Flush ensures all buffered entries are persisted.
	Flush() error

	// Close releases resources held by the sink.
	Close() error
}

// =============================================================================
// Manager
// =============================================================================

// Manager multicasts LogEvents to registered sinks.
//
// Level filtering is applied at the Manager: events below the configured
// minimum never reach any sink. Emission order is preserved per sink;
// multicasts to different sinks may interleave.
//
// # Failure Isolation
//
// A sink that panics during Emit is caught by the Manager. The panic is
// noted directly on stderr (not through the fabric, to avoid recursion)
// and the remaining sinks still receive the event.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Sink registration takes a write
// lock; emission takes a read lock, so concurrent emits do not serialize
// against each other at the Manager level.
type Manager struct {
	mu    sync.RWMutex
	level Level
	sinks []LogSink
}

// NewManager creates a Manager with the given minimum level and no sinks.
//
// Events are discarded until at least one sink is added.
func NewManager(level Level) *Manager {
	return &Manager{level: level}
}

// AddSink registers a sink. Safe to call while other goroutines emit.
func (m *Manager) AddSink(sink LogSink) {
	if sink == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// RemoveSink unregisters a previously added sink.
//
// The sink is not flushed or closed; the caller retains ownership.
func (m *Manager) RemoveSink(sink LogSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.sinks {
		if s == sink {
			m.sinks = append(m.sinks[:i], m.sinks[i+1:]...)
			return
		}
	}
}

// SetLevel changes the minimum level for subsequent events.
func (m *Manager) SetLevel(level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = level
}

// Level returns the current minimum level.
func (m *Manager) Level() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Emit multicasts one event to every registered sink.
//
// Events below the minimum level are dropped. A panicking sink does not
// prevent delivery to the others.
func (m *Manager) Emit(event LogEvent) {
	m.mu.RLock()
	level := m.level
	sinks := m.sinks
	m.mu.RUnlock()

	if event.Level < level {
		return
	}
	for _, sink := range sinks {
		m.emitOne(sink, event)
	}
}

// emitOne delivers to a single sink with panic isolation.
func (m *Manager) emitOne(sink LogSink, event LogEvent) {
	defer func() {
		if r := recover(); r != nil {
			// Stderr on purpose: reporting through the fabric here
			// could recurse into the same broken sink.
			fmt.Fprintf(os.Stderr, "logging: sink %T panicked: %v\n", sink, r)
		}
	}()
	sink.Emit(event)
}

// Logger returns a Logger front end bound to this Manager.
func (m *Manager) Logger(source Source) *Logger {
	return &Logger{manager: m, source: source}
}

// Flush flushes every sink. Returns the first error encountered.
func (m *Manager) Flush() error {
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()

	var first error
	for _, sink := range sinks {
		if err := sink.Flush(); err != nil && first == nil {
			first = fmt.Errorf("flush sink %T: %w", sink, err)
		}
	}
	return first
}

// Close flushes and closes every sink.
//
// Always call Close when shutting down a fabric that has file sinks:
//
//	manager := logging.NewManager(logging.LevelInfo)
//	defer manager.Close()
//
// Returns the first error encountered; later errors are discarded.
func (m *Manager) Close() error {
	m.mu.Lock()
	sinks := m.sinks
	m.sinks = nil
	m.mu.Unlock()

	var first error
	for _, sink := range sinks {
		if err := sink.Flush(); err != nil && first == nil {
			first = fmt.Errorf("flush sink %T: %w", sink, err)
		}
		if err := sink.Close(); err != nil && first == nil {
			first = fmt.Errorf("close sink %T: %w", sink, err)
		}
	}
	return first
}

// =============================================================================
// Built-in Sinks
// =============================================================================

// NopSink discards all events.
//
// Useful for testing or when a sink slot is disabled.
type NopSink struct{}

// Emit discards the event (no-op).
func (s *NopSink) Emit(event LogEvent) {}

// Flush is a no-op.
func (s *NopSink) Flush() error { return nil }

// Close is a no-op.
func (s *NopSink) Close() error { return nil }

// Ensure NopSink implements LogSink
var _ LogSink = (*NopSink)(nil)

// BufferedSink collects events in memory.
//
// Useful for testing to verify fabric output:
//
//	sink := logging.NewBufferedSink()
//	manager.AddSink(sink)
//
//	logger.Info("test message", "key", "value")
//
//	events := sink.Events()
//	assert.Equal(t, "test message", events[0].Message)
type BufferedSink struct {
	mu     sync.Mutex
	events []LogEvent
}

// NewBufferedSink creates a new BufferedSink.
func NewBufferedSink() *BufferedSink {
	return &BufferedSink{
		events: make([]LogEvent, 0, 100),
	}
}

// Emit appends the event to the buffer.
func (s *BufferedSink) Emit(event LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Flush is a no-op (events are already in memory).
func (s *BufferedSink) Flush() error { return nil }

// Close is a no-op.
func (s *BufferedSink) Close() error { return nil }

// Events returns a copy of all collected events.
//
// The returned slice is a copy; modifications don't affect
// the sink's internal buffer.
func (s *BufferedSink) Events() []LogEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]LogEvent, len(s.events))
	copy(result, s.events)
	return result
}

var _ LogSink = (*BufferedSink)(nil)
