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
	"context"
	"sync/atomic"
)

// MaxReplayEvents caps how much history a StreamAdapter replays
// before switching to live follow.
const MaxReplayEvents = 100

// EventFilter selects which events a StreamAdapter delivers.
//
// Zero-value fields match everything. MinLevel of LevelDebug (the zero
// value) passes all levels.
type EventFilter struct {
	// TaskID matches events with this task id. Empty matches all.
	TaskID string

	// MinLevel drops events below this level.
	MinLevel Level

	// Sources matches events from any of these sources. Empty matches all.
	Sources []Source

	// Stage matches events with this stage tag. Empty matches all.
	Stage string
}

// Match reports whether the event passes the filter.
func (f EventFilter) Match(event LogEvent) bool {
	if event.Level < f.MinLevel {
		return false
	}
	if f.TaskID != "" && event.TaskID != f.TaskID {
		return false
	}
	if f.Stage != "" && event.Stage != f.Stage {
		return false
	}
	if len(f.Sources) > 0 {
		found := false
		for _, s := range f.Sources {
			if event.Source == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// StreamAdapter bridges the memory sink to a live event channel.
//
// On Start, the adapter replays up to MaxReplayEvents historical events
// matching the filter (oldest first), then follows new events until the
// context is canceled. The adapter knows nothing about transports;
// turning a LogEvent into a wire frame is the caller's concern.
//
// Usage:
//
//	adapter := logging.NewStreamAdapter(memorySink, logging.EventFilter{
//	    TaskID:   taskID,
//	    MinLevel: logging.LevelDebug,
//	})
//	for event := range adapter.Start(ctx) {
//	    writeFrame(event)
//	}
//
// Slow consumers do not block the fabric: events that cannot be
// buffered are dropped and counted.
type StreamAdapter struct {
	sink   *MemorySink
	filter EventFilter
	buffer int

	dropped chan int // closed after Start's goroutine exits, carries the count
}

// NewStreamAdapter creates an adapter over the given memory sink.
func NewStreamAdapter(sink *MemorySink, filter EventFilter) *StreamAdapter {
	return &StreamAdapter{
		sink:    sink,
		filter:  filter,
		buffer:  256,
		dropped: make(chan int, 1),
	}
}

// Start begins delivery and returns the event channel.
//
// The channel is closed when ctx is canceled. Call Start at most once
// per adapter.
func (a *StreamAdapter) Start(ctx context.Context) <-chan LogEvent {
	out := make(chan LogEvent, a.buffer)

	// Live events funnel through an intermediate channel so the sink
	// callback never blocks on the consumer. Both funnels can discard:
	// the callback when live is full, the follow loop when out is full.
	// Every discard counts toward the total Dropped reports.
	live := make(chan LogEvent, a.buffer)
	var funnelDropped atomic.Int64
	unsubscribe := a.sink.Subscribe(func(event LogEvent) {
		if !a.filter.Match(event) {
			return
		}
		select {
		case live <- event:
		default:
			// Consumer too slow; drop rather than stall the fabric.
			funnelDropped.Add(1)
		}
	})

	go func() {
		defer close(out)

		dropped := 0
		defer func() {
			unsubscribe()
			a.dropped <- dropped + int(funnelDropped.Load())
			close(a.dropped)
		}()

		// Replay phase: most recent history first come from the ring,
		// trimmed to the newest MaxReplayEvents matches.
		history := a.sink.Events()
		matched := make([]LogEvent, 0, MaxReplayEvents)
		for _, event := range history {
			if a.filter.Match(event) {
				matched = append(matched, event)
			}
		}
		if len(matched) > MaxReplayEvents {
			matched = matched[len(matched)-MaxReplayEvents:]
		}
		for _, event := range matched {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}

		// Follow phase.
		for {
			select {
			case event := <-live:
				select {
				case out <- event:
				case <-ctx.Done():
					return
				default:
					dropped++
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Dropped blocks until the adapter finishes and returns how many live
// events were discarded because the consumer fell behind, across both
// the sink-callback funnel and the delivery channel.
func (a *StreamAdapter) Dropped() int {
	return <-a.dropped
}
