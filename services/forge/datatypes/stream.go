// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// =============================================================================
// Stream Event Types
// =============================================================================

// StreamEventType discriminates the outbound event envelope.
type StreamEventType string

const (
	// EventStageStart announces a workflow stage beginning.
	EventStageStart StreamEventType = "stage_start"

	// EventStageEnd announces a workflow stage completing, with its result.
	EventStageEnd StreamEventType = "stage_end"

	// EventLog carries an informational progress line.
	EventLog StreamEventType = "log"

	// EventToolCallStart announces an external tool invocation.
	EventToolCallStart StreamEventType = "tool_call_start"

	// EventToolCallEnd announces the tool invocation finishing.
	EventToolCallEnd StreamEventType = "tool_call_end"

	// EventFinalResult is the successful terminal event. Exactly one
	// terminal event closes every stream.
	EventFinalResult StreamEventType = "final_result"

	// EventError is the failing terminal event.
	EventError StreamEventType = "error"
)

// IsTerminal reports whether the type closes the stream.
func (t StreamEventType) IsTerminal() bool {
	return t == EventFinalResult || t == EventError
}

// Droppable reports whether the event may be coalesced away under
// back-pressure. Stage boundaries and terminals are never dropped.
func (t StreamEventType) Droppable() bool {
	return t == EventLog || t == EventToolCallStart || t == EventToolCallEnd
}

// =============================================================================
// Stream Event Envelope
// =============================================================================

// StreamEvent is the outbound event envelope.
//
// Every event carries at least Type; Stage is present where applicable.
// Result holds the stage or final payload; Metrics holds numeric
// quality scores (e.g. {"overall": 0.87}). Seq is assigned by the
// emitter and is strictly increasing per request, letting clients
// detect gaps after coalescing.
type StreamEvent struct {
	Type      StreamEventType    `json:"type"`
	Stage     string             `json:"stage,omitempty"`
	Message   string             `json:"message,omitempty"`
	Result    map[string]any     `json:"result,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	TaskID    string             `json:"task_id,omitempty"`
	ErrorKind ErrorKind          `json:"error_kind,omitempty"`
	Level     string             `json:"level,omitempty"`
	Seq       uint64             `json:"seq,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// NewStageStart builds a stage_start event.
func NewStageStart(taskID, stage string) StreamEvent {
	return StreamEvent{
		Type:      EventStageStart,
		Stage:     stage,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}

// NewStageEnd builds a stage_end event carrying the stage result.
func NewStageEnd(taskID, stage string, result map[string]any) StreamEvent {
	return StreamEvent{
		Type:      EventStageEnd,
		Stage:     stage,
		TaskID:    taskID,
		Result:    result,
		Timestamp: time.Now().UTC(),
	}
}

// NewLogStreamEvent builds an informational log event.
//
// Level uses the fabric's wire names ("INFO", "WARNING", ...).
func NewLogStreamEvent(taskID, stage, level, message string) StreamEvent {
	return StreamEvent{
		Type:      EventLog,
		Stage:     stage,
		Message:   message,
		Level:     level,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolCallStart builds a tool_call_start event.
func NewToolCallStart(taskID, stage, tool string, args map[string]any) StreamEvent {
	return StreamEvent{
		Type:      EventToolCallStart,
		Stage:     stage,
		Message:   tool,
		Result:    args,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolCallEnd builds a tool_call_end event.
func NewToolCallEnd(taskID, stage, tool string, result map[string]any) StreamEvent {
	return StreamEvent{
		Type:      EventToolCallEnd,
		Stage:     stage,
		Message:   tool,
		Result:    result,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}

// NewFinalResult builds the successful terminal event.
func NewFinalResult(taskID string, result map[string]any, metrics map[string]float64) StreamEvent {
	return StreamEvent{
		Type:      EventFinalResult,
		TaskID:    taskID,
		Result:    result,
		Metrics:   metrics,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorEvent builds the failing terminal event from a classified
// error.
func NewErrorEvent(taskID string, err error) StreamEvent {
	return StreamEvent{
		Type:      EventError,
		TaskID:    taskID,
		Message:   err.Error(),
		ErrorKind: KindOf(err),
		Timestamp: time.Now().UTC(),
	}
}
