// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trace is the under-the-hood call fabric: a record of every
// LLM and validator call the service makes on a user's behalf.
//
// Call sites open a scope through StartCall and close it with the
// call's outcome. Each closed scope becomes one Call record that lands
// in two places:
//
//	┌──────────────────────────────────────────────────────────┐
//	│                        Store                             │
//	│   ┌──────────────────┐      ┌─────────────────────────┐  │
//	│   │   memory ring    │      │   Badger (TTL'd, keyed  │  │
//	│   │   (recent calls) │      │   by task id)           │  │
//	│   └──────────────────┘      └─────────────────────────┘  │
//	└──────────────────────────────────────────────────────────┘
//
// The ring answers "what has the service done lately"; the persistent
// store answers "what exactly happened during task X", which is what
// the admin trace endpoint serves. Tracing is a per-request decision:
// the `debug.under_the_hood_enabled` toggle is read from the live
// config snapshot on every StartCall, so an operator can flip it
// without restarting the daemon.
//
// Task and stage correlation travel on the context. The workflow
// engine stamps both; call sites never pass identifiers explicitly.
//
// # Thread Safety
//
// Store and all helpers in this package are safe for concurrent use.
package trace

import (
	"context"
	"time"
)

// =============================================================================
// Call Record
// =============================================================================

// Status is the outcome of a recorded call scope.
type Status string

const (
	// StatusOK means the call returned without error.
	StatusOK Status = "ok"

	// StatusError means the call returned an error; Call.Error carries it.
	StatusError Status = "error"
)

// Call is one recorded call scope.
//
// Args and Output are previews: call sites pass small metadata maps
// (model name, prompt size) rather than full payloads, and the store
// truncates output text. The full artifacts live on the run itself;
// the trace exists to show the shape and timing of the work.
type Call struct {
	// ID uniquely identifies the record.
	ID string `json:"id"`

	// TaskID correlates the call with a workflow run. Empty for calls
	// made outside a run; those stay in the ring and are not persisted.
	TaskID string `json:"task_id,omitempty"`

	// Stage is the workflow stage that was executing, when known.
	Stage string `json:"stage,omitempty"`

	// Kind groups calls by surface: "llm", "validator", "tool".
	Kind string `json:"kind"`

	// Tool is the specific operation: "generate", "chat", "syntax".
	Tool string `json:"tool"`

	// Args is the call-site metadata preview.
	Args map[string]any `json:"args_preview,omitempty"`

	// Output is a truncated preview of the call's result text.
	Output string `json:"output,omitempty"`

	// Status is "ok" or "error".
	Status Status `json:"status"`

	// Error carries the error text for failed calls.
	Error string `json:"err,omitempty"`

	// StartedAt is when the scope opened (UTC).
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the scope closed (UTC).
	FinishedAt time.Time `json:"finished_at"`

	// DurationMS is the scope's wall time in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// Seq orders calls recorded by this process.
	Seq uint64 `json:"seq"`
}

// =============================================================================
// Context Correlation
// =============================================================================

type ctxKey int

const (
	taskKey ctxKey = iota
	stageKey
)

// WithTask returns a context carrying the workflow task id.
//
// The engine stamps this once per run; every scope opened below it
// inherits the correlation.
func WithTask(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// TaskFrom extracts the task id stamped by WithTask, or "".
func TaskFrom(ctx context.Context) string {
	if v, ok := ctx.Value(taskKey).(string); ok {
		return v
	}
	return ""
}

// WithStage returns a context carrying the executing stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFrom extracts the stage name stamped by WithStage, or "".
func StageFrom(ctx context.Context) string {
	if v, ok := ctx.Value(stageKey).(string); ok {
		return v
	}
	return ""
}
