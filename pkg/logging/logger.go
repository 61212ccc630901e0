// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides the structured log fabric for Skiff components.
//
// This package implements a multicast logging architecture: every component
// emits typed LogEvents into a Manager, and the Manager fans each event out
// to the configured sinks:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                         Manager                             │
//	│  ┌─────────────┐  ┌─────────────┐  ┌─────────────────────┐  │
//	│  │  console    │  │  JSONL file │  │   memory ring       │  │
//	│  │  (human)    │  │  (rotated)  │  │   (subscribers)     │  │
//	│  └─────────────┘  └─────────────┘  └─────────────────────┘  │
//	└─────────────────────────────────────────────────────────────┘
//
// # Basic Usage
//
// For simple CLI usage with console output:
//
//	logger := logging.Default()
//	logger.Info("starting session", "session_id", sessionID)
//	logger.Error("request failed", "error", err)
//
// # Full Fabric
//
// The forge daemon assembles the fabric explicitly so that the memory sink
// can feed live debug streams:
//
//	manager := logging.NewManager(logging.LevelInfo)
//	manager.AddSink(logging.NewConsoleSink(os.Stderr))
//	manager.AddSink(fileSink)
//	manager.AddSink(memorySink)
//	logger := manager.Logger(logging.SourceSystem)
//	defer manager.Close()
//
// # Log Levels
//
// Four levels are supported, matching slog conventions:
//
//   - Debug: Development troubleshooting, verbose output
//   - Info: Normal operations (request start/end, state changes)
//   - Warn: Recoverable issues (retry attempts, degraded mode)
//   - Error: Operation failures (but system continues)
//
// # Thread Safety
//
// Manager, Logger, and all sinks in this package are safe for concurrent
// use. Sink implementations must never panic the caller; the Manager
// isolates sink panics (see Manager.Emit).
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data.
// Callers must ensure PII, tokens, and secrets are not logged:
//
//	// BAD: logs sensitive data
//	logger.Info("auth", "token", authToken)
//
//	// GOOD: log metadata only
//	logger.Info("auth", "token_present", authToken != "")
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels.
//
// Levels follow the slog convention and are ordered by severity:
// Debug < Info < Warn < Error
//
// Setting a minimum level filters out all logs below that level.
// For example, LevelWarn filters out Debug and Info messages.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	// Use for verbose output that helps trace execution flow.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	// Use for significant events that confirm correct operation.
	LevelInfo

	// LevelWarn is for potentially problematic situations.
	// Use when something unexpected happened but the system can continue.
	LevelWarn

	// LevelError is for error conditions.
	// Use when an operation failed but the system continues.
	LevelError
)

// String returns the wire name of the level.
//
// Returns "DEBUG", "INFO", "WARNING", "ERROR", or "UNKNOWN".
// Note the long form "WARNING": persisted events and stream frames use
// the long form, matching the event schema consumed by UI clients.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a wire name back to a Level.
//
// Accepts both "WARN" and "WARNING". Unknown names default to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// MarshalJSON encodes the level as its wire name.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// UnmarshalJSON decodes a wire name into a Level.
func (l *Level) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	*l = ParseLevel(s)
	return nil
}

// toSlogLevel converts our Level to slog.Level.
//
// This internal method bridges our Level type to the standard library.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fromSlogLevel converts a slog.Level to our Level.
func fromSlogLevel(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}

// =============================================================================
// Sources
// =============================================================================

// Source identifies which subsystem produced a LogEvent.
//
// Sources let subscribers filter the fabric: a UI debug stream typically
// follows agent and tool events, while operational dashboards watch
// system and infrastructure events.
type Source string

const (
	// SourceAgent marks events from workflow stages (planner, coder, ...).
	SourceAgent Source = "agent"

	// SourceSystem marks events from the service core (startup, routing).
	SourceSystem Source = "system"

	// SourceUI marks events mirrored from connected clients.
	SourceUI Source = "ui"

	// SourceTool marks events from external tool invocations.
	SourceTool Source = "tool"

	// SourceValidator marks events from code and input validators.
	SourceValidator Source = "validator"

	// SourceInfrastructure marks events from storage, transport, and
	// third-party adapters.
	SourceInfrastructure Source = "infrastructure"
)

// =============================================================================
// LogEvent
// =============================================================================

// LogEvent is the typed record multicast through the fabric.
//
// Events carry a structured payload map rather than pre-rendered strings
// so that sinks can format them appropriately (JSONL for files,
// colorized text for consoles, raw structs for stream subscribers).
//
// Timestamps are always UTC.
type LogEvent struct {
	// Timestamp is the UTC time the event was created.
	Timestamp time.Time `json:"timestamp"`

	// Level is the event severity.
	Level Level `json:"level"`

	// Source identifies the producing subsystem.
	Source Source `json:"source"`

	// Stage is the workflow stage that produced the event, if any.
	Stage string `json:"stage,omitempty"`

	// Message is the human-readable message.
	Message string `json:"message"`

	// Payload carries structured key/value attributes.
	// Never stuff a rendered traceback in here pretending to be a message.
	Payload map[string]any `json:"payload,omitempty"`

	// TaskID links the event to a workflow run, if any.
	TaskID string `json:"task_id,omitempty"`

	// Iteration is the workflow iteration the event belongs to (0 = none).
	Iteration int `json:"iteration,omitempty"`
}

// NewEvent builds a LogEvent with the current UTC timestamp.
func NewEvent(level Level, source Source, msg string) LogEvent {
	return LogEvent{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    source,
		Message:   msg,
	}
}

// =============================================================================
// Logger
// =============================================================================

// Logger is the component-facing front end of the fabric.
//
// A Logger is bound to a Manager with a fixed source plus any contextual
// attributes added via With, WithStage, or WithTask. Logging methods
// build a LogEvent and hand it to the Manager for multicast.
//
// # Thread Safety
//
// Logger is immutable after construction; the With* methods return
// copies. It is safe for concurrent use from multiple goroutines.
//
// # Creating Child Loggers
//
// Use With() to create a logger with additional payload attributes:
//
//	reqLogger := logger.With("request_id", reqID).WithTask(taskID, 0)
//	reqLogger.Info("processing request")  // Includes request_id, task_id
type Logger struct {
	manager   *Manager
	source    Source
	stage     string
	taskID    string
	iteration int
	base      map[string]any
}

// Default returns a logger with default settings.
//
// The default configuration:
//   - Level: Info
//   - Output: console sink on stderr
//
// This is suitable for simple CLI paths that don't need the full fabric.
func Default() *Logger {
	m := NewManager(LevelInfo)
	m.AddSink(NewConsoleSink(os.Stderr))
	return m.Logger(SourceSystem)
}

// Debug logs a message at Debug level.
//
// Parameters:
//   - msg: The log message
//   - args: Key-value pairs of attributes (e.g., "user_id", 123)
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs a message at Info level.
//
// Parameters:
//   - msg: The log message
//   - args: Key-value pairs of attributes
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a message at Warn level.
//
// Parameters:
//   - msg: The log message
//   - args: Key-value pairs of attributes
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs a message at Error level.
//
// Note: For fatal errors that should terminate the program,
// use Error() followed by os.Exit() or panic.
//
// Parameters:
//   - msg: The log message
//   - args: Key-value pairs of attributes
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a new Logger with additional payload attributes.
//
// The returned logger includes all attributes from the parent plus the
// new ones. The parent logger is not modified.
func (l *Logger) With(args ...any) *Logger {
	child := *l
	child.base = mergeMaps(l.base, argsToMap(args))
	return &child
}

// WithSource returns a new Logger bound to a different source.
func (l *Logger) WithSource(source Source) *Logger {
	child := *l
	child.source = source
	return &child
}

// WithStage returns a new Logger whose events carry the stage tag.
func (l *Logger) WithStage(stage string) *Logger {
	child := *l
	child.stage = stage
	return &child
}

// WithTask returns a new Logger whose events carry task correlation.
//
// Parameters:
//   - taskID: Workflow run identifier
//   - iteration: Current workflow iteration (0 if not applicable)
func (l *Logger) WithTask(taskID string, iteration int) *Logger {
	child := *l
	child.taskID = taskID
	child.iteration = iteration
	return &child
}

// Manager returns the Manager this logger emits into.
func (l *Logger) Manager() *Manager {
	return l.manager
}

// Slog returns a slog.Logger that routes records into the fabric.
//
// This lets code written against the standard library, including
// third-party adapters that accept a *slog.Logger, participate in the
// multicast without knowing about LogEvent.
func (l *Logger) Slog() *slog.Logger {
	return slog.New(&slogBridge{logger: l})
}

// Emit forwards a fully-formed event, stamping missing fields from the
// logger's bound context.
func (l *Logger) Emit(event LogEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Source == "" {
		event.Source = l.source
	}
	if event.Stage == "" {
		event.Stage = l.stage
	}
	if event.TaskID == "" {
		event.TaskID = l.taskID
	}
	if event.Iteration == 0 {
		event.Iteration = l.iteration
	}
	if len(l.base) > 0 {
		event.Payload = mergeMaps(l.base, event.Payload)
	}
	l.manager.Emit(event)
}

// log is the internal method that builds and multicasts the event.
func (l *Logger) log(level Level, msg string, args ...any) {
	l.Emit(LogEvent{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    l.source,
		Stage:     l.stage,
		Message:   msg,
		Payload:   mergeMaps(l.base, argsToMap(args)),
		TaskID:    l.taskID,
		Iteration: l.iteration,
	})
}

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath expands ~ to the user's home directory.
//
// Examples:
//   - "~/.skiff/logs" -> "/home/user/.skiff/logs"
//   - "/var/log" -> "/var/log" (unchanged)
//   - "relative/path" -> "relative/path" (unchanged)
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style key-value args to a map.
//
// Example:
//
//	argsToMap("key1", "value1", "key2", 123)
//	// Returns: map[string]any{"key1": "value1", "key2": 123}
func argsToMap(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	result := make(map[string]any, len(args)/2)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}

// mergeMaps overlays b onto a copy of a. Either side may be nil.
func mergeMaps(a, b map[string]any) map[string]any {
	if len(a) == 0 {
		return b
	}
	result := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		result[k] = v
	}
	return result
}
