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
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARNING"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.level.String()
			if got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"DEBUG", LevelDebug},
		{"INFO", LevelInfo},
		{"WARN", LevelWarn},
		{"WARNING", LevelWarn},
		{"ERROR", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLevel_JSONRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		t.Run(level.String(), func(t *testing.T) {
			data, err := json.Marshal(level)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			var decoded Level
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if decoded != level {
				t.Errorf("round trip = %v, want %v", decoded, level)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo}, // Unknown defaults to Info
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			got := tt.level.toSlogLevel()
			if got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_Constants(t *testing.T) {
	// Verify ordering: Debug < Info < Warn < Error
	if LevelDebug >= LevelInfo {
		t.Error("LevelDebug should be < LevelInfo")
	}
	if LevelInfo >= LevelWarn {
		t.Error("LevelInfo should be < LevelWarn")
	}
	if LevelWarn >= LevelError {
		t.Error("LevelWarn should be < LevelError")
	}
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestManager_Multicast(t *testing.T) {
	m := NewManager(LevelDebug)
	a := NewBufferedSink()
	b := NewBufferedSink()
	m.AddSink(a)
	m.AddSink(b)

	m.Emit(NewEvent(LevelInfo, SourceSystem, "hello"))

	if len(a.Events()) != 1 {
		t.Errorf("sink a received %d events, want 1", len(a.Events()))
	}
	if len(b.Events()) != 1 {
		t.Errorf("sink b received %d events, want 1", len(b.Events()))
	}
}

func TestManager_LevelFilter(t *testing.T) {
	m := NewManager(LevelWarn)
	sink := NewBufferedSink()
	m.AddSink(sink)

	m.Emit(NewEvent(LevelDebug, SourceSystem, "debug"))
	m.Emit(NewEvent(LevelInfo, SourceSystem, "info"))
	m.Emit(NewEvent(LevelWarn, SourceSystem, "warn"))
	m.Emit(NewEvent(LevelError, SourceSystem, "error"))

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("received %d events, want 2", len(events))
	}
	if events[0].Message != "warn" || events[1].Message != "error" {
		t.Errorf("unexpected messages: %v, %v", events[0].Message, events[1].Message)
	}
}

func TestManager_SetLevel(t *testing.T) {
	m := NewManager(LevelError)
	sink := NewBufferedSink()
	m.AddSink(sink)

	m.Emit(NewEvent(LevelInfo, SourceSystem, "dropped"))
	m.SetLevel(LevelInfo)
	m.Emit(NewEvent(LevelInfo, SourceSystem, "kept"))

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	if events[0].Message != "kept" {
		t.Errorf("message = %q, want %q", events[0].Message, "kept")
	}
}

// panickySink always panics on Emit.
type panickySink struct{}

func (s *panickySink) Emit(event LogEvent) { panic("boom") }
func (s *panickySink) Flush() error        { return nil }
func (s *panickySink) Close() error        { return nil }

func TestManager_SinkPanicIsolation(t *testing.T) {
	m := NewManager(LevelDebug)
	good := NewBufferedSink()
	m.AddSink(&panickySink{})
	m.AddSink(good)

	// Must not panic the caller, and the healthy sink still gets the event.
	m.Emit(NewEvent(LevelInfo, SourceSystem, "survives"))

	if len(good.Events()) != 1 {
		t.Errorf("healthy sink received %d events, want 1", len(good.Events()))
	}
}

func TestManager_RemoveSink(t *testing.T) {
	m := NewManager(LevelDebug)
	sink := NewBufferedSink()
	m.AddSink(sink)
	m.RemoveSink(sink)

	m.Emit(NewEvent(LevelInfo, SourceSystem, "after remove"))

	if len(sink.Events()) != 0 {
		t.Errorf("removed sink received %d events, want 0", len(sink.Events()))
	}
}

func TestManager_ConcurrentEmit(t *testing.T) {
	m := NewManager(LevelDebug)
	sink := NewBufferedSink()
	m.AddSink(sink)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Emit(NewEvent(LevelInfo, SourceSystem, "concurrent"))
			}
		}()
	}
	wg.Wait()

	if len(sink.Events()) != 1000 {
		t.Errorf("received %d events, want 1000", len(sink.Events()))
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestLogger_BuildsEvents(t *testing.T) {
	m := NewManager(LevelDebug)
	sink := NewBufferedSink()
	m.AddSink(sink)

	logger := m.Logger(SourceAgent)
	logger.Info("working", "step", 3)

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	e := events[0]
	if e.Level != LevelInfo {
		t.Errorf("Level = %v, want LevelInfo", e.Level)
	}
	if e.Source != SourceAgent {
		t.Errorf("Source = %v, want SourceAgent", e.Source)
	}
	if e.Message != "working" {
		t.Errorf("Message = %q, want %q", e.Message, "working")
	}
	if e.Payload["step"] != 3 {
		t.Errorf("Payload[step] = %v, want 3", e.Payload["step"])
	}
	if e.Timestamp.Location() != time.UTC {
		t.Error("Timestamp is not UTC")
	}
}

func TestLogger_With(t *testing.T) {
	m := NewManager(LevelDebug)
	sink := NewBufferedSink()
	m.AddSink(sink)

	parent := m.Logger(SourceSystem)
	child := parent.With("request_id", "r-1")

	parent.Info("parent event")
	child.Info("child event", "extra", true)

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("received %d events, want 2", len(events))
	}
	if _, ok := events[0].Payload["request_id"]; ok {
		t.Error("parent event should not carry child attributes")
	}
	if events[1].Payload["request_id"] != "r-1" {
		t.Errorf("child request_id = %v, want r-1", events[1].Payload["request_id"])
	}
	if events[1].Payload["extra"] != true {
		t.Errorf("child extra = %v, want true", events[1].Payload["extra"])
	}
}

func TestLogger_WithStageAndTask(t *testing.T) {
	m := NewManager(LevelDebug)
	sink := NewBufferedSink()
	m.AddSink(sink)

	logger := m.Logger(SourceAgent).WithStage("planning").WithTask("task-9", 2)
	logger.Debug("planning step")

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	e := events[0]
	if e.Stage != "planning" {
		t.Errorf("Stage = %q, want planning", e.Stage)
	}
	if e.TaskID != "task-9" {
		t.Errorf("TaskID = %q, want task-9", e.TaskID)
	}
	if e.Iteration != 2 {
		t.Errorf("Iteration = %d, want 2", e.Iteration)
	}
}

func TestLogger_Emit_StampsDefaults(t *testing.T) {
	m := NewManager(LevelDebug)
	sink := NewBufferedSink()
	m.AddSink(sink)

	logger := m.Logger(SourceTool).WithTask("task-1", 1)
	logger.Emit(LogEvent{Level: LevelWarn, Message: "raw"})

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	e := events[0]
	if e.Source != SourceTool {
		t.Errorf("Source = %v, want SourceTool", e.Source)
	}
	if e.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want task-1", e.TaskID)
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp was not stamped")
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil {
		t.Fatal("Default() returned nil")
	}
	if logger.Manager() == nil {
		t.Error("Default() logger has no manager")
	}
}

// =============================================================================
// Slog Bridge Tests
// =============================================================================

func TestSlogBridge_RoutesIntoFabric(t *testing.T) {
	m := NewManager(LevelDebug)
	sink := NewBufferedSink()
	m.AddSink(sink)

	sl := m.Logger(SourceInfrastructure).Slog()
	sl.Info("via slog", "key", "value")

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	e := events[0]
	if e.Source != SourceInfrastructure {
		t.Errorf("Source = %v, want SourceInfrastructure", e.Source)
	}
	if e.Message != "via slog" {
		t.Errorf("Message = %q, want %q", e.Message, "via slog")
	}
	if e.Payload["key"] != "value" {
		t.Errorf("Payload[key] = %v, want value", e.Payload["key"])
	}
}

func TestSlogBridge_GroupsFlattened(t *testing.T) {
	m := NewManager(LevelDebug)
	sink := NewBufferedSink()
	m.AddSink(sink)

	sl := m.Logger(SourceSystem).Slog().WithGroup("db").With("host", "local")
	sl.Warn("slow query")

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	if events[0].Payload["db.host"] != "local" {
		t.Errorf("Payload[db.host] = %v, want local", events[0].Payload["db.host"])
	}
}

func TestSlogBridge_LevelFilter(t *testing.T) {
	m := NewManager(LevelError)
	sink := NewBufferedSink()
	m.AddSink(sink)

	sl := m.Logger(SourceSystem).Slog()
	sl.Info("filtered out")
	sl.Error("kept")

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	if events[0].Message != "kept" {
		t.Errorf("Message = %q, want kept", events[0].Message)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestArgsToMap(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want map[string]any
	}{
		{"empty", nil, nil},
		{"pairs", []any{"a", 1, "b", "two"}, map[string]any{"a": 1, "b": "two"}},
		{"odd trailing key dropped", []any{"a", 1, "orphan"}, map[string]any{"a": 1}},
		{"non-string key skipped", []any{42, "x", "b", 2}, map[string]any{"b": 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := argsToMap(tt.args)
			if len(got) != len(tt.want) {
				t.Fatalf("argsToMap() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("argsToMap()[%q] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestMergeMaps(t *testing.T) {
	a := map[string]any{"x": 1, "y": 2}
	b := map[string]any{"y": 3, "z": 4}

	got := mergeMaps(a, b)
	if got["x"] != 1 || got["y"] != 3 || got["z"] != 4 {
		t.Errorf("mergeMaps() = %v", got)
	}

	// Originals untouched
	if a["y"] != 2 {
		t.Error("mergeMaps modified its input")
	}
}
