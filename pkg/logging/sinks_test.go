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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// File Sink Tests
// =============================================================================

func TestFileSink_RequiresPath(t *testing.T) {
	_, err := NewFileSink(FileSinkConfig{})
	if err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestFileSink_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skiff.log")
	sink, err := NewFileSink(FileSinkConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	defer sink.Close()

	sink.Emit(NewEvent(LevelInfo, SourceSystem, "first"))
	sink.Emit(NewEvent(LevelError, SourceAgent, "second"))
	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines []LogEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e LogEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines, want 2", len(lines))
	}
	if lines[0].Message != "first" || lines[1].Message != "second" {
		t.Errorf("unexpected order: %q, %q", lines[0].Message, lines[1].Message)
	}
	if lines[1].Level != LevelError {
		t.Errorf("level = %v, want LevelError", lines[1].Level)
	}
}

func TestFileSink_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skiff.log")
	sink, err := NewFileSink(FileSinkConfig{
		Path:       path,
		MaxBytes:   300, // Tiny threshold to force rotation
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	defer sink.Close()

	for i := 0; i < 20; i++ {
		sink.Emit(NewEvent(LevelInfo, SourceSystem, fmt.Sprintf("event number %d with some padding text", i)))
	}
	sink.Flush()

	// Active file plus at most 2 backups
	if _, err := os.Stat(path); err != nil {
		t.Errorf("active file missing: %v", err)
	}
	backups := sink.Backups()
	if len(backups) == 0 {
		t.Fatal("no backups created despite rotation")
	}
	if len(backups) > 2 {
		t.Errorf("kept %d backups, want at most 2", len(backups))
	}
	if _, err := os.Stat(path + ".3"); err == nil {
		t.Error("backup beyond MaxBackups was not deleted")
	}
}

func TestFileSink_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skiff.log")

	sink1, err := NewFileSink(FileSinkConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	sink1.Emit(NewEvent(LevelInfo, SourceSystem, "before restart"))
	sink1.Close()

	sink2, err := NewFileSink(FileSinkConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	sink2.Emit(NewEvent(LevelInfo, SourceSystem, "after restart"))
	sink2.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "before restart") || !strings.Contains(string(data), "after restart") {
		t.Error("reopen truncated the log file")
	}
}

// =============================================================================
// Console Sink Tests
// =============================================================================

func TestConsoleSink_PlainFormat(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf) // bytes.Buffer is not a TTY: no color

	event := NewEvent(LevelError, SourceValidator, "path rejected")
	event.Stage = "guard"
	event.Payload = map[string]any{"path": "../etc"}
	sink.Emit(event)

	out := buf.String()
	if !strings.Contains(out, "✗") {
		t.Errorf("missing error marker in %q", out)
	}
	if !strings.Contains(out, "[validator/guard]") {
		t.Errorf("missing source/stage tag in %q", out)
	}
	if !strings.Contains(out, "path rejected") {
		t.Errorf("missing message in %q", out)
	}
	if !strings.Contains(out, "path=../etc") {
		t.Errorf("missing payload in %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("color codes emitted for non-TTY writer: %q", out)
	}
}

func TestConsoleSink_PayloadKeysSorted(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)

	event := NewEvent(LevelInfo, SourceSystem, "msg")
	event.Payload = map[string]any{"zebra": 1, "alpha": 2, "mid": 3}
	sink.Emit(event)

	out := buf.String()
	ia := strings.Index(out, "alpha=")
	im := strings.Index(out, "mid=")
	iz := strings.Index(out, "zebra=")
	if !(ia < im && im < iz) {
		t.Errorf("payload keys not sorted: %q", out)
	}
}

// =============================================================================
// Memory Sink Tests
// =============================================================================

func TestMemorySink_RetainsEvents(t *testing.T) {
	sink := NewMemorySink(10)
	for i := 0; i < 5; i++ {
		sink.Emit(NewEvent(LevelInfo, SourceSystem, fmt.Sprintf("e%d", i)))
	}

	events := sink.Events()
	if len(events) != 5 {
		t.Fatalf("retained %d events, want 5", len(events))
	}
	if events[0].Message != "e0" || events[4].Message != "e4" {
		t.Error("events out of order")
	}
}

func TestMemorySink_RingWraps(t *testing.T) {
	sink := NewMemorySink(3)
	for i := 0; i < 5; i++ {
		sink.Emit(NewEvent(LevelInfo, SourceSystem, fmt.Sprintf("e%d", i)))
	}

	events := sink.Events()
	if len(events) != 3 {
		t.Fatalf("retained %d events, want 3", len(events))
	}
	// Oldest two were overwritten
	want := []string{"e2", "e3", "e4"}
	for i, w := range want {
		if events[i].Message != w {
			t.Errorf("events[%d] = %q, want %q", i, events[i].Message, w)
		}
	}
	if sink.Len() != 3 {
		t.Errorf("Len() = %d, want 3", sink.Len())
	}
}

func TestMemorySink_Subscribe(t *testing.T) {
	sink := NewMemorySink(10)

	var received []string
	unsubscribe := sink.Subscribe(func(e LogEvent) {
		received = append(received, e.Message)
	})

	sink.Emit(NewEvent(LevelInfo, SourceSystem, "one"))
	sink.Emit(NewEvent(LevelInfo, SourceSystem, "two"))
	unsubscribe()
	sink.Emit(NewEvent(LevelInfo, SourceSystem, "three"))

	if len(received) != 2 {
		t.Fatalf("callback received %d events, want 2", len(received))
	}
	if received[0] != "one" || received[1] != "two" {
		t.Errorf("callback order wrong: %v", received)
	}
}

// =============================================================================
// Stream Adapter Tests
// =============================================================================

func TestEventFilter_Match(t *testing.T) {
	event := LogEvent{
		Level:  LevelInfo,
		Source: SourceAgent,
		Stage:  "coding",
		TaskID: "t-1",
	}

	tests := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"empty matches", EventFilter{}, true},
		{"task match", EventFilter{TaskID: "t-1"}, true},
		{"task mismatch", EventFilter{TaskID: "t-2"}, false},
		{"level pass", EventFilter{MinLevel: LevelInfo}, true},
		{"level drop", EventFilter{MinLevel: LevelError}, false},
		{"source match", EventFilter{Sources: []Source{SourceAgent, SourceTool}}, true},
		{"source mismatch", EventFilter{Sources: []Source{SourceUI}}, false},
		{"stage match", EventFilter{Stage: "coding"}, true},
		{"stage mismatch", EventFilter{Stage: "planning"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(event); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStreamAdapter_ReplayThenFollow(t *testing.T) {
	sink := NewMemorySink(200)
	for i := 0; i < 5; i++ {
		e := NewEvent(LevelInfo, SourceAgent, fmt.Sprintf("history-%d", i))
		e.TaskID = "t-1"
		sink.Emit(e)
	}
	// Noise from another task must not be replayed
	noise := NewEvent(LevelInfo, SourceAgent, "other-task")
	noise.TaskID = "t-2"
	sink.Emit(noise)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := NewStreamAdapter(sink, EventFilter{TaskID: "t-1"})
	ch := adapter.Start(ctx)

	var got []string
	for i := 0; i < 5; i++ {
		select {
		case e := <-ch:
			got = append(got, e.Message)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replay")
		}
	}
	for i, msg := range got {
		if msg != fmt.Sprintf("history-%d", i) {
			t.Errorf("replay[%d] = %q", i, msg)
		}
	}

	// Live follow
	live := NewEvent(LevelInfo, SourceAgent, "live-1")
	live.TaskID = "t-1"
	sink.Emit(live)

	select {
	case e := <-ch:
		if e.Message != "live-1" {
			t.Errorf("live message = %q, want live-1", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestStreamAdapter_ReplayCapped(t *testing.T) {
	sink := NewMemorySink(500)
	for i := 0; i < 250; i++ {
		sink.Emit(NewEvent(LevelInfo, SourceSystem, fmt.Sprintf("e%d", i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	adapter := NewStreamAdapter(sink, EventFilter{})
	ch := adapter.Start(ctx)

	count := 0
	first := ""
	deadline := time.After(time.Second)
loop:
	for count < MaxReplayEvents {
		select {
		case e := <-ch:
			if count == 0 {
				first = e.Message
			}
			count++
		case <-deadline:
			break loop
		}
	}
	cancel()

	if count != MaxReplayEvents {
		t.Fatalf("replayed %d events, want %d", count, MaxReplayEvents)
	}
	// The newest 100 of 250: replay starts at e150
	if first != "e150" {
		t.Errorf("first replayed = %q, want e150", first)
	}
}

func TestStreamAdapter_CountsFunnelDrops(t *testing.T) {
	sink := NewMemorySink(10)
	sink.Emit(NewEvent(LevelInfo, SourceSystem, "h1"))
	sink.Emit(NewEvent(LevelInfo, SourceSystem, "h2"))

	ctx, cancel := context.WithCancel(context.Background())
	adapter := NewStreamAdapter(sink, EventFilter{})
	adapter.buffer = 1
	ch := adapter.Start(ctx)

	// With nobody reading, the delivery channel holds one replayed
	// event and the pump is stuck sending the second, so the follow
	// loop never drains the live funnel. The funnel buffers one live
	// event; the rest have nowhere to go.
	for i := 0; i < 5; i++ {
		sink.Emit(NewEvent(LevelInfo, SourceSystem, fmt.Sprintf("live-%d", i)))
	}

	cancel()
	for range ch {
	}

	if got := adapter.Dropped(); got != 4 {
		t.Errorf("dropped = %d, want 4 (funnel discards must be counted)", got)
	}
}

func TestStreamAdapter_ClosesOnCancel(t *testing.T) {
	sink := NewMemorySink(10)
	ctx, cancel := context.WithCancel(context.Background())

	adapter := NewStreamAdapter(sink, EventFilter{})
	ch := adapter.Start(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// A replayed event may still arrive; drain until close
			for range ch {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("channel did not close after cancel")
	}
}
