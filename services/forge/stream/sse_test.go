// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// noFlushWriter wraps a ResponseWriter, hiding its Flusher.
type noFlushWriter struct {
	http.ResponseWriter
}

func newNoFlushWriter() *noFlushWriter {
	return &noFlushWriter{ResponseWriter: httptest.NewRecorder()}
}

// parseFrames decodes the SSE blocks in a recorded body, skipping
// comment (keep-alive) blocks.
func parseFrames(t *testing.T, body string) []Frame {
	t.Helper()

	var frames []Frame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}

		lines := strings.SplitN(block, "\n", 2)
		require.Len(t, lines, 2, "SSE block should have event and data lines")
		require.True(t, strings.HasPrefix(lines[0], "event: "), "First line should name the event")
		require.True(t, strings.HasPrefix(lines[1], "data: "), "Second line should carry the payload")

		var frame Frame
		err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &frame)
		require.NoError(t, err, "Frame payload should be valid JSON")
		frames = append(frames, frame)
	}
	return frames
}

// =============================================================================
// Test: Construction
// =============================================================================

// TestNewSSEWriter_RequiresFlusher verifies the flusher check.
func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(newNoFlushWriter())
	require.Error(t, err, "Non-flushing writers should be rejected")
	assert.Contains(t, err.Error(), "http.Flusher")

	writer, err := NewSSEWriter(httptest.NewRecorder())
	require.NoError(t, err)
	assert.NotNil(t, writer)
}

// =============================================================================
// Test: Wire Format
// =============================================================================

// TestSSEWriter_WriteEvent_FramesCorrectly verifies the SSE envelope.
//
// # Description
//
// One event must produce exactly one "event:"/"data:" block whose
// payload carries the id, timestamp, and hash fields.
func TestSSEWriter_WriteEvent_FramesCorrectly(t *testing.T) {
	recorder := httptest.NewRecorder()
	writer, err := NewSSEWriter(recorder)
	require.NoError(t, err)

	event := datatypes.NewStageStart("task-1", "planning")
	event.Seq = 1
	require.NoError(t, writer.WriteEvent(event))

	body := recorder.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: stage_start\ndata: "),
		"Block should start with the event type")
	assert.True(t, strings.HasSuffix(body, "\n\n"), "Block should end with a blank line")

	frames := parseFrames(t, body)
	require.Len(t, frames, 1)

	frame := frames[0]
	_, err = uuid.Parse(frame.Id)
	assert.NoError(t, err, "Frame id should be a UUID")
	assert.Positive(t, frame.CreatedAt, "Frame should carry a millisecond timestamp")
	assert.Empty(t, frame.PrevHash, "First frame has no predecessor")
	assert.Len(t, frame.Hash, 64, "Hash should be hex-encoded SHA-256")
	assert.Equal(t, "planning", frame.Stage)
	assert.Equal(t, "task-1", frame.TaskID)
}

// TestSSEWriter_WriteKeepAlive verifies the comment ping.
func TestSSEWriter_WriteKeepAlive(t *testing.T) {
	recorder := httptest.NewRecorder()
	writer, err := NewSSEWriter(recorder)
	require.NoError(t, err)

	require.NoError(t, writer.WriteKeepAlive())
	assert.Equal(t, ": ping\n\n", recorder.Body.String())
}

// =============================================================================
// Test: Hash Chain
// =============================================================================

// TestSSEWriter_ChainsFrames verifies chain linkage across events.
//
// # Description
//
// Each frame's prev_hash must equal the previous frame's hash, and
// keep-alive pings must not participate in the chain.
func TestSSEWriter_ChainsFrames(t *testing.T) {
	recorder := httptest.NewRecorder()
	writer, err := NewSSEWriter(recorder)
	require.NoError(t, err)

	require.NoError(t, writer.WriteEvent(datatypes.NewStageStart("task-1", "coding")))
	require.NoError(t, writer.WriteKeepAlive())
	require.NoError(t, writer.WriteEvent(datatypes.NewStageEnd("task-1", "coding",
		map[string]any{"files": 2})))
	require.NoError(t, writer.WriteEvent(datatypes.NewFinalResult("task-1",
		map[string]any{"code": "package main"}, map[string]float64{"overall": 0.9})))

	frames := parseFrames(t, recorder.Body.String())
	require.Len(t, frames, 3, "Keep-alive should not produce a frame")

	assert.Empty(t, frames[0].PrevHash)
	assert.Equal(t, frames[0].Hash, frames[1].PrevHash,
		"Second frame should link to the first, spanning the keep-alive")
	assert.Equal(t, frames[1].Hash, frames[2].PrevHash)

	assert.NoError(t, VerifyChain(frames), "Untampered chain should verify")
}

// TestVerifyChain_DetectsTampering verifies content mutation detection.
func TestVerifyChain_DetectsTampering(t *testing.T) {
	recorder := httptest.NewRecorder()
	writer, err := NewSSEWriter(recorder)
	require.NoError(t, err)

	require.NoError(t, writer.WriteEvent(datatypes.NewLogStreamEvent("task-1", "coding", "INFO", "step one")))
	require.NoError(t, writer.WriteEvent(datatypes.NewLogStreamEvent("task-1", "coding", "INFO", "step two")))

	frames := parseFrames(t, recorder.Body.String())
	require.Len(t, frames, 2)

	frames[1].Message = "step two, altered"
	err = VerifyChain(frames)
	require.Error(t, err, "Altered content should break verification")
	assert.Contains(t, err.Error(), "hash mismatch")
}

// TestVerifyChain_DetectsRemovedFrame verifies gap detection.
func TestVerifyChain_DetectsRemovedFrame(t *testing.T) {
	recorder := httptest.NewRecorder()
	writer, err := NewSSEWriter(recorder)
	require.NoError(t, err)

	for _, stage := range []string{"intent", "planning", "coding"} {
		require.NoError(t, writer.WriteEvent(datatypes.NewStageStart("task-1", stage)))
	}

	frames := parseFrames(t, recorder.Body.String())
	require.Len(t, frames, 3)

	gapped := []Frame{frames[0], frames[2]}
	err = VerifyChain(gapped)
	require.Error(t, err, "A removed frame should break the chain")
	assert.Contains(t, err.Error(), "prev_hash mismatch")
}

// =============================================================================
// Test: Headers
// =============================================================================

// TestSetSSEHeaders verifies the streaming headers.
func TestSetSSEHeaders(t *testing.T) {
	recorder := httptest.NewRecorder()
	SetSSEHeaders(recorder)

	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", recorder.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", recorder.Header().Get("Connection"))
	assert.Equal(t, "no", recorder.Header().Get("X-Accel-Buffering"))
}
