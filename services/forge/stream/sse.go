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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/google/uuid"
)

// =============================================================================
// Wire Frame
// =============================================================================

// Frame is a StreamEvent wrapped with integrity metadata for the wire.
//
// # Description
//
// Every frame carries a UUID, a millisecond timestamp, and a SHA-256
// hash chained to the previous frame's hash. Clients can verify that
// no frame in a stream was altered or removed after the fact.
type Frame struct {
	datatypes.StreamEvent

	// Id identifies the frame for ordering and deduplication.
	Id string `json:"id"`

	// CreatedAt is the frame's Unix millisecond timestamp.
	CreatedAt int64 `json:"created_at"`

	// PrevHash links to the previous frame's Hash ("" for the first).
	PrevHash string `json:"prev_hash,omitempty"`

	// Hash is the SHA-256 of this frame's content fields.
	Hash string `json:"hash"`
}

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events.
//
// # Description
//
// SSEWriter abstracts SSE serialization and writing, enabling
// testability and separation from HTTP response mechanics.
// Implementations handle the SSE wire format
// (event: type\ndata: json\n\n) internally.
//
// Each event is automatically assigned:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 hash of frame content for integrity
//   - PrevHash: hash of the previous frame for chain verification
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The event pump and
// the keep-alive ticker write from different goroutines.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before writing
type SSEWriter interface {
	// WriteEvent frames and writes a single event, then flushes.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteKeepAlive sends an SSE comment line (": ping") to keep the
	// connection alive. Comments do not participate in the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// # Description
//
// Events are written in the format:
//
//	event: {type}
//	data: {json}
//
// The writer maintains the integrity hash chain: each frame's Hash is
// the SHA-256 of its content, and each frame's PrevHash links to the
// frame before it.
//
// # Thread Safety
//
// Thread-safe via mutex; chain integrity holds across concurrent
// writes.
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates an SSEWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE events.
//   - error: Non-nil if the ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// WriteEvent frames and writes a single event, then flushes.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame := Frame{
		StreamEvent: event,
		Id:          uuid.New().String(),
		CreatedAt:   time.Now().UnixMilli(),
		PrevHash:    w.prevHash,
	}
	frame.Hash = computeFrameHash(frame)
	w.prevHash = frame.Hash

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", frame.Type, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteKeepAlive sends an SSE comment line to keep the connection
// alive. Load balancers reset their idle counters on any traffic, so
// a periodic ping survives long stage gaps.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeFrameHash computes the SHA-256 of a frame's content fields.
//
// The hash covers the chain metadata plus every content field so the
// chain testifies to the stream's full payload, not just its shape.
// The Hash field itself is not an input.
func computeFrameHash(frame Frame) string {
	resultJSON := ""
	if len(frame.Result) > 0 {
		if data, err := json.Marshal(frame.Result); err == nil {
			resultJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%d|%s|%s|%s|%s",
		frame.Id,
		frame.Type,
		frame.CreatedAt,
		frame.PrevHash,
		frame.Seq,
		frame.Stage,
		frame.Message,
		frame.TaskID,
		resultJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// Sets Content-Type: text/event-stream, Cache-Control: no-cache,
// Connection: keep-alive, and X-Accel-Buffering: no (disables nginx
// buffering). Must be called before any body write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// VerifyChain checks a frame sequence's hash-chain integrity.
//
// # Description
//
// Recomputes every frame's hash and checks the PrevHash links. Used
// by clients and tests to detect altered or dropped frames.
//
// # Outputs
//
//   - error: Non-nil naming the first frame that breaks the chain.
func VerifyChain(frames []Frame) error {
	prev := ""
	for i, frame := range frames {
		if frame.PrevHash != prev {
			return fmt.Errorf("frame %d: prev_hash mismatch", i)
		}
		if computeFrameHash(frame) != frame.Hash {
			return fmt.Errorf("frame %d: hash mismatch", i)
		}
		prev = frame.Hash
	}
	return nil
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
