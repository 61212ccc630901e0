// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logstream serves the logging fabric's memory ring over SSE.
//
// The fabric side (replay, follow, filtering) lives in pkg/logging's
// StreamAdapter; this package owns the wire: turning a LogEvent into an
// SSE frame, reading a filter out of request query parameters, and
// pumping frames to an HTTP response until the client goes away.
package logstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/stream"
)

var logStreams = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "skiff",
	Subsystem: "logstream",
	Name:      "streams_active",
	Help:      "Open fabric log streams.",
})

// Frame renders one fabric event as an SSE frame.
//
// The frame type is always "log"; the payload is the LogEvent's JSON
// encoding, so stream consumers and JSONL file readers see the same
// schema.
func Frame(event logging.LogEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, datatypes.E(datatypes.KindInternalInvariant, "encode log event", err)
	}
	var b bytes.Buffer
	b.Grow(len(data) + 24)
	b.WriteString("event: log\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes(), nil
}

// FilterFromQuery reads an event filter from request query parameters:
// task_id, stage, min_level (DEBUG/INFO/WARNING/ERROR), and source
// (repeatable). Absent parameters match everything.
func FilterFromQuery(q url.Values) logging.EventFilter {
	filter := logging.EventFilter{
		TaskID: q.Get("task_id"),
		Stage:  q.Get("stage"),
	}
	if lvl := strings.TrimSpace(q.Get("min_level")); lvl != "" {
		filter.MinLevel = logging.ParseLevel(strings.ToUpper(lvl))
	}
	for _, s := range q["source"] {
		if s = strings.TrimSpace(s); s != "" {
			filter.Sources = append(filter.Sources, logging.Source(s))
		}
	}
	return filter
}

// Streamer serves filtered fabric events to HTTP consumers.
//
// # Thread Safety
//
// Safe for concurrent use; each ServeSSE call builds its own adapter
// over the shared ring.
type Streamer struct {
	sink   *logging.MemorySink
	logger *logging.Logger
}

// New wires a streamer over the fabric's memory ring.
func New(sink *logging.MemorySink, logger *logging.Logger) *Streamer {
	return &Streamer{
		sink:   sink,
		logger: logger.WithSource(logging.SourceSystem),
	}
}

// ServeSSE streams matching events to w until ctx ends.
//
// Recent history replays first (newest MaxReplayEvents matches), then
// the stream follows live events. Keep-alive comments go out on the
// given cadence so proxies hold the connection through quiet periods.
// The only error returns before any byte is written, so callers can
// still answer it with a plain status.
func (s *Streamer) ServeSSE(ctx context.Context, w http.ResponseWriter, filter logging.EventFilter, keepAlive time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return datatypes.E(datatypes.KindInternalInvariant,
			"response writer does not support streaming")
	}
	stream.SetSSEHeaders(w)
	flusher.Flush()

	logStreams.Inc()
	defer logStreams.Dec()

	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	adapter := logging.NewStreamAdapter(s.sink, filter)
	events := adapter.Start(ctx)

	for {
		select {
		case event, ok := <-events:
			if !ok {
				if n := adapter.Dropped(); n > 0 {
					s.logger.Warn("Log stream consumer fell behind", "dropped", n)
				}
				return nil
			}
			frame, err := Frame(event)
			if err != nil {
				// One unencodable payload must not end the stream.
				s.logger.Warn("Skipping unencodable log event", "error", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				s.logger.Debug("Log stream client gone", "error", err)
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
