// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/stream"
)

var sseStreams = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "skiff",
	Subsystem: "handlers",
	Name:      "sse_streams_active",
	Help:      "Open SSE generate streams.",
})

// Generate runs a workflow and streams its events as SSE.
//
// # Description
//
// The request is validated before any event exists, so malformed or
// rejected requests get a plain JSON status instead of a one-event
// stream. Once the run starts, every outcome travels the stream: the
// terminal frame is exactly one of final_result or error, and no HTTP
// error is written after the first byte of the body.
//
// Keep-alive comments go out on the configured interval so proxies do
// not reap the connection during long stages. A client that goes away
// cancels the run's context; the engine winds the run down at the next
// stage boundary.
func (h *Handler) Generate(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "Handler.Generate")
	defer span.End()

	var req datatypes.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	emitter, err := h.engine.Run(ctx, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	span.SetAttributes(attribute.String("task.id", emitter.TaskID()))
	logger := h.logger.WithTask(emitter.TaskID(), 0)

	stream.SetSSEHeaders(c.Writer)
	w, err := stream.NewSSEWriter(c.Writer)
	if err != nil {
		// Headers are set but nothing is flushed yet, so a plain
		// status still reaches the client.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	sub := emitter.Subscribe(true)
	defer sub.Cancel()

	sseStreams.Inc()
	defer sseStreams.Dec()

	keepAlive := time.Duration(h.provider.Snapshot().Stream.KeepAliveSeconds) * time.Second
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				// Terminal event delivered and the buffer drained.
				logger.Debug("SSE stream complete")
				return
			}
			if err := w.WriteEvent(event); err != nil {
				logger.Info("SSE write failed; client likely gone", "error", err)
				return
			}
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				logger.Info("SSE keep-alive failed; client likely gone", "error", err)
				return
			}
		case <-ctx.Done():
			// The run shares this context, so the engine cancels the
			// workflow at the next stage boundary on its own.
			logger.Info("Client disconnected mid-stream")
			return
		}
	}
}
