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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/logstream"
)

// StreamLogs follows the logging fabric over SSE.
//
// Query parameters narrow the stream: task_id, stage, min_level, and
// source (repeatable). Recent matching history replays first, then the
// stream follows until the client disconnects. Warnings that never
// reach the event stream — drops, degraded stores, retries — are
// visible here.
func (h *Handler) StreamLogs(c *gin.Context) {
	if h.logs == nil {
		h.respondError(c, datatypes.E(datatypes.KindUpstreamUnavailable,
			"log streaming is unavailable"))
		return
	}

	filter := logstream.FilterFromQuery(c.Request.URL.Query())
	keepAlive := time.Duration(h.provider.Snapshot().Stream.KeepAliveSeconds) * time.Second
	if err := h.logs.ServeSSE(c.Request.Context(), c.Writer, filter, keepAlive); err != nil {
		// Only the pre-stream flusher check can land here.
		h.respondError(c, err)
	}
}
