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

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

// ListSessions returns the stored conversations, newest activity
// included per row.
func (h *Handler) ListSessions(c *gin.Context) {
	if h.sessions == nil {
		h.respondError(c, datatypes.E(datatypes.KindUpstreamUnavailable,
			"conversation memory is unavailable"))
		return
	}

	infos := h.sessions.List(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"sessions": infos,
		"count":    len(infos),
	})
}

// DeleteSession removes one conversation and its persisted file.
func (h *Handler) DeleteSession(c *gin.Context) {
	if h.sessions == nil {
		h.respondError(c, datatypes.E(datatypes.KindUpstreamUnavailable,
			"conversation memory is unavailable"))
		return
	}

	id := c.Param("sessionId")
	if err := h.sessions.Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("Deleted conversation", "conversation_id", id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
