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

// Feedback applies a user rating to the experience a finished run
// stored, adjusting its success score for future retrieval.
func (h *Handler) Feedback(c *gin.Context) {
	var req datatypes.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		h.respondError(c, err)
		return
	}

	if h.feedback == nil {
		h.respondError(c, datatypes.E(datatypes.KindUpstreamUnavailable,
			"experience memory is unavailable"))
		return
	}

	if err := h.feedback.RecordFeedback(c.Request.Context(), req.TaskID, req.Rating, req.Comment); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "recorded",
		"task_id": req.TaskID,
		"rating":  req.Rating,
	})
}
