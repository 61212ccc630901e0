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

	"github.com/AleutianAI/SkiffLocal/services/forge/admin"
)

// TaskTrace returns the recorded LLM calls for one run, newest last.
func (h *Handler) TaskTrace(c *gin.Context) {
	taskID := c.Param("taskId")
	calls, err := h.trace.Calls(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": taskID,
		"calls":   calls,
		"count":   len(calls),
	})
}

// BackupActionRequest drives POST /v1/admin/backups.
type BackupActionRequest struct {
	// Action is "create" or "restore".
	Action string `json:"action"`

	// Name labels a created backup. Empty generates a timestamped
	// one.
	Name string `json:"name,omitempty"`

	// Stores limits a create to the named stores.
	Stores []string `json:"stores,omitempty"`

	// Backup names the source for a restore, with or without the
	// manifest suffix.
	Backup string `json:"backup,omitempty"`

	// Store limits a restore to one store.
	Store string `json:"store,omitempty"`
}

// Backups creates or restores a backup depending on the action.
func (h *Handler) Backups(c *gin.Context) {
	var req BackupActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	switch req.Action {
	case "create":
		manifest, err := h.admin.Backup(c.Request.Context(), admin.BackupRequest{
			Name:   req.Name,
			Stores: req.Stores,
		})
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "created", "backup": manifest})

	case "restore":
		manifest, err := h.admin.Restore(c.Request.Context(), admin.RestoreRequest{
			Backup: req.Backup,
			Store:  req.Store,
		})
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "restored", "backup": manifest})

	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "action must be create or restore",
		})
	}
}

// ListBackups returns the stored backups, newest first.
func (h *Handler) ListBackups(c *gin.Context) {
	manifests, err := h.admin.ListBackups(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"backups": manifests,
		"count":   len(manifests),
	})
}

// Summary aggregates engine load, governor occupancy, store inventory,
// and trace counters into one operator view.
func (h *Handler) Summary(c *gin.Context) {
	stats, err := h.admin.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active_runs": h.engine.ActiveRuns(),
		"governor":    h.governor.Stats(),
		"stores":      stats,
		"trace":       h.trace.Stats(),
	})
}
