// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the workflow engine and its supporting
// stores over HTTP: SSE and websocket streaming for generate runs,
// plus JSON endpoints for sessions, feedback, the model inventory,
// and store administration.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/admin"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/governor"
	"github.com/AleutianAI/SkiffLocal/services/forge/logstream"
	"github.com/AleutianAI/SkiffLocal/services/forge/memory"
	"github.com/AleutianAI/SkiffLocal/services/forge/stream"
	"github.com/AleutianAI/SkiffLocal/services/forge/trace"
	"github.com/AleutianAI/SkiffLocal/services/llm"
)

var tracer = otel.Tracer("skiff.forge.handlers")

// =============================================================================
// Collaborator Contracts
// =============================================================================

// Runner starts workflow runs and reports engine load.
// *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, req *datatypes.GenerateRequest) (*stream.DefaultEmitter, error)
	ActiveRuns() int64
}

// SessionStore is the conversation surface the sessions API serves.
// *memory.ConversationMemory satisfies it.
type SessionStore interface {
	List(ctx context.Context) []memory.Info
	Delete(ctx context.Context, id string) error
}

// FeedbackStore applies user ratings to stored experiences.
// *memory.TaskExperienceMemory satisfies it.
type FeedbackStore interface {
	RecordFeedback(ctx context.Context, taskID, rating, comment string) error
}

// ModelLister proxies the LLM runtime's model inventory.
// *gateway.Gateway satisfies it.
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
}

// TraceReader serves recorded LLM calls and store counters.
// *trace.Store satisfies it.
type TraceReader interface {
	Calls(ctx context.Context, taskID string) ([]trace.Call, error)
	Stats() trace.Stats
}

// StoreAdmin runs maintenance operations against the persisted stores.
// *admin.Admin satisfies it.
type StoreAdmin interface {
	Stats(ctx context.Context) (*admin.Stats, error)
	Backup(ctx context.Context, req admin.BackupRequest) (*admin.Manifest, error)
	Restore(ctx context.Context, req admin.RestoreRequest) (*admin.Manifest, error)
	ListBackups(ctx context.Context) ([]admin.Manifest, error)
}

// =============================================================================
// Handler
// =============================================================================

// Dependencies bundles the handler's collaborators.
//
// Sessions and Feedback may be nil when their backing store could not
// be built, and Logs may be nil when the fabric runs without a memory
// ring; the matching endpoints then answer 502 instead of the whole
// surface failing to start. Everything else is required.
type Dependencies struct {
	Provider *config.Provider
	Engine   Runner
	Models   ModelLister
	Sessions SessionStore
	Feedback FeedbackStore
	Governor *governor.Governor
	Trace    TraceReader
	Admin    StoreAdmin
	Logs     *logstream.Streamer
	Logger   *logging.Logger
}

// Handler serves the HTTP surface.
//
// # Thread Safety
//
// Safe for concurrent use; gin invokes each method from its own
// request goroutine and the handler holds no mutable state.
type Handler struct {
	provider *config.Provider
	engine   Runner
	models   ModelLister
	sessions SessionStore
	feedback FeedbackStore
	governor *governor.Governor
	trace    TraceReader
	admin    StoreAdmin
	logs     *logstream.Streamer
	logger   *logging.Logger
}

// New wires the HTTP surface. Required dependencies are checked up
// front: a nil one is a wiring bug, not a runtime condition.
func New(deps Dependencies) *Handler {
	switch {
	case deps.Provider == nil:
		panic("handlers: config provider is required")
	case deps.Engine == nil:
		panic("handlers: engine is required")
	case deps.Models == nil:
		panic("handlers: model lister is required")
	case deps.Governor == nil:
		panic("handlers: governor is required")
	case deps.Trace == nil:
		panic("handlers: trace store is required")
	case deps.Admin == nil:
		panic("handlers: store admin is required")
	case deps.Logger == nil:
		panic("handlers: logger is required")
	}
	return &Handler{
		provider: deps.Provider,
		engine:   deps.Engine,
		models:   deps.Models,
		sessions: deps.Sessions,
		feedback: deps.Feedback,
		governor: deps.Governor,
		trace:    deps.Trace,
		admin:    deps.Admin,
		logs:     deps.Logs,
		logger:   deps.Logger.WithSource(logging.SourceSystem),
	}
}

// =============================================================================
// Routes
// =============================================================================

// Register mounts every route on the router. The /metrics endpoint is
// mounted only when telemetry.prometheus_enabled is set at startup;
// flipping it on a live reload needs a restart to take effect.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/healthz", h.Health)
	if h.provider.Snapshot().Telemetry.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/generate", h.Generate)
		v1.GET("/generate/ws", h.GenerateWS)
		v1.GET("/models", h.Models)
		v1.POST("/feedback", h.Feedback)

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", h.ListSessions)
			sessions.DELETE("/:sessionId", h.DeleteSession)
		}

		adminGroup := v1.Group("/admin")
		{
			adminGroup.GET("/trace/:taskId", h.TaskTrace)
			adminGroup.GET("/logs", h.StreamLogs)
			adminGroup.GET("/backups", h.ListBackups)
			adminGroup.POST("/backups", h.Backups)
			adminGroup.GET("/summary", h.Summary)
		}
	}
}

// Health reports liveness and current engine load.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"active_runs": h.engine.ActiveRuns(),
	})
}

// =============================================================================
// Error Mapping
// =============================================================================

// respondError answers with the classified error's HTTP status and a
// JSON body carrying the same kind the stream's error events use.
// Client errors are routine traffic and log at debug; server-side
// failures log at error.
func (h *Handler) respondError(c *gin.Context, err error) {
	kind := datatypes.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			"path", c.FullPath(),
			"kind", string(kind),
			"error", err)
	} else {
		h.logger.Debug("Request rejected",
			"path", c.FullPath(),
			"kind", string(kind),
			"error", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(kind)})
}
