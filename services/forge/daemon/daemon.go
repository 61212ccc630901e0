// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package daemon assembles and runs the forge service. Everything the
// service needs is wired here, once, from skiff.yaml; stores that fail
// to come up leave their endpoints degraded instead of blocking the
// boot. Both the forge binary and `skiff serve` enter through Run.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/admin"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/contextengine"
	"github.com/AleutianAI/SkiffLocal/services/forge/engine"
	"github.com/AleutianAI/SkiffLocal/services/forge/engine/stages"
	"github.com/AleutianAI/SkiffLocal/services/forge/gateway"
	"github.com/AleutianAI/SkiffLocal/services/forge/governor"
	"github.com/AleutianAI/SkiffLocal/services/forge/handlers"
	"github.com/AleutianAI/SkiffLocal/services/forge/logstream"
	"github.com/AleutianAI/SkiffLocal/services/forge/memory"
	"github.com/AleutianAI/SkiffLocal/services/forge/metrics"
	"github.com/AleutianAI/SkiffLocal/services/forge/research"
	"github.com/AleutianAI/SkiffLocal/services/forge/router"
	"github.com/AleutianAI/SkiffLocal/services/forge/telemetry"
	"github.com/AleutianAI/SkiffLocal/services/forge/trace"
	"github.com/AleutianAI/SkiffLocal/services/forge/validate"
	"github.com/AleutianAI/SkiffLocal/services/llm"
)

// buildFabric assembles the logging fabric from configuration: console
// always, JSONL file when a path is set, and the memory ring that backs
// the debug surface. The ring comes back separately so the log stream
// endpoint can subscribe to it.
func buildFabric(cfg *config.Config) (*logging.Manager, *logging.MemorySink) {
	manager := logging.NewManager(logging.ParseLevel(cfg.Debug.LogLevel))
	manager.AddSink(logging.NewConsoleSink(os.Stderr))
	ring := logging.NewMemorySink(cfg.Debug.MaxLogsInMemory)
	manager.AddSink(ring)

	if cfg.Paths.LogFile != "" {
		fileSink, err := logging.NewFileSink(logging.FileSinkConfig{Path: cfg.Paths.LogFile})
		if err != nil {
			// The console sink is alive; boot proceeds without the file.
			slog.Warn("file log sink unavailable", "path", cfg.Paths.LogFile, "error", err)
		} else {
			manager.AddSink(fileSink)
		}
	}
	return manager, ring
}

// buildClient selects the LLM runtime from models.backend.
func buildClient(cfg *config.Config, logger *logging.Logger) (llm.Client, error) {
	switch cfg.Models.Backend {
	case "openai":
		logger.Info("Using OpenAI-compatible LLM backend")
		return llm.NewOpenAIClient(cfg.Models.Default, logger)
	case "", "ollama":
		logger.Info("Using Ollama LLM backend", "url", cfg.Models.OllamaURL)
		return llm.NewOllamaClient(cfg.Models.OllamaURL, cfg.Models.Default, logger)
	default:
		logger.Warn("Unknown models.backend, defaulting to ollama", "backend", cfg.Models.Backend)
		return llm.NewOllamaClient(cfg.Models.OllamaURL, cfg.Models.Default, logger)
	}
}

// Run assembles the service from the configuration at configPath and
// serves until ctx is canceled or the listener fails. The caller owns
// signal handling; cancellation triggers graceful shutdown bounded by
// server.shutdown_grace_seconds.
func Run(ctx context.Context, configPath string) error {
	provider, err := config.NewProvider(configPath)
	if err != nil {
		return fmt.Errorf("load configuration from %s: %w", configPath, err)
	}
	cfg := provider.Snapshot()

	manager, ring := buildFabric(cfg)
	defer manager.Close()
	logger := manager.Logger(logging.SourceSystem)
	// Route stdlib-facing code (badger, gin recovery, otel) into the fabric.
	slog.SetDefault(logger.Slog())

	telCfg := telemetry.DefaultConfig()
	telCfg.TraceExporter = cfg.Telemetry.TraceExporter
	telCfg.MetricExporter = cfg.Telemetry.MetricExporter
	telCfg.SampleRate = cfg.Telemetry.SampleRate
	if cfg.Telemetry.OTLPEndpoint != "" {
		telCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	telemetryShutdown, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(flushCtx); err != nil {
			logger.Warn("Telemetry shutdown incomplete", "error", err)
		}
	}()

	traceStore, err := trace.New(provider, logger, trace.WithDegraded())
	if err != nil {
		return fmt.Errorf("open the trace store: %w", err)
	}
	defer traceStore.Close()

	infraLogger := manager.Logger(logging.SourceInfrastructure)
	client, err := buildClient(cfg, infraLogger)
	if err != nil {
		return fmt.Errorf("initialize the LLM client: %w", err)
	}

	gw := gateway.New(client, provider, infraLogger, gateway.WithCallTracer(traceStore))
	modeRouter := router.New(provider, gw, logger)
	suite := validate.NewSuite(provider, manager.Logger(logging.SourceValidator),
		validate.WithCallTracer(traceStore))

	ce := contextengine.New(provider, logger)
	researcher := research.New(ce, research.NewSearchClient(provider, infraLogger), provider, logger)
	gov := governor.New(cfg.AgentResources.MaxConcurrentAgents, logger)

	deps := engine.Dependencies{
		Provider:   provider,
		Gateway:    gw,
		Router:     modeRouter,
		Researcher: researcher,
		Validators: suite,
		Governor:   gov,
		Logger:     manager.Logger(logging.SourceAgent),
	}

	// The stores come up best-effort: a missing weaviate or an unwritable
	// conversations directory degrades its endpoints, nothing else.
	store := memory.NewStore(provider, gw, logger)
	conversations, err := store.Conversations()
	if err != nil {
		logger.Warn("Conversation memory unavailable; sessions disabled", "error", err)
	} else {
		deps.Conversations = conversations
	}
	bootCtx, cancelBoot := context.WithTimeout(ctx, 15*time.Second)
	experiences, err := store.Experiences(bootCtx)
	cancelBoot()
	if err != nil {
		logger.Warn("Experience memory unavailable; reuse and feedback disabled", "error", err)
	} else {
		deps.Experiences = experiences
	}

	var engineOpts []engine.Option
	if cfg.Telemetry.InfluxURL != "" {
		recorder, err := metrics.New(provider, logger)
		if err != nil {
			logger.Warn("Run metrics recorder disabled", "error", err)
		} else {
			defer recorder.Close()
			if err := recorder.Ping(ctx); err != nil {
				logger.Warn("Run metrics sink unreachable at boot", "error", err)
			}
			engineOpts = append(engineOpts, engine.WithRunRecorder(recorder))
		}
	}

	eng, err := stages.NewEngine(deps, engineOpts...)
	if err != nil {
		return fmt.Errorf("assemble the workflow engine: %w", err)
	}

	handlerDeps := handlers.Dependencies{
		Provider: provider,
		Engine:   eng,
		Models:   gw,
		Governor: gov,
		Trace:    traceStore,
		Admin:    admin.New(provider, logger),
		Logs:     logstream.New(ring, logger),
		Logger:   logger,
	}
	if conversations != nil {
		handlerDeps.Sessions = conversations
	}
	if experiences != nil {
		handlerDeps.Feedback = experiences
	}

	ginRouter := gin.Default()
	ginRouter.Use(otelgin.Middleware("forge-service"))
	handlers.New(handlerDeps).Register(ginRouter)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           ginRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Forge listening", "addr", cfg.Server.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown incomplete", "error", err)
	}
	logger.Info("Forge stopped")
	return nil
}
