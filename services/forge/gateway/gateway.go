// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway is the single call surface for LLM work.
//
// Every generation the service performs goes through a Gateway: it
// applies the tokens-per-minute budget, the per-call timeout, the
// bounded retry policy for upstream failures, and schema validation
// for structured calls. Stages never talk to the runtime client
// directly.
package gateway

import (
	"context"
	"math/rand"
	"time"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("skiff.forge.gateway")

// =============================================================================
// Call Tracing Hook
// =============================================================================

// CallTracer records under-the-hood call scopes for the debug fabric.
// StartCall returns a closure that closes the scope with the call's
// outcome. Implementations must tolerate concurrent calls.
type CallTracer interface {
	StartCall(ctx context.Context, kind, name string, input map[string]any) func(output string, err error)
}

type nopTracer struct{}

func (nopTracer) StartCall(context.Context, string, string, map[string]any) func(string, error) {
	return func(string, error) {}
}

// =============================================================================
// Gateway
// =============================================================================

// Gateway wraps an llm.Client with the service's call policies.
//
// # Thread Safety
//
// Safe for concurrent use. The rate limiter serializes budget math
// internally; everything else is read-only after construction.
type Gateway struct {
	client   llm.Client
	provider *config.Provider
	logger   *logging.Logger
	calls    CallTracer
	limiter  *rate.Limiter
	metrics  *callMetrics
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithCallTracer attaches the debug fabric's call recorder.
func WithCallTracer(t CallTracer) Option {
	return func(g *Gateway) {
		if t != nil {
			g.calls = t
		}
	}
}

// New builds a Gateway over the given runtime client.
//
// The tokens-per-minute budget is read once at construction; 0 means
// unlimited (the usual setting for a local runtime). Retry and timeout
// settings are read live per call.
func New(client llm.Client, provider *config.Provider, logger *logging.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		client:   client,
		provider: provider,
		logger:   logger,
		calls:    nopTracer{},
	}
	if tpm := provider.Snapshot().Gateway.TokensPerMinute; tpm > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(float64(tpm)/60.0), tpm)
	}
	m, err := newCallMetrics(otel.Meter("skiff.forge.gateway"))
	if err != nil {
		logger.Warn("Gateway call instruments unavailable", "error", err)
	}
	g.metrics = m
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate produces free-form text.
func (g *Gateway) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "Gateway.Generate")
	defer span.End()
	span.SetAttributes(attribute.Int("llm.prompt_chars", len(prompt)))

	if err := g.waitBudget(ctx, prompt); err != nil {
		return "", err
	}

	end := g.calls.StartCall(ctx, "llm", "generate", map[string]any{
		"model": params.Model, "prompt_chars": len(prompt),
	})
	var out string
	err := g.withRetry(ctx, "generate", func(callCtx context.Context) error {
		var callErr error
		out, callErr = g.client.Generate(callCtx, prompt, params)
		return callErr
	})
	end(preview(out), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return out, nil
}

// Chat produces a reply for a message history.
func (g *Gateway) Chat(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "Gateway.Chat")
	defer span.End()
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	var chars int
	for _, m := range messages {
		chars += len(m.Content)
	}
	if err := g.waitBudgetN(ctx, chars); err != nil {
		return "", err
	}

	end := g.calls.StartCall(ctx, "llm", "chat", map[string]any{
		"model": params.Model, "messages": len(messages),
	})
	var out string
	err := g.withRetry(ctx, "chat", func(callCtx context.Context) error {
		var callErr error
		out, callErr = g.client.Chat(callCtx, messages, params)
		return callErr
	})
	end(preview(out), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return out, nil
}

// Embeddings vectorizes text through the runtime's embedding model.
func (g *Gateway) Embeddings(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "Gateway.Embeddings")
	defer span.End()

	var vec []float32
	err := g.withRetry(ctx, "embeddings", func(callCtx context.Context) error {
		var callErr error
		vec, callErr = g.client.Embeddings(callCtx, text)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vec, nil
}

// ListModels proxies the runtime's model inventory.
func (g *Gateway) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return g.client.ListModels(ctx)
}

// =============================================================================
// Policies
// =============================================================================

// waitBudget blocks until the tokens-per-minute budget admits a call
// sized for the prompt. No-op when no budget is configured.
func (g *Gateway) waitBudget(ctx context.Context, prompt string) error {
	return g.waitBudgetN(ctx, len(prompt))
}

func (g *Gateway) waitBudgetN(ctx context.Context, chars int) error {
	if g.limiter == nil {
		return nil
	}
	tokens := estimateTokens(chars)
	if burst := g.limiter.Burst(); tokens > burst {
		tokens = burst
	}
	if err := g.limiter.WaitN(ctx, tokens); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return datatypes.E(datatypes.KindInternalInvariant, "rate limiter rejected call", err)
	}
	return nil
}

// estimateTokens approximates 1 token per ~3 characters plus a fixed
// buffer for system prompts and provider framing.
func estimateTokens(chars int) int {
	if chars <= 0 {
		return 500
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

// withRetry runs fn under the per-call timeout, retrying upstream
// failures with exponential backoff and jitter. Non-retryable errors
// and parent-context cancellation return immediately.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	cfg := g.provider.Snapshot().Gateway
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	base := time.Duration(cfg.RetryBaseSeconds) * time.Second
	ceiling := time.Duration(cfg.RetryMaxSeconds) * time.Second

	start := time.Now()
	defer func() { g.metrics.observe(ctx, op, start, err) }()

	for attempt := 1; ; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if cfg.CallTimeoutSeconds > 0 {
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.CallTimeoutSeconds)*time.Second)
		}
		err = fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !datatypes.IsRetryable(err) || attempt >= attempts {
			return err
		}
		g.metrics.retried(ctx, op)

		delay := backoffDelay(base, ceiling, attempt)
		g.logger.Warn("Upstream call failed, retrying",
			"op", op, "attempt", attempt, "max_attempts", attempts,
			"delay", delay.String(), "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoffDelay doubles from base per attempt, capped at ceiling, with
// jitter in [d/2, d).
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base << (attempt - 1)
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

// preview truncates call output for trace records.
func preview(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max]
}
