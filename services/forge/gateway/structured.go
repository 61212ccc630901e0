// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"encoding/json"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// GenerateStructured asks the runtime for a schema-constrained decode
// and validates the payload against the schema. Validation failures
// retry with the same prompt up to retries times; the terminal failure
// is a StructuredOutputError. Upstream failures follow the standard
// availability retry inside each attempt and propagate unchanged.
func (g *Gateway) GenerateStructured(ctx context.Context, prompt string, schema *Schema,
	params llm.GenerationParams, retries int) (json.RawMessage, error) {

	ctx, span := tracer.Start(ctx, "Gateway.GenerateStructured")
	defer span.End()
	span.SetAttributes(attribute.Int("llm.prompt_chars", len(prompt)))

	if err := g.waitBudget(ctx, prompt); err != nil {
		return nil, err
	}
	if retries < 0 {
		retries = 0
	}
	attempts := retries + 1
	span.SetAttributes(attribute.Int("llm.schema_attempts", attempts))

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		end := g.calls.StartCall(ctx, "llm", "generate_structured", map[string]any{
			"model": params.Model, "prompt_chars": len(prompt), "attempt": attempt,
		})
		var raw json.RawMessage
		err := g.withRetry(ctx, "generate_structured", func(callCtx context.Context) error {
			var callErr error
			raw, callErr = g.client.GenerateStructured(callCtx, prompt, schema.JSON(), params)
			return callErr
		})
		end(preview(string(raw)), err)

		if err != nil {
			if datatypes.KindOf(err) != datatypes.KindStructuredOutput {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			lastErr = err
			g.logger.Warn("Structured decode returned non-JSON",
				"attempt", attempt, "max_attempts", attempts, "error", err)
			continue
		}

		if err := schema.ValidateJSON(raw); err != nil {
			lastErr = datatypes.E(datatypes.KindStructuredOutput,
				"structured output failed schema validation", err)
			g.logger.Warn("Structured output failed schema validation",
				"attempt", attempt, "max_attempts", attempts, "error", err)
			continue
		}
		return raw, nil
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

// FallbackFunc is a legacy parser: it obtains and parses unstructured
// output itself, filling the caller's target value.
type FallbackFunc func(ctx context.Context) error

// WithStructuredFallback applies the structured-output policy for one
// agent call:
//
//  1. If the surface is disabled globally or for this agent, the
//     fallback parser runs directly.
//  2. Otherwise GenerateStructured runs; its validated payload is
//     unmarshaled into out.
//  3. On StructuredOutputError, fallback_to_manual_parsing decides
//     between the fallback parser and propagation. Other error kinds
//     always propagate.
func WithStructuredFallback(ctx context.Context, g *Gateway, agent, prompt string,
	schema *Schema, params llm.GenerationParams, out any, fallback FallbackFunc) error {

	socfg := g.provider.Snapshot().StructuredOutput
	if !socfg.EnabledFor(agent) {
		if fallback == nil {
			return datatypes.E(datatypes.KindInternalInvariant,
				"structured output disabled for agent %q and no fallback provided", agent)
		}
		g.logger.Debug("Structured output disabled, using manual parsing", "agent", agent)
		return fallback(ctx)
	}

	raw, err := g.GenerateStructured(ctx, prompt, schema, params, socfg.MaxRetries)
	if err != nil {
		if datatypes.KindOf(err) == datatypes.KindStructuredOutput &&
			socfg.FallbackToManualParsing && fallback != nil {
			g.logger.Warn("Structured output failed, falling back to manual parsing",
				"agent", agent, "error", err)
			return fallback(ctx)
		}
		return err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return datatypes.E(datatypes.KindStructuredOutput,
			"structured payload does not fit target type", err)
	}
	return nil
}
