// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stages implements the executors behind each workflow node.
//
// One type per stage: intent routes, planning and research prepare,
// testing and coding produce artifacts, validation checks them, debug
// and fixing repair them, reflection and critic grade the run. Each
// executor reads upstream artifacts from the run record and writes its
// own slot; the engine owns the control flow between them.
package stages

import (
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/engine"
	"github.com/AleutianAI/SkiffLocal/services/llm"
)

// NewRegistry builds a registry holding every stage executor.
func NewRegistry(deps engine.Dependencies) *engine.StageRegistry {
	r := engine.NewStageRegistry()
	r.Register(&Intent{deps: deps})
	r.Register(&Chat{deps: deps})
	r.Register(&Analysis{deps: deps})
	r.Register(&Planning{deps: deps})
	r.Register(&Research{deps: deps})
	r.Register(&Testing{deps: deps})
	r.Register(&Coding{deps: deps})
	r.Register(&Validation{deps: deps})
	r.Register(&Debug{deps: deps})
	r.Register(&Fixing{deps: deps})
	r.Register(&Reflection{deps: deps})
	r.Register(&Critic{deps: deps})
	return r
}

// NewEngine wires a complete engine over the default stage set. This is
// the composition root's entry point.
func NewEngine(deps engine.Dependencies, opts ...engine.Option) (*engine.Engine, error) {
	return engine.New(deps, NewRegistry(deps), opts...)
}

// =============================================================================
// Shared Helpers
// =============================================================================

// modelFor picks the model for a stage: the request override wins,
// code-producing stages prefer the configured coder model, everything
// else uses the default.
func modelFor(cfg *config.Config, req *datatypes.GenerateRequest, coding bool) string {
	if req.Model != "" {
		return req.Model
	}
	if coding && cfg.Models.Coder != "" {
		return cfg.Models.Coder
	}
	return cfg.Models.Default
}

// samplerParams assembles generation parameters from the request's
// sampling knobs.
func samplerParams(model string, temperature float64, maxTokens int) llm.GenerationParams {
	p := llm.GenerationParams{
		Model:       model,
		Temperature: llm.Float32(float32(temperature)),
	}
	if maxTokens > 0 {
		p.MaxTokens = llm.Int(maxTokens)
	}
	return p
}

// clamp01 bounds LLM-reported scores into [0,1]; models occasionally
// return 1.2 or -0.1 despite the schema.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
