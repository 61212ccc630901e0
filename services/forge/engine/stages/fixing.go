// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"

	"github.com/AleutianAI/SkiffLocal/services/forge/engine"
	"github.com/AleutianAI/SkiffLocal/services/forge/validate"
	"github.com/AleutianAI/SkiffLocal/services/llm"
)

// Fixing applies the diagnosed repair. Entering another validation
// round consumes iteration budget; when the budget is spent the run
// closes out with the best artifact it has.
type Fixing struct {
	deps engine.Dependencies
}

func (s *Fixing) Name() engine.Stage { return engine.StageFixing }

func (s *Fixing) Execute(ctx context.Context, run *engine.Run) (engine.Stage, map[string]any, error) {
	if !run.AdvanceIteration() {
		run.Emitter.EmitLog("WARNING", string(engine.StageFixing),
			"iteration budget exhausted; returning the best artifact so far")
		return engine.StageFinal, map[string]any{
			"budget_exhausted": true,
			"iteration":        run.Iteration,
		}, nil
	}

	cfg := s.deps.Provider.Snapshot()
	params := samplerParams(modelFor(cfg, run.Req, true), run.Req.Temperature, 0)

	strategy := engine.StrategyRegenerate
	if run.Diagnosis != nil {
		strategy = run.Diagnosis.Strategy
	}

	if strategy == engine.StrategyPatch {
		patched, err := s.applyPatch(ctx, run, params)
		if err == nil {
			run.Code = patched
			return engine.StageValidation, map[string]any{
				"strategy":  engine.StrategyPatch,
				"iteration": run.Iteration,
			}, nil
		}
		// A malformed or non-applying diff falls back to a full rewrite
		// rather than failing the run.
		run.Emitter.EmitLog("WARNING", string(engine.StageFixing),
			"patch did not apply; regenerating instead: "+err.Error())
		strategy = engine.StrategyRegenerate
	}

	raw, err := s.deps.Gateway.Generate(ctx, regeneratePrompt(run, run.Language), params)
	if err != nil {
		return "", nil, err
	}
	_, code := extractCode(raw)
	run.Code = code

	return engine.StageValidation, map[string]any{
		"strategy":  strategy,
		"iteration": run.Iteration,
	}, nil
}

// applyPatch asks for a unified diff and applies it to the current
// artifact. Either the LLM call or the apply may fail; the caller
// falls back to regeneration.
func (s *Fixing) applyPatch(ctx context.Context, run *engine.Run, params llm.GenerationParams) (string, error) {
	raw, err := s.deps.Gateway.Generate(ctx, patchPrompt(run), params)
	if err != nil {
		return "", err
	}
	_, patch := extractCode(raw)
	return validate.ApplyPatch(run.Code, patch)
}
