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
	"github.com/AleutianAI/SkiffLocal/services/forge/memory"
)

// maxRecommendations caps how many similar past tasks seed the plan.
const maxRecommendations = 3

// Planning produces the implementation plan: a primary approach plus
// alternatives, seeded with recommendations mined from similar past
// successes. On a critic-driven retry the previous feedback is folded
// into the prompt.
type Planning struct {
	deps engine.Dependencies
}

func (s *Planning) Name() engine.Stage { return engine.StagePlanning }

func (s *Planning) Execute(ctx context.Context, run *engine.Run) (engine.Stage, map[string]any, error) {
	cfg := s.deps.Provider.Snapshot()
	recs := s.recommendations(ctx, run, cfg.Memory.ExperienceMinSuccess)

	params := samplerParams(modelFor(cfg, run.Req, false), run.Req.Temperature, 0)
	plan, err := s.deps.Gateway.Generate(ctx, planningPrompt(run, recs), params)
	if err != nil {
		return "", nil, err
	}
	run.Plan = ensurePlanMarkers(plan)

	result := map[string]any{
		"plan":      run.Plan,
		"iteration": run.Iteration,
	}
	if len(recs) > 0 {
		result["recommendations"] = len(recs)
	}
	return engine.StageResearch, result, nil
}

// recommendations mines the experience store for similar successful
// tasks. Failures degrade to an empty seed; planning never blocks on
// the store.
func (s *Planning) recommendations(ctx context.Context, run *engine.Run, minSuccess float64) []memory.Experience {
	if s.deps.Experiences == nil {
		return nil
	}
	run.Emitter.EmitToolCallStart(string(engine.StagePlanning), "experience_search", map[string]any{
		"intent":      run.IntentType(),
		"min_success": minSuccess,
	})
	recs, err := s.deps.Experiences.FindSimilar(ctx, run.Req.Task, run.IntentType(), minSuccess, maxRecommendations)
	if err != nil {
		run.Emitter.EmitToolCallEnd(string(engine.StagePlanning), "experience_search", map[string]any{
			"error": err.Error(),
		})
		s.deps.Logger.Warn("Experience search failed; planning without recommendations",
			"task_id", run.TaskID, "error", err)
		return nil
	}
	run.Emitter.EmitToolCallEnd(string(engine.StagePlanning), "experience_search", map[string]any{
		"found": len(recs),
	})
	return recs
}
