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
	"github.com/AleutianAI/SkiffLocal/services/forge/gateway"
)

// criticSchema constrains the review decode: a score, a retry
// decision, and the feedback a retry's planner will see.
var criticSchema = gateway.MustSchema(`{
	"type": "object",
	"properties": {
		"score": {"type": "number", "minimum": 0, "maximum": 1},
		"should_retry": {"type": "boolean"},
		"feedback": {"type": "string"}
	},
	"required": ["score", "should_retry"],
	"additionalProperties": false
}`)

// Critic reviews the final artifact and decides whether another
// planning round is worth an iteration. A retry request with no budget
// left closes the run out instead.
type Critic struct {
	deps engine.Dependencies
}

func (s *Critic) Name() engine.Stage { return engine.StageCritic }

func (s *Critic) Execute(ctx context.Context, run *engine.Run) (engine.Stage, map[string]any, error) {
	cfg := s.deps.Provider.Snapshot()
	params := samplerParams(modelFor(cfg, run.Req, false), run.Req.Temperature, 0)

	var out struct {
		Score       float64 `json:"score"`
		ShouldRetry bool    `json:"should_retry"`
		Feedback    string  `json:"feedback"`
	}
	err := gateway.WithStructuredFallback(ctx, s.deps.Gateway, "critic", criticPrompt(run), criticSchema, params, &out,
		func(ctx context.Context) error {
			// An unavailable decode accepts the artifact: it already
			// validated clean to reach this stage.
			out.Score = 0.7
			out.ShouldRetry = false
			return nil
		})
	if err != nil {
		return "", nil, err
	}
	run.Critique = &engine.Critique{
		Score:       clamp01(out.Score),
		ShouldRetry: out.ShouldRetry,
		Feedback:    out.Feedback,
	}

	result := map[string]any{
		"score":        run.Critique.Score,
		"should_retry": run.Critique.ShouldRetry,
		"iteration":    run.Iteration,
	}
	if run.Critique.Feedback != "" {
		result["feedback"] = run.Critique.Feedback
	}

	if run.Critique.ShouldRetry {
		if run.AdvanceIteration() {
			return engine.StagePlanning, result, nil
		}
		run.Emitter.EmitLog("WARNING", string(engine.StageCritic),
			"critic requested a retry but the iteration budget is exhausted")
		result["budget_exhausted"] = true
	}
	return engine.StageFinal, result, nil
}
