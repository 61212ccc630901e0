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
	"strings"

	"github.com/AleutianAI/SkiffLocal/services/forge/engine"
	"github.com/AleutianAI/SkiffLocal/services/forge/gateway"
)

// debugSchema constrains the diagnosis decode: a root cause, a repair
// strategy, and free-form notes for the fixer.
var debugSchema = gateway.MustSchema(`{
	"type": "object",
	"properties": {
		"root_cause": {"type": "string"},
		"strategy": {"type": "string", "enum": ["patch", "regenerate"]},
		"notes": {"type": "string"}
	},
	"required": ["root_cause", "strategy"],
	"additionalProperties": false
}`)

// Debug diagnoses a failed validation report and picks the repair
// strategy for the fixing stage.
type Debug struct {
	deps engine.Dependencies
}

func (s *Debug) Name() engine.Stage { return engine.StageDebug }

func (s *Debug) Execute(ctx context.Context, run *engine.Run) (engine.Stage, map[string]any, error) {
	cfg := s.deps.Provider.Snapshot()
	params := samplerParams(modelFor(cfg, run.Req, true), run.Req.Temperature, 0)
	prompt := debugPrompt(run)

	var out struct {
		RootCause string `json:"root_cause"`
		Strategy  string `json:"strategy"`
		Notes     string `json:"notes"`
	}
	err := gateway.WithStructuredFallback(ctx, s.deps.Gateway, "debugger", prompt, debugSchema, params, &out,
		func(ctx context.Context) error {
			raw, gerr := s.deps.Gateway.Generate(ctx, prompt, params)
			if gerr != nil {
				return gerr
			}
			out.RootCause = strings.TrimSpace(raw)
			out.Strategy = scanStrategy(raw)
			return nil
		})
	if err != nil {
		return "", nil, err
	}
	if out.Strategy != engine.StrategyPatch && out.Strategy != engine.StrategyRegenerate {
		out.Strategy = engine.StrategyRegenerate
	}
	run.Diagnosis = &engine.Diagnosis{
		RootCause: out.RootCause,
		Strategy:  out.Strategy,
		Notes:     out.Notes,
	}

	return engine.StageFixing, map[string]any{
		"root_cause": out.RootCause,
		"strategy":   out.Strategy,
		"iteration":  run.Iteration,
	}, nil
}

// scanStrategy pulls a repair strategy out of free-form diagnosis text
// when the structured decode was unavailable. Regenerate is the safer
// default: a patch against a misread diff header corrupts the artifact.
func scanStrategy(text string) string {
	lower := strings.ToLower(text)
	patchAt := strings.Index(lower, engine.StrategyPatch)
	regenAt := strings.Index(lower, engine.StrategyRegenerate)
	if patchAt >= 0 && (regenAt < 0 || patchAt < regenAt) {
		return engine.StrategyPatch
	}
	return engine.StrategyRegenerate
}
