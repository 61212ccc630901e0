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
)

// Coding generates the implementation against the plan, the tests, and
// the research brief.
type Coding struct {
	deps engine.Dependencies
}

func (s *Coding) Name() engine.Stage { return engine.StageCoding }

func (s *Coding) Execute(ctx context.Context, run *engine.Run) (engine.Stage, map[string]any, error) {
	cfg := s.deps.Provider.Snapshot()

	params := samplerParams(modelFor(cfg, run.Req, true), run.Req.Temperature, 0)
	raw, err := s.deps.Gateway.Generate(ctx, codingPrompt(run, run.Language), params)
	if err != nil {
		return "", nil, err
	}
	fenceTag, code := extractCode(raw)
	run.Code = code
	if lang := detectLanguage(fenceTag, run.Req.Task, run.Req.Extensions); lang != "" {
		run.Language = lang
	}

	return engine.StageValidation, map[string]any{
		"code":      code,
		"language":  run.Language,
		"iteration": run.Iteration,
	}, nil
}
