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

// Testing writes the test artifact before any implementation exists,
// so the coder has a concrete behavioral target.
type Testing struct {
	deps engine.Dependencies
}

func (s *Testing) Name() engine.Stage { return engine.StageTesting }

func (s *Testing) Execute(ctx context.Context, run *engine.Run) (engine.Stage, map[string]any, error) {
	cfg := s.deps.Provider.Snapshot()
	language := detectLanguage("", run.Req.Task, run.Req.Extensions)

	params := samplerParams(modelFor(cfg, run.Req, true), run.Req.Temperature, 0)
	raw, err := s.deps.Gateway.Generate(ctx, testingPrompt(run, language), params)
	if err != nil {
		return "", nil, err
	}
	fenceTag, tests := extractCode(raw)
	run.Tests = tests
	if run.Language == "" {
		run.Language = detectLanguage(fenceTag, run.Req.Task, run.Req.Extensions)
	}

	return engine.StageCoding, map[string]any{
		"tests":    tests,
		"language": run.Language,
	}, nil
}
