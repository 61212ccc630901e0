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

// Analysis explains an existing project instead of generating code. It
// runs the researcher over the project path, then answers the question
// against the assembled brief.
type Analysis struct {
	deps engine.Dependencies
}

func (s *Analysis) Name() engine.Stage { return engine.StageAnalysis }

func (s *Analysis) Execute(ctx context.Context, run *engine.Run) (engine.Stage, map[string]any, error) {
	cfg := s.deps.Provider.Snapshot()

	run.Emitter.EmitToolCallStart(string(engine.StageAnalysis), "research", map[string]any{
		"project_path": run.Req.ProjectPath,
	})
	brief, err := s.deps.Researcher.Research(ctx, run.Req.Task, run.Req.ProjectPath, run.Req.Extensions, run.Req.DisableWebSearch)
	if err != nil {
		run.Emitter.EmitToolCallEnd(string(engine.StageAnalysis), "research", map[string]any{
			"error": err.Error(),
		})
		return "", nil, err
	}
	run.Brief = brief
	run.Emitter.EmitToolCallEnd(string(engine.StageAnalysis), "research", map[string]any{
		"confidence": brief.Confidence,
		"local_docs": brief.LocalDocs,
		"web_used":   brief.WebUsed,
	})
	if brief.Context == "" {
		run.Emitter.EmitLog("WARNING", string(engine.StageAnalysis),
			"no project context found; the analysis rests on the question alone")
	}

	params := samplerParams(modelFor(cfg, run.Req, false), run.Req.Temperature, 0)
	answer, err := s.deps.Gateway.Generate(ctx, analysisPrompt(run), params)
	if err != nil {
		return "", nil, err
	}
	run.Message = answer

	return engine.StageFinal, map[string]any{
		"message":    answer,
		"confidence": brief.Confidence,
		"local_docs": brief.LocalDocs,
	}, nil
}
