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

// Research gathers grounding context for the coder: local project
// retrieval plus optional web search, assembled into a brief.
type Research struct {
	deps engine.Dependencies
}

func (s *Research) Name() engine.Stage { return engine.StageResearch }

func (s *Research) Execute(ctx context.Context, run *engine.Run) (engine.Stage, map[string]any, error) {
	brief, err := s.deps.Researcher.Research(ctx, run.Req.Task, run.Req.ProjectPath, run.Req.Extensions, run.Req.DisableWebSearch)
	if err != nil {
		return "", nil, err
	}
	run.Brief = brief

	if brief.Context == "" {
		run.Emitter.EmitLog("WARNING", string(engine.StageResearch),
			"research produced no context; generation proceeds from the task alone")
	}
	return engine.StageTesting, map[string]any{
		"confidence": brief.Confidence,
		"local_docs": brief.LocalDocs,
		"web_used":   brief.WebUsed,
	}, nil
}
