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

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/engine"
)

// Intent resolves the request mode and routes the run onto one of the
// three branches: chat, analysis, or the code pipeline. For the code
// branch it first checks the experience store for an exact match on
// the task text; a stored solution short-circuits the whole pipeline.
type Intent struct {
	deps engine.Dependencies
}

func (s *Intent) Name() engine.Stage { return engine.StageIntent }

func (s *Intent) Execute(ctx context.Context, run *engine.Run) (engine.Stage, map[string]any, error) {
	det, err := s.deps.Router.Detect(ctx, run.Req.Task, datatypes.Mode(run.Req.Mode), nil)
	if err != nil {
		return "", nil, err
	}
	run.Detection = det

	result := map[string]any{
		"mode":   string(det.Mode),
		"source": det.Source,
	}
	if det.Intent != nil {
		result["intent"] = det.Intent.Type
		result["confidence"] = det.Intent.Confidence
		result["complexity"] = string(det.Intent.Complexity)
	}

	switch det.Mode {
	case datatypes.ModeChat:
		return engine.StageChat, result, nil
	case datatypes.ModeAnalyze:
		return engine.StageAnalysis, result, nil
	}

	if exp := s.findReusable(ctx, run); exp != nil {
		run.Reused = true
		run.ReusedFrom = exp.ID
		run.Code = exp.Code
		run.BestCode = exp.Code
		run.ReusedPlan = exp.Plan
		result["reused"] = true
		result["experience_id"] = exp.ID
		return engine.StageFinal, result, nil
	}
	return engine.StagePlanning, result, nil
}

// findReusable looks for a stored solution to the exact same task. Any
// lookup failure degrades to a fresh run; reuse is an optimization,
// never a dependency.
func (s *Intent) findReusable(ctx context.Context, run *engine.Run) *experienceHit {
	if s.deps.Experiences == nil {
		return nil
	}
	run.Emitter.EmitToolCallStart(string(engine.StageIntent), "experience_lookup", map[string]any{
		"task": trimForLog(run.Req.Task, 120),
	})
	exp, err := s.deps.Experiences.FindExact(ctx, run.Req.Task)
	if err != nil {
		run.Emitter.EmitToolCallEnd(string(engine.StageIntent), "experience_lookup", map[string]any{
			"error": err.Error(),
		})
		s.deps.Logger.Warn("Experience lookup failed; generating from scratch",
			"task_id", run.TaskID, "error", err)
		return nil
	}
	if exp == nil || !exp.HasCode() {
		run.Emitter.EmitToolCallEnd(string(engine.StageIntent), "experience_lookup", map[string]any{
			"found": false,
		})
		return nil
	}
	run.Emitter.EmitToolCallEnd(string(engine.StageIntent), "experience_lookup", map[string]any{
		"found":         true,
		"experience_id": exp.ID,
	})
	return &experienceHit{ID: exp.ID, Code: exp.Code, Plan: exp.Plan}
}

// experienceHit carries just the reusable fields out of a stored match.
type experienceHit struct {
	ID   int64
	Code string
	Plan string
}

// trimForLog bounds a user string destined for an event payload.
func trimForLog(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
