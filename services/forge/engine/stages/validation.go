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
)

// Validation runs the validator suite over the current artifact. A
// clean pass promotes the artifact to the run's best code and moves on
// to reflection; any failure enters the debug loop.
type Validation struct {
	deps engine.Dependencies
}

func (s *Validation) Name() engine.Stage { return engine.StageValidation }

func (s *Validation) Execute(ctx context.Context, run *engine.Run) (engine.Stage, map[string]any, error) {
	artifact := &validate.Artifact{
		TaskID:      run.TaskID,
		Code:        run.Code,
		Language:    run.Language,
		Tests:       run.Tests,
		ProjectRoot: run.Req.ProjectPath,
	}
	report := s.deps.Validators.Run(ctx, artifact)
	run.Report = report

	result := report.Summary()
	result["iteration"] = run.Iteration
	if report.AllPassed {
		run.BestCode = run.Code
		return engine.StageReflection, result, nil
	}
	return engine.StageDebug, result, nil
}
