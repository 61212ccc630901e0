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
	"fmt"
	"strings"

	"github.com/AleutianAI/SkiffLocal/services/forge/engine"
	"github.com/AleutianAI/SkiffLocal/services/forge/memory"
)

// Prompt assembly for the LLM-backed stages. These are working prompts,
// not a template system: each builder takes the run artifacts it needs
// and returns one string.

// section appends a titled block when the body is non-empty.
func section(b *strings.Builder, title, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	fmt.Fprintf(b, "\n## %s\n%s\n", title, body)
}

// planningPrompt asks for a primary plan plus alternatives, seeded with
// recommendations mined from similar past successes and, on a retry
// loop, the critic's feedback.
func planningPrompt(run *engine.Run, recommendations []memory.Experience) string {
	var b strings.Builder
	b.WriteString("Plan the implementation of the task below.\n")
	b.WriteString("Respond with these headings exactly:\n")
	b.WriteString("PLAN: the main approach, as numbered STEP lines.\n")
	b.WriteString("ALTERNATIVES: 2-3 briefly sketched alternative approaches.\n")

	section(&b, "Task", run.Req.Task)

	if len(recommendations) > 0 {
		var rec strings.Builder
		for _, exp := range recommendations {
			fmt.Fprintf(&rec, "- (score %.2f) %s", exp.Overall, exp.Task)
			if exp.WhatWorked != "" {
				fmt.Fprintf(&rec, " — what worked: %s", exp.WhatWorked)
			}
			rec.WriteString("\n")
		}
		section(&b, "Similar past tasks that succeeded", rec.String())
	}
	if run.Critique != nil && run.Critique.Feedback != "" {
		section(&b, "Reviewer feedback on the previous attempt", run.Critique.Feedback)
	}
	return b.String()
}

// testingPrompt asks for a test artifact before any code exists.
func testingPrompt(run *engine.Run, language string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %s tests for the task below. ", languageName(language))
	b.WriteString("The implementation does not exist yet; the tests define its behavior.\n")
	b.WriteString("Respond with a single fenced code block and nothing else.\n")

	section(&b, "Task", run.Req.Task)
	section(&b, "Plan", run.Plan)
	if run.Brief != nil {
		section(&b, "Project context", run.Brief.Render())
	}
	return b.String()
}

// codingPrompt asks for the implementation against plan, tests, and
// research context.
func codingPrompt(run *engine.Run, language string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the task below in %s.\n", languageName(language))
	b.WriteString("Respond with a single fenced code block and nothing else.\n")

	section(&b, "Task", run.Req.Task)
	section(&b, "Plan", run.Plan)
	section(&b, "Tests the code must pass", run.Tests)
	if run.Brief != nil {
		section(&b, "Project context", run.Brief.Render())
	}
	return b.String()
}

// analysisPrompt asks for a project explanation over the research brief.
func analysisPrompt(run *engine.Run) string {
	var b strings.Builder
	b.WriteString("Analyze the project for the question below. ")
	b.WriteString("Explain structure, behavior, and anything notable; do not generate code.\n")

	section(&b, "Question", run.Req.Task)
	if run.Req.FocusPath != "" {
		section(&b, "Focus file", run.Req.FocusPath)
	}
	if run.Brief != nil {
		section(&b, "Project context", run.Brief.Render())
	}
	return b.String()
}

// debugPrompt asks for a diagnosis of the failed validation report.
func debugPrompt(run *engine.Run) string {
	var b strings.Builder
	b.WriteString("The generated code failed validation. Diagnose the failure.\n")
	b.WriteString(`Respond with JSON: {"root_cause": "...", "strategy": "patch" or "regenerate", "notes": "..."}.` + "\n")
	b.WriteString("Choose \"patch\" for a localized defect, \"regenerate\" when the approach itself is wrong.\n")

	section(&b, "Task", run.Req.Task)
	section(&b, "Code", run.Code)
	if run.Report != nil {
		section(&b, "Validation failures", run.Report.Failures())
	}
	return b.String()
}

// patchPrompt asks for a unified diff repairing the diagnosed defect.
func patchPrompt(run *engine.Run) string {
	var b strings.Builder
	b.WriteString("Fix the diagnosed defect with a minimal unified diff against the file `artifact`.\n")
	b.WriteString("Respond with the diff only, starting with --- and +++ headers.\n")

	section(&b, "Diagnosis", run.Diagnosis.RootCause)
	section(&b, "Repair notes", run.Diagnosis.Notes)
	section(&b, "Current code (file: artifact)", run.Code)
	if run.Report != nil {
		section(&b, "Validation failures", run.Report.Failures())
	}
	return b.String()
}

// regeneratePrompt asks for a full rewrite addressing the diagnosis.
func regeneratePrompt(run *engine.Run, language string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rewrite the %s implementation to fix the diagnosed failure.\n", languageName(language))
	b.WriteString("Respond with a single fenced code block and nothing else.\n")

	section(&b, "Task", run.Req.Task)
	section(&b, "Diagnosis", run.Diagnosis.RootCause)
	section(&b, "Repair notes", run.Diagnosis.Notes)
	section(&b, "Previous code", run.Code)
	if run.Report != nil {
		section(&b, "Validation failures", run.Report.Failures())
	}
	section(&b, "Tests the code must pass", run.Tests)
	return b.String()
}

// reflectionPrompt asks for per-stage scores on the finished run.
func reflectionPrompt(run *engine.Run) string {
	var b strings.Builder
	b.WriteString("Grade this completed code-generation run. Score each stage 0.0-1.0.\n")
	b.WriteString(`Respond with JSON: {"planning": n, "research": n, "testing": n, "coding": n, "overall": n, "what_worked": "...", "what_failed": "...", "key_decisions": "..."}.` + "\n")

	section(&b, "Task", run.Req.Task)
	section(&b, "Plan", run.Plan)
	section(&b, "Final code", run.FinalCode())
	if run.Report != nil {
		section(&b, "Validation outcome", run.Report.Failures())
	}
	fmt.Fprintf(&b, "\nIterations used: %d of %d\n", run.Iteration, run.MaxIterations)
	return b.String()
}

// criticPrompt asks for the final artifact review.
func criticPrompt(run *engine.Run) string {
	var b strings.Builder
	b.WriteString("Review the final artifact against the task. Decide whether another planning round would materially improve it.\n")
	b.WriteString(`Respond with JSON: {"score": n, "should_retry": bool, "feedback": "..."}.` + "\n")
	b.WriteString("score: 0.0-1.0. should_retry: true only when a different approach would fix a real deficiency.\n")

	section(&b, "Task", run.Req.Task)
	section(&b, "Plan", run.Plan)
	section(&b, "Final code", run.FinalCode())
	if run.Scores != nil && run.Scores.WhatFailed != "" {
		section(&b, "Known weaknesses", run.Scores.WhatFailed)
	}
	fmt.Fprintf(&b, "\nIterations used: %d of %d\n", run.Iteration, run.MaxIterations)
	return b.String()
}

// languageName renders a language tag for prompts, defaulting to a
// neutral phrasing when detection found nothing.
func languageName(lang string) string {
	if lang == "" {
		return "the most appropriate language"
	}
	return lang
}
