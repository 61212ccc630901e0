// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate runs external and built-in checks over generated
// code artifacts.
//
// The validation stage hands the suite one Artifact; every registered
// validator reports passed, failed, or skipped, and the suite
// aggregates the booleans into Report.AllPassed. A validator that is
// not installed (for example, no test command configured) reports
// skipped and never fails the run.
package validate

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
)

// =============================================================================
// Constants
// =============================================================================

// Status is a single validator's verdict.
type Status string

const (
	// StatusPassed means the validator ran and found no failures.
	StatusPassed Status = "passed"

	// StatusFailed means the validator ran and found failures.
	StatusFailed Status = "failed"

	// StatusSkipped means the validator could not run: missing tool,
	// unsupported language, or empty input. Skips never fail a run.
	StatusSkipped Status = "skipped"
)

// Severity grades a security finding.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// =============================================================================
// Package Variables
// =============================================================================

var validatorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skiff",
	Subsystem: "validate",
	Name:      "runs_total",
	Help:      "Validator executions by validator name and status.",
}, []string{"validator", "status"})

// =============================================================================
// Structs
// =============================================================================

// Artifact is the generated output under validation.
type Artifact struct {
	// TaskID correlates findings with the workflow run.
	TaskID string `json:"task_id"`

	// Code is the generated source text.
	Code string `json:"code"`

	// Language tags the source language: go, python, javascript,
	// typescript. Empty or unknown languages skip the parsers.
	Language string `json:"language"`

	// Tests is the generated test artifact, when one exists.
	Tests string `json:"tests,omitempty"`

	// ProjectRoot is the confined working directory for validators
	// that touch the filesystem.
	ProjectRoot string `json:"project_root,omitempty"`
}

// Issue is one finding inside a failed result.
type Issue struct {
	// Pattern names the matched rule, e.g. "python-exec".
	Pattern string `json:"pattern"`

	// Line is 1-indexed within the artifact; 0 when unknown.
	Line int `json:"line,omitempty"`

	// Severity grades the finding.
	Severity Severity `json:"severity,omitempty"`

	// Message describes the finding.
	Message string `json:"message"`

	// Suggestion describes the fix, when the rule knows one.
	Suggestion string `json:"suggestion,omitempty"`

	// Blocking findings fail validation; the rest only warn.
	Blocking bool `json:"blocking"`
}

// Result is one validator's verdict over an artifact.
type Result struct {
	// Validator is the reporting validator's name.
	Validator string `json:"validator"`

	// Status is the verdict.
	Status Status `json:"status"`

	// Output is free-text detail: runner stdout, skip reason, or a
	// findings summary.
	Output string `json:"output,omitempty"`

	// Issues lists individual findings for failed results.
	Issues []Issue `json:"issues,omitempty"`
}

// Report aggregates every validator's result for one artifact.
type Report struct {
	// Results holds one entry per registered validator, in
	// registration order.
	Results []Result `json:"results"`

	// AllPassed is true when no validator failed. Skipped results do
	// not count against it.
	AllPassed bool `json:"all_passed"`

	// ValidatedAt is when the suite finished.
	ValidatedAt time.Time `json:"validated_at"`
}

// Failures renders the failed results as a diagnosis input for the
// debug stage. Empty when everything passed.
func (r *Report) Failures() string {
	var b strings.Builder
	for _, res := range r.Results {
		if res.Status != StatusFailed {
			continue
		}
		b.WriteString(res.Validator)
		b.WriteString(": ")
		if res.Output != "" {
			b.WriteString(res.Output)
		}
		for _, issue := range res.Issues {
			b.WriteString("\n  - ")
			b.WriteString(issue.Message)
			if issue.Line > 0 {
				b.WriteString(" (line ")
				b.WriteString(strconv.Itoa(issue.Line))
				b.WriteString(")")
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// Summary flattens the report into the validation stage's result
// payload: one status per validator plus the aggregate flag.
func (r *Report) Summary() map[string]any {
	statuses := make(map[string]any, len(r.Results))
	for _, res := range r.Results {
		statuses[res.Validator] = string(res.Status)
	}
	return map[string]any{
		"all_passed": r.AllPassed,
		"validators": statuses,
	}
}

// =============================================================================
// Interfaces
// =============================================================================

// Validator is one check over an artifact.
//
// Implementations must be safe for concurrent use and must express
// "I cannot run here" as StatusSkipped rather than an error; Validate
// itself never fails the pipeline.
type Validator interface {
	// Name identifies the validator in reports and metrics.
	Name() string

	// Validate runs the check. Context cancellation is reported as a
	// skipped result carrying the context error.
	Validate(ctx context.Context, art *Artifact) Result
}

// CallTracer records under-the-hood call scopes for the debug fabric.
// The trace store satisfies it.
type CallTracer interface {
	StartCall(ctx context.Context, kind, name string, input map[string]any) func(output string, err error)
}

type nopTracer struct{}

func (nopTracer) StartCall(context.Context, string, string, map[string]any) func(string, error) {
	return func(string, error) {}
}

// =============================================================================
// Suite
// =============================================================================

// Suite runs registered validators in order and aggregates verdicts.
//
// # Thread Safety
//
// Safe for concurrent use: the validator list is fixed at
// construction and validators are stateless.
type Suite struct {
	validators []Validator
	logger     *logging.Logger
	calls      CallTracer
}

// Option customizes a Suite.
type Option func(*Suite)

// WithCallTracer attaches the debug fabric's call recorder.
func WithCallTracer(t CallTracer) Option {
	return func(s *Suite) {
		if t != nil {
			s.calls = t
		}
	}
}

// NewSuite builds the default suite from configuration: syntax
// validator, security scanner, and the external test runner.
func NewSuite(provider *config.Provider, logger *logging.Logger, opts ...Option) *Suite {
	cfg := provider.Snapshot().Validators
	s := &Suite{
		validators: []Validator{
			NewSyntaxValidator(),
			NewSecurityScanner(cfg.WarnOnly),
			NewTestRunner(provider),
		},
		logger: logger.WithSource(logging.SourceValidator),
		calls:  nopTracer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSuiteWith builds a suite from an explicit validator list, for
// composition roots that replace individual checks.
func NewSuiteWith(logger *logging.Logger, validators ...Validator) *Suite {
	return &Suite{
		validators: validators,
		logger:     logger.WithSource(logging.SourceValidator),
		calls:      nopTracer{},
	}
}

// Run executes every validator against the artifact.
//
// # Description
//
// Validators run sequentially; each gets the full remaining context
// budget. A cancelled context stops the sweep and marks the remaining
// validators skipped, so the report always carries one entry per
// registered validator.
//
// # Outputs
//
//   - *Report: never nil; AllPassed is true when nothing failed.
func (s *Suite) Run(ctx context.Context, art *Artifact) *Report {
	report := &Report{AllPassed: true}

	for _, v := range s.validators {
		end := s.calls.StartCall(ctx, "validator", v.Name(), map[string]any{
			"language": art.Language,
		})

		var res Result
		if ctx.Err() != nil {
			res = Result{
				Validator: v.Name(),
				Status:    StatusSkipped,
				Output:    "cancelled: " + ctx.Err().Error(),
			}
		} else {
			res = v.Validate(ctx, art)
			res.Validator = v.Name()
		}
		end(verdict(res), nil)

		validatorRuns.WithLabelValues(res.Validator, string(res.Status)).Inc()
		if res.Status == StatusFailed {
			report.AllPassed = false
			s.logger.Warn("Validator failed",
				"validator", res.Validator, "task_id", art.TaskID,
				"issues", len(res.Issues))
		} else {
			s.logger.Debug("Validator finished",
				"validator", res.Validator, "status", string(res.Status),
				"task_id", art.TaskID)
		}
		report.Results = append(report.Results, res)
	}

	report.ValidatedAt = time.Now()
	return report
}

// =============================================================================
// Utility Functions
// =============================================================================

// verdict renders one result as a trace scope's output line.
func verdict(res Result) string {
	if res.Output == "" {
		return string(res.Status)
	}
	return string(res.Status) + ": " + res.Output
}

// normalizeLanguage maps aliases onto the parser keys.
func normalizeLanguage(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "go", "golang":
		return "go"
	case "python", "py", "python3":
		return "python"
	case "javascript", "js", "node":
		return "javascript"
	case "typescript", "ts":
		return "typescript"
	default:
		return ""
	}
}
