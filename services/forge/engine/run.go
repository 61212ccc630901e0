// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"time"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/research"
	"github.com/AleutianAI/SkiffLocal/services/forge/router"
	"github.com/AleutianAI/SkiffLocal/services/forge/stream"
	"github.com/AleutianAI/SkiffLocal/services/forge/validate"
)

// =============================================================================
// Stage Outputs
// =============================================================================

// Diagnosis is the debug stage's reading of a failed validation report.
type Diagnosis struct {
	// RootCause is the one-line failure explanation.
	RootCause string `json:"root_cause"`

	// Strategy selects the fixing mode: "patch" or "regenerate".
	Strategy string `json:"strategy"`

	// Notes carries optional repair hints for the fixing prompt.
	Notes string `json:"notes,omitempty"`
}

// Strategies the debug stage may select.
const (
	StrategyPatch      = "patch"
	StrategyRegenerate = "regenerate"
)

// Scores is the reflection stage's per-stage grading, each in [0,1].
type Scores struct {
	Planning     float64 `json:"planning"`
	Research     float64 `json:"research"`
	Testing      float64 `json:"testing"`
	Coding       float64 `json:"coding"`
	Overall      float64 `json:"overall"`
	WhatWorked   string  `json:"what_worked,omitempty"`
	WhatFailed   string  `json:"what_failed,omitempty"`
	KeyDecisions string  `json:"key_decisions,omitempty"`
}

// Map flattens the numeric scores for stream metrics.
func (s *Scores) Map() map[string]float64 {
	if s == nil {
		return nil
	}
	return map[string]float64{
		"planning": s.Planning,
		"research": s.Research,
		"testing":  s.Testing,
		"coding":   s.Coding,
		"overall":  s.Overall,
	}
}

// Critique is the critic stage's verdict on the finished artifact.
type Critique struct {
	// Score grades the artifact overall, in [0,1].
	Score float64 `json:"score"`

	// ShouldRetry loops the workflow back to planning when the
	// iteration budget allows.
	ShouldRetry bool `json:"should_retry"`

	// Feedback explains the verdict and seeds the next plan on retry.
	Feedback string `json:"feedback,omitempty"`
}

// =============================================================================
// Transition History
// =============================================================================

// TransitionRecord is one executed stage in a run's history.
type TransitionRecord struct {
	// Stage is the node that ran.
	Stage Stage `json:"stage"`

	// Next is the successor the executor selected.
	Next Stage `json:"next"`

	// Iteration is the loop counter when the stage ran (1-based).
	Iteration int `json:"iteration"`

	// DurationMs is the stage's wall time, lease wait included.
	DurationMs int64 `json:"duration_ms"`

	// Error is the failure message when the stage terminated the run.
	Error string `json:"error,omitempty"`
}

// =============================================================================
// Run Record
// =============================================================================

// Run is the per-request session record threaded through the stages.
//
// # Description
//
// A Run owns every artifact the workflow accumulates: the detection,
// plan, research brief, test and code artifacts, validation report,
// diagnosis, scores, and critique. Executors read what upstream stages
// left and write their own slot.
//
// # Thread Safety
//
// Not synchronized. Exactly one goroutine drives a run; stages within
// it are sequential.
type Run struct {
	// TaskID correlates events, leases, traces, and the response.
	TaskID string

	// Req is the validated, defaulted request.
	Req *datatypes.GenerateRequest

	// Emitter receives this run's event stream.
	Emitter stream.Emitter

	// StartedAt stamps processing_time_ms in the final result.
	StartedAt time.Time

	// Detection is the intent stage's routing outcome.
	Detection *router.Detection

	// ConversationID is the dialog this run appends to.
	ConversationID string

	// Plan is the planning stage's artifact.
	Plan string

	// Brief is the research stage's artifact.
	Brief *research.Brief

	// Tests is the testing stage's artifact.
	Tests string

	// Code is the current code artifact. Fixing overwrites it in place;
	// BestCode keeps the last version that passed validation, if any.
	Code string

	// BestCode is the newest artifact that validated clean. Empty until
	// a validation pass succeeds.
	BestCode string

	// Language tags the code artifact for the validators.
	Language string

	// Report is the latest validation report.
	Report *validate.Report

	// Diagnosis is the latest debug stage output.
	Diagnosis *Diagnosis

	// Scores is the reflection stage output.
	Scores *Scores

	// Critique is the critic stage output.
	Critique *Critique

	// Message is the chat/analysis branch answer text.
	Message string

	// Reused marks an exact-match experience replay.
	Reused bool

	// ReusedFrom is the replayed experience id when Reused.
	ReusedFrom int64

	// ReusedPlan carries the stored plan of a replayed experience. It
	// rides in the final payload only; it is never installed as the
	// run's own Plan.
	ReusedPlan string

	// Iteration counts coding↔validation traversals, 1-based.
	Iteration int

	// MaxIterations is the request's loop budget, clamped to [1,5].
	MaxIterations int

	// History records every executed stage in order.
	History []TransitionRecord

	// createdConversation marks a conversation opened by this run, so
	// finalize knows to title it.
	createdConversation bool
}

// NewRun builds the session record for one request.
func NewRun(req *datatypes.GenerateRequest, emitter stream.Emitter) *Run {
	budget := req.MaxIterations
	if budget < 1 {
		budget = 1
	}
	if budget > 5 {
		budget = 5
	}
	return &Run{
		TaskID:         req.TaskID,
		Req:            req,
		Emitter:        emitter,
		StartedAt:      time.Now(),
		ConversationID: req.ConversationID,
		Iteration:      1,
		MaxIterations:  budget,
	}
}

// AdvanceIteration consumes one unit of the loop budget.
//
// Returns false when the budget is already spent; the caller must then
// transition to final with the best artifact instead of looping.
func (r *Run) AdvanceIteration() bool {
	if r.Iteration >= r.MaxIterations {
		return false
	}
	r.Iteration++
	return true
}

// Mode returns the detected mode, falling back to the request hint
// before the intent stage has run.
func (r *Run) Mode() datatypes.Mode {
	if r.Detection != nil {
		return r.Detection.Mode
	}
	return datatypes.Mode(r.Req.Mode)
}

// Intent returns the detection's intent, which explicit-mode requests
// may leave nil.
func (r *Run) Intent() *datatypes.Intent {
	if r.Detection == nil {
		return nil
	}
	return r.Detection.Intent
}

// IntentType returns the intent tag or "" when no classification ran.
func (r *Run) IntentType() string {
	if it := r.Intent(); it != nil {
		return string(it.Type)
	}
	return ""
}

// FinalCode returns the artifact the final result should carry: the
// last clean-validated version when one exists, else the newest code.
func (r *Run) FinalCode() string {
	if r.BestCode != "" {
		return r.BestCode
	}
	return r.Code
}

// record appends a history entry for an executed stage.
func (r *Run) record(stage, next Stage, started time.Time, err error) {
	rec := TransitionRecord{
		Stage:      stage,
		Next:       next,
		Iteration:  r.Iteration,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	r.History = append(r.History, rec)
}

// Response assembles the final result payload.
func (r *Run) Response() *datatypes.GenerateResponse {
	resp := datatypes.NewGenerateResponse(r.TaskID, string(r.Mode()))
	resp.Intent = r.Intent()
	resp.Message = r.Message
	resp.Plan = r.Plan
	resp.Code = r.FinalCode()
	resp.Reused = r.Reused
	resp.Iterations = r.Iteration
	resp.ProcessingTimeMs = time.Since(r.StartedAt).Milliseconds()

	metrics := map[string]any{}
	if r.Scores != nil {
		for k, v := range r.Scores.Map() {
			metrics[k] = v
		}
	}
	if r.Critique != nil {
		metrics["critic_score"] = r.Critique.Score
	}
	if r.Report != nil {
		metrics["validation"] = r.Report.Summary()
	}
	if r.Brief != nil {
		metrics["research_confidence"] = r.Brief.Confidence
		metrics["web_used"] = r.Brief.WebUsed
	}
	if r.Reused {
		metrics["reused_experience_id"] = r.ReusedFrom
		if r.ReusedPlan != "" {
			// The stored plan travels in the payload without becoming
			// the run's plan.
			resp.Plan = r.ReusedPlan
		}
	}
	if r.ConversationID != "" {
		metrics["conversation_id"] = r.ConversationID
	}
	if len(metrics) > 0 {
		resp.Metrics = metrics
	}
	return resp
}

// StreamMetrics flattens the numeric run metrics for the final event.
func (r *Run) StreamMetrics() map[string]float64 {
	out := map[string]float64{
		"iterations":         float64(r.Iteration),
		"processing_time_ms": float64(time.Since(r.StartedAt).Milliseconds()),
	}
	for k, v := range r.Scores.Map() {
		out[k] = v
	}
	if r.Critique != nil {
		out["critic_score"] = r.Critique.Score
	}
	if r.Brief != nil {
		out["research_confidence"] = r.Brief.Confidence
	}
	return out
}
