// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives the staged code-generation workflow.
//
// A run walks a fixed stage graph: intent classification picks a
// branch (chat, analysis, or the full pipeline), the pipeline stages
// accumulate artifacts on a per-run session record, validation failures
// loop through debug and fixing against an iteration budget, and the
// critic may send the whole run back to planning. Every stage emits a
// paired stage_start/stage_end envelope; exactly one terminal event
// (final_result or error) closes each run.
//
// Stage executors live in the stages subpackage and are wired through
// a StageRegistry, so the graph's control flow and the per-stage logic
// stay independently testable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/pkg/validation"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/gateway"
	"github.com/AleutianAI/SkiffLocal/services/forge/governor"
	"github.com/AleutianAI/SkiffLocal/services/forge/memory"
	"github.com/AleutianAI/SkiffLocal/services/forge/research"
	"github.com/AleutianAI/SkiffLocal/services/forge/router"
	"github.com/AleutianAI/SkiffLocal/services/forge/stream"
	"github.com/AleutianAI/SkiffLocal/services/forge/trace"
	"github.com/AleutianAI/SkiffLocal/services/forge/validate"
	"github.com/AleutianAI/SkiffLocal/services/llm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("skiff.forge.engine")

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "engine",
		Name:      "runs_total",
		Help:      "Completed workflow runs by mode and outcome",
	}, []string{"mode", "outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "skiff",
		Subsystem: "engine",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a workflow run",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "skiff",
		Subsystem: "engine",
		Name:      "stage_duration_seconds",
		Help:      "Wall time of one stage, lease wait included",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 180},
	}, []string{"stage"})
)

// =============================================================================
// Collaborator Contracts
// =============================================================================

// ConversationStore is the dialog-memory surface the engine consumes.
// *memory.ConversationMemory satisfies it.
type ConversationStore interface {
	Create(ctx context.Context) (*memory.Conversation, error)
	Append(ctx context.Context, id, role, content string) error
	LastN(ctx context.Context, id string, n int) ([]llm.Message, error)
	EnsureTitle(ctx context.Context, id string) (string, error)
}

// ExperienceStore is the task-outcome surface the engine consumes.
// *memory.TaskExperienceMemory satisfies it.
type ExperienceStore interface {
	Save(ctx context.Context, exp *memory.Experience) (int64, error)
	FindSimilar(ctx context.Context, text, intent string, minSuccess float64, max int) ([]memory.Experience, error)
	FindExact(ctx context.Context, text string) (*memory.Experience, error)
}

// Researcher gathers the research stage's brief.
// *research.Researcher satisfies it.
type Researcher interface {
	Research(ctx context.Context, task, projectPath string, extensions []string, disableWeb bool) (*research.Brief, error)
}

// ValidatorSuite runs the validation stage's external checks.
// *validate.Suite satisfies it.
type ValidatorSuite interface {
	Run(ctx context.Context, art *validate.Artifact) *validate.Report
}

// RunRecorder receives one record per finished run, for the optional
// time-series sink.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec *RunRecord)
}

// RunRecord summarizes a finished run for external recording.
type RunRecord struct {
	TaskID     string
	Mode       string
	Intent     string
	Outcome    string
	ErrorKind  string
	Iterations int
	Reused     bool
	Duration   time.Duration
	Scores     map[string]float64
}

// Dependencies bundles the engine's collaborators.
//
// Conversations and Experiences may be nil: the engine then runs
// without dialog memory or experience reuse and logs the degradation
// once per run instead of failing.
type Dependencies struct {
	Provider      *config.Provider
	Gateway       *gateway.Gateway
	Router        *router.Router
	Conversations ConversationStore
	Experiences   ExperienceStore
	Researcher    Researcher
	Validators    ValidatorSuite
	Governor      *governor.Governor
	Logger        *logging.Logger
}

// =============================================================================
// Engine
// =============================================================================

// Engine owns the run loop over the stage graph.
//
// # Thread Safety
//
// Safe for concurrent use; any number of runs may be in flight. The
// governor bounds how many of their stages do LLM-bound work at once.
type Engine struct {
	deps     Dependencies
	registry *StageRegistry
	recorder RunRecorder
	logger   *logging.Logger

	activeRuns atomic.Int64
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithRunRecorder wires the optional per-run metrics sink.
func WithRunRecorder(rec RunRecorder) Option {
	return func(e *Engine) {
		e.recorder = rec
	}
}

// New wires an engine over a populated stage registry.
//
// Registry completeness is checked here so a missing executor fails the
// boot rather than a request.
func New(deps Dependencies, registry *StageRegistry, opts ...Option) (*Engine, error) {
	if deps.Provider == nil || deps.Gateway == nil || deps.Router == nil ||
		deps.Governor == nil || deps.Validators == nil || deps.Researcher == nil {
		return nil, fmt.Errorf("engine: missing required dependency")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if registry == nil {
		return nil, fmt.Errorf("engine: nil stage registry")
	}
	if err := registry.Verify(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		deps:     deps,
		registry: registry,
		logger:   deps.Logger.WithSource(logging.SourceAgent),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Deps exposes the collaborator bundle to stage executors.
func (e *Engine) Deps() Dependencies {
	return e.deps
}

// ActiveRuns reports how many workflows are currently in flight.
func (e *Engine) ActiveRuns() int64 {
	return e.activeRuns.Load()
}

// =============================================================================
// Entry Points
// =============================================================================

// Run validates the request, then starts the workflow in its own
// goroutine and returns the emitter carrying its event stream.
//
// Validation failures return before any event exists, so transports
// can answer them with a plain status instead of a one-event stream.
// The emitter closes itself after the terminal event.
func (e *Engine) Run(ctx context.Context, req *datatypes.GenerateRequest) (*stream.DefaultEmitter, error) {
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cfg := e.deps.Provider.Snapshot()
	em := stream.NewEmitter(req.TaskID, e.logger,
		stream.WithPacing(stream.PacingFromConfig(cfg.Stream)),
		stream.WithQueueSize(cfg.Stream.QueueSize))

	go func() {
		defer em.Close()
		_, _ = e.Execute(ctx, req, em)
	}()
	return em, nil
}

// Execute drives one request through the stage graph to its terminal
// event, emitting progress on em.
//
// The returned response duplicates the final_result payload for
// non-streaming callers; on a terminal error it is nil and the error
// has already been emitted. Execute assumes a validated, defaulted
// request — Run does both.
func (e *Engine) Execute(ctx context.Context, req *datatypes.GenerateRequest, em stream.Emitter) (*datatypes.GenerateResponse, error) {
	e.activeRuns.Add(1)
	defer e.activeRuns.Add(-1)

	ctx, span := tracer.Start(ctx, "Engine.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.String("task.mode_hint", req.Mode),
	)
	ctx = trace.WithTask(ctx, req.TaskID)

	run := NewRun(req, em)
	logger := e.logger.WithTask(run.TaskID, 0)
	logger.Info("Workflow started", "mode_hint", req.Mode, "max_iterations", run.MaxIterations)

	e.openConversation(ctx, run)

	stage := StageIntent
	for stage != StageFinal {
		if err := ctx.Err(); err != nil {
			// The caller abandoned the stream; observed at the stage
			// boundary per the cancellation contract.
			logger.Info("Workflow canceled", "at_stage", string(stage))
			e.fail(ctx, run, stage, err)
			return nil, err
		}

		exec, ok := e.registry.Get(stage)
		if !ok {
			err := datatypes.E(datatypes.KindInternalInvariant,
				"stage %q missing from the executor registry", stage)
			e.fail(ctx, run, stage, err)
			return nil, err
		}

		next, err := e.runStage(ctx, run, exec)
		if err != nil {
			e.fail(ctx, run, stage, err)
			return nil, err
		}
		if !CanTransition(stage, next) {
			err := datatypes.E(datatypes.KindInternalInvariant,
				"illegal stage transition %s → %s", stage, next)
			e.fail(ctx, run, stage, err)
			return nil, err
		}

		// Branches that read the project resolve its paths once, before
		// their first stage starts, so a traversal attempt dies between
		// intent and the branch with no unpaired stage events.
		if stage == StageIntent && (next == StageAnalysis || next == StagePlanning) {
			if err := guardPaths(run.Req); err != nil {
				e.fail(ctx, run, stage, err)
				return nil, err
			}
		}
		stage = next
	}

	resp := e.finalize(ctx, run)
	span.SetAttributes(attribute.Int("run.iterations", run.Iteration))
	return resp, nil
}

// =============================================================================
// Stage Execution
// =============================================================================

// runStage wraps one executor call in its lease, span, paired stream
// envelopes, and history record.
func (e *Engine) runStage(ctx context.Context, run *Run, exec StageExecutor) (Stage, error) {
	stage := exec.Name()
	started := time.Now()

	ctx, span := tracer.Start(ctx, "engine.stage."+string(stage))
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", run.TaskID),
		attribute.Int("run.iteration", run.Iteration),
	)
	ctx = trace.WithStage(ctx, string(stage))

	if stage.Governed() {
		lease, err := e.deps.Governor.Acquire(ctx, string(stage), run.TaskID)
		if err != nil {
			return "", err
		}
		defer lease.Release()
	}

	run.Emitter.EmitStageStart(string(stage))

	next, result, err := exec.Execute(ctx, run)
	stageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())

	if err != nil {
		// Keep stage envelopes paired even on the failure path.
		run.Emitter.EmitStageEnd(string(stage), map[string]any{
			"status": "failed",
			"error":  err.Error(),
		})
		run.record(stage, "", started, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	run.Emitter.EmitStageEnd(string(stage), result)
	run.record(stage, next, started, nil)
	span.SetAttributes(attribute.String("stage.next", string(next)))
	return next, nil
}

// =============================================================================
// Terminal Paths
// =============================================================================

// finalize assembles the final result, persists memory at the pipeline
// boundary, and emits the run's single terminal final_result.
func (e *Engine) finalize(ctx context.Context, run *Run) *datatypes.GenerateResponse {
	logger := e.logger.WithTask(run.TaskID, run.Iteration)
	e.closeConversation(ctx, run)
	e.saveExperience(ctx, run)

	resp := run.Response()
	resp.AnswerDigest = e.sealAnswer(run, resp)
	result := map[string]any{
		"task_id":            resp.TaskID,
		"mode":               resp.Mode,
		"iterations":         resp.Iterations,
		"processing_time_ms": resp.ProcessingTimeMs,
	}
	if resp.Intent != nil {
		result["intent"] = resp.Intent
	}
	if resp.Message != "" {
		result["message"] = resp.Message
	}
	if resp.Plan != "" {
		result["plan"] = resp.Plan
	}
	if resp.Code != "" {
		result["code"] = resp.Code
	}
	if resp.Reused {
		result["reused"] = true
	}
	if run.ConversationID != "" {
		result["conversation_id"] = run.ConversationID
	}
	if resp.AnswerDigest != "" {
		result["answer_digest"] = resp.AnswerDigest
	}

	run.Emitter.EmitFinal(result, run.StreamMetrics())

	runsTotal.WithLabelValues(resp.Mode, "success").Inc()
	runDuration.Observe(time.Since(run.StartedAt).Seconds())
	e.report(ctx, run, "success", "")

	logger.Info("Workflow finished",
		"mode", resp.Mode,
		"iterations", resp.Iterations,
		"reused", resp.Reused,
		"duration_ms", resp.ProcessingTimeMs)
	return resp
}

// sealAnswer assembles the delivered answer through the secure
// accumulator and returns its SHA-256 digest, hex encoded. Fragments
// are hashed in payload order: message, plan, code. The digest is
// best-effort: a host without mlock headroom (and without the insecure
// opt-in) ships the final result unhashed with a WARNING rather than
// failing a finished run.
func (e *Engine) sealAnswer(run *Run, resp *datatypes.GenerateResponse) string {
	if resp.Message == "" && resp.Plan == "" && resp.Code == "" {
		return ""
	}
	logger := e.logger.WithTask(run.TaskID, run.Iteration)

	acc, err := stream.NewAnswerAccumulator()
	if err != nil {
		logger.Warn("Answer accumulator unavailable, final result carries no digest", "error", err)
		return ""
	}
	defer acc.Destroy()

	for _, fragment := range []string{resp.Message, resp.Plan, resp.Code} {
		if fragment == "" {
			continue
		}
		if err := acc.Write(fragment); err != nil {
			logger.Warn("Answer accumulation failed, final result carries no digest",
				"accumulator_id", acc.ID(), "error", err)
			return ""
		}
	}
	_, digest, err := acc.Finalize()
	if err != nil {
		logger.Warn("Answer digest unavailable", "accumulator_id", acc.ID(), "error", err)
		return ""
	}
	return digest
}

// fail emits the run's single terminal error and accounts the outcome.
func (e *Engine) fail(ctx context.Context, run *Run, stage Stage, err error) {
	kind := datatypes.KindOf(err)
	logger := e.logger.WithTask(run.TaskID, run.Iteration).WithStage(string(stage))

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		logger.Info("Workflow abandoned", "error", err)
	case kind == datatypes.KindInternalInvariant,
		kind == datatypes.KindUpstreamUnavailable,
		kind == datatypes.KindStructuredOutput:
		logger.Error("Workflow failed", "kind", string(kind), "error", err)
	default:
		logger.Warn("Workflow rejected", "kind", string(kind), "error", err)
	}

	run.Emitter.EmitError(err)
	runsTotal.WithLabelValues(string(run.Mode()), "error").Inc()
	runDuration.Observe(time.Since(run.StartedAt).Seconds())
	e.report(ctx, run, "error", string(kind))
}

// report forwards the run summary to the optional recorder.
func (e *Engine) report(ctx context.Context, run *Run, outcome, errKind string) {
	if e.recorder == nil {
		return
	}
	e.recorder.RecordRun(ctx, &RunRecord{
		TaskID:     run.TaskID,
		Mode:       string(run.Mode()),
		Intent:     run.IntentType(),
		Outcome:    outcome,
		ErrorKind:  errKind,
		Iterations: run.Iteration,
		Reused:     run.Reused,
		Duration:   time.Since(run.StartedAt),
		Scores:     run.Scores.Map(),
	})
}

// =============================================================================
// Pipeline-Boundary Memory
// =============================================================================

// openConversation resolves or creates the run's conversation and
// appends the user turn. Dialog memory is best-effort: failures degrade
// to a memoryless run with a WARNING, they never kill generation.
func (e *Engine) openConversation(ctx context.Context, run *Run) {
	if e.deps.Conversations == nil {
		return
	}
	logger := e.logger.WithTask(run.TaskID, 0)

	if run.ConversationID == "" {
		conv, err := e.deps.Conversations.Create(ctx)
		if err != nil {
			logger.Warn("Conversation create failed, continuing without dialog memory", "error", err)
			return
		}
		run.ConversationID = conv.ID
		run.createdConversation = true
	}
	if err := e.deps.Conversations.Append(ctx, run.ConversationID, "user", run.Req.Task); err != nil {
		logger.Warn("Conversation append failed", "conversation_id", run.ConversationID, "error", err)
	}
}

// closeConversation appends the assistant turn at the end of the
// pipeline and titles conversations this run created.
func (e *Engine) closeConversation(ctx context.Context, run *Run) {
	if e.deps.Conversations == nil || run.ConversationID == "" {
		return
	}
	logger := e.logger.WithTask(run.TaskID, run.Iteration)

	content := run.Message
	if content == "" {
		content = completionNote(run)
	}
	if err := e.deps.Conversations.Append(ctx, run.ConversationID, "assistant", content); err != nil {
		logger.Warn("Conversation append failed", "conversation_id", run.ConversationID, "error", err)
	}
	if run.createdConversation {
		if _, err := e.deps.Conversations.EnsureTitle(ctx, run.ConversationID); err != nil {
			logger.Warn("Conversation titling failed", "conversation_id", run.ConversationID, "error", err)
		}
	}
}

// completionNote summarizes a code-branch run for the dialog history,
// where no chat answer exists.
func completionNote(run *Run) string {
	switch {
	case run.Reused:
		return "Reused a stored solution for an identical past task."
	case run.FinalCode() != "":
		return fmt.Sprintf("Generated a %s solution in %d iteration(s).",
			run.Language, run.Iteration)
	default:
		return "Task completed without a code artifact."
	}
}

// saveExperience persists the finished code-branch outcome for future
// similarity lookups. Replayed runs are not re-saved.
func (e *Engine) saveExperience(ctx context.Context, run *Run) {
	if e.deps.Experiences == nil || run.Reused || run.Mode() != datatypes.ModeCode {
		return
	}
	code := run.FinalCode()
	if code == "" {
		return
	}

	scores := run.Scores
	if scores == nil {
		scores = &Scores{Planning: 0.5, Research: 0.5, Testing: 0.5, Coding: 0.5, Overall: 0.5}
	}
	exp := &memory.Experience{
		TaskID:       run.TaskID,
		Task:         run.Req.Task,
		IntentType:   run.IntentType(),
		Overall:      scores.Overall,
		Planning:     scores.Planning,
		Research:     scores.Research,
		Testing:      scores.Testing,
		Coding:       scores.Coding,
		WhatWorked:   scores.WhatWorked,
		WhatFailed:   scores.WhatFailed,
		KeyDecisions: scores.KeyDecisions,
		Plan:         run.Plan,
		Code:         code,
	}
	id, err := e.deps.Experiences.Save(ctx, exp)
	if err != nil {
		e.logger.WithTask(run.TaskID, run.Iteration).
			Warn("Experience save failed", "error", err)
		return
	}
	e.logger.WithTask(run.TaskID, run.Iteration).
		Debug("Experience saved", "experience_id", id, "overall", scores.Overall)
}

// =============================================================================
// Path Guard
// =============================================================================

// guardPaths resolves and confines the request's project paths,
// rewriting them to their resolved absolute forms.
func guardPaths(req *datatypes.GenerateRequest) error {
	if req.ProjectPath == "" {
		if req.FocusPath != "" {
			return datatypes.E(datatypes.KindInvalidRequest,
				"focus_path requires project_path")
		}
		return nil
	}

	root, err := validation.ValidateDirectoryPath(req.ProjectPath, req.ProjectPath)
	if err != nil {
		return classifyPathError(req.ProjectPath, err)
	}
	req.ProjectPath = root

	if req.FocusPath != "" {
		focus, err := validation.ValidateFilePath(req.FocusPath, root)
		if err != nil {
			return classifyPathError(req.FocusPath, err)
		}
		req.FocusPath = focus
	}
	return nil
}

func classifyPathError(p string, err error) error {
	if errors.Is(err, validation.ErrPathOutsideRoot) {
		return datatypes.E(datatypes.KindAccessDenied, "path %q escapes the project root", p, err)
	}
	return datatypes.E(datatypes.KindInvalidRequest, "path %q is invalid", p, err)
}
