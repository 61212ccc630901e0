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
	"context"
	"fmt"
	"sort"
	"sync"
)

// =============================================================================
// Stage Graph
// =============================================================================

// Stage names a node in the workflow graph.
//
// The graph is fixed:
//
//	intent → planning → research → testing → coding
//	                                      ↕
//	                             validation ⇄ debug ⇄ fixing
//	                                      ↓
//	                           reflection → critic → final
//
// with single-shot chat and analysis branches leaving intent directly.
// Transitions outside the table are InternalInvariant failures.
type Stage string

const (
	// StageIntent classifies the request and picks the branch.
	StageIntent Stage = "intent"

	// StageChat answers conversationally in one LLM call.
	StageChat Stage = "chat"

	// StageAnalysis explains a project in one research + LLM pass.
	StageAnalysis Stage = "analysis"

	// StagePlanning produces the primary plan plus alternatives.
	StagePlanning Stage = "planning"

	// StageResearch gathers local code context and optional web findings.
	StageResearch Stage = "research"

	// StageTesting generates the test artifact before the code exists.
	StageTesting Stage = "testing"

	// StageCoding generates the code artifact.
	StageCoding Stage = "coding"

	// StageValidation runs the external validator suite.
	StageValidation Stage = "validation"

	// StageDebug diagnoses a failed validation report.
	StageDebug Stage = "debug"

	// StageFixing applies the diagnosis: patch or full regeneration.
	StageFixing Stage = "fixing"

	// StageReflection scores the run per stage.
	StageReflection Stage = "reflection"

	// StageCritic reviews the artifact and decides on a retry.
	StageCritic Stage = "critic"

	// StageFinal terminates the run. It is not an executable stage:
	// reaching it ends the loop and emits the terminal final_result,
	// so it never gets stage_start/stage_end envelopes of its own.
	StageFinal Stage = "final"
)

// String returns the stage name as emitted in stream envelopes.
func (s Stage) String() string {
	return string(s)
}

// transitions is the allowed-successor table. The engine rejects any
// executor result not listed here.
var transitions = map[Stage][]Stage{
	StageIntent:     {StageChat, StageAnalysis, StagePlanning, StageFinal},
	StageChat:       {StageFinal},
	StageAnalysis:   {StageFinal},
	StagePlanning:   {StageResearch},
	StageResearch:   {StageTesting, StageCoding},
	StageTesting:    {StageCoding},
	StageCoding:     {StageValidation},
	StageValidation: {StageDebug, StageReflection},
	StageDebug:      {StageFixing},
	StageFixing:     {StageValidation, StageFinal},
	StageReflection: {StageCritic},
	StageCritic:     {StagePlanning, StageFinal},
}

// CanTransition reports whether from → to is an edge of the graph.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// governed marks the stages whose work is LLM- or validator-bound and
// therefore runs under a governor lease. Intent stays outside the pool:
// its fast paths need no model and its classifier fallback uses the
// small routing model, so admission control there would let a greeting
// queue behind five coding runs.
var governed = map[Stage]bool{
	StageChat:       true,
	StageAnalysis:   true,
	StagePlanning:   true,
	StageResearch:   true,
	StageTesting:    true,
	StageCoding:     true,
	StageValidation: true,
	StageDebug:      true,
	StageFixing:     true,
	StageReflection: true,
	StageCritic:     true,
}

// Governed reports whether the stage acquires a governor lease for its
// full duration.
func (s Stage) Governed() bool {
	return governed[s]
}

// =============================================================================
// Stage Executors
// =============================================================================

// StageExecutor runs one node of the graph.
//
// # Description
//
// Execute performs the stage work against the run record, returns the
// next stage, and a result object for the stage_end envelope. Artifacts
// (plan, code, report, scores) are written onto the Run; the result map
// carries only what the stream caller should see.
//
// # Thread Safety
//
// Executors must be safe for concurrent use across runs; all per-run
// state lives on the Run, which a single goroutine owns.
type StageExecutor interface {
	// Name returns the stage this executor implements.
	Name() Stage

	// Execute runs the stage and picks the successor.
	Execute(ctx context.Context, run *Run) (Stage, map[string]any, error)
}

// StageRegistry maps stages to executors.
//
// # Thread Safety
//
// Safe for concurrent use.
type StageRegistry struct {
	mu        sync.RWMutex
	executors map[Stage]StageExecutor
}

// NewStageRegistry creates an empty registry.
func NewStageRegistry() *StageRegistry {
	return &StageRegistry{executors: make(map[Stage]StageExecutor)}
}

// Register adds an executor under its own Name. Re-registering a stage
// replaces the previous executor.
func (r *StageRegistry) Register(exec StageExecutor) {
	if exec == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[exec.Name()] = exec
}

// Get returns the executor for a stage.
func (r *StageRegistry) Get(stage Stage) (StageExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[stage]
	return exec, ok
}

// Stages returns all registered stages, sorted for deterministic output.
func (r *StageRegistry) Stages() []Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stages := make([]Stage, 0, len(r.executors))
	for s := range r.executors {
		stages = append(stages, s)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	return stages
}

// Verify checks that every non-terminal node of the graph has an
// executor. The composition root calls it once at startup so a missing
// stage fails the boot, not a request.
func (r *StageRegistry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for stage := range transitions {
		if _, ok := r.executors[stage]; !ok {
			return fmt.Errorf("stage %q has no registered executor", stage)
		}
	}
	return nil
}
