// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// Modes
// =============================================================================

// Mode is the execution mode selected for a request.
type Mode string

const (
	// ModeAuto lets the router classify the request.
	ModeAuto Mode = "auto"

	// ModeChat answers conversationally in a single stage.
	ModeChat Mode = "chat"

	// ModeCode runs the full staged code-generation workflow.
	ModeCode Mode = "code"

	// ModeAnalyze runs the single-shot project analysis branch.
	ModeAnalyze Mode = "analyze"
)

// IsExplicit reports whether the mode is a concrete user choice
// (anything but auto or empty).
func (m Mode) IsExplicit() bool {
	return m == ModeChat || m == ModeCode || m == ModeAnalyze
}

// =============================================================================
// Intent Classification
// =============================================================================

// IntentType tags what the user is asking for.
type IntentType string

const (
	IntentGreeting IntentType = "greeting"
	IntentHelp     IntentType = "help"
	IntentCreate   IntentType = "create"
	IntentModify   IntentType = "modify"
	IntentDebug    IntentType = "debug"
	IntentOptimize IntentType = "optimize"
	IntentExplain  IntentType = "explain"
	IntentTest     IntentType = "test"
	IntentRefactor IntentType = "refactor"
	IntentAnalyze  IntentType = "analyze"
)

// AllIntentTypes lists every valid tag, for classifier prompt assembly
// and validation of LLM output.
var AllIntentTypes = []IntentType{
	IntentGreeting, IntentHelp, IntentCreate, IntentModify, IntentDebug,
	IntentOptimize, IntentExplain, IntentTest, IntentRefactor, IntentAnalyze,
}

// Valid reports whether the tag is one of the known intent types.
func (t IntentType) Valid() bool {
	for _, known := range AllIntentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Complexity estimates how much work a task needs.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Valid reports whether the label is a known complexity.
func (c Complexity) Valid() bool {
	return c == ComplexitySimple || c == ComplexityMedium || c == ComplexityComplex
}

// Intent is the classification result for a request.
//
// RecommendedMode and RequiresCodeGeneration are derived from Type;
// use NewIntent so the derivations stay consistent.
type Intent struct {
	Type                   IntentType `json:"type"`
	Confidence             float64    `json:"confidence"`
	Complexity             Complexity `json:"complexity"`
	RecommendedMode        Mode       `json:"recommended_mode"`
	RequiresCodeGeneration bool       `json:"requires_code_generation"`
}

// NewIntent builds an Intent with the mode and code-generation flag
// derived from the type.
//
// Confidence is clamped to [0, 1]. Unknown complexity labels fall back
// to medium.
func NewIntent(intentType IntentType, confidence float64, complexity Complexity) *Intent {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	if !complexity.Valid() {
		complexity = ComplexityMedium
	}
	return &Intent{
		Type:                   intentType,
		Confidence:             confidence,
		Complexity:             complexity,
		RecommendedMode:        RecommendedModeFor(intentType),
		RequiresCodeGeneration: RequiresCodeGeneration(intentType),
	}
}

// RecommendedModeFor maps an intent tag to its execution mode:
// chat for greeting/help/explain, analyze for analyze, code for the
// code-touching tags.
func RecommendedModeFor(t IntentType) Mode {
	switch t {
	case IntentGreeting, IntentHelp, IntentExplain:
		return ModeChat
	case IntentAnalyze:
		return ModeAnalyze
	case IntentCreate, IntentModify, IntentDebug, IntentOptimize, IntentTest, IntentRefactor:
		return ModeCode
	default:
		return ModeChat
	}
}

// RequiresCodeGeneration reports whether the tag implies producing code.
func RequiresCodeGeneration(t IntentType) bool {
	return RecommendedModeFor(t) == ModeCode
}
