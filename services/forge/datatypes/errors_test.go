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

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorKind_HTTPStatus(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want int
	}{
		{KindInvalidRequest, http.StatusBadRequest},
		{KindAccessDenied, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindUpstreamUnavailable, http.StatusBadGateway},
		{KindStructuredOutput, http.StatusInternalServerError},
		{KindValidatorFailure, http.StatusInternalServerError},
		{KindInternalInvariant, http.StatusInternalServerError},
		{ErrorKind("bogus"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestE_FormatsMessage(t *testing.T) {
	err := E(KindNotFound, "backup %q not found", "b1")
	if err.Kind != KindNotFound {
		t.Errorf("Kind = %v, want KindNotFound", err.Kind)
	}
	want := `NotFound: backup "b1" not found`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestE_CapturesTrailingCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := E(KindUpstreamUnavailable, "ollama generate", cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if err.Message != "ollama generate" {
		t.Errorf("Message = %q, want %q", err.Message, "ollama generate")
	}
}

func TestE_FormatsArgsBeforeCause(t *testing.T) {
	cause := fmt.Errorf("timeout")
	err := E(KindUpstreamUnavailable, "attempt %d failed", 3, cause)

	if err.Message != "attempt 3 failed" {
		t.Errorf("Message = %q, want %q", err.Message, "attempt 3 failed")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
}

func TestKindOf(t *testing.T) {
	classified := E(KindAccessDenied, "path escapes root")
	wrapped := fmt.Errorf("handler: %w", classified)

	if KindOf(classified) != KindAccessDenied {
		t.Errorf("KindOf(classified) = %v", KindOf(classified))
	}
	if KindOf(wrapped) != KindAccessDenied {
		t.Errorf("KindOf(wrapped) = %v, wrapping lost the kind", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindInternalInvariant {
		t.Errorf("unclassified error should report KindInternalInvariant, got %v", KindOf(errors.New("plain")))
	}
	if KindOf(nil) != "" {
		t.Errorf("KindOf(nil) = %v, want empty", KindOf(nil))
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(E(KindUpstreamUnavailable, "down")) {
		t.Error("upstream failures should be retryable")
	}
	if IsRetryable(E(KindInvalidRequest, "bad")) {
		t.Error("client errors should not be retryable")
	}
	if IsRetryable(E(KindInternalInvariant, "bug")) {
		t.Error("invariant violations should not be retryable")
	}
}

// =============================================================================
// Intent Tests
// =============================================================================

func TestNewIntent_Derivations(t *testing.T) {
	tests := []struct {
		intentType    IntentType
		wantMode      Mode
		wantGenerates bool
	}{
		{IntentGreeting, ModeChat, false},
		{IntentHelp, ModeChat, false},
		{IntentExplain, ModeChat, false},
		{IntentCreate, ModeCode, true},
		{IntentModify, ModeCode, true},
		{IntentDebug, ModeCode, true},
		{IntentOptimize, ModeCode, true},
		{IntentTest, ModeCode, true},
		{IntentRefactor, ModeCode, true},
		{IntentAnalyze, ModeAnalyze, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.intentType), func(t *testing.T) {
			intent := NewIntent(tt.intentType, 0.9, ComplexityMedium)
			if intent.RecommendedMode != tt.wantMode {
				t.Errorf("RecommendedMode = %v, want %v", intent.RecommendedMode, tt.wantMode)
			}
			if intent.RequiresCodeGeneration != tt.wantGenerates {
				t.Errorf("RequiresCodeGeneration = %v, want %v", intent.RequiresCodeGeneration, tt.wantGenerates)
			}
		})
	}
}

func TestNewIntent_ClampsConfidence(t *testing.T) {
	if got := NewIntent(IntentCreate, 1.5, ComplexityMedium).Confidence; got != 1.0 {
		t.Errorf("Confidence = %v, want clamped to 1.0", got)
	}
	if got := NewIntent(IntentCreate, -0.2, ComplexityMedium).Confidence; got != 0.0 {
		t.Errorf("Confidence = %v, want clamped to 0.0", got)
	}
}

func TestNewIntent_UnknownComplexityDefaultsMedium(t *testing.T) {
	intent := NewIntent(IntentCreate, 0.5, Complexity("extreme"))
	if intent.Complexity != ComplexityMedium {
		t.Errorf("Complexity = %v, want medium fallback", intent.Complexity)
	}
}

func TestIntentType_Valid(t *testing.T) {
	for _, known := range AllIntentTypes {
		if !known.Valid() {
			t.Errorf("%v should be valid", known)
		}
	}
	if IntentType("banter").Valid() {
		t.Error("unknown tag reported valid")
	}
}

// =============================================================================
// Stream Event Tests
// =============================================================================

func TestStreamEventType_IsTerminal(t *testing.T) {
	terminals := []StreamEventType{EventFinalResult, EventError}
	for _, tt := range terminals {
		if !tt.IsTerminal() {
			t.Errorf("%v should be terminal", tt)
		}
	}
	nonTerminals := []StreamEventType{EventStageStart, EventStageEnd, EventLog, EventToolCallStart, EventToolCallEnd}
	for _, tt := range nonTerminals {
		if tt.IsTerminal() {
			t.Errorf("%v should not be terminal", tt)
		}
	}
}

func TestStreamEventType_Droppable(t *testing.T) {
	droppable := []StreamEventType{EventLog, EventToolCallStart, EventToolCallEnd}
	for _, tt := range droppable {
		if !tt.Droppable() {
			t.Errorf("%v should be droppable", tt)
		}
	}
	protected := []StreamEventType{EventStageStart, EventStageEnd, EventFinalResult, EventError}
	for _, tt := range protected {
		if tt.Droppable() {
			t.Errorf("%v must never be dropped", tt)
		}
	}
}

func TestNewErrorEvent_CarriesKind(t *testing.T) {
	event := NewErrorEvent("t-1", E(KindAccessDenied, "path escapes root"))
	if event.Type != EventError {
		t.Errorf("Type = %v, want EventError", event.Type)
	}
	if event.ErrorKind != KindAccessDenied {
		t.Errorf("ErrorKind = %v, want KindAccessDenied", event.ErrorKind)
	}
	if event.TaskID != "t-1" {
		t.Errorf("TaskID = %q, want t-1", event.TaskID)
	}
}

func TestNewStageEnd_CarriesResult(t *testing.T) {
	event := NewStageEnd("t-1", "coding", map[string]any{"code": "package main"})
	if event.Stage != "coding" {
		t.Errorf("Stage = %q, want coding", event.Stage)
	}
	if event.Result["code"] != "package main" {
		t.Errorf("Result[code] = %v", event.Result["code"])
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp not stamped")
	}
}
