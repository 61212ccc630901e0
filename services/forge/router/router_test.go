// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/gateway"
	"github.com/AleutianAI/SkiffLocal/services/llm"
)

type fakeClassifier struct {
	raw   json.RawMessage
	err   error
	calls int
}

func (f *fakeClassifier) GenerateStructured(_ context.Context, _ string, _ *gateway.Schema,
	_ llm.GenerationParams, _ int) (json.RawMessage, error) {
	f.calls++
	return f.raw, f.err
}

func testRouter(t *testing.T, classifier Classifier) *Router {
	t.Helper()
	provider, err := config.NewProvider(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	logger := logging.NewManager(logging.LevelError).Logger(logging.SourceSystem)
	return New(provider, classifier, logger)
}

func TestRouter_ExplicitModeHonored(t *testing.T) {
	fake := &fakeClassifier{err: datatypes.E(datatypes.KindUpstreamUnavailable, "should not be called")}
	r := testRouter(t, fake)

	for _, mode := range []datatypes.Mode{datatypes.ModeChat, datatypes.ModeCode, datatypes.ModeAnalyze} {
		det, err := r.Detect(context.Background(), "do whatever you think", mode, nil)
		if err != nil {
			t.Fatalf("Detect(%s): %v", mode, err)
		}
		if det.Mode != mode {
			t.Errorf("mode = %s, want %s", det.Mode, mode)
		}
		if det.Source != SourceUser {
			t.Errorf("source = %s, want user", det.Source)
		}
	}
	if fake.calls != 0 {
		t.Errorf("explicit mode should never hit the LLM, got %d calls", fake.calls)
	}
}

func TestRouter_FastGreeting(t *testing.T) {
	fake := &fakeClassifier{err: datatypes.E(datatypes.KindUpstreamUnavailable, "down")}
	r := testRouter(t, fake)

	greetings := []string{"привет", "Hi!", "hey there", "good morning", "Здравствуйте"}
	for _, task := range greetings {
		t.Run(task, func(t *testing.T) {
			det, err := r.Detect(context.Background(), task, datatypes.ModeAuto, nil)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if det.Mode != datatypes.ModeChat {
				t.Errorf("mode = %s, want chat", det.Mode)
			}
			if det.Intent == nil || det.Intent.Type != datatypes.IntentGreeting {
				t.Errorf("intent = %+v, want greeting", det.Intent)
			}
			if det.Complexity != datatypes.ComplexitySimple {
				t.Errorf("complexity = %s, want simple", det.Complexity)
			}
			if det.Source != SourceGreeting {
				t.Errorf("source = %s, want greeting", det.Source)
			}
		})
	}
	if fake.calls != 0 {
		t.Errorf("greetings must not hit the LLM, got %d calls", fake.calls)
	}
}

func TestRouter_GreetingDisqualifiers(t *testing.T) {
	r := testRouter(t, nil)

	tests := []struct {
		name string
		task string
	}{
		{"question mark", "hi?"},
		{"question verb", "tell me hi"},
		{"too long", "hi hi hi hi hi"},
		{"greeting plus question", "hi, what is a monad?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det, err := r.Detect(context.Background(), tt.task, datatypes.ModeAuto, nil)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if det.Source == SourceGreeting {
				t.Errorf("%q took the greeting fast path", tt.task)
			}
		})
	}
}

func TestRouter_Keywords(t *testing.T) {
	fake := &fakeClassifier{err: datatypes.E(datatypes.KindUpstreamUnavailable, "down")}
	r := testRouter(t, fake)

	tests := []struct {
		name       string
		task       string
		wantMode   datatypes.Mode
		wantIntent datatypes.IntentType
	}{
		{"code verbs", "write a function that reverses a string", datatypes.ModeCode, datatypes.IntentCreate},
		{"fix is debug", "fix the failing test", datatypes.ModeCode, datatypes.IntentDebug},
		{"chat question", "what is a goroutine", datatypes.ModeChat, datatypes.IntentExplain},
		{"analyze cues", "analyze the codebase architecture", datatypes.ModeAnalyze, datatypes.IntentAnalyze},
		{"learning beats code verbs", "how does write work", datatypes.ModeChat, datatypes.IntentExplain},
		{"russian code verbs", "напиши функцию сортировки", datatypes.ModeCode, datatypes.IntentCreate},
		{"chat plus code falls to code", "why does my create function crash", datatypes.ModeCode, datatypes.IntentCreate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det, err := r.Detect(context.Background(), tt.task, datatypes.ModeAuto, nil)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if det.Mode != tt.wantMode {
				t.Errorf("mode = %s, want %s (signals %v)", det.Mode, tt.wantMode, det.Signals)
			}
			if det.Intent == nil || det.Intent.Type != tt.wantIntent {
				t.Errorf("intent = %+v, want %s", det.Intent, tt.wantIntent)
			}
			if det.Source != SourceKeywords {
				t.Errorf("source = %s, want keywords", det.Source)
			}
			if det.Intent.Confidence <= 0 || det.Intent.Confidence > 1 {
				t.Errorf("confidence %f out of range", det.Intent.Confidence)
			}
		})
	}
	if fake.calls != 0 {
		t.Errorf("keyword-decided tasks must not hit the LLM, got %d calls", fake.calls)
	}
}

func TestRouter_AnalyzeKeywordsForceComplex(t *testing.T) {
	r := testRouter(t, nil)

	det, err := r.Detect(context.Background(), "analyze the codebase", datatypes.ModeAuto, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if det.Mode != datatypes.ModeAnalyze || det.Complexity != datatypes.ComplexityComplex {
		t.Errorf("got %s/%s, want analyze/complex", det.Mode, det.Complexity)
	}
}

func TestRouter_LLMFallback(t *testing.T) {
	tests := []struct {
		name           string
		raw            string
		wantMode       datatypes.Mode
		wantIntent     datatypes.IntentType
		wantComplexity datatypes.Complexity
	}{
		{
			"explain floors at medium",
			`{"intent":"explain","confidence":0.9,"complexity":"simple"}`,
			datatypes.ModeChat, datatypes.IntentExplain, datatypes.ComplexityMedium,
		},
		{
			"analyze forces analyze complex",
			`{"intent":"analyze","confidence":0.8,"complexity":"simple"}`,
			datatypes.ModeAnalyze, datatypes.IntentAnalyze, datatypes.ComplexityComplex,
		},
		{
			"debug recommends code",
			`{"intent":"debug","confidence":0.7,"complexity":"medium"}`,
			datatypes.ModeCode, datatypes.IntentDebug, datatypes.ComplexityMedium,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeClassifier{raw: json.RawMessage(tt.raw)}
			r := testRouter(t, fake)

			// No keyword family matches this text.
			det, err := r.Detect(context.Background(), "quantum entanglement implications", datatypes.ModeAuto, nil)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if fake.calls != 1 {
				t.Fatalf("classifier calls = %d, want 1", fake.calls)
			}
			if det.Mode != tt.wantMode {
				t.Errorf("mode = %s, want %s", det.Mode, tt.wantMode)
			}
			if det.Intent.Type != tt.wantIntent {
				t.Errorf("intent = %s, want %s", det.Intent.Type, tt.wantIntent)
			}
			if det.Complexity != tt.wantComplexity {
				t.Errorf("complexity = %s, want %s", det.Complexity, tt.wantComplexity)
			}
			if det.Source != SourceLLM {
				t.Errorf("source = %s, want llm", det.Source)
			}
		})
	}
}

func TestRouter_LLMUnavailablePropagates(t *testing.T) {
	fake := &fakeClassifier{err: datatypes.E(datatypes.KindUpstreamUnavailable, "ollama down")}
	r := testRouter(t, fake)

	_, err := r.Detect(context.Background(), "quantum entanglement implications", datatypes.ModeAuto, nil)
	if err == nil {
		t.Fatal("expected error when the classifier backend is down")
	}
	if !datatypes.IsKind(err, datatypes.KindUpstreamUnavailable) {
		t.Errorf("kind = %s, want UpstreamUnavailable", datatypes.KindOf(err))
	}
}

func TestRouter_SchemaFailureDegrades(t *testing.T) {
	fake := &fakeClassifier{err: datatypes.E(datatypes.KindStructuredOutput, "never validated")}
	r := testRouter(t, fake)

	det, err := r.Detect(context.Background(), "quantum entanglement implications", datatypes.ModeAuto, nil)
	if err != nil {
		t.Fatalf("schema failure should degrade, got %v", err)
	}
	if det.Mode != datatypes.ModeChat {
		t.Errorf("mode = %s, want chat default", det.Mode)
	}
	if det.Intent.Confidence != 0.3 {
		t.Errorf("confidence = %f, want degraded 0.3", det.Intent.Confidence)
	}
}

func TestRouter_NilClassifierDefaults(t *testing.T) {
	r := testRouter(t, nil)

	det, err := r.Detect(context.Background(), "quantum entanglement implications", datatypes.ModeAuto, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if det.Mode != datatypes.ModeChat || det.Intent.Type != datatypes.IntentHelp {
		t.Errorf("got %s/%s, want chat/help default", det.Mode, det.Intent.Type)
	}
}

func TestRouter_PriorIntentReused(t *testing.T) {
	fake := &fakeClassifier{err: datatypes.E(datatypes.KindUpstreamUnavailable, "down")}
	r := testRouter(t, fake)

	prior := datatypes.NewIntent(datatypes.IntentDebug, 0.95, datatypes.ComplexityComplex)
	det, err := r.Detect(context.Background(), "quantum entanglement implications", datatypes.ModeAuto, prior)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if det.Mode != datatypes.ModeCode {
		t.Errorf("mode = %s, want code from prior intent", det.Mode)
	}
	if det.Source != SourcePrior {
		t.Errorf("source = %s, want prior", det.Source)
	}
	if fake.calls != 0 {
		t.Errorf("prior intent must skip the classifier, got %d calls", fake.calls)
	}
}
