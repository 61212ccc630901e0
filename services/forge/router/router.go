// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router selects the execution mode for a request.
//
// Detection runs cheapest-first: an explicit user mode wins outright,
// a short greeting takes the fast path, keyword families decide most
// of the rest, and only unmatched text pays for an LLM classification.
// Keyword families come from configuration, so deployments can extend
// or replace them (add a language, domain jargon) without a rebuild.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/gateway"
	"github.com/AleutianAI/SkiffLocal/services/llm"
)

var tracer = otel.Tracer("skiff.forge.router")

var detections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skiff",
	Subsystem: "router",
	Name:      "detections_total",
	Help:      "Mode detections by selected mode and decision source.",
}, []string{"mode", "source"})

// Decision sources, for logging and metrics.
const (
	SourceUser     = "user"     // explicit mode in the request
	SourcePrior    = "prior"    // caller supplied an existing intent
	SourceGreeting = "greeting" // fast greeting path
	SourceKeywords = "keywords" // keyword family scoring
	SourceLLM      = "llm"      // structured classifier fallback
)

// Detection is the routing outcome.
type Detection struct {
	// Mode is the selected execution mode, never auto.
	Mode datatypes.Mode `json:"mode"`

	// Intent is the classification behind the mode. The explicit-mode
	// path leaves it nil when the caller supplied none; every other
	// path fills it.
	Intent *datatypes.Intent `json:"intent,omitempty"`

	// Complexity duplicates Intent.Complexity for paths without an
	// intent, defaulting to medium.
	Complexity datatypes.Complexity `json:"complexity"`

	// Source records which detection step decided.
	Source string `json:"source"`

	// Signals lists the matched cues, for the debug surface.
	Signals []string `json:"signals,omitempty"`
}

// Classifier is the structured-output LLM surface the fallback path
// needs. *gateway.Gateway satisfies it.
type Classifier interface {
	GenerateStructured(ctx context.Context, prompt string, schema *gateway.Schema,
		params llm.GenerationParams, retries int) (json.RawMessage, error)
}

// Router classifies requests into execution modes.
//
// # Thread Safety
//
// Safe for concurrent use; all state is read-only or re-read from the
// config provider per call.
type Router struct {
	provider   *config.Provider
	classifier Classifier
	logger     *logging.Logger
}

// New creates a Router. classifier may be nil in deployments that
// never want the LLM fallback; unmatched text then defaults to chat
// with low confidence.
func New(provider *config.Provider, classifier Classifier, logger *logging.Logger) *Router {
	return &Router{
		provider:   provider,
		classifier: classifier,
		logger:     logger.WithSource(logging.SourceSystem),
	}
}

// Detect selects the mode for a task.
//
// # Description
//
// Steps, in order: honor an explicit userMode; reuse a prior intent if
// the caller already classified this task; fast-greeting check for
// short hellos; keyword-family scoring (learning cues force chat, then
// chat-if-no-code, analyze-if-no-code, code); finally the LLM
// classifier. Two post-adjustments apply to LLM results: explain
// floors complexity at medium, analyze forces analyze/complex.
//
// # Inputs
//
//   - task: the request text, already validated non-empty.
//   - userMode: the request's mode hint; anything not chat/code/analyze
//     is treated as auto.
//   - prior: a previously computed intent for this task, or nil.
//
// # Outputs
//
//   - *Detection: mode is always concrete. Only the LLM fallback can
//     fail, and only when no degraded default is possible.
func (r *Router) Detect(ctx context.Context, task string, userMode datatypes.Mode, prior *datatypes.Intent) (*Detection, error) {
	ctx, span := tracer.Start(ctx, "Router.Detect")
	defer span.End()
	span.SetAttributes(
		attribute.String("router.user_mode", string(userMode)),
		attribute.Int("router.task_chars", len(task)),
	)

	det, err := r.detect(ctx, task, userMode, prior)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "detection failed")
		return nil, err
	}

	detections.WithLabelValues(string(det.Mode), det.Source).Inc()
	span.SetAttributes(
		attribute.String("router.mode", string(det.Mode)),
		attribute.String("router.source", det.Source),
	)
	r.logger.Debug("mode detected",
		"mode", string(det.Mode), "source", det.Source,
		"complexity", string(det.Complexity), "signals", strings.Join(det.Signals, ","))
	return det, nil
}

func (r *Router) detect(ctx context.Context, task string, userMode datatypes.Mode, prior *datatypes.Intent) (*Detection, error) {
	if userMode.IsExplicit() {
		det := &Detection{
			Mode:       userMode,
			Intent:     prior,
			Complexity: datatypes.ComplexityMedium,
			Source:     SourceUser,
		}
		if prior != nil {
			det.Complexity = prior.Complexity
		}
		return det, nil
	}

	if prior != nil {
		return &Detection{
			Mode:       prior.RecommendedMode,
			Intent:     prior,
			Complexity: prior.Complexity,
			Source:     SourcePrior,
		}, nil
	}

	cfg := r.provider.Snapshot().Router

	if r.isGreeting(task, cfg) {
		return &Detection{
			Mode:       datatypes.ModeChat,
			Intent:     datatypes.NewIntent(datatypes.IntentGreeting, 1.0, datatypes.ComplexitySimple),
			Complexity: datatypes.ComplexitySimple,
			Source:     SourceGreeting,
			Signals:    []string{"greeting"},
		}, nil
	}

	if det := r.scoreKeywords(task, cfg); det != nil {
		return det, nil
	}

	return r.classify(ctx, task)
}

// =============================================================================
// Fast Greeting
// =============================================================================

// isGreeting reports whether the task is a bare salutation: at most
// three words, no question mark, no tell/explain-class verb, and a
// configured greeting at the front.
func (r *Router) isGreeting(task string, cfg config.RouterConfig) bool {
	norm := normalize(task)
	if norm == "" || strings.Contains(task, "?") {
		return false
	}
	if len(strings.Fields(norm)) > 3 {
		return false
	}
	for _, verb := range cfg.QuestionVerbs {
		if containsWord(norm, strings.ToLower(verb)) {
			return false
		}
	}
	for _, g := range cfg.Greetings {
		g = strings.ToLower(g)
		if norm == g || strings.HasPrefix(norm, g+" ") {
			return true
		}
	}
	return false
}

// normalize lowercases and strips punctuation so "Привет!!" matches
// the greeting set entry "привет".
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '!', '.', ',', ';', ':':
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// containsWord reports a whole-word substring match.
func containsWord(haystack, word string) bool {
	idx := strings.Index(haystack, word)
	for idx >= 0 {
		leftOK := idx == 0 || haystack[idx-1] == ' '
		right := idx + len(word)
		rightOK := right == len(haystack) || haystack[right] == ' '
		if leftOK && rightOK {
			return true
		}
		next := strings.Index(haystack[idx+1:], word)
		if next < 0 {
			return false
		}
		idx += 1 + next
	}
	return false
}

// =============================================================================
// Keyword Families
// =============================================================================

// scoreKeywords applies the configured keyword families. Returns nil
// when nothing matched, handing off to the LLM fallback.
func (r *Router) scoreKeywords(task string, cfg config.RouterConfig) *Detection {
	lower := strings.ToLower(task)

	var signals []string
	scores := map[datatypes.Mode]float64{
		datatypes.ModeChat:    0,
		datatypes.ModeCode:    0,
		datatypes.ModeAnalyze: 0,
	}

	learning := false
	for _, kw := range cfg.LearningKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			learning = true
			scores[datatypes.ModeChat] += keywordWeight(kw)
			signals = append(signals, "learning:"+kw)
		}
	}
	for _, kw := range cfg.ChatKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			scores[datatypes.ModeChat] += keywordWeight(kw)
			signals = append(signals, "chat:"+kw)
		}
	}
	for _, kw := range cfg.CodeKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			scores[datatypes.ModeCode] += keywordWeight(kw)
			signals = append(signals, "code:"+kw)
		}
	}
	for _, kw := range cfg.AnalyzeKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			scores[datatypes.ModeAnalyze] += keywordWeight(kw)
			signals = append(signals, "analyze:"+kw)
		}
	}

	total := scores[datatypes.ModeChat] + scores[datatypes.ModeCode] + scores[datatypes.ModeAnalyze]
	if total == 0 {
		return nil
	}

	// Learning questions stay conversational even when they mention
	// code verbs ("how does write work?").
	if learning {
		conf := confidence(scores[datatypes.ModeChat], total)
		return &Detection{
			Mode:       datatypes.ModeChat,
			Intent:     datatypes.NewIntent(datatypes.IntentExplain, conf, datatypes.ComplexityMedium),
			Complexity: datatypes.ComplexityMedium,
			Source:     SourceKeywords,
			Signals:    signals,
		}
	}

	chat, code, analyze := scores[datatypes.ModeChat], scores[datatypes.ModeCode], scores[datatypes.ModeAnalyze]
	switch {
	case chat > 0 && code == 0:
		conf := confidence(chat, total)
		return &Detection{
			Mode:       datatypes.ModeChat,
			Intent:     datatypes.NewIntent(datatypes.IntentExplain, conf, datatypes.ComplexityMedium),
			Complexity: datatypes.ComplexityMedium,
			Source:     SourceKeywords,
			Signals:    signals,
		}
	case analyze > 0 && code == 0:
		conf := confidence(analyze, total)
		return &Detection{
			Mode:       datatypes.ModeAnalyze,
			Intent:     datatypes.NewIntent(datatypes.IntentAnalyze, conf, datatypes.ComplexityComplex),
			Complexity: datatypes.ComplexityComplex,
			Source:     SourceKeywords,
			Signals:    signals,
		}
	case code > 0:
		conf := confidence(code, total)
		return &Detection{
			Mode:       datatypes.ModeCode,
			Intent:     datatypes.NewIntent(codeIntentFor(lower), conf, datatypes.ComplexityMedium),
			Complexity: datatypes.ComplexityMedium,
			Source:     SourceKeywords,
			Signals:    signals,
		}
	}
	return nil
}

// keywordWeight scores phrase cues above single words: "difference
// between" is a stronger signal than "test".
func keywordWeight(kw string) float64 {
	if strings.Contains(strings.TrimSpace(kw), " ") {
		return 1.5
	}
	return 1.0
}

// confidence is the winner's share of the total score, boosted 1.2x
// for a clear winner and capped at 1.
func confidence(winner, total float64) float64 {
	if total <= 0 {
		return 0.3
	}
	conf := winner / total
	if winner >= 1.5 {
		conf = conf * 1.2
	}
	if conf > 1.0 {
		conf = 1.0
	}
	return conf
}

// codeIntentFor guesses the fine-grained tag from the verbs present.
// Order matters: a "fix the test" request is a debug task.
func codeIntentFor(lower string) datatypes.IntentType {
	switch {
	case strings.Contains(lower, "fix") || strings.Contains(lower, "debug") ||
		strings.Contains(lower, "исправь"):
		return datatypes.IntentDebug
	case strings.Contains(lower, "optimi") || strings.Contains(lower, "оптимизируй"):
		return datatypes.IntentOptimize
	case strings.Contains(lower, "refactor") || strings.Contains(lower, "отрефактори"):
		return datatypes.IntentRefactor
	case strings.Contains(lower, "test") || strings.Contains(lower, "тест"):
		return datatypes.IntentTest
	case strings.Contains(lower, "modify") || strings.Contains(lower, "change") ||
		strings.Contains(lower, "update") || strings.Contains(lower, "измени"):
		return datatypes.IntentModify
	default:
		return datatypes.IntentCreate
	}
}

// =============================================================================
// LLM Fallback
// =============================================================================

var intentSchema = gateway.MustSchema(`{
	"type": "object",
	"properties": {
		"intent": {
			"type": "string",
			"enum": ["greeting", "help", "create", "modify", "debug",
				"optimize", "explain", "test", "refactor", "analyze"]
		},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"complexity": {"type": "string", "enum": ["simple", "medium", "complex"]}
	},
	"required": ["intent", "confidence", "complexity"],
	"additionalProperties": false
}`)

const classifyPromptFmt = `Classify the user request below.

intent: one of greeting, help, create, modify, debug, optimize, explain, test, refactor, analyze.
confidence: how certain you are, 0.0 to 1.0.
complexity: simple, medium, or complex.

Respond with JSON only.

Request:
%s`

type classifierResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Complexity string  `json:"complexity"`
}

// classify is the last resort: ask the model. Availability errors
// propagate (nothing downstream would work either); schema failures
// degrade to a low-confidence chat default.
func (r *Router) classify(ctx context.Context, task string) (*Detection, error) {
	if r.classifier == nil {
		return r.defaultDetection("classifier disabled"), nil
	}

	raw, err := r.classifier.GenerateStructured(ctx,
		fmt.Sprintf(classifyPromptFmt, task),
		intentSchema,
		llm.GenerationParams{Temperature: llm.Float32(0.1)},
		1,
	)
	if err != nil {
		if datatypes.IsKind(err, datatypes.KindStructuredOutput) {
			return r.defaultDetection(err.Error()), nil
		}
		return nil, err
	}

	var res classifierResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return r.defaultDetection(err.Error()), nil
	}

	intentType := datatypes.IntentType(res.Intent)
	complexity := datatypes.Complexity(res.Complexity)

	// explain answers deserve substance; analyze always means a full
	// project pass.
	if intentType == datatypes.IntentExplain && complexity == datatypes.ComplexitySimple {
		complexity = datatypes.ComplexityMedium
	}
	if intentType == datatypes.IntentAnalyze {
		complexity = datatypes.ComplexityComplex
	}

	intent := datatypes.NewIntent(intentType, res.Confidence, complexity)
	return &Detection{
		Mode:       intent.RecommendedMode,
		Intent:     intent,
		Complexity: intent.Complexity,
		Source:     SourceLLM,
	}, nil
}

// defaultDetection is the degraded no-signal outcome: conversational,
// low confidence, mirroring the pattern classifier's no-match default.
func (r *Router) defaultDetection(reason string) *Detection {
	r.logger.Warn("mode detection degraded to default", "reason", reason)
	return &Detection{
		Mode:       datatypes.ModeChat,
		Intent:     datatypes.NewIntent(datatypes.IntentHelp, 0.3, datatypes.ComplexityMedium),
		Complexity: datatypes.ComplexityMedium,
		Source:     SourceLLM,
	}
}
