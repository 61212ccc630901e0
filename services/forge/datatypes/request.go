// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the forge service.
//
// This file contains the inbound request envelope and its validation.
// For the outbound event envelope, see stream.go.
package datatypes

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxTaskChars is the maximum length of the task text.
	// Oversized prompts are rejected, not truncated.
	MaxTaskChars = 10_000

	// MinTemperature and MaxTemperature bound the sampler temperature.
	MinTemperature = 0.1
	MaxTemperature = 0.7

	// MinIterations and MaxIterations bound the workflow loop count.
	MinIterations = 1
	MaxIterations = 5

	// DefaultMaxIterations is used when the client omits the field.
	DefaultMaxIterations = 3

	// DefaultTemperature is used when the client omits the field.
	DefaultTemperature = 0.3
)

// ForbiddenSubstrings are literal fragments rejected in task text.
// Defense in depth against prompt-delivered code injection, not a
// sandbox substitute.
var ForbiddenSubstrings = []string{
	"eval(",
	"exec(",
	"__import__",
	"os.system",
	"subprocess",
}

// =============================================================================
// Shared Validator Instance
// =============================================================================

// requestValidate is the validator instance for request datatypes.
// Initialized in init() with custom validators.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()

	// Reject task text containing injection fragments
	_ = requestValidate.RegisterValidation("noinjection", validateNoInjection)

	// Restrict model identifiers to the safe character set
	_ = requestValidate.RegisterValidation("modelname", validateModelNameTag)
}

// validateNoInjection checks the field against ForbiddenSubstrings.
//
// # Description
//
// Custom validator enforcing the input sanitization policy: task text
// carrying known code-execution fragments is rejected outright. The
// check is a literal substring scan, deliberately cheap and
// case-sensitive (the fragments are syntax, not words).
//
// # Inputs
//
//   - fl: Validator field level containing the string to validate
//
// # Outputs
//
//   - bool: true if no forbidden substring is present
func validateNoInjection(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	for _, s := range ForbiddenSubstrings {
		if strings.Contains(content, s) {
			return false
		}
	}
	return true
}

// validateModelNameTag restricts model names to [A-Za-z0-9:_.-].
//
// Empty strings pass; "required"-ness is a separate tag. The character
// set keeps model names safe for runtime API calls and shell-adjacent
// contexts ("qwen2.5-coder:7b", "gpt-4o").
func validateModelNameTag(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" {
		return true
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == ':' || r == '_' || r == '.' || r == '-':
		default:
			return false
		}
	}
	return true
}

// =============================================================================
// Generate Request
// =============================================================================

// GenerateRequest is the inbound envelope for POST /v1/generate.
//
// # Description
//
// GenerateRequest carries the free-text task plus routing and sampling
// knobs. Every request gets a server-side task id (UUID v4) used for
// stream correlation, resource accounting, and the debug trace.
//
// # Fields
//
//   - Task: Required. Free text, 1-10000 chars, no injection fragments.
//   - Mode: Optional. User mode hint: "auto", "chat", "code", "analyze".
//     Non-auto hints are honored without classification. Default "auto".
//   - ConversationID: Optional. UUID of an existing conversation to
//     continue; a new one is created when empty.
//   - ProjectPath: Optional. Directory whose code feeds the context
//     engine. Paths are resolved and confined by the path guard.
//   - FocusPath: Optional. A single file inside ProjectPath to center
//     analysis on. Must resolve under ProjectPath or the workflow
//     terminates with AccessDenied.
//   - Extensions: Optional. File-extension filter for indexing
//     (e.g. [".go", ".py"]). Empty means language defaults.
//   - Model: Optional. Model override; must match the safe charset.
//   - Temperature: Optional. Sampler temperature in [0.1, 0.7].
//     Zero means "use default" (0.3).
//   - MaxIterations: Optional. Workflow loop bound in [1, 5].
//     Zero means "use default" (3).
//   - DisableWebSearch: Optional. Skips the research stage's web
//     lookups when true.
//
// # Validation
//
// Uses go-playground/validator:
//   - Task: required, max 10000 chars, noinjection
//   - Mode: oneof auto chat code analyze (or empty)
//   - ConversationID: UUID v4 when present
//   - Model: modelname charset when present
//   - Temperature: 0.1-0.7 or zero
//   - MaxIterations: 1-5 or zero
//
// # Examples
//
//	req := GenerateRequest{
//	    Task: "write a function that reverses a string",
//	    Mode: "code",
//	    MaxIterations: 2,
//	}
//	req.EnsureDefaults()
//	if err := req.Validate(); err != nil { ... }
//
// # Limitations
//
//   - The injection scan is substring-literal; it is defense in depth,
//     not a sandbox.
type GenerateRequest struct {
	TaskID           string   `json:"task_id" validate:"omitempty,uuid4"`
	Task             string   `json:"task" validate:"required,max=10000,noinjection"`
	Mode             string   `json:"mode" validate:"omitempty,oneof=auto chat code analyze"`
	ConversationID   string   `json:"conversation_id" validate:"omitempty,uuid4"`
	ProjectPath      string   `json:"project_path" validate:"omitempty"`
	FocusPath        string   `json:"focus_path" validate:"omitempty"`
	Extensions       []string `json:"extensions" validate:"omitempty,dive,startswith=."`
	Model            string   `json:"model" validate:"omitempty,modelname"`
	Temperature      float64  `json:"temperature" validate:"omitempty,gte=0.1,lte=0.7"`
	MaxIterations    int      `json:"max_iterations" validate:"omitempty,gte=1,lte=5"`
	DisableWebSearch bool     `json:"disable_web_search"`
}

// Validate validates the GenerateRequest fields.
//
// Returns a KindInvalidRequest classified error so handlers can map it
// straight to a 400 response.
func (r *GenerateRequest) Validate() error {
	if strings.TrimSpace(r.Task) == "" {
		return E(KindInvalidRequest, "task text is empty")
	}
	if err := requestValidate.Struct(r); err != nil {
		return E(KindInvalidRequest, "request validation failed", err)
	}
	return nil
}

// EnsureDefaults populates server-side defaults for optional fields.
//
// # Description
//
// Generates the task id and fills zero-valued sampling knobs. Call
// after binding and before Validate so defaults are validated too.
//
// # Examples
//
//	req := &GenerateRequest{Task: task}
//	req.EnsureDefaults()
//	// req.TaskID is now a UUID, req.Temperature is 0.3
func (r *GenerateRequest) EnsureDefaults() {
	if r.TaskID == "" {
		r.TaskID = uuid.New().String()
	}
	if r.Mode == "" {
		r.Mode = "auto"
	}
	if r.Temperature == 0 {
		r.Temperature = DefaultTemperature
	}
	if r.MaxIterations == 0 {
		r.MaxIterations = DefaultMaxIterations
	}
}

// =============================================================================
// Feedback Request
// =============================================================================

// FeedbackRequest records a thumbs-up/down signal on a finished task.
//
// Rating accepts exactly "positive" or "negative"; anything else is a
// 400-class failure. The optional comment feeds task-experience notes.
type FeedbackRequest struct {
	TaskID  string `json:"task_id" validate:"required,uuid4"`
	Rating  string `json:"rating" validate:"required,oneof=positive negative"`
	Comment string `json:"comment" validate:"omitempty,max=2000"`
}

// Validate validates the FeedbackRequest fields.
func (r *FeedbackRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return E(KindInvalidRequest, "feedback validation failed", err)
	}
	return nil
}

// =============================================================================
// Generate Response (non-streaming summary)
// =============================================================================

// GenerateResponse is the JSON body returned by the non-streaming
// variant of the generate endpoint and embedded in final_result events.
type GenerateResponse struct {
	TaskID           string         `json:"task_id"`
	Mode             string         `json:"mode"`
	Intent           *Intent        `json:"intent,omitempty"`
	Message          string         `json:"message,omitempty"`
	Code             string         `json:"code,omitempty"`
	Plan             string         `json:"plan,omitempty"`
	Reused           bool           `json:"reused,omitempty"`
	AnswerDigest     string         `json:"answer_digest,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
	Iterations       int            `json:"iterations,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms,omitempty"`
	Timestamp        int64          `json:"timestamp"`
}

// NewGenerateResponse creates a response with the timestamp stamped.
func NewGenerateResponse(taskID, mode string) *GenerateResponse {
	return &GenerateResponse{
		TaskID:    taskID,
		Mode:      mode,
		Timestamp: time.Now().UnixMilli(),
	}
}
