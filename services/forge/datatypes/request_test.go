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
	"strings"
	"testing"
)

// =============================================================================
// GenerateRequest Validation Tests
// =============================================================================

func TestGenerateRequest_Validate_Success(t *testing.T) {
	req := &GenerateRequest{
		Task: "write a function that reverses a string",
		Mode: "code",
	}
	req.EnsureDefaults()

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got error: %v", err)
	}
}

func TestGenerateRequest_Validate_EmptyTask(t *testing.T) {
	req := &GenerateRequest{Task: ""}
	req.EnsureDefaults()

	err := req.Validate()
	if err == nil {
		t.Fatal("expected error for empty task, got nil")
	}
	if KindOf(err) != KindInvalidRequest {
		t.Errorf("error kind = %v, want KindInvalidRequest", KindOf(err))
	}
}

func TestGenerateRequest_Validate_WhitespaceTask(t *testing.T) {
	req := &GenerateRequest{Task: "   \n\t  "}
	req.EnsureDefaults()

	if err := req.Validate(); err == nil {
		t.Error("expected error for whitespace-only task, got nil")
	}
}

func TestGenerateRequest_Validate_TaskTooLong(t *testing.T) {
	req := &GenerateRequest{Task: strings.Repeat("a", MaxTaskChars+1)}
	req.EnsureDefaults()

	if err := req.Validate(); err == nil {
		t.Errorf("expected error for %d chars (max %d), got nil", MaxTaskChars+1, MaxTaskChars)
	}
}

func TestGenerateRequest_Validate_TaskAtMaxLength(t *testing.T) {
	req := &GenerateRequest{Task: strings.Repeat("a", MaxTaskChars)}
	req.EnsureDefaults()

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request at exactly max length, got error: %v", err)
	}
}

func TestGenerateRequest_Validate_ForbiddenSubstrings(t *testing.T) {
	for _, fragment := range ForbiddenSubstrings {
		t.Run(fragment, func(t *testing.T) {
			req := &GenerateRequest{
				Task: "please run " + fragment + "rm -rf" + ") for me",
			}
			req.EnsureDefaults()

			err := req.Validate()
			if err == nil {
				t.Fatalf("expected rejection for fragment %q, got nil", fragment)
			}
			if KindOf(err) != KindInvalidRequest {
				t.Errorf("error kind = %v, want KindInvalidRequest", KindOf(err))
			}
		})
	}
}

func TestGenerateRequest_Validate_InvalidMode(t *testing.T) {
	req := &GenerateRequest{Task: "hello", Mode: "turbo"}
	// No EnsureDefaults: the bad mode must not be overwritten

	if err := req.Validate(); err == nil {
		t.Error("expected error for unknown mode, got nil")
	}
}

func TestGenerateRequest_Validate_TemperatureBounds(t *testing.T) {
	tests := []struct {
		name    string
		temp    float64
		wantErr bool
	}{
		{"lower bound", 0.1, false},
		{"upper bound", 0.7, false},
		{"middle", 0.3, false},
		{"too low", 0.05, true},
		{"too high", 0.9, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &GenerateRequest{Task: "hello", Temperature: tt.temp}
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() with temperature %v: error = %v, wantErr %v", tt.temp, err, tt.wantErr)
			}
		})
	}
}

func TestGenerateRequest_Validate_IterationBounds(t *testing.T) {
	tests := []struct {
		iterations int
		wantErr    bool
	}{
		{1, false},
		{5, false},
		{6, true},
		{-1, true},
	}

	for _, tt := range tests {
		req := &GenerateRequest{Task: "hello", MaxIterations: tt.iterations}
		err := req.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate() with max_iterations %d: error = %v, wantErr %v", tt.iterations, err, tt.wantErr)
		}
	}
}

func TestGenerateRequest_Validate_ModelName(t *testing.T) {
	tests := []struct {
		model   string
		wantErr bool
	}{
		{"qwen2.5-coder:7b", false},
		{"gpt-4o", false},
		{"", false}, // optional
		{"bad model name", true},
		{"model;injection", true},
	}

	for _, tt := range tests {
		req := &GenerateRequest{Task: "hello", Model: tt.model}
		err := req.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate() with model %q: error = %v, wantErr %v", tt.model, err, tt.wantErr)
		}
	}
}

func TestGenerateRequest_Validate_Extensions(t *testing.T) {
	good := &GenerateRequest{Task: "hello", Extensions: []string{".go", ".py"}}
	if err := good.Validate(); err != nil {
		t.Errorf("expected valid extensions, got error: %v", err)
	}

	bad := &GenerateRequest{Task: "hello", Extensions: []string{"go"}}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for extension without leading dot, got nil")
	}
}

func TestGenerateRequest_EnsureDefaults(t *testing.T) {
	req := &GenerateRequest{Task: "hello"}
	req.EnsureDefaults()

	if req.TaskID == "" {
		t.Error("TaskID was not generated")
	}
	if req.Mode != "auto" {
		t.Errorf("Mode = %q, want auto", req.Mode)
	}
	if req.Temperature != DefaultTemperature {
		t.Errorf("Temperature = %v, want %v", req.Temperature, DefaultTemperature)
	}
	if req.MaxIterations != DefaultMaxIterations {
		t.Errorf("MaxIterations = %d, want %d", req.MaxIterations, DefaultMaxIterations)
	}
}

func TestGenerateRequest_EnsureDefaults_PreservesProvided(t *testing.T) {
	req := &GenerateRequest{
		Task:          "hello",
		Mode:          "chat",
		Temperature:   0.5,
		MaxIterations: 2,
	}
	req.EnsureDefaults()

	if req.Mode != "chat" || req.Temperature != 0.5 || req.MaxIterations != 2 {
		t.Errorf("EnsureDefaults overwrote provided values: %+v", req)
	}
}

// =============================================================================
// FeedbackRequest Validation Tests
// =============================================================================

func TestFeedbackRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rating  string
		wantErr bool
	}{
		{"positive", "positive", false},
		{"negative", "negative", false},
		{"neutral rejected", "neutral", true},
		{"empty rejected", "", true},
		{"case sensitive", "Positive", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &FeedbackRequest{
				TaskID: "550e8400-e29b-41d4-a716-446655440000",
				Rating: tt.rating,
			}
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() rating %q: error = %v, wantErr %v", tt.rating, err, tt.wantErr)
			}
		})
	}
}

func TestFeedbackRequest_Validate_RequiresTaskID(t *testing.T) {
	req := &FeedbackRequest{Rating: "positive"}
	if err := req.Validate(); err == nil {
		t.Error("expected error for missing task_id, got nil")
	}
}
