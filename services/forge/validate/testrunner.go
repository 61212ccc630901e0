// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/SkiffLocal/services/forge/config"
)

// =============================================================================
// Test Runner
// =============================================================================

// runnerVerdict is the external command's stdout contract.
type runnerVerdict struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// TestRunner adapts a configured external test command into a
// validator.
//
// # Description
//
// The artifact (code plus generated tests) is written into a fresh
// temporary directory and the configured argv runs with that
// directory appended as its last argument. The command reports
// {"success": bool, "output": string} on stdout; commands that emit
// anything else are judged by exit code instead. No command configured
// means no runner is installed, which reports skipped.
//
// # Thread Safety
//
// Safe for concurrent use; every call works in its own directory.
type TestRunner struct {
	provider *config.Provider
}

// NewTestRunner creates the adapter.
func NewTestRunner(provider *config.Provider) *TestRunner {
	return &TestRunner{provider: provider}
}

// Name identifies the validator.
func (r *TestRunner) Name() string { return "tests" }

// Validate materializes the artifact and runs the configured command.
func (r *TestRunner) Validate(ctx context.Context, art *Artifact) Result {
	cfg := r.provider.Snapshot().Validators
	if len(cfg.TestCommand) == 0 {
		return Result{Status: StatusSkipped, Output: "no test command configured"}
	}
	if strings.TrimSpace(art.Code) == "" {
		return Result{Status: StatusSkipped, Output: "empty code artifact"}
	}

	dir, err := os.MkdirTemp("", "skiff-validate-")
	if err != nil {
		return Result{Status: StatusSkipped, Output: "temp dir: " + err.Error()}
	}
	defer os.RemoveAll(dir)

	if err := writeArtifact(dir, art); err != nil {
		return Result{Status: StatusSkipped, Output: "write artifact: " + err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	argv := append(append([]string{}, cfg.TestCommand...), dir)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, runErr := cmd.Output()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{
			Status: StatusFailed,
			Output: fmt.Sprintf("test runner timed out after %ds", cfg.TimeoutSeconds),
			Issues: []Issue{{Pattern: "tests", Message: "test run exceeded its timeout", Blocking: true}},
		}
	}

	var verdict runnerVerdict
	if err := json.Unmarshal(out, &verdict); err == nil {
		if verdict.Success {
			return Result{Status: StatusPassed, Output: verdict.Output}
		}
		return Result{
			Status: StatusFailed,
			Output: verdict.Output,
			Issues: []Issue{{Pattern: "tests", Message: firstLine(verdict.Output), Blocking: true}},
		}
	}

	// Non-contract output: fall back to the exit code.
	if runErr == nil {
		return Result{Status: StatusPassed, Output: string(out)}
	}
	detail := string(out)
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && len(exitErr.Stderr) > 0 {
		detail = string(exitErr.Stderr)
	}
	return Result{
		Status: StatusFailed,
		Output: detail,
		Issues: []Issue{{Pattern: "tests", Message: firstLine(detail), Blocking: true}},
	}
}

// =============================================================================
// Utility Functions
// =============================================================================

// writeArtifact lays out the code and test files with the language's
// conventional names, so stock runners (go test, pytest, jest) find
// them without flags.
func writeArtifact(dir string, art *Artifact) error {
	codeName, testName := artifactFileNames(normalizeLanguage(art.Language))
	if err := os.WriteFile(filepath.Join(dir, codeName), []byte(art.Code), 0o644); err != nil {
		return err
	}
	if strings.TrimSpace(art.Tests) != "" {
		if err := os.WriteFile(filepath.Join(dir, testName), []byte(art.Tests), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func artifactFileNames(lang string) (code, tests string) {
	switch lang {
	case "go":
		return "solution.go", "solution_test.go"
	case "python":
		return "solution.py", "test_solution.py"
	case "javascript":
		return "solution.js", "solution.test.js"
	case "typescript":
		return "solution.ts", "solution.test.ts"
	default:
		return "solution.txt", "solution_tests.txt"
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "tests failed"
	}
	return s
}
