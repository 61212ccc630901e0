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
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SkiffLocal/services/forge/config"
)

// =============================================================================
// Test Helpers
// =============================================================================

func runnerWith(t *testing.T, command ...string) *TestRunner {
	t.Helper()
	provider := config.Static(&config.Config{
		Validators: config.ValidatorsConfig{TestCommand: command, TimeoutSeconds: 10},
	})
	return NewTestRunner(provider)
}

func requirePOSIX(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test runner contract tests need a POSIX shell")
	}
}

var runnerArtifact = &Artifact{
	TaskID:   "11111111-1111-4111-8111-111111111111",
	Language: "python",
	Code:     "def add(a, b):\n    return a + b\n",
	Tests:    "from solution import add\n\ndef test_add():\n    assert add(1, 2) == 3\n",
}

// =============================================================================
// Test Runner
// =============================================================================

func TestTestRunner_NoCommandSkips(t *testing.T) {
	r := runnerWith(t)

	res := r.Validate(context.Background(), runnerArtifact)

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Contains(t, res.Output, "no test command")
}

func TestTestRunner_EmptyCodeSkips(t *testing.T) {
	requirePOSIX(t)
	r := runnerWith(t, "true")

	res := r.Validate(context.Background(), &Artifact{Language: "python", Code: ""})

	assert.Equal(t, StatusSkipped, res.Status)
}

func TestTestRunner_ExitCodeFallback(t *testing.T) {
	requirePOSIX(t)

	res := runnerWith(t, "true").Validate(context.Background(), runnerArtifact)
	assert.Equal(t, StatusPassed, res.Status)

	res = runnerWith(t, "false").Validate(context.Background(), runnerArtifact)
	assert.Equal(t, StatusFailed, res.Status)
	require.NotEmpty(t, res.Issues)
	assert.True(t, res.Issues[0].Blocking)
}

func TestTestRunner_ParsesContractOutput(t *testing.T) {
	requirePOSIX(t)
	r := runnerWith(t, "sh", "-c",
		`echo '{"success": false, "output": "1 failed: test_add"}'`)

	res := r.Validate(context.Background(), runnerArtifact)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "1 failed: test_add", res.Output)
	require.NotEmpty(t, res.Issues)
	assert.Equal(t, "1 failed: test_add", res.Issues[0].Message)
}

func TestTestRunner_ContractSuccess(t *testing.T) {
	requirePOSIX(t)
	r := runnerWith(t, "sh", "-c",
		`echo '{"success": true, "output": "3 passed"}'`)

	res := r.Validate(context.Background(), runnerArtifact)

	assert.Equal(t, StatusPassed, res.Status)
	assert.Equal(t, "3 passed", res.Output)
}

func TestTestRunner_SeesArtifactFiles(t *testing.T) {
	requirePOSIX(t)
	// The runner works in the artifact directory; both files must exist.
	r := runnerWith(t, "sh", "-c", "test -f solution.py && test -f test_solution.py")

	res := r.Validate(context.Background(), runnerArtifact)

	assert.Equal(t, StatusPassed, res.Status)
}

func TestTestRunner_TimesOut(t *testing.T) {
	requirePOSIX(t)
	provider := config.Static(&config.Config{
		Validators: config.ValidatorsConfig{
			TestCommand:    []string{"sh", "-c", "sleep 5"},
			TimeoutSeconds: 1,
		},
	})
	r := NewTestRunner(provider)

	res := r.Validate(context.Background(), runnerArtifact)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Output, "timed out")
}
