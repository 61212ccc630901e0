// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CAPTURE HELPERS
// =============================================================================

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	require.NoError(t, w.Close())
	os.Stdout = old

	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stderr = w

	fn()

	require.NoError(t, w.Close())
	os.Stderr = old

	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

// forcePlain pins the output mode for the duration of a test and
// restores the previous mode afterwards.
func forcePlain(t *testing.T, v bool) {
	t.Helper()
	prev := IsPlain()
	SetPlain(v)
	t.Cleanup(func() { SetPlain(prev) })
}

// =============================================================================
// MODE TESTS
// =============================================================================

func TestSetPlain_Toggles(t *testing.T) {
	prev := IsPlain()
	t.Cleanup(func() { SetPlain(prev) })

	SetPlain(true)
	assert.True(t, IsPlain())

	SetPlain(false)
	assert.False(t, IsPlain())
}

// =============================================================================
// PLAIN MODE TESTS
// =============================================================================

func TestSuccess_Plain(t *testing.T) {
	forcePlain(t, true)

	out := captureStdout(t, func() {
		Success("backup complete")
	})

	assert.Equal(t, "OK: backup complete\n", out)
}

func TestWarning_PlainGoesToStderr(t *testing.T) {
	forcePlain(t, true)

	var errOut string
	out := captureStdout(t, func() {
		errOut = captureStderr(t, func() {
			Warning("store missing")
		})
	})

	assert.Empty(t, out, "plain warnings must not pollute stdout")
	assert.Equal(t, "WARN: store missing\n", errOut)
}

func TestError_PlainGoesToStderr(t *testing.T) {
	forcePlain(t, true)

	var errOut string
	out := captureStdout(t, func() {
		errOut = captureStderr(t, func() {
			Error("restore failed")
		})
	})

	assert.Empty(t, out)
	assert.Equal(t, "ERROR: restore failed\n", errOut)
}

func TestTitleAndMuted_SuppressedInPlain(t *testing.T) {
	forcePlain(t, true)

	out := captureStdout(t, func() {
		Title("Databases")
		Muted("3 stores configured")
	})

	assert.Empty(t, out, "decorative lines are dropped for pipelines")
}

func TestKeyValue_Plain(t *testing.T) {
	forcePlain(t, true)

	out := captureStdout(t, func() {
		KeyValue("size", "148 MB")
	})

	assert.Equal(t, "size=148 MB\n", out)
}

func TestInfo_Plain(t *testing.T) {
	forcePlain(t, true)

	out := captureStdout(t, func() {
		Info("scanning backups directory")
	})

	assert.Equal(t, "scanning backups directory\n", out)
}

func TestBox_Plain(t *testing.T) {
	forcePlain(t, true)

	out := captureStdout(t, func() {
		Box("Manifest", "2 stores, 148 MB")
	})

	assert.Equal(t, "Manifest: 2 stores, 148 MB\n", out)
}

func TestWarningBox_PlainGoesToStderr(t *testing.T) {
	forcePlain(t, true)

	errOut := captureStderr(t, func() {
		WarningBox("Dry Run", "no files were deleted")
	})

	assert.Equal(t, "WARN Dry Run: no files were deleted\n", errOut)
}

func TestIconRender_PlainIsBareRune(t *testing.T) {
	forcePlain(t, true)

	assert.Equal(t, "✓", IconSuccess.Render())
	assert.Equal(t, "✗", IconError.Render())
}

// =============================================================================
// STYLED MODE TESTS
// =============================================================================

// Styled output still carries the message text whether or not lipgloss
// decides the terminal supports color, so assertions stay on content.

func TestSuccess_StyledContainsTextAndIcon(t *testing.T) {
	forcePlain(t, false)

	out := captureStdout(t, func() {
		Success("backup complete")
	})

	assert.Contains(t, out, "backup complete")
	assert.Contains(t, out, "✓")
	assert.NotContains(t, out, "OK:")
}

func TestWarning_StyledStaysOnStdout(t *testing.T) {
	forcePlain(t, false)

	errOut := captureStderr(t, func() {
		out := captureStdout(t, func() {
			Warning("store missing")
		})
		assert.Contains(t, out, "store missing")
		assert.Contains(t, out, "⚠")
	})

	assert.Empty(t, errOut)
}

func TestTitle_StyledPrints(t *testing.T) {
	forcePlain(t, false)

	out := captureStdout(t, func() {
		Title("Databases")
	})

	assert.Contains(t, out, "Databases")
}

func TestKeyValue_StyledAligns(t *testing.T) {
	forcePlain(t, false)

	out := captureStdout(t, func() {
		KeyValue("size", "148 MB")
	})

	assert.Contains(t, out, "size:")
	assert.Contains(t, out, "148 MB")
}

func TestBox_StyledContainsTitleAndContent(t *testing.T) {
	forcePlain(t, false)

	out := captureStdout(t, func() {
		Box("Manifest", "2 stores, 148 MB")
	})

	assert.Contains(t, out, "Manifest")
	assert.Contains(t, out, "2 stores, 148 MB")
}
