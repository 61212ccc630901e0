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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Patch Application
// =============================================================================

const fixSignPatch = `--- a/solution.py
+++ b/solution.py
@@ -1,3 +1,3 @@
 def add(a, b):
-    return a - b
+    return a + b
 print(add(1, 2))
`

func TestApplyPatch_RepairsArtifact(t *testing.T) {
	original := "def add(a, b):\n    return a - b\nprint(add(1, 2))"

	patched, err := ApplyPatch(original, fixSignPatch)

	require.NoError(t, err)
	assert.Equal(t, "def add(a, b):\n    return a + b\nprint(add(1, 2))", patched)
}

func TestApplyPatch_PreservesSurroundingLines(t *testing.T) {
	original := "# header\ndef add(a, b):\n    return a - b\nprint(add(1, 2))\n# footer"
	patch := `--- a/solution.py
+++ b/solution.py
@@ -2,2 +2,2 @@
 def add(a, b):
-    return a - b
+    return a + b
`

	patched, err := ApplyPatch(original, patch)

	require.NoError(t, err)
	assert.Equal(t, "# header\ndef add(a, b):\n    return a + b\nprint(add(1, 2))\n# footer", patched)
}

func TestApplyPatch_ContextMismatchFails(t *testing.T) {
	// The artifact drifted since the patch was produced.
	original := "def add(a, b):\n    return a * b\nprint(add(1, 2))"

	_, err := ApplyPatch(original, fixSignPatch)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}

func TestApplyPatch_RejectsMultiFilePatches(t *testing.T) {
	patch := `--- a/one.py
+++ b/one.py
@@ -1,1 +1,1 @@
-x = 1
+x = 2
--- a/two.py
+++ b/two.py
@@ -1,1 +1,1 @@
-y = 1
+y = 2
`

	_, err := ApplyPatch("x = 1", patch)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected one file diff")
}

func TestApplyPatch_MalformedPatchFails(t *testing.T) {
	_, err := ApplyPatch("x = 1", "this is not a diff")
	require.Error(t, err)
}

func TestApplyPatch_AdditionOnlyHunk(t *testing.T) {
	original := "def add(a, b):\n    return a + b"
	patch := `--- a/solution.py
+++ b/solution.py
@@ -1,2 +1,4 @@
+import math
+
 def add(a, b):
     return a + b
`

	patched, err := ApplyPatch(original, patch)

	require.NoError(t, err)
	assert.Equal(t, "import math\n\ndef add(a, b):\n    return a + b", patched)
}

// =============================================================================
// Patch Stats
// =============================================================================

func TestStatsOf_CountsChanges(t *testing.T) {
	fileDiffs, err := ParsePatch(fixSignPatch)
	require.NoError(t, err)

	stats := StatsOf(fileDiffs)

	assert.Equal(t, 1, stats.FilesAffected)
	assert.Equal(t, 1, stats.LinesAdded)
	assert.Equal(t, 1, stats.LinesRemoved)
}

func TestParsePatch_EmptyInputFails(t *testing.T) {
	_, err := ParsePatch("")
	require.Error(t, err)
}
