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
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// =============================================================================
// Patch Application
// =============================================================================

// PatchStats summarizes a parsed patch.
type PatchStats struct {
	LinesAdded    int `json:"lines_added"`
	LinesRemoved  int `json:"lines_removed"`
	FilesAffected int `json:"files_affected"`
}

// ParsePatch parses a unified diff.
func ParsePatch(patch string) ([]*diff.FileDiff, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}
	if len(fileDiffs) == 0 {
		return nil, fmt.Errorf("parse patch: no file diffs found")
	}
	return fileDiffs, nil
}

// StatsOf counts changed lines across the parsed diff.
func StatsOf(fileDiffs []*diff.FileDiff) PatchStats {
	stats := PatchStats{FilesAffected: len(fileDiffs)}
	for _, fd := range fileDiffs {
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
					stats.LinesAdded++
				case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
					stats.LinesRemoved++
				}
			}
		}
	}
	return stats
}

// ApplyPatch applies a single-file unified diff to an in-memory
// artifact and returns the patched text.
//
// # Description
//
// The fixing stage repairs one generated artifact at a time, so the
// patch must contain exactly one file diff. Hunks are applied in
// order; every context and removal line is verified against the
// original, and any mismatch aborts the application. Model-produced
// diffs drift often enough that a silent mis-application is worse
// than falling back to full regeneration.
//
// # Inputs
//
//   - original: the current artifact text.
//   - patch: a unified diff against it.
//
// # Outputs
//
//   - string: the patched text.
//   - error: parse failures, multi-file patches, and hunk mismatches.
func ApplyPatch(original, patch string) (string, error) {
	fileDiffs, err := ParsePatch(patch)
	if err != nil {
		return "", err
	}
	if len(fileDiffs) != 1 {
		return "", fmt.Errorf("apply patch: expected one file diff, got %d", len(fileDiffs))
	}
	return applyFileDiff(original, fileDiffs[0])
}

// applyFileDiff replays one file's hunks over the original lines.
func applyFileDiff(original string, fd *diff.FileDiff) (string, error) {
	origLines := strings.Split(original, "\n")
	var out []string
	cursor := 0 // next unconsumed original line

	for i, hunk := range fd.Hunks {
		start := int(hunk.OrigStartLine) - 1
		if start < 0 {
			start = 0
		}
		if start < cursor || start > len(origLines) {
			return "", fmt.Errorf("apply patch: hunk %d starts at line %d, out of range", i+1, hunk.OrigStartLine)
		}
		out = append(out, origLines[cursor:start]...)
		cursor = start

		for _, line := range strings.Split(strings.TrimSuffix(string(hunk.Body), "\n"), "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				out = append(out, line[1:])
			case strings.HasPrefix(line, "-"):
				want := line[1:]
				if cursor >= len(origLines) || origLines[cursor] != want {
					return "", fmt.Errorf("apply patch: hunk %d removal mismatch at line %d", i+1, cursor+1)
				}
				cursor++
			case strings.HasPrefix(line, " "), line == "":
				want := strings.TrimPrefix(line, " ")
				if cursor >= len(origLines) || origLines[cursor] != want {
					return "", fmt.Errorf("apply patch: hunk %d context mismatch at line %d", i+1, cursor+1)
				}
				out = append(out, origLines[cursor])
				cursor++
			case strings.HasPrefix(line, "\\"):
				// "\ No newline at end of file" markers carry no content.
			default:
				return "", fmt.Errorf("apply patch: hunk %d has malformed line %q", i+1, line)
			}
		}
	}

	out = append(out, origLines[cursor:]...)
	return strings.Join(out, "\n"), nil
}
