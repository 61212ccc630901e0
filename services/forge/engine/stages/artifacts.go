// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"strings"
)

// =============================================================================
// Code Extraction
// =============================================================================

// extractCode pulls the first fenced code block out of an LLM response.
//
// Returns the fence's language tag (lowercased, may be empty) and the
// block body. Responses without a fence are treated as bare code after
// trimming, which several local models emit despite instructions.
func extractCode(text string) (lang, code string) {
	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if start == -1 {
				start = i
				lang = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
				continue
			}
			return lang, strings.Join(lines[start+1:i], "\n")
		}
	}
	if start != -1 {
		// Opened but never closed; take everything after the fence.
		return lang, strings.Join(lines[start+1:], "\n")
	}
	return "", strings.TrimSpace(text)
}

// =============================================================================
// Language Detection
// =============================================================================

// extensionLanguages maps request extension filters to validator
// language tags.
var extensionLanguages = map[string]string{
	".go":  "go",
	".py":  "python",
	".js":  "javascript",
	".jsx": "javascript",
	".ts":  "typescript",
	".tsx": "typescript",
}

// languageCues maps task-text keywords to languages, checked in order.
var languageCues = []struct {
	cue  string
	lang string
}{
	{"golang", "go"},
	{" go ", "go"},
	{"python", "python"},
	{"typescript", "typescript"},
	{"javascript", "javascript"},
	{"node.js", "javascript"},
	{"nodejs", "javascript"},
}

// detectLanguage resolves the artifact language, most reliable signal
// first: the code fence tag, then the request's extension filter, then
// task-text cues. Unknown stays empty, which the validators treat as
// "skip the parsers".
func detectLanguage(fenceTag, task string, extensions []string) string {
	switch fenceTag {
	case "go", "golang":
		return "go"
	case "python", "py":
		return "python"
	case "javascript", "js":
		return "javascript"
	case "typescript", "ts":
		return "typescript"
	}

	for _, ext := range extensions {
		if lang, ok := extensionLanguages[strings.ToLower(ext)]; ok {
			return lang
		}
	}

	lower := " " + strings.ToLower(task) + " "
	for _, c := range languageCues {
		if strings.Contains(lower, c.cue) {
			return c.lang
		}
	}
	return ""
}

// =============================================================================
// Plan Normalization
// =============================================================================

// planMarkers are the headings a plan must carry, in the request's
// language; the English set covers the Russian prompts too because the
// plan prompt asks for these exact headings.
var planMarkers = []string{"PLAN", "MAIN", "STEP", "APPROACH", "ПЛАН", "ШАГ", "ПОДХОД"}

// hasPlanMarker reports whether the text contains a recognized plan
// heading.
func hasPlanMarker(text string) bool {
	upper := strings.ToUpper(text)
	for _, m := range planMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

// ensurePlanMarkers normalizes a plan so downstream consumers can rely
// on the heading invariant even when the model ignored the format.
func ensurePlanMarkers(text string) string {
	text = strings.TrimSpace(text)
	if text == "" || hasPlanMarker(text) {
		return text
	}
	return "PLAN:\n" + text
}
