// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contextengine

import (
	"strings"
	"unicode"
)

// stopWords are dropped during tokenization. Deliberately short: the
// scorer's idf already downweights ubiquitous terms, this list only
// removes glue words that would otherwise dominate tf counts.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "not": {}, "with": {}, "that": {},
	"this": {}, "from": {}, "are": {}, "was": {}, "were": {}, "what": {},
	"how": {}, "can": {}, "you": {}, "all": {}, "get": {}, "set": {},
	"def": {}, "func": {}, "class": {}, "return": {}, "import": {},
	"self": {}, "none": {}, "null": {}, "true": {}, "false": {},
}

// Tokenize normalizes text into scoring terms.
//
// # Description
//
// CamelCase words are split at case boundaries, underscores become
// spaces, everything is lowercased, and tokens of length <= 2 or on
// the stop-word list are dropped. "parseHTTPRequest" tokenizes to
// ["parse", "http", "request"].
func Tokenize(text string) []string {
	split := splitCamel(text)
	split = strings.ReplaceAll(split, "_", " ")
	split = strings.ToLower(split)

	fields := strings.FieldsFunc(split, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// splitCamel inserts spaces at case boundaries: before an upper rune
// following a lower rune or digit, and before the last upper rune of
// an acronym run ("HTTPServer" -> "HTTP Server").
func splitCamel(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)

	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteRune(' ')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
