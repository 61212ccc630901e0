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
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ChunkKind classifies what a chunk contains.
type ChunkKind string

const (
	// ChunkKindModule is file-level code outside any definition
	// (imports, constants, top-level statements).
	ChunkKindModule ChunkKind = "module"

	// ChunkKindClass is a class or type definition with its body.
	ChunkKindClass ChunkKind = "class"

	// ChunkKindFunction is a function definition with its body.
	ChunkKindFunction ChunkKind = "function"
)

// CodeChunk is one indexed slice of a source file.
//
// # Description
//
// Chunks are the retrieval unit of the context engine: a class, a
// function, or a run of module-level code, with enough metadata
// (name, signature, docstring) for the scorer to boost matches on
// the parts developers actually search by.
//
// The ID is "path:start-end", with a ":partN" suffix when an
// oversized chunk was split. Line numbers are 1-based and inclusive.
type CodeChunk struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	Kind      ChunkKind `json:"kind"`
	Name      string    `json:"name"`
	Signature string    `json:"signature,omitempty"`
	Docstring string    `json:"docstring,omitempty"`
	Text      string    `json:"text"`
}

// EstimatedTokens approximates the chunk's prompt cost at four
// characters per token.
func (c *CodeChunk) EstimatedTokens() int {
	return len(c.Text) / 4
}

// IsPart reports whether this chunk is a split part of a larger one.
func (c *CodeChunk) IsPart() bool {
	return strings.Contains(c.ID, ":part")
}

// langSpec holds the definition-line patterns for one language.
// The first submatch is the indentation, the second the name.
type langSpec struct {
	classRe *regexp.Regexp
	funcRe  *regexp.Regexp

	// docstring style: "python" (triple-quoted first statement) or
	// "comment" (contiguous comment lines above the definition).
	docStyle string
}

var langSpecs = map[string]langSpec{
	".py": {
		classRe:  regexp.MustCompile(`^(\s*)class\s+([A-Za-z_]\w*)`),
		funcRe:   regexp.MustCompile(`^(\s*)(?:async\s+)?def\s+([A-Za-z_]\w*)`),
		docStyle: "python",
	},
	".go": {
		classRe:  regexp.MustCompile(`^(\s*)type\s+([A-Za-z_]\w*)\s+(?:struct|interface)\b`),
		funcRe:   regexp.MustCompile(`^(\s*)func\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)`),
		docStyle: "comment",
	},
	".js": {
		classRe:  regexp.MustCompile(`^(\s*)(?:export\s+)?(?:default\s+)?class\s+([A-Za-z_$][\w$]*)`),
		funcRe:   regexp.MustCompile(`^(\s*)(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)`),
		docStyle: "comment",
	},
}

func init() {
	// JS-family extensions share one spec.
	js := langSpecs[".js"]
	for _, ext := range []string{".jsx", ".ts", ".tsx", ".mjs"} {
		langSpecs[ext] = js
	}
}

// Chunker slices source files into retrieval chunks.
//
// # Description
//
// Definition lines (class/function per the language table) open a
// chunk; the block ends at the first non-blank line whose indentation
// drops back to the definition's level. Runs of top-level code between
// definitions become module chunks. Chunks whose estimated token count
// exceeds maxChunkTokens are split into part-numbered siblings; only
// part 1 keeps the signature and docstring.
//
// # Thread Safety
//
// Chunker is stateless after construction and safe for concurrent use.
//
// # Limitations
//
//   - Block-end detection is indentation-based, so a brace style that
//     keeps bodies at the definition's indent level folds into the
//     surrounding module chunk.
//   - A single source line longer than the split threshold stays whole;
//     the resulting part can exceed maxChunkTokens.
type Chunker struct {
	maxChunkTokens int
}

// NewChunker builds a chunker with the given split threshold.
func NewChunker(maxChunkTokens int) *Chunker {
	if maxChunkTokens <= 0 {
		maxChunkTokens = 500
	}
	return &Chunker{maxChunkTokens: maxChunkTokens}
}

// ChunkFile splits one file's source text into chunks.
//
// # Inputs
//
//   - path: file path used in chunk IDs (relative to the project root).
//   - source: full file contents.
//
// # Outputs
//
//   - []CodeChunk: chunks in source order. Empty for blank files and
//     extensions the table doesn't know.
func (c *Chunker) ChunkFile(path, source string) []CodeChunk {
	spec, ok := langSpecs[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil
	}

	lines := strings.Split(source, "\n")
	var chunks []CodeChunk

	// moduleStart tracks the pending run of top-level lines that are
	// not inside any definition block.
	moduleStart := 0

	flushModule := func(end int) {
		if ch, ok := c.buildModuleChunk(path, lines, moduleStart, end); ok {
			chunks = append(chunks, ch)
		}
	}

	i := 0
	for i < len(lines) {
		kind, name, indent := matchDefinition(spec, lines[i])
		if kind == "" {
			i++
			continue
		}

		start := i
		if spec.docStyle == "comment" {
			start = pullLeadingComments(lines, i)
		}
		flushModule(start)

		end := blockEnd(lines, i, indent)
		ch := CodeChunk{
			ID:        chunkID(path, start+1, end),
			Path:      path,
			StartLine: start + 1,
			EndLine:   end,
			Kind:      kind,
			Name:      name,
			Signature: strings.TrimSpace(lines[i]),
			Docstring: extractDocstring(spec, lines, start, i, end),
			Text:      strings.Join(lines[start:end], "\n"),
		}
		chunks = append(chunks, ch)

		i = end
		moduleStart = end
	}
	flushModule(len(lines))

	return c.splitOversized(chunks)
}

// buildModuleChunk turns lines[start:end] into a module chunk when the
// run has any non-blank content.
func (c *Chunker) buildModuleChunk(path string, lines []string, start, end int) (CodeChunk, bool) {
	if start >= end {
		return CodeChunk{}, false
	}
	text := strings.Join(lines[start:end], "\n")
	if strings.TrimSpace(text) == "" {
		return CodeChunk{}, false
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return CodeChunk{
		ID:        chunkID(path, start+1, end),
		Path:      path,
		StartLine: start + 1,
		EndLine:   end,
		Kind:      ChunkKindModule,
		Name:      name,
		Text:      text,
	}, true
}

// splitOversized replaces any chunk above the token threshold with
// part-numbered siblings. Parts split on line boundaries, so a part
// holding one enormous line may still exceed the threshold; its id
// marks it as a part either way.
func (c *Chunker) splitOversized(chunks []CodeChunk) []CodeChunk {
	out := make([]CodeChunk, 0, len(chunks))
	for _, ch := range chunks {
		if ch.EstimatedTokens() <= c.maxChunkTokens {
			out = append(out, ch)
			continue
		}
		out = append(out, c.splitChunk(ch)...)
	}
	return out
}

func (c *Chunker) splitChunk(ch CodeChunk) []CodeChunk {
	maxChars := c.maxChunkTokens * 4
	lines := strings.Split(ch.Text, "\n")

	var parts []CodeChunk
	partStart := 0
	partChars := 0

	flush := func(end int) {
		if partStart >= end {
			return
		}
		n := len(parts) + 1
		part := CodeChunk{
			ID:        fmt.Sprintf("%s:part%d", ch.ID, n),
			Path:      ch.Path,
			StartLine: ch.StartLine + partStart,
			EndLine:   ch.StartLine + end - 1,
			Kind:      ch.Kind,
			Name:      ch.Name,
			Text:      strings.Join(lines[partStart:end], "\n"),
		}
		if n == 1 {
			part.Signature = ch.Signature
			part.Docstring = ch.Docstring
		}
		parts = append(parts, part)
	}

	for i, line := range lines {
		lineChars := len(line) + 1
		if partChars > 0 && partChars+lineChars > maxChars {
			flush(i)
			partStart = i
			partChars = 0
		}
		partChars += lineChars
	}
	flush(len(lines))

	return parts
}

// matchDefinition reports the chunk kind, name, and indentation width
// of a definition line, or "" when the line opens no block.
func matchDefinition(spec langSpec, line string) (ChunkKind, string, int) {
	if m := spec.classRe.FindStringSubmatch(line); m != nil {
		return ChunkKindClass, m[2], len(m[1])
	}
	if m := spec.funcRe.FindStringSubmatch(line); m != nil {
		return ChunkKindFunction, m[2], len(m[1])
	}
	return "", "", 0
}

// blockEnd returns the exclusive end index of the block opened at
// defLine: the first subsequent non-blank line whose indentation does
// not exceed the definition's. Trailing blank lines are excluded.
func blockEnd(lines []string, defLine, defIndent int) int {
	end := defLine + 1
	for i := defLine + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if indentWidth(lines[i]) <= defIndent {
			break
		}
		end = i + 1
	}
	return end
}

func indentWidth(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}

// pullLeadingComments walks back from a definition over contiguous
// comment lines so they join the chunk as its doc block.
func pullLeadingComments(lines []string, defLine int) int {
	start := defLine
	for start > 0 {
		trimmed := strings.TrimSpace(lines[start-1])
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "*") ||
			strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "#") {
			start--
			continue
		}
		break
	}
	return start
}

// extractDocstring pulls the documentation text for a definition:
// the first triple-quoted statement of the body for Python, or the
// comment block above the definition otherwise.
func extractDocstring(spec langSpec, lines []string, chunkStart, defLine, end int) string {
	switch spec.docStyle {
	case "python":
		return pythonDocstring(lines, defLine, end)
	case "comment":
		if chunkStart >= defLine {
			return ""
		}
		var doc []string
		for _, l := range lines[chunkStart:defLine] {
			t := strings.TrimSpace(l)
			t = strings.TrimPrefix(t, "/*")
			t = strings.TrimSuffix(t, "*/")
			t = strings.TrimPrefix(t, "//")
			t = strings.TrimPrefix(t, "*")
			t = strings.TrimPrefix(t, "#")
			doc = append(doc, strings.TrimSpace(t))
		}
		return strings.TrimSpace(strings.Join(doc, " "))
	}
	return ""
}

func pythonDocstring(lines []string, defLine, end int) string {
	for i := defLine + 1; i < end; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		var quote string
		switch {
		case strings.HasPrefix(trimmed, `"""`):
			quote = `"""`
		case strings.HasPrefix(trimmed, "'''"):
			quote = "'''"
		default:
			return ""
		}

		body := strings.TrimPrefix(trimmed, quote)
		if idx := strings.Index(body, quote); idx >= 0 {
			return strings.TrimSpace(body[:idx])
		}
		doc := []string{strings.TrimSpace(body)}
		for j := i + 1; j < end; j++ {
			line := lines[j]
			if idx := strings.Index(line, quote); idx >= 0 {
				doc = append(doc, strings.TrimSpace(line[:idx]))
				return strings.TrimSpace(strings.Join(doc, " "))
			}
			doc = append(doc, strings.TrimSpace(line))
		}
		return strings.TrimSpace(strings.Join(doc, " "))
	}
	return ""
}

func chunkID(path string, start, end int) string {
	return fmt.Sprintf("%s:%d-%d", path, start, end)
}
