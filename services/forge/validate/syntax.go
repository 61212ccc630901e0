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
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// =============================================================================
// Syntax Validator
// =============================================================================

// SyntaxValidator parses the artifact with tree-sitter and fails on
// ERROR or missing nodes.
//
// # Thread Safety
//
// Safe for concurrent use; a parser is created per call.
type SyntaxValidator struct{}

// NewSyntaxValidator creates the syntax validator.
func NewSyntaxValidator() *SyntaxValidator {
	return &SyntaxValidator{}
}

// Name identifies the validator.
func (v *SyntaxValidator) Name() string { return "syntax" }

// Validate parses Code (and Tests, when present) for the artifact's
// language. Unknown languages and empty code report skipped.
func (v *SyntaxValidator) Validate(ctx context.Context, art *Artifact) Result {
	lang := normalizeLanguage(art.Language)
	if lang == "" {
		return Result{Status: StatusSkipped, Output: fmt.Sprintf("no parser for language %q", art.Language)}
	}
	if strings.TrimSpace(art.Code) == "" {
		return Result{Status: StatusSkipped, Output: "empty code artifact"}
	}

	var issues []Issue
	issues = append(issues, parseSource(ctx, []byte(art.Code), lang, "code")...)
	if strings.TrimSpace(art.Tests) != "" {
		issues = append(issues, parseSource(ctx, []byte(art.Tests), lang, "tests")...)
	}
	if ctx.Err() != nil {
		return Result{Status: StatusSkipped, Output: "cancelled: " + ctx.Err().Error()}
	}

	if len(issues) > 0 {
		return Result{
			Status: StatusFailed,
			Output: fmt.Sprintf("%d syntax error(s)", len(issues)),
			Issues: issues,
		}
	}
	return Result{Status: StatusPassed}
}

// =============================================================================
// Private Methods
// =============================================================================

// parseSource parses one source text and reports each error node.
func parseSource(ctx context.Context, source []byte, lang, part string) []Issue {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammarFor(lang))

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		// Parser failure (cancellation included) is not a finding.
		return nil
	}
	defer tree.Close()

	var issues []Issue
	collectSyntaxErrors(tree.RootNode(), part, &issues)
	return issues
}

// grammarFor returns the tree-sitter grammar for a normalized key.
func grammarFor(lang string) *sitter.Language {
	switch lang {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		return typescript.GetLanguage()
	default:
		return nil
	}
}

// collectSyntaxErrors walks the tree appending one issue per error or
// missing node. Children of an error node are not descended; one
// finding per broken region is enough for the debug stage.
func collectSyntaxErrors(node *sitter.Node, part string, issues *[]Issue) {
	if node == nil {
		return
	}
	if node.IsError() || node.IsMissing() {
		kind := "syntax error"
		if node.IsMissing() {
			kind = "missing " + node.Type()
		}
		*issues = append(*issues, Issue{
			Pattern:  "syntax",
			Line:     int(node.StartPoint().Row) + 1,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("%s in %s", kind, part),
			Blocking: true,
		})
		return
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		collectSyntaxErrors(node.Child(int(i)), part, issues)
	}
}
