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
)

// =============================================================================
// Pattern Tables
// =============================================================================

// Pattern is one dangerous construct to detect in generated code.
type Pattern struct {
	// Name is the rule identifier, reported in issues.
	Name string

	// NodeType is the AST node type to match: call_expression for Go
	// and JS, call for Python. Empty matches any node.
	NodeType string

	// FuncNames trigger the rule when the called function matches one
	// of them exactly or as a dotted suffix.
	FuncNames []string

	// Severity grades the finding.
	Severity Severity

	// Message describes the problem.
	Message string

	// Suggestion describes the safer alternative.
	Suggestion string

	// Blocking findings fail validation unless the scanner runs in
	// warn-only mode.
	Blocking bool
}

// pythonPatterns covers the dynamic-execution call families rejected
// at the request boundary; generated code gets the same treatment.
func pythonPatterns() []Pattern {
	return []Pattern{
		{
			Name: "python-eval", NodeType: "call",
			FuncNames: []string{"eval"},
			Severity:  SeverityCritical,
			Message:   "eval() executes arbitrary expressions",
			Suggestion: "Parse the input explicitly (ast.literal_eval for " +
				"literals) instead of evaluating it",
			Blocking: true,
		},
		{
			Name: "python-exec", NodeType: "call",
			FuncNames:  []string{"exec"},
			Severity:   SeverityCritical,
			Message:    "exec() executes arbitrary statements",
			Suggestion: "Restructure so code is not built from data",
			Blocking:   true,
		},
		{
			Name: "python-dynamic-import", NodeType: "call",
			FuncNames:  []string{"__import__"},
			Severity:   SeverityHigh,
			Message:    "__import__() loads modules from runtime strings",
			Suggestion: "Use a static import or importlib with an allowlist",
			Blocking:   true,
		},
		{
			Name: "python-os-system", NodeType: "call",
			FuncNames:  []string{"os.system", "system"},
			Severity:   SeverityCritical,
			Message:    "os.system() runs a shell command",
			Suggestion: "Use subprocess.run with a list argv and shell=False",
			Blocking:   true,
		},
		{
			Name: "python-subprocess", NodeType: "call",
			FuncNames: []string{
				"subprocess.call", "subprocess.run", "subprocess.Popen",
				"subprocess.check_output", "subprocess.check_call",
			},
			Severity:   SeverityHigh,
			Message:    "subprocess spawns external processes",
			Suggestion: "Avoid process execution in generated code",
			Blocking:   true,
		},
		{
			Name: "python-pickle", NodeType: "call",
			FuncNames:  []string{"pickle.load", "pickle.loads"},
			Severity:   SeverityHigh,
			Message:    "pickle deserialization executes arbitrary code",
			Suggestion: "Use json for untrusted data",
			Blocking:   false,
		},
	}
}

func goPatterns() []Pattern {
	return []Pattern{
		{
			Name: "go-exec-command", NodeType: "call_expression",
			FuncNames:  []string{"exec.Command", "exec.CommandContext"},
			Severity:   SeverityHigh,
			Message:    "os/exec spawns external processes",
			Suggestion: "Avoid process execution in generated code",
			Blocking:   true,
		},
		{
			Name: "go-unsafe-pointer", NodeType: "call_expression",
			FuncNames:  []string{"unsafe.Pointer"},
			Severity:   SeverityHigh,
			Message:    "unsafe.Pointer bypasses type safety",
			Suggestion: "Stay within the type system",
			Blocking:   false,
		},
		{
			Name: "go-syscall", NodeType: "call_expression",
			FuncNames:  []string{"syscall.Syscall", "syscall.Exec"},
			Severity:   SeverityHigh,
			Message:    "raw syscalls escape the runtime",
			Suggestion: "Use the standard library wrappers",
			Blocking:   true,
		},
	}
}

func jsPatterns() []Pattern {
	return []Pattern{
		{
			Name: "js-eval", NodeType: "call_expression",
			FuncNames:  []string{"eval"},
			Severity:   SeverityCritical,
			Message:    "eval() executes arbitrary expressions",
			Suggestion: "Use JSON.parse or explicit dispatch",
			Blocking:   true,
		},
		{
			Name: "js-function-constructor", NodeType: "new_expression",
			FuncNames:  []string{"Function"},
			Severity:   SeverityCritical,
			Message:    "new Function() compiles code from strings",
			Suggestion: "Define functions statically",
			Blocking:   true,
		},
		{
			Name: "js-child-process", NodeType: "call_expression",
			FuncNames: []string{
				"child_process.exec", "child_process.execSync",
				"child_process.spawn", "execSync",
			},
			Severity:   SeverityHigh,
			Message:    "child_process spawns external processes",
			Suggestion: "Avoid process execution in generated code",
			Blocking:   true,
		},
	}
}

// =============================================================================
// Security Scanner
// =============================================================================

// SecurityScanner walks the artifact's AST and reports dangerous call
// patterns. Matching on parsed calls rather than raw text keeps
// mentions inside comments and string literals from triggering.
//
// # Thread Safety
//
// Safe for concurrent use; pattern tables are read-only and parsers
// are created per call.
type SecurityScanner struct {
	warnOnly bool
	patterns map[string][]Pattern
}

// NewSecurityScanner creates the scanner. With warnOnly, findings are
// reported but never fail validation.
func NewSecurityScanner(warnOnly bool) *SecurityScanner {
	return &SecurityScanner{
		warnOnly: warnOnly,
		patterns: map[string][]Pattern{
			"go":         goPatterns(),
			"python":     pythonPatterns(),
			"javascript": jsPatterns(),
			"typescript": jsPatterns(),
		},
	}
}

// Name identifies the validator.
func (s *SecurityScanner) Name() string { return "security" }

// Validate scans Code for the language's dangerous patterns.
func (s *SecurityScanner) Validate(ctx context.Context, art *Artifact) Result {
	lang := normalizeLanguage(art.Language)
	patterns, ok := s.patterns[lang]
	if !ok {
		return Result{Status: StatusSkipped, Output: fmt.Sprintf("no patterns for language %q", art.Language)}
	}
	if strings.TrimSpace(art.Code) == "" {
		return Result{Status: StatusSkipped, Output: "empty code artifact"}
	}

	issues, err := s.scan(ctx, []byte(art.Code), lang, patterns)
	if err != nil {
		return Result{Status: StatusSkipped, Output: "scan failed: " + err.Error()}
	}

	blocking := 0
	for _, issue := range issues {
		if issue.Blocking {
			blocking++
		}
	}

	if blocking > 0 && !s.warnOnly {
		return Result{
			Status: StatusFailed,
			Output: fmt.Sprintf("%d dangerous pattern(s)", blocking),
			Issues: issues,
		}
	}
	if len(issues) > 0 {
		return Result{
			Status: StatusPassed,
			Output: fmt.Sprintf("%d non-blocking finding(s)", len(issues)),
			Issues: issues,
		}
	}
	return Result{Status: StatusPassed}
}

// =============================================================================
// Private Methods
// =============================================================================

// scan parses the source and walks every node against the table.
func (s *SecurityScanner) scan(ctx context.Context, source []byte, lang string, patterns []Pattern) ([]Issue, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammarFor(lang))

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var issues []Issue
	s.walk(tree.RootNode(), source, lang, patterns, &issues)
	return issues, nil
}

func (s *SecurityScanner) walk(node *sitter.Node, source []byte, lang string, patterns []Pattern, issues *[]Issue) {
	if node == nil {
		return
	}
	s.match(node, source, lang, patterns, issues)
	for i := uint32(0); i < node.ChildCount(); i++ {
		s.walk(node.Child(int(i)), source, lang, patterns, issues)
	}
}

func (s *SecurityScanner) match(node *sitter.Node, source []byte, lang string, patterns []Pattern, issues *[]Issue) {
	nodeType := node.Type()
	for _, p := range patterns {
		if p.NodeType != "" && p.NodeType != nodeType {
			continue
		}
		callee := calleeName(node, source)
		if callee == "" || !matchesFuncName(callee, p.FuncNames) {
			continue
		}
		*issues = append(*issues, Issue{
			Pattern:    p.Name,
			Line:       int(node.StartPoint().Row) + 1,
			Severity:   p.Severity,
			Message:    p.Message,
			Suggestion: p.Suggestion,
			Blocking:   p.Blocking,
		})
	}
}

// calleeName extracts the called function's text from a call-class
// node. Both the Go/JS and Python grammars expose it under the
// "function"/"constructor" field.
func calleeName(node *sitter.Node, source []byte) string {
	for _, field := range []string{"function", "constructor"} {
		if fn := node.ChildByFieldName(field); fn != nil {
			return string(source[fn.StartByte():fn.EndByte()])
		}
	}
	return ""
}

// matchesFuncName accepts an exact match or a dotted-suffix match, so
// "os.system" fires for both the pattern "os.system" and "system".
func matchesFuncName(callee string, names []string) bool {
	for _, name := range names {
		if callee == name || strings.HasSuffix(callee, "."+name) {
			return true
		}
	}
	return false
}
