// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// file paths, database queries, or subprocess calls. Using these validators
// prevents injection attacks (command injection, path traversal).
package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Sentinel errors for the path guard. Callers map these to HTTP status
// classes: ErrPathInvalid is a 400-class failure, ErrPathOutsideRoot a
// 403-class failure.
var (
	// ErrPathInvalid marks empty or malformed path input.
	ErrPathInvalid = errors.New("invalid path")

	// ErrPathOutsideRoot marks a path that escapes the project root.
	ErrPathOutsideRoot = errors.New("path outside project root")
)

// modelNamePattern matches valid model identifiers.
// Allows: letters, digits, colons (llama3:8b), underscores, dots, hyphens.
var modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9:_.\-]+$`)

// ValidateModelName validates an LLM model identifier before it is used
// in runtime API calls or subprocess arguments.
//
// Valid names contain only letters, digits, colons, underscores, dots,
// and hyphens (e.g. "qwen2.5-coder:7b", "gpt-4o").
//
// Returns an error if the name is empty or contains other characters.
func ValidateModelName(name string) error {
	if name == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if !modelNamePattern.MatchString(name) {
		return fmt.Errorf("invalid model name: %q (allowed: letters, digits, ':', '_', '.', '-')", name)
	}
	return nil
}

// ValidateFilePath resolves p and requires it to stay inside projectRoot.
//
// Resolution follows symlinks and collapses ".." segments, so neither
// "../../etc/passwd" nor a symlink pointing outside the root gets
// through. Relative paths are interpreted relative to projectRoot.
// The path itself does not have to exist (it may be an output target),
// but if it does exist it must not be a directory.
//
// Returns the resolved absolute path on success. Failures wrap
// ErrPathInvalid (empty or malformed input, unreadable root) or
// ErrPathOutsideRoot (containment violation).
//
// Example:
//
//	safe, err := validation.ValidateFilePath(userPath, req.ProjectPath)
//	if err != nil {
//	    return err // maps to 400 or 403 at the HTTP layer
//	}
//	data, err := os.ReadFile(safe)
func ValidateFilePath(p, projectRoot string) (string, error) {
	resolved, err := resolveUnderRoot(p, projectRoot)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return "", fmt.Errorf("%w: %q is a directory, expected a file", ErrPathInvalid, p)
	}
	return resolved, nil
}

// ValidateDirectoryPath resolves p and requires it to stay inside
// projectRoot, like ValidateFilePath, but if the path exists it must
// be a directory.
//
// Returns the resolved absolute path on success.
func ValidateDirectoryPath(p, projectRoot string) (string, error) {
	resolved, err := resolveUnderRoot(p, projectRoot)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
		return "", fmt.Errorf("%w: %q is a file, expected a directory", ErrPathInvalid, p)
	}
	return resolved, nil
}

// resolveUnderRoot performs the shared resolve-and-contain check.
//
// The root must exist. The candidate path is made absolute against the
// root, symlinks are followed as far as the filesystem allows, and the
// final absolute path must equal the root or live below it.
func resolveUnderRoot(p, projectRoot string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: path is empty", ErrPathInvalid)
	}
	if strings.ContainsRune(p, '\x00') {
		return "", fmt.Errorf("%w: path contains NUL byte", ErrPathInvalid)
	}
	if projectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("%w: cannot determine working directory: %v", ErrPathInvalid, err)
		}
		projectRoot = wd
	}

	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return "", fmt.Errorf("%w: bad project root %q: %v", ErrPathInvalid, projectRoot, err)
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("%w: project root %q not resolvable: %v", ErrPathInvalid, projectRoot, err)
	}

	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate, err = filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrPathInvalid, p, err)
	}

	// Follow symlinks where the path exists; nonexistent suffixes are
	// resolved lexically against their deepest existing ancestor so
	// output targets can be validated before creation.
	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrPathInvalid, p, err)
	}

	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves to %q", ErrPathOutsideRoot, p, resolved)
	}
	return resolved, nil
}

// resolveExisting follows symlinks on the longest existing prefix of
// path and re-joins the nonexistent remainder.
func resolveExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	dir := path
	var suffix []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			// Hit the filesystem root without finding anything.
			return path, nil
		}
		suffix = append([]string{filepath.Base(dir)}, suffix...)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, suffix...)...), nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
}
