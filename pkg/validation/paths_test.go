// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestValidateModelName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "llama3", false},
		{"with tag", "qwen2.5-coder:7b", false},
		{"openai style", "gpt-4o", false},
		{"underscores", "my_model_v2", false},
		{"empty", "", true},
		{"spaces", "llama 3", true},
		{"shell metachars", "model;rm -rf /", true},
		{"path injection", "../model", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModelName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateModelName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFilePath_InsideRoot(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "src", "main.go")
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("package main"), 0640); err != nil {
		t.Fatal(err)
	}

	got, err := ValidateFilePath(target, root)
	if err != nil {
		t.Fatalf("ValidateFilePath failed: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("resolved path is not absolute: %q", got)
	}
}

func TestValidateFilePath_RelativeResolvedAgainstRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "file.txt"), []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	got, err := ValidateFilePath("file.txt", root)
	if err != nil {
		t.Fatalf("ValidateFilePath failed: %v", err)
	}
	want, _ := filepath.EvalSymlinks(filepath.Join(root, "file.txt"))
	if got != want {
		t.Errorf("resolved = %q, want %q", got, want)
	}
}

func TestValidateFilePath_TraversalRejected(t *testing.T) {
	root := t.TempDir()

	tests := []string{
		filepath.Join(root, "..", "escape.txt"),
		filepath.Join(root, "sub", "..", "..", "etc", "passwd"),
		"../outside.txt",
		"/etc/passwd",
	}

	for _, p := range tests {
		t.Run(p, func(t *testing.T) {
			_, err := ValidateFilePath(p, root)
			if err == nil {
				t.Fatalf("ValidateFilePath(%q) succeeded, want rejection", p)
			}
			if !errors.Is(err, ErrPathOutsideRoot) {
				t.Errorf("error = %v, want ErrPathOutsideRoot", err)
			}
		})
	}
}

func TestValidateFilePath_EmptyIsInvalid(t *testing.T) {
	root := t.TempDir()

	for _, p := range []string{"", "   ", "\x00bad"} {
		_, err := ValidateFilePath(p, root)
		if err == nil {
			t.Fatalf("ValidateFilePath(%q) succeeded, want rejection", p)
		}
		if !errors.Is(err, ErrPathInvalid) {
			t.Errorf("error = %v, want ErrPathInvalid", err)
		}
	}
}

func TestValidateFilePath_SymlinkEscapeRejected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink test requires unix")
	}
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("s"), 0640); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "innocent.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Fatal(err)
	}

	_, err := ValidateFilePath(link, root)
	if err == nil {
		t.Fatal("symlink escaping the root was accepted")
	}
	if !errors.Is(err, ErrPathOutsideRoot) {
		t.Errorf("error = %v, want ErrPathOutsideRoot", err)
	}
}

func TestValidateFilePath_NonexistentOutputTarget(t *testing.T) {
	root := t.TempDir()

	// Output file in a directory that does not exist yet
	got, err := ValidateFilePath(filepath.Join(root, "out", "generated.go"), root)
	if err != nil {
		t.Fatalf("ValidateFilePath failed for nonexistent target: %v", err)
	}
	if got == "" {
		t.Error("resolved path is empty")
	}
}

func TestValidateFilePath_DirectoryRejected(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "pkg")
	if err := os.Mkdir(sub, 0750); err != nil {
		t.Fatal(err)
	}

	_, err := ValidateFilePath(sub, root)
	if err == nil {
		t.Fatal("directory accepted as file path")
	}
	if !errors.Is(err, ErrPathInvalid) {
		t.Errorf("error = %v, want ErrPathInvalid", err)
	}
}

func TestValidateDirectoryPath(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "pkg")
	if err := os.Mkdir(sub, 0750); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(root, "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	if _, err := ValidateDirectoryPath(sub, root); err != nil {
		t.Errorf("valid directory rejected: %v", err)
	}
	if _, err := ValidateDirectoryPath(file, root); err == nil {
		t.Error("file accepted as directory path")
	}
	if _, err := ValidateDirectoryPath(filepath.Join(root, "..", "x"), root); !errors.Is(err, ErrPathOutsideRoot) {
		t.Errorf("traversal error = %v, want ErrPathOutsideRoot", err)
	}
}

func TestValidateDirectoryPath_RootItself(t *testing.T) {
	root := t.TempDir()

	got, err := ValidateDirectoryPath(root, root)
	if err != nil {
		t.Fatalf("project root rejected: %v", err)
	}
	want, _ := filepath.EvalSymlinks(root)
	if got != want {
		t.Errorf("resolved = %q, want %q", got, want)
	}
}

func TestValidateFilePath_DefaultRootIsCwd(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	// A file under the working directory passes with an empty root.
	got, err := ValidateFilePath(filepath.Join(wd, "paths.go"), "")
	if err != nil {
		t.Fatalf("ValidateFilePath with default root failed: %v", err)
	}
	if got == "" {
		t.Error("resolved path is empty")
	}

	// Escaping the working directory fails.
	if _, err := ValidateFilePath("/etc/passwd", ""); !errors.Is(err, ErrPathOutsideRoot) {
		t.Errorf("error = %v, want ErrPathOutsideRoot", err)
	}
}
