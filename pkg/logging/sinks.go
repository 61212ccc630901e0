// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// File Sink (JSONL with rotation)
// =============================================================================

const (
	// DefaultMaxFileBytes is the rotation threshold for file sinks.
	DefaultMaxFileBytes = 10 * 1024 * 1024 // 10 MB

	// DefaultMaxBackups is how many rotated files a sink keeps.
	DefaultMaxBackups = 5
)

// FileSinkConfig configures a FileSink.
//
// A zero-value config is invalid; Path is required. All other fields
// have sensible defaults.
type FileSinkConfig struct {
	// Path is the active log file. Parent directories are created
	// with 0750 permissions. Supports ~ expansion.
	Path string

	// MaxBytes is the rotation threshold. When the active file would
	// exceed this size, it is rotated to Path.1 and a fresh file is
	// started. Default: DefaultMaxFileBytes.
	MaxBytes int64

	// MaxBackups is how many rotated files to keep (Path.1 .. Path.N).
	// Older backups are deleted. Default: DefaultMaxBackups.
	MaxBackups int
}

// FileSink writes events as JSON Lines with size-based rotation.
//
// Each event is one JSON object per line, matching the LogEvent schema.
// When the active file exceeds MaxBytes it is renamed to Path.1, prior
// backups shift up (Path.1 -> Path.2, ...), and the oldest beyond
// MaxBackups is removed.
//
// # Thread Safety
//
// FileSink serializes all writes through an internal mutex.
type FileSink struct {
	mu      sync.Mutex
	config  FileSinkConfig
	file    *os.File
	written int64
}

// NewFileSink opens (or creates) the log file and returns the sink.
//
// Parameters:
//   - config: See FileSinkConfig. Path is required.
//
// Returns:
//   - *FileSink: Ready-to-use sink
//   - error: Non-nil if the directory or file could not be created
func NewFileSink(config FileSinkConfig) (*FileSink, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("file sink: path is required")
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxFileBytes
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = DefaultMaxBackups
	}
	config.Path = expandPath(config.Path)

	if err := os.MkdirAll(filepath.Dir(config.Path), 0750); err != nil {
		return nil, fmt.Errorf("file sink: create log dir: %w", err)
	}

	sink := &FileSink{config: config}
	if err := sink.open(); err != nil {
		return nil, err
	}
	return sink, nil
}

// open opens the active file in append mode and records its size.
func (s *FileSink) open() error {
	file, err := os.OpenFile(s.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("file sink: open %s: %w", s.config.Path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("file sink: stat %s: %w", s.config.Path, err)
	}
	s.file = file
	s.written = info.Size()
	return nil
}

// Emit writes the event as one JSON line, rotating first if needed.
//
// Marshal or write errors are swallowed: the fabric must never take
// down the caller over a logging failure.
func (s *FileSink) Emit(event LogEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return
	}
	if s.written+int64(len(line)) > s.config.MaxBytes {
		s.rotate()
	}
	if n, err := s.file.Write(line); err == nil {
		s.written += int64(n)
	}
}

// rotate shifts backups up and starts a fresh active file.
// Caller must hold s.mu.
func (s *FileSink) rotate() {
	s.file.Close()
	s.file = nil

	// Shift: path.N-1 -> path.N, ..., path.1 -> path.2, path -> path.1
	oldest := fmt.Sprintf("%s.%d", s.config.Path, s.config.MaxBackups)
	os.Remove(oldest)
	for i := s.config.MaxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.config.Path, i)
		to := fmt.Sprintf("%s.%d", s.config.Path, i+1)
		os.Rename(from, to)
	}
	os.Rename(s.config.Path, s.config.Path+".1")

	// Reopen; on failure the sink goes dark rather than panicking.
	_ = s.open()
}

// Flush syncs the active file to disk.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// Close syncs and closes the active file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		s.file = nil
		return fmt.Errorf("file sink: sync: %w", err)
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Backups returns the rotated file paths that currently exist,
// newest first. Used by admin tooling to enumerate log archives.
func (s *FileSink) Backups() []string {
	var backups []string
	for i := 1; i <= s.config.MaxBackups; i++ {
		p := fmt.Sprintf("%s.%d", s.config.Path, i)
		if _, err := os.Stat(p); err == nil {
			backups = append(backups, p)
		}
	}
	return backups
}

var _ LogSink = (*FileSink)(nil)

// =============================================================================
// Console Sink
// =============================================================================

// Console level markers, colored when the destination is a terminal.
var (
	consoleDebugStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#2C4A54"))
	consoleInfoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#20B9B4"))
	consoleWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F4D03F"))
	consoleErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E74C3C"))
)

// ConsoleSink writes human-friendly lines with level-based markers.
//
// Output format:
//
//	15:04:05 ✗ [source/stage] message key=value ...
//
// Colors are applied only when the writer is a terminal; piping the
// output produces plain text.
//
// # Thread Safety
//
// ConsoleSink serializes writes through an internal mutex.
type ConsoleSink struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// NewConsoleSink creates a console sink writing to w.
//
// Color is enabled automatically when w is a *os.File attached to a
// terminal (detected via isatty), including Cygwin terminals.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	color := false
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		color = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
	return &ConsoleSink{w: w, color: color}
}

// Emit writes one formatted line.
func (s *ConsoleSink) Emit(event LogEvent) {
	var b strings.Builder
	b.WriteString(event.Timestamp.Local().Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(s.marker(event.Level))
	b.WriteString(" [")
	b.WriteString(string(event.Source))
	if event.Stage != "" {
		b.WriteByte('/')
		b.WriteString(event.Stage)
	}
	b.WriteString("] ")
	b.WriteString(event.Message)

	if len(event.Payload) > 0 {
		keys := make([]string, 0, len(event.Payload))
		for k := range event.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, event.Payload[k])
		}
	}
	b.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, b.String())
}

// marker returns the level indicator, styled when color is enabled.
func (s *ConsoleSink) marker(level Level) string {
	var glyph string
	var style lipgloss.Style
	switch level {
	case LevelDebug:
		glyph, style = "·", consoleDebugStyle
	case LevelInfo:
		glyph, style = "│", consoleInfoStyle
	case LevelWarn:
		glyph, style = "⚠", consoleWarnStyle
	case LevelError:
		glyph, style = "✗", consoleErrorStyle
	default:
		glyph = "?"
	}
	if !s.color {
		return glyph
	}
	return style.Render(glyph)
}

// Flush is a no-op (writes are unbuffered).
func (s *ConsoleSink) Flush() error { return nil }

// Close is a no-op (doesn't own the writer).
func (s *ConsoleSink) Close() error { return nil }

var _ LogSink = (*ConsoleSink)(nil)
