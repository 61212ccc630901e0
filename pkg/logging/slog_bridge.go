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
	"context"
	"log/slog"
)

// slogBridge adapts a fabric Logger to the slog.Handler interface.
//
// This lets third-party code written against log/slog (badger, gin
// recovery, otel error handlers) emit into the fabric. Groups are
// flattened into dotted keys.
type slogBridge struct {
	logger *Logger
	attrs  []slog.Attr
	group  string
}

// Enabled defers to the Manager's level filter.
func (b *slogBridge) Enabled(ctx context.Context, level slog.Level) bool {
	return fromSlogLevel(level) >= b.logger.manager.Level()
}

// Handle converts the record to a LogEvent and emits it.
func (b *slogBridge) Handle(ctx context.Context, r slog.Record) error {
	payload := make(map[string]any, r.NumAttrs()+len(b.attrs))
	for _, attr := range b.attrs {
		payload[b.key(attr.Key)] = attr.Value.Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		payload[b.key(attr.Key)] = attr.Value.Any()
		return true
	})

	event := LogEvent{
		Timestamp: r.Time.UTC(),
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
	}
	if len(payload) > 0 {
		event.Payload = payload
	}
	b.logger.Emit(event)
	return nil
}

// WithAttrs returns a bridge carrying the additional attributes.
func (b *slogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(b.attrs)+len(attrs))
	merged = append(merged, b.attrs...)
	merged = append(merged, attrs...)
	return &slogBridge{logger: b.logger, attrs: merged, group: b.group}
}

// WithGroup returns a bridge that prefixes attribute keys.
func (b *slogBridge) WithGroup(name string) slog.Handler {
	if name == "" {
		return b
	}
	group := name
	if b.group != "" {
		group = b.group + "." + name
	}
	return &slogBridge{logger: b.logger, attrs: b.attrs, group: group}
}

// key applies the group prefix.
func (b *slogBridge) key(k string) string {
	if b.group == "" {
		return k
	}
	return b.group + "." + k
}

var _ slog.Handler = (*slogBridge)(nil)
