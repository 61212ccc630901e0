// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// callMetrics holds the gateway's OTel instruments. A nil *callMetrics
// records nothing, so a failed instrument registration degrades the
// gateway to spans-only observability instead of blocking calls.
type callMetrics struct {
	// calls counts completed upstream calls by operation and outcome.
	calls metric.Int64Counter

	// duration records wall time per completed call, retries included.
	duration metric.Float64Histogram

	// retries counts re-attempts after retryable upstream failures.
	retries metric.Int64Counter
}

// newCallMetrics registers the gateway instruments with the meter.
func newCallMetrics(meter metric.Meter) (*callMetrics, error) {
	m := &callMetrics{}
	var err error

	m.calls, err = meter.Int64Counter(
		"skiff_gateway_calls_total",
		metric.WithDescription("Completed LLM calls by operation and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create gateway_calls_total: %w", err)
	}

	m.duration, err = meter.Float64Histogram(
		"skiff_gateway_call_duration_seconds",
		metric.WithDescription("LLM call duration in seconds, retries included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create gateway_call_duration: %w", err)
	}

	m.retries, err = meter.Int64Counter(
		"skiff_gateway_retries_total",
		metric.WithDescription("Upstream retry attempts by operation"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create gateway_retries_total: %w", err)
	}

	return m, nil
}

// observe records one completed call.
func (m *callMetrics) observe(ctx context.Context, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
	m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("operation", op),
	))
}

// retried records one retry attempt.
func (m *callMetrics) retried(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
	))
}
