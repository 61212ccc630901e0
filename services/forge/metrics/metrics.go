// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics records finished workflow runs to InfluxDB.
//
// The recorder is optional: it exists only when telemetry.influx_url,
// influx_token, influx_org, and influx_bucket are all configured, and the
// engine runs fine without it. Each completed run becomes one point in the
// "workflow_runs" measurement, tagged by mode, intent, and outcome, with
// duration, iteration count, and judge scores as fields. Prometheus covers
// live operational counters; this sink is for offline analysis of run
// quality over weeks, which is easier against a time-series store.
package metrics

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/engine"
)

var tracer = otel.Tracer("skiff.forge.metrics")

// =============================================================================
// Metrics
// =============================================================================

var (
	runsRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "metrics",
		Name:      "runs_recorded_total",
		Help:      "Workflow run points written to the time-series sink.",
	})
	recordFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "metrics",
		Name:      "record_failures_total",
		Help:      "Workflow run points that could not be written.",
	})
)

// =============================================================================
// Recorder
// =============================================================================

const (
	// measurement names the series every run point lands in.
	measurement = "workflow_runs"

	// writeTimeout bounds a single point write. The run has already
	// finished when the recorder sees it, so a dead sink must not hold
	// the engine's goroutine past this.
	writeTimeout = 5 * time.Second
)

// Recorder writes one InfluxDB point per finished workflow run.
//
// # Description
//
// Wraps the blocking write API of influxdb-client-go. Write failures are
// logged and counted, never surfaced to the engine: losing a metrics point
// must not affect a run's outcome. Endpoint settings bind at construction;
// changing them in the config file requires a restart, unlike the per-request
// debug toggles.
//
// # Thread Safety
//
// Safe for concurrent use. The blocking write API is goroutine-safe and the
// recorder holds no mutable state.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *logging.Logger
}

// New constructs a recorder from the telemetry configuration.
//
// All four influx settings must be present; a partial configuration is
// rejected loudly rather than producing a recorder that silently writes
// nowhere. Callers gate on telemetry.influx_url before calling.
func New(provider *config.Provider, logger *logging.Logger) (*Recorder, error) {
	snap := provider.Snapshot()
	tcfg := snap.Telemetry
	if tcfg.InfluxURL == "" || tcfg.InfluxToken == "" || tcfg.InfluxOrg == "" || tcfg.InfluxBucket == "" {
		return nil, datatypes.E(datatypes.KindInvalidRequest,
			"influx recorder needs url, token, org, and bucket; got url=%q org=%q bucket=%q",
			tcfg.InfluxURL, tcfg.InfluxOrg, tcfg.InfluxBucket)
	}

	client := influxdb2.NewClient(tcfg.InfluxURL, tcfg.InfluxToken)
	return &Recorder{
		client: client,
		write:  client.WriteAPIBlocking(tcfg.InfluxOrg, tcfg.InfluxBucket),
		logger: logger.WithSource(logging.SourceInfrastructure),
	}, nil
}

// NewWith wires a recorder over an existing write API. Tests use it to
// capture points without a live server.
func NewWith(logger *logging.Logger, write api.WriteAPIBlocking) *Recorder {
	return &Recorder{
		write:  write,
		logger: logger.WithSource(logging.SourceInfrastructure),
	}
}

// Ping checks that the configured server is reachable and healthy.
//
// Boot calls it best-effort: an unreachable sink is worth a warning, not a
// failed start.
func (r *Recorder) Ping(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	health, err := r.client.Health(ctx)
	if err != nil {
		return datatypes.E(datatypes.KindUpstreamUnavailable, "influx health check", err)
	}
	if health.Status != "pass" {
		return datatypes.E(datatypes.KindUpstreamUnavailable, "influx reports status %q", string(health.Status))
	}
	return nil
}

// RecordRun writes the run summary as a single point.
//
// The run's own context may already be canceled (error and timeout outcomes
// are the interesting ones), so the write detaches from it and gets a fresh
// deadline.
func (r *Recorder) RecordRun(ctx context.Context, rec *engine.RunRecord) {
	if rec == nil {
		return
	}
	ctx, span := tracer.Start(ctx, "Recorder.RecordRun")
	defer span.End()

	tags := map[string]string{
		"task_id": rec.TaskID,
		"mode":    rec.Mode,
		"intent":  rec.Intent,
		"outcome": rec.Outcome,
		"reused":  strconv.FormatBool(rec.Reused),
	}
	if rec.ErrorKind != "" {
		tags["error_kind"] = rec.ErrorKind
	}
	// Empty tag values are invalid line protocol; a run that died before
	// the intent stage has no intent to report.
	for k, v := range tags {
		if v == "" {
			delete(tags, k)
		}
	}

	fields := map[string]interface{}{
		"duration_ms": rec.Duration.Milliseconds(),
		"iterations":  rec.Iterations,
	}
	for name, score := range rec.Scores {
		fields["score_"+name] = score
	}

	point := influxdb2.NewPoint(measurement, tags, fields, time.Now().UTC())

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := r.write.WritePoint(wctx, point); err != nil {
		recordFailuresTotal.Inc()
		span.RecordError(err)
		r.logger.Warn("Run metrics not recorded",
			"task_id", rec.TaskID, "outcome", rec.Outcome, "error", err)
		return
	}
	runsRecordedTotal.Inc()
}

// Close releases the underlying HTTP client.
func (r *Recorder) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

// The recorder plugs into the engine's per-run reporting hook.
var _ engine.RunRecorder = (*Recorder)(nil)
