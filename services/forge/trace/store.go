// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/gateway"
)

var tracer = otel.Tracer("skiff.forge.trace")

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "trace",
		Name:      "calls_total",
		Help:      "Recorded call scopes by kind and status",
	}, []string{"kind", "status"})

	persistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "trace",
		Name:      "persist_failures_total",
		Help:      "Call records that could not be written to the store",
	})
)

// =============================================================================
// Store
// =============================================================================

// maxOutputPreview caps the stored output text per call.
const maxOutputPreview = 2000

// Store records call scopes into the memory ring and the Badger store.
//
// A Store built with WithDegraded survives a failed database open and
// keeps the ring working; persisted lookups then report the store as
// unavailable rather than empty.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	provider *config.Provider
	logger   *logging.Logger
	db       *callDB // nil in degraded mode
	ring     *ring

	seq             atomic.Uint64
	recorded        atomic.Uint64
	persisted       atomic.Uint64
	persistFailures atomic.Uint64
	closed          atomic.Bool
}

// Option customizes a Store.
type Option func(*storeConfig)

// WithInMemory keeps the store off disk. For tests.
func WithInMemory() Option {
	return func(cfg *storeConfig) {
		cfg.inMemory = true
		cfg.gcInterval = 0
	}
}

// WithDegraded tolerates a failed database open: the Store comes up
// ring-only and logs a warning instead of failing construction.
func WithDegraded() Option {
	return func(cfg *storeConfig) {
		cfg.allowDegraded = true
	}
}

// New opens the call store under paths.trace_dir.
//
// The ring capacity is fixed at construction from
// debug.max_logs_in_memory; the enable toggle and TTL are re-read from
// the live snapshot on every call.
func New(provider *config.Provider, logger *logging.Logger, opts ...Option) (*Store, error) {
	snap := provider.Snapshot()
	cfg := defaultStoreConfig(snap.Paths.TraceDir, logger)
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Store{
		provider: provider,
		logger:   logger.WithSource(logging.SourceInfrastructure),
		ring:     newRing(snap.Debug.MaxLogsInMemory),
	}

	db, err := openCallDB(cfg)
	if err != nil {
		if !cfg.allowDegraded {
			return nil, err
		}
		s.logger.Warn("Trace store unavailable; running ring-only",
			"path", cfg.path, "error", err.Error())
		return s, nil
	}
	s.db = db

	s.logger.Info("Trace store opened",
		"path", cfg.path, "in_memory", cfg.inMemory)
	return s, nil
}

// StartCall opens a call scope and returns the closure that closes it.
//
// When under-the-hood tracing is disabled in the current config
// snapshot, the scope is a no-op. Calls without a task id on the
// context stay in the ring and are not persisted.
func (s *Store) StartCall(ctx context.Context, kind, name string, input map[string]any) func(output string, err error) {
	cfg := s.provider.Snapshot()
	if !cfg.Debug.UnderTheHoodEnabled || s.closed.Load() {
		return func(string, error) {}
	}

	call := Call{
		ID:        uuid.NewString(),
		TaskID:    TaskFrom(ctx),
		Stage:     StageFrom(ctx),
		Kind:      kind,
		Tool:      name,
		Args:      input,
		StartedAt: time.Now().UTC(),
		Seq:       s.seq.Add(1),
	}
	ttl := time.Duration(cfg.Debug.TraceTTLHours) * time.Hour

	return func(output string, err error) {
		call.FinishedAt = time.Now().UTC()
		call.DurationMS = call.FinishedAt.Sub(call.StartedAt).Milliseconds()
		call.Output = truncateOutput(output)
		call.Status = StatusOK
		if err != nil {
			call.Status = StatusError
			call.Error = err.Error()
		}
		s.record(call, ttl)
	}
}

// record lands one closed scope in the ring and, when task-correlated,
// in the persistent store.
func (s *Store) record(call Call, ttl time.Duration) {
	if s.closed.Load() {
		return
	}

	s.recorded.Add(1)
	callsTotal.WithLabelValues(call.Kind, string(call.Status)).Inc()
	s.ring.add(call)

	if s.db == nil || call.TaskID == "" {
		return
	}

	data, err := json.Marshal(call)
	if err != nil {
		s.persistFailures.Add(1)
		persistFailuresTotal.Inc()
		s.logger.Warn("Call record not serializable", "kind", call.Kind,
			"tool", call.Tool, "error", err.Error())
		return
	}

	// Write under a fresh transaction regardless of the run's fate: a
	// canceled run is precisely the one whose trace matters.
	err = s.db.update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(callKey(call), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		s.persistFailures.Add(1)
		persistFailuresTotal.Inc()
		s.logger.Warn("Call record not persisted", "task_id", call.TaskID,
			"tool", call.Tool, "error", err.Error())
		return
	}
	s.persisted.Add(1)
}

// callKey orders a task's calls chronologically: the nanosecond start
// time sorts them and the process sequence number breaks ties between
// concurrent scopes.
func callKey(call Call) []byte {
	return []byte(fmt.Sprintf("call:%s:%020d:%06d",
		call.TaskID, call.StartedAt.UnixNano(), call.Seq%1000000))
}

// taskPrefix is the key prefix holding one task's calls.
func taskPrefix(taskID string) []byte {
	return []byte("call:" + taskID + ":")
}

// Calls returns every persisted call for the task, oldest first.
//
// Unknown tasks (or tasks traced while the toggle was off) report
// not-found; a degraded store reports unavailable.
func (s *Store) Calls(ctx context.Context, taskID string) ([]Call, error) {
	ctx, span := tracer.Start(ctx, "Store.Calls")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	if taskID == "" {
		return nil, datatypes.E(datatypes.KindInvalidRequest, "task id is required")
	}
	if s.closed.Load() {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable, "trace store is closed")
	}
	if s.db == nil {
		return nil, datatypes.E(datatypes.KindUpstreamUnavailable,
			"trace store is running without persistence")
	}

	prefix := taskPrefix(taskID)
	var calls []Call
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var c Call
				if err := json.Unmarshal(val, &c); err != nil {
					return err
				}
				calls = append(calls, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, datatypes.E(datatypes.KindInternalInvariant,
			"read trace for task %s", taskID, err)
	}
	if len(calls) == 0 {
		return nil, datatypes.E(datatypes.KindNotFound,
			"no trace recorded for task %q", taskID)
	}

	span.SetAttributes(attribute.Int("trace.calls", len(calls)))
	return calls, nil
}

// Recent returns up to n of the latest recorded calls across all
// tasks, oldest first. n <= 0 returns the whole ring.
func (s *Store) Recent(n int) []Call {
	calls := s.ring.snapshot()
	if n > 0 && len(calls) > n {
		calls = calls[len(calls)-n:]
	}
	return calls
}

// Stats describes the store for the admin summary surface.
type Stats struct {
	// Enabled reflects the current config toggle.
	Enabled bool `json:"enabled"`

	// Degraded is true when the persistent store failed to open.
	Degraded bool `json:"degraded"`

	// Path is the store directory; empty for in-memory stores.
	Path string `json:"path,omitempty"`

	// Recorded counts scopes closed since startup.
	Recorded uint64 `json:"recorded"`

	// Persisted counts records written to the store.
	Persisted uint64 `json:"persisted"`

	// PersistFailures counts records that failed to write.
	PersistFailures uint64 `json:"persist_failures"`

	// RingSize is the number of calls currently retained in memory.
	RingSize int `json:"ring_size"`
}

// Stats returns a point-in-time snapshot of the store's counters.
func (s *Store) Stats() Stats {
	st := Stats{
		Enabled:         s.provider.Snapshot().Debug.UnderTheHoodEnabled,
		Degraded:        s.db == nil,
		Recorded:        s.recorded.Load(),
		Persisted:       s.persisted.Load(),
		PersistFailures: s.persistFailures.Load(),
		RingSize:        s.ring.size(),
	}
	if s.db != nil {
		st.Path = s.db.path
	}
	return st
}

// Close stops the GC runner and closes the database. Scopes still
// open at close time are dropped silently.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.db == nil {
		return nil
	}
	return s.db.close()
}

// truncateOutput caps the stored output preview.
func truncateOutput(s string) string {
	if len(s) <= maxOutputPreview {
		return s
	}
	return s[:maxOutputPreview]
}

// The store plugs into the gateway and validator call sites.
var _ gateway.CallTracer = (*Store)(nil)
