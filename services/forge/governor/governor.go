// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package governor bounds concurrent LLM-bound agent work.
//
// Any number of workflow runs may be in flight, but at most
// max_concurrent_agents of them may hold a lease at once. Acquire
// blocks rather than rejects; every stage that talks to the LLM wraps
// itself in a lease for its full duration.
package governor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// activeLeases tracks currently outstanding leases.
	activeLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skiff",
		Subsystem: "governor",
		Name:      "active_leases",
		Help:      "Currently outstanding agent leases",
	})

	// acquireWait measures how long Acquire blocked.
	acquireWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "skiff",
		Subsystem: "governor",
		Name:      "acquire_wait_seconds",
		Help:      "Time spent waiting for a lease",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
	})

	// forcedReleases counts CleanupOldest interventions.
	forcedReleases = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "governor",
		Name:      "forced_releases_total",
		Help:      "Leases force-released by CleanupOldest",
	})
)

// =============================================================================
// Types
// =============================================================================

// Usage describes one outstanding lease.
type Usage struct {
	// ID is the monotonic registry key.
	ID uint64 `json:"id"`

	// Agent is the holder's agent name.
	Agent string `json:"agent"`

	// TaskID ties the lease to a workflow run. May be empty.
	TaskID string `json:"task_id,omitempty"`

	// AcquiredAt is when the slot was granted.
	AcquiredAt time.Time `json:"acquired_at"`
}

// UsageStat is a Usage with its held duration, for Stats.
type UsageStat struct {
	Usage
	HeldFor time.Duration `json:"held_for"`
}

// Stats is a point-in-time governor snapshot.
type Stats struct {
	MaxConcurrent int         `json:"max_concurrent"`
	Active        int         `json:"active"`
	Available     int         `json:"available"`
	TotalAcquired uint64      `json:"total_acquired"`
	TotalReleased uint64      `json:"total_released"`
	Usages        []UsageStat `json:"usages"`
}

// Lease is a held slot. Release returns it; releasing twice is safe.
type Lease struct {
	g  *Governor
	id uint64
}

// ID returns the lease's registry key.
func (l *Lease) ID() uint64 {
	return l.id
}

// Release returns the slot. Idempotent: the second and later calls
// (or a call after CleanupOldest already evicted the lease) do nothing.
func (l *Lease) Release() {
	l.g.release(l.id)
}

// Governor is a counting semaphore with a usage registry.
//
// # Thread Safety
//
// Safe for concurrent use.
type Governor struct {
	sem    chan struct{}
	logger *logging.Logger

	mu            sync.Mutex
	usages        map[uint64]Usage
	nextID        uint64
	totalAcquired uint64
	totalReleased uint64
}

// New creates a Governor with the given capacity.
func New(maxConcurrent int, logger *logging.Logger) *Governor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Governor{
		sem:    make(chan struct{}, maxConcurrent),
		logger: logger,
		usages: make(map[uint64]Usage),
	}
}

// =============================================================================
// Operations
// =============================================================================

// Acquire blocks until a slot is free, then records the usage.
// It fails only when ctx is done while waiting.
func (g *Governor) Acquire(ctx context.Context, agent, taskID string) (*Lease, error) {
	start := time.Now()
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	acquireWait.Observe(time.Since(start).Seconds())
	return g.admit(agent, taskID), nil
}

// TryAcquire grabs a slot without blocking.
func (g *Governor) TryAcquire(agent, taskID string) (*Lease, bool) {
	select {
	case g.sem <- struct{}{}:
		return g.admit(agent, taskID), true
	default:
		return nil, false
	}
}

func (g *Governor) admit(agent, taskID string) *Lease {
	g.mu.Lock()
	g.nextID++
	id := g.nextID
	g.usages[id] = Usage{
		ID:         id,
		Agent:      agent,
		TaskID:     taskID,
		AcquiredAt: time.Now(),
	}
	g.totalAcquired++
	g.mu.Unlock()

	activeLeases.Inc()
	g.logger.Debug("Agent lease acquired", "agent", agent, "task_id", taskID, "lease_id", id)
	return &Lease{g: g, id: id}
}

// release frees the slot for a registry id. Returns false when the id
// was already released (normally or by CleanupOldest).
func (g *Governor) release(id uint64) bool {
	g.mu.Lock()
	usage, ok := g.usages[id]
	if ok {
		delete(g.usages, id)
		g.totalReleased++
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	<-g.sem
	activeLeases.Dec()
	g.logger.Debug("Agent lease released",
		"agent", usage.Agent, "lease_id", id,
		"held_for", time.Since(usage.AcquiredAt).String())
	return true
}

// Stats snapshots the governor. Usages are sorted oldest first.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	usages := make([]UsageStat, 0, len(g.usages))
	for _, u := range g.usages {
		usages = append(usages, UsageStat{Usage: u, HeldFor: now.Sub(u.AcquiredAt)})
	}
	sort.Slice(usages, func(i, j int) bool { return usages[i].ID < usages[j].ID })

	active := len(g.usages)
	return Stats{
		MaxConcurrent: cap(g.sem),
		Active:        active,
		Available:     cap(g.sem) - active,
		TotalAcquired: g.totalAcquired,
		TotalReleased: g.totalReleased,
		Usages:        usages,
	}
}

// CleanupOldest force-releases the earliest outstanding lease. For
// operational recovery only: a stuck holder keeps its Lease value, but
// its slot returns to the pool and its own Release becomes a no-op.
func (g *Governor) CleanupOldest() bool {
	g.mu.Lock()
	var oldest Usage
	found := false
	for _, u := range g.usages {
		if !found || u.ID < oldest.ID {
			oldest = u
			found = true
		}
	}
	g.mu.Unlock()

	if !found {
		return false
	}
	if !g.release(oldest.ID) {
		// Lost a race with the holder's own Release.
		return false
	}
	forcedReleases.Inc()
	g.logger.Warn("Force-released oldest agent lease",
		"agent", oldest.Agent, "task_id", oldest.TaskID, "lease_id", oldest.ID,
		"held_for", time.Since(oldest.AcquiredAt).String())
	return true
}

// =============================================================================
// Process-wide accessor
// =============================================================================

var (
	defaultMu  sync.Mutex
	defaultGov atomic.Pointer[Governor]
)

// Default returns the process-wide governor, creating it on first use
// with the given capacity. Later calls ignore the arguments. The
// composition root calls this once at startup; package-level callers
// get the same instance.
func Default(maxConcurrent int, logger *logging.Logger) *Governor {
	if g := defaultGov.Load(); g != nil {
		return g
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if g := defaultGov.Load(); g != nil {
		return g
	}
	g := New(maxConcurrent, logger)
	defaultGov.Store(g)
	return g
}
