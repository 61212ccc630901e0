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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
)

// =============================================================================
// Badger Plumbing
// =============================================================================

// storeConfig holds the embedded database settings.
//
// Traces are a debug aid, not a ledger: writes are asynchronous to
// disk (no fsync per call) and a crash loses at most the tail of the
// current value log.
type storeConfig struct {
	// path is the directory for database files. Ignored in memory mode.
	path string

	// inMemory keeps everything off disk, for tests.
	inMemory bool

	// allowDegraded lets New survive a failed open (ring-only mode).
	allowDegraded bool

	// gcInterval is how often to run value log garbage collection.
	// 0 disables the runner.
	gcInterval time.Duration

	// gcDiscardRatio is the minimum garbage ratio before GC rewrites
	// a value log file.
	gcDiscardRatio float64

	logger *logging.Logger
}

func defaultStoreConfig(path string, logger *logging.Logger) storeConfig {
	return storeConfig{
		path:           path,
		gcInterval:     5 * time.Minute,
		gcDiscardRatio: 0.5,
		logger:         logger,
	}
}

// fabricLogger adapts the log fabric to Badger's Logger interface, so
// compaction and GC chatter lands in the same sinks as everything else.
type fabricLogger struct {
	log *logging.Logger
}

func (l *fabricLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *fabricLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *fabricLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *fabricLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// callDB wraps the Badger instance with lifecycle management.
type callDB struct {
	db   *badger.DB
	gc   *gcRunner
	path string
}

// openCallDB opens the trace database, creating the directory when
// needed, and starts the GC runner for persistent stores.
func openCallDB(cfg storeConfig) (*callDB, error) {
	if !cfg.inMemory && cfg.path == "" {
		return nil, errors.New("trace: path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.path, 0750); err != nil {
			return nil, fmt.Errorf("trace: create store directory %s: %w", cfg.path, err)
		}
		opts = badger.DefaultOptions(cfg.path)
	}
	opts = opts.WithSyncWrites(false)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.logger != nil {
		opts = opts.WithLogger(&fabricLogger{log: cfg.logger.WithSource(logging.SourceInfrastructure)})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("trace: open store: %w", err)
	}

	wrapped := &callDB{db: db, path: cfg.path}
	if cfg.gcInterval > 0 && !cfg.inMemory {
		wrapped.gc = newGCRunner(db, cfg.gcInterval, cfg.gcDiscardRatio, cfg.logger)
		wrapped.gc.start()
	}
	return wrapped, nil
}

// update executes fn inside a read-write transaction and commits when
// fn returns nil.
func (d *callDB) update(fn func(txn *badger.Txn) error) error {
	txn := d.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// view executes fn inside a read-only transaction.
func (d *callDB) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := d.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// close stops the GC runner and closes the database.
func (d *callDB) close() error {
	if d.gc != nil {
		d.gc.stop()
	}
	return d.db.Close()
}

// =============================================================================
// Value Log GC
// =============================================================================

// gcRunner triggers periodic value log garbage collection. Expired
// call records free their space only when GC rewrites the log, so a
// long-lived daemon needs the runner.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *logging.Logger
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *logging.Logger) *gcRunner {
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) start() {
	go r.run()
}

// stop signals the runner and waits for it to exit.
func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *gcRunner) runGC() {
	err := r.db.RunValueLogGC(r.ratio)
	switch {
	case err == nil:
		if r.logger != nil {
			r.logger.Debug("trace store value log GC completed")
		}
	case errors.Is(err, badger.ErrNoRewrite):
		// Nothing worth rewriting this round.
	default:
		if r.logger != nil {
			r.logger.Warn("trace store value log GC failed", "error", err.Error())
		}
	}
}
