// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contextengine indexes a project into ranked code chunks and
// packs the best ones into a prompt-sized context.
//
// The pipeline is chunk -> tokenize -> score -> compose:
//
//	IndexProject: walk -> ChunkFile (parallel) -> cached file map
//	GetContext:   cached index -> ScoreChunks -> Compose
//
// Indexes are cached per (absolute path, extensions) key; concurrent
// builds of the same key are deduplicated, and an optional filesystem
// watcher invalidates the key when the project changes on disk.
package contextengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/mod/modfile"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

var tracer = otel.Tracer("skiff.forge.contextengine")

var (
	indexBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "context",
		Name:      "index_builds_total",
		Help:      "Project index builds (cache misses).",
	})

	indexHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "context",
		Name:      "index_hits_total",
		Help:      "GetContext/IndexProject calls served from cache.",
	})

	indexedFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skiff",
		Subsystem: "context",
		Name:      "indexed_files",
		Help:      "Files in the most recently built index.",
	})
)

// skipDirNames are never indexed or watched: hidden directories are
// matched by prefix, the rest are language tool caches.
var skipDirNames = map[string]struct{}{
	"node_modules": {}, "__pycache__": {}, "venv": {}, ".venv": {},
	"vendor": {}, "dist": {}, "build": {}, "target": {}, ".git": {},
	".idea": {}, ".vscode": {}, ".mypy_cache": {}, ".pytest_cache": {},
	".ruff_cache": {}, ".tox": {}, "testdata": {},
}

func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." {
		return true
	}
	_, ok := skipDirNames[name]
	return ok
}

// maxFileBytes skips generated monsters that would drown the scorer.
const maxFileBytes = 1 << 20

// projectIndex is one cached chunking of a project.
type projectIndex struct {
	root    string
	files   map[string][]CodeChunk
	order   []string // deterministic iteration order over files
	header  string   // module descriptor line, "" when not a Go module
	builtAt time.Time
}

func (idx *projectIndex) flatten() []CodeChunk {
	var out []CodeChunk
	for _, f := range idx.order {
		out = append(out, idx.files[f]...)
	}
	return out
}

// Engine builds, caches, and queries project chunk indexes.
//
// # Description
//
// IndexProject walks the project, chunks every matching file in
// parallel, and caches the result under a key derived from the
// absolute path and the sorted extension list. GetContext scores the
// cached chunks against a query and composes a context within the
// configured token budget. When watching is enabled, a debounced
// filesystem watcher drops the cache entry on any change so the next
// call re-indexes.
//
// # Thread Safety
//
// Safe for concurrent use. Reads take a shared lock; a cold key is
// built once even under concurrent callers (singleflight).
type Engine struct {
	provider *config.Provider
	logger   *logging.Logger
	chunker  *Chunker

	mu       sync.RWMutex
	indexes  map[string]*projectIndex
	watchers map[string]*projectWatcher

	flight singleflight.Group
}

// New creates an Engine reading its budgets from the provider.
func New(provider *config.Provider, logger *logging.Logger) *Engine {
	cfg := provider.Snapshot()
	return &Engine{
		provider: provider,
		logger:   logger.WithSource(logging.SourceSystem),
		chunker:  NewChunker(cfg.Context.MaxChunkTokens),
		indexes:  make(map[string]*projectIndex),
		watchers: make(map[string]*projectWatcher),
	}
}

// IndexKey derives the cache key for a project and extension set.
// Extensions are sorted first, so ["go","py"] and ["py","go"] share
// an index.
func IndexKey(absPath string, extensions []string) string {
	exts := make([]string, len(extensions))
	copy(exts, extensions)
	sort.Strings(exts)

	h := sha256.New()
	h.Write([]byte(absPath))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(exts, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// IndexProject returns the chunk index for a project, building it on
// first use.
//
// # Inputs
//
//   - ctx: cancels an in-flight build.
//   - projectPath: project root; resolved to an absolute path.
//   - extensions: file extensions to index, with or without the
//     leading dot. Empty defaults to the chunker's language table.
//
// # Outputs
//
//   - map[string][]CodeChunk: file path (relative to the root) to its
//     chunks. Never mutate — the map is shared cache state.
func (e *Engine) IndexProject(ctx context.Context, projectPath string, extensions []string) (map[string][]CodeChunk, error) {
	idx, err := e.index(ctx, projectPath, extensions)
	if err != nil {
		return nil, err
	}
	return idx.files, nil
}

// GetContext composes a prompt context for a query from the project's
// ranked chunks.
//
// # Outputs
//
//   - string: at most ~1.2x the configured token budget. Empty when
//     nothing scored above zero or nothing fit; that case logs a
//     WARNING rather than failing the request.
func (e *Engine) GetContext(ctx context.Context, query, projectPath string, extensions []string) (string, error) {
	ctx, span := tracer.Start(ctx, "contextengine.GetContext")
	defer span.End()
	span.SetAttributes(
		attribute.String("project.path", projectPath),
		attribute.Int("query.length", len(query)),
	)

	idx, err := e.index(ctx, projectPath, extensions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index failed")
		return "", err
	}

	budget := e.provider.Snapshot().Context.MaxContextTokens
	scored := ScoreChunks(query, idx.flatten())
	composed := Compose(idx.header, scored, budget)
	if composed == "" {
		e.logger.Warn("context composition produced no output",
			"project", projectPath, "chunks", len(scored), "budget", budget)
	}
	span.SetAttributes(attribute.Int("context.chars", len(composed)))
	return composed, nil
}

// Retrieve returns the query's top-ranked chunks without composing
// them, for callers that need scores and counts rather than prompt
// text.
//
// # Outputs
//
//   - []ScoredChunk: chunks with a score above zero, best first, at
//     most limit entries (limit <= 0 means no cap). Empty when the
//     query matches nothing.
func (e *Engine) Retrieve(ctx context.Context, query, projectPath string, extensions []string, limit int) ([]ScoredChunk, error) {
	ctx, span := tracer.Start(ctx, "contextengine.Retrieve")
	defer span.End()

	idx, err := e.index(ctx, projectPath, extensions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index failed")
		return nil, err
	}

	scored := ScoreChunks(query, idx.flatten())
	var hits []ScoredChunk
	for _, sc := range scored {
		if sc.Score <= 0 {
			break // sorted descending, the rest are zero too
		}
		hits = append(hits, sc)
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	span.SetAttributes(attribute.Int("retrieve.hits", len(hits)))
	return hits, nil
}

// Invalidate drops the cached index for a project and extension set.
func (e *Engine) Invalidate(projectPath string, extensions []string) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return
	}
	key := IndexKey(abs, extensions)
	e.mu.Lock()
	delete(e.indexes, key)
	e.mu.Unlock()
}

// Close stops all project watchers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for root, w := range e.watchers {
		w.Stop()
		delete(e.watchers, root)
	}
}

func (e *Engine) index(ctx context.Context, projectPath string, extensions []string) (*projectIndex, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, datatypes.E(datatypes.KindInvalidRequest, "resolving project path %q", projectPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, datatypes.E(datatypes.KindNotFound, "project path %q is not a directory", projectPath)
	}

	key := IndexKey(abs, extensions)

	e.mu.RLock()
	idx, ok := e.indexes[key]
	e.mu.RUnlock()
	if ok {
		indexHits.Inc()
		return idx, nil
	}

	// Cold key: build once regardless of how many requests raced here.
	v, err, _ := e.flight.Do(key, func() (any, error) {
		e.mu.RLock()
		cached, ok := e.indexes[key]
		e.mu.RUnlock()
		if ok {
			return cached, nil
		}

		built, err := e.build(ctx, abs, extensions)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.indexes[key] = built
		e.mu.Unlock()

		e.ensureWatcher(abs)
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*projectIndex), nil
}

// ensureWatcher starts one watcher per project root when enabled.
// Watchers invalidate every cache key under their root, since any
// extension set over the same files is stale after a change.
func (e *Engine) ensureWatcher(root string) {
	if !e.provider.Snapshot().Context.WatchProjects {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.watchers[root]; ok {
		return
	}

	w, err := newProjectWatcher(root, func() {
		e.mu.Lock()
		for k, idx := range e.indexes {
			if idx.root == root {
				delete(e.indexes, k)
			}
		}
		e.mu.Unlock()
		e.logger.Debug("project index invalidated by file change", "project", root)
	})
	if err != nil {
		e.logger.Warn("project watcher unavailable, cache key pinned until restart",
			"project", root, "error", err.Error())
		return
	}
	e.watchers[root] = w
}

func (e *Engine) build(ctx context.Context, root string, extensions []string) (*projectIndex, error) {
	ctx, span := tracer.Start(ctx, "contextengine.build")
	defer span.End()
	indexBuilds.Inc()

	wanted := normalizeExtensions(extensions)
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := wanted[ext]; !ok {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxFileBytes {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, datatypes.E(datatypes.KindInternalInvariant, "walking %s", root, err)
	}
	sort.Strings(paths)

	files := make(map[string][]CodeChunk, len(paths))
	var fmu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, rel := range paths {
		rel := rel
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			data, err := os.ReadFile(filepath.Join(root, rel))
			if err != nil {
				// File vanished between walk and read; skip it.
				return nil
			}
			chunks := e.chunker.ChunkFile(rel, string(data))
			if len(chunks) == 0 {
				return nil
			}
			fmu.Lock()
			files[rel] = chunks
			fmu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("indexing %s: %w", root, err)
	}

	order := make([]string, 0, len(files))
	for f := range files {
		order = append(order, f)
	}
	sort.Strings(order)

	idx := &projectIndex{
		root:    root,
		files:   files,
		order:   order,
		header:  moduleHeader(root),
		builtAt: time.Now(),
	}
	indexedFiles.Set(float64(len(files)))
	span.SetAttributes(
		attribute.Int("index.files", len(files)),
		attribute.String("project.path", root),
	)
	e.logger.Info("project indexed", "project", root, "files", len(files))
	return idx, nil
}

// normalizeExtensions maps the request's extension list onto the
// chunker's table. Entries gain a leading dot when missing; an empty
// list means every supported language.
func normalizeExtensions(extensions []string) map[string]struct{} {
	wanted := make(map[string]struct{})
	if len(extensions) == 0 {
		for ext := range langSpecs {
			wanted[ext] = struct{}{}
		}
		return wanted
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		wanted[ext] = struct{}{}
	}
	return wanted
}

// moduleHeader describes a Go project from its go.mod, giving the
// composed context a one-line project identity. Non-Go projects get
// no header.
func moduleHeader(root string) string {
	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		return ""
	}
	f, err := modfile.Parse("go.mod", data, nil)
	if err != nil || f.Module == nil {
		return ""
	}
	header := fmt.Sprintf("// Module: %s", f.Module.Mod.Path)
	if f.Go != nil && f.Go.Version != "" {
		header += fmt.Sprintf(" (go %s)", f.Go.Version)
	}
	return header
}
