// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package admin

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
)

// =============================================================================
// Manifests
// =============================================================================

// manifestSuffix names the manifest written next to each backup
// directory: `<name>.metadata.json`.
const manifestSuffix = ".metadata.json"

// backupTimeFormat stamps generated backup names.
const backupTimeFormat = "2006-01-02_150405"

// Manifest records what a backup contains. It is the commit point: a
// payload directory without a manifest is an aborted backup and is
// ignored by listing and restore.
type Manifest struct {
	// Name is the backup directory name under the backups dir.
	Name string `json:"name"`

	// CreatedAt is when the backup finished.
	CreatedAt time.Time `json:"created_at"`

	// Stores lists what was captured.
	Stores []StoreEntry `json:"stores"`
}

// StoreEntry describes one captured store.
type StoreEntry struct {
	// Store is one of the Store* constants.
	Store string `json:"store"`

	// Kind is "filesystem" or "weaviate".
	Kind string `json:"kind"`

	// OriginalPath is the directory the store lived in when captured.
	// Empty for weaviate entries.
	OriginalPath string `json:"original_path,omitempty"`

	// SizeBytes and Files measure the captured payload.
	SizeBytes int64 `json:"size_bytes,omitempty"`
	Files     int   `json:"files,omitempty"`

	// WeaviateID and Backend identify a server-side weaviate backup.
	WeaviateID string `json:"weaviate_backup_id,omitempty"`
	Backend    string `json:"backend,omitempty"`
}

// Entry returns the manifest entry for a store, if present.
func (m *Manifest) Entry(store string) (StoreEntry, bool) {
	for _, e := range m.Stores {
		if e.Store == store {
			return e, true
		}
	}
	return StoreEntry{}, false
}

// BackupRequest asks for a backup of some or all stores.
type BackupRequest struct {
	// Name labels the backup. Empty generates backup_<timestamp>.
	Name string `json:"name,omitempty"`

	// Stores limits the backup. Empty means every store that has
	// data; naming a store explicitly makes its absence an error.
	Stores []string `json:"stores,omitempty"`
}

// RestoreRequest asks for a restore from a named backup.
type RestoreRequest struct {
	// Backup is the backup name (the directory under the backups
	// dir, with or without the manifest suffix).
	Backup string `json:"backup"`

	// Store limits the restore to one store. Empty restores every
	// store the manifest lists.
	Store string `json:"store,omitempty"`
}

// =============================================================================
// Backup
// =============================================================================

// Backup captures the requested stores under the backups directory
// and writes the manifest last.
//
// Filesystem stores are copied after a free-disk check sized to the
// sum of their payloads. The vector store is snapshotted by weaviate
// itself, last, so a server-side failure can still abort the whole
// backup cleanly. On any failure the partial payload directory is
// removed and no manifest is written.
func (a *Admin) Backup(ctx context.Context, req BackupRequest) (*Manifest, error) {
	ctx, span := tracer.Start(ctx, "Admin.Backup")
	defer span.End()

	name := req.Name
	if name == "" {
		name = "backup_" + a.now().UTC().Format(backupTimeFormat)
	}
	if err := validateBackupName(name); err != nil {
		return nil, err
	}

	stores, explicit, err := a.resolveStores(req.Stores)
	if err != nil {
		return nil, err
	}

	cfg := a.provider.Snapshot()
	backupsDir := cfg.Paths.BackupsDir
	if err := os.MkdirAll(backupsDir, 0750); err != nil {
		return nil, datatypes.E(datatypes.KindInternalInvariant, "create backups dir %s", backupsDir, err)
	}
	payloadDir := filepath.Join(backupsDir, name)
	if _, err := os.Stat(payloadDir); err == nil {
		return nil, datatypes.E(datatypes.KindInvalidRequest, "backup %q already exists", name)
	}

	// Plan the filesystem copies and check headroom once, up front.
	type fsCopy struct {
		store string
		src   string
		files int
		size  int64
	}
	var (
		copies  []fsCopy
		total   int64
		entries []StoreEntry
	)
	for _, store := range stores {
		dir := a.storeDir(cfg.Paths.ConversationsDir, cfg.Paths.TraceDir, store)
		if dir == "" {
			continue // experiences handled below
		}
		if _, err := os.Stat(dir); err != nil {
			if explicit {
				return nil, datatypes.E(datatypes.KindNotFound, "store %s has no data at %s", store, dir)
			}
			a.logger.Debug("Store empty; skipping", "store", store, "dir", dir)
			continue
		}
		files, size := measureDir(dir)
		copies = append(copies, fsCopy{store: store, src: dir, files: files, size: size})
		total += size
	}

	if total > 0 {
		free, _, err := a.diskSpace(backupsDir)
		if err != nil {
			return nil, err
		}
		if free < total {
			return nil, datatypes.E(datatypes.KindInvalidRequest,
				"not enough disk for backup: need %d bytes, %d free", total, free)
		}
	}

	abort := func(cause error) (*Manifest, error) {
		if rmErr := os.RemoveAll(payloadDir); rmErr != nil {
			a.logger.Warn("Partial backup left behind", "dir", payloadDir, "error", rmErr)
		}
		return nil, cause
	}

	for _, c := range copies {
		dst := filepath.Join(payloadDir, c.store)
		a.logger.Info("Backing up store", "store", c.store, "from", c.src, "to", dst)
		if err := copyDir(ctx, c.src, dst); err != nil {
			return abort(err)
		}
		entries = append(entries, StoreEntry{
			Store:        c.store,
			Kind:         kindFilesystem,
			OriginalPath: c.src,
			SizeBytes:    c.size,
			Files:        c.files,
		})
	}

	if containsStore(stores, StoreExperiences) {
		entry, err := a.backupVector(ctx, name, explicit)
		if err != nil {
			return abort(err)
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}

	if len(entries) == 0 {
		return abort(datatypes.E(datatypes.KindNotFound, "nothing to back up: no store has data"))
	}

	manifest := &Manifest{
		Name:      name,
		CreatedAt: a.now().UTC(),
		Stores:    entries,
	}
	if err := a.writeManifest(backupsDir, manifest); err != nil {
		return abort(err)
	}
	a.logger.Info("Backup complete", "name", name, "stores", len(entries))
	return manifest, nil
}

// backupVector triggers the server-side snapshot. A missing driver is
// an error only when the store was asked for by name.
func (a *Admin) backupVector(ctx context.Context, name string, explicit bool) (*StoreEntry, error) {
	if a.vector == nil {
		if explicit {
			return nil, datatypes.E(datatypes.KindUpstreamUnavailable,
				"weaviate is not configured; cannot back up experiences")
		}
		a.logger.Debug("Weaviate not configured; skipping experiences")
		return nil, nil
	}
	cfg := a.provider.Snapshot()
	id := weaviateBackupID(name)
	a.logger.Info("Backing up experiences via weaviate", "id", id, "backend", cfg.Weaviate.BackupBackend)
	if err := a.vector.Create(ctx, cfg.Weaviate.BackupBackend, id); err != nil {
		return nil, err
	}
	return &StoreEntry{
		Store:      StoreExperiences,
		Kind:       kindWeaviate,
		WeaviateID: id,
		Backend:    cfg.Weaviate.BackupBackend,
	}, nil
}

// =============================================================================
// Restore
// =============================================================================

// Restore copies a backup's stores back over their configured
// locations. The backup itself is left intact.
//
// Destinations come from the current configuration, not the manifest:
// a store that has moved since the backup restores into its new home,
// with a warning. Filesystem restores replace the destination
// wholesale.
func (a *Admin) Restore(ctx context.Context, req RestoreRequest) (*Manifest, error) {
	ctx, span := tracer.Start(ctx, "Admin.Restore")
	defer span.End()

	if req.Backup == "" {
		return nil, datatypes.E(datatypes.KindInvalidRequest, "backup name is required")
	}
	name := strings.TrimSuffix(filepath.Base(req.Backup), manifestSuffix)
	if err := validateBackupName(name); err != nil {
		return nil, err
	}

	cfg := a.provider.Snapshot()
	backupsDir := cfg.Paths.BackupsDir
	manifest, err := a.readManifest(backupsDir, name)
	if err != nil {
		return nil, err
	}

	entries := manifest.Stores
	if req.Store != "" {
		entry, ok := manifest.Entry(req.Store)
		if !ok {
			return nil, datatypes.E(datatypes.KindNotFound,
				"backup %q does not contain store %q", name, req.Store)
		}
		entries = []StoreEntry{entry}
	}

	for _, entry := range entries {
		switch entry.Kind {
		case kindFilesystem:
			if err := a.restoreFilesystem(ctx, backupsDir, name, entry); err != nil {
				return nil, err
			}
		case kindWeaviate:
			if a.vector == nil {
				return nil, datatypes.E(datatypes.KindUpstreamUnavailable,
					"weaviate is not configured; cannot restore experiences")
			}
			a.logger.Info("Restoring experiences via weaviate", "id", entry.WeaviateID)
			if err := a.vector.Restore(ctx, entry.Backend, entry.WeaviateID); err != nil {
				return nil, err
			}
		default:
			return nil, datatypes.E(datatypes.KindInternalInvariant,
				"manifest %q has unknown store kind %q", name, entry.Kind)
		}
	}

	a.logger.Info("Restore complete", "name", name, "stores", len(entries))
	return manifest, nil
}

// restoreFilesystem puts one directory store back in place.
func (a *Admin) restoreFilesystem(ctx context.Context, backupsDir, name string, entry StoreEntry) error {
	src := filepath.Join(backupsDir, name, entry.Store)
	if _, err := os.Stat(src); err != nil {
		return datatypes.E(datatypes.KindInternalInvariant,
			"backup %q lists %s but its payload is missing at %s", name, entry.Store, src)
	}

	cfg := a.provider.Snapshot()
	dst := a.storeDir(cfg.Paths.ConversationsDir, cfg.Paths.TraceDir, entry.Store)
	if dst == "" {
		return datatypes.E(datatypes.KindInternalInvariant,
			"no configured location for store %s", entry.Store)
	}
	if entry.OriginalPath != "" && entry.OriginalPath != dst {
		a.logger.Warn("Store has moved since backup; restoring to current location",
			"store", entry.Store, "was", entry.OriginalPath, "now", dst)
	}

	free, _, err := a.diskSpace(filepath.Dir(dst))
	if err != nil {
		return err
	}
	if free < entry.SizeBytes {
		return datatypes.E(datatypes.KindInvalidRequest,
			"not enough disk to restore %s: need %d bytes, %d free", entry.Store, entry.SizeBytes, free)
	}

	a.logger.Info("Restoring store", "store", entry.Store, "from", src, "to", dst)
	if err := os.RemoveAll(dst); err != nil {
		return datatypes.E(datatypes.KindInternalInvariant, "clear %s before restore", dst, err)
	}
	return copyDir(ctx, src, dst)
}

// =============================================================================
// Listing
// =============================================================================

// ListBackups reads every manifest under the backups directory,
// newest first. Manifests that fail to decode are skipped with a
// warning rather than failing the listing.
func (a *Admin) ListBackups(ctx context.Context) ([]Manifest, error) {
	_, span := tracer.Start(ctx, "Admin.ListBackups")
	defer span.End()

	cfg := a.provider.Snapshot()
	entries, err := os.ReadDir(cfg.Paths.BackupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, datatypes.E(datatypes.KindInternalInvariant,
			"read backups dir %s", cfg.Paths.BackupsDir, err)
	}

	var manifests []Manifest
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), manifestSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), manifestSuffix)
		manifest, err := a.readManifest(cfg.Paths.BackupsDir, name)
		if err != nil {
			a.logger.Warn("Unreadable backup manifest", "file", entry.Name(), "error", err)
			continue
		}
		manifests = append(manifests, *manifest)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (a *Admin) writeManifest(backupsDir string, manifest *Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return datatypes.E(datatypes.KindInternalInvariant, "encode manifest %s", manifest.Name, err)
	}
	path := filepath.Join(backupsDir, manifest.Name+manifestSuffix)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return datatypes.E(datatypes.KindInternalInvariant, "write manifest %s", path, err)
	}
	return nil
}

func (a *Admin) readManifest(backupsDir, name string) (*Manifest, error) {
	path := filepath.Join(backupsDir, name+manifestSuffix)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, datatypes.E(datatypes.KindNotFound, "backup %q not found", name)
		}
		return nil, datatypes.E(datatypes.KindInternalInvariant, "read manifest %s", path, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, datatypes.E(datatypes.KindInternalInvariant, "decode manifest %s", path, err)
	}
	return &manifest, nil
}

// storeDir maps a filesystem store name to its configured directory;
// "" for non-filesystem stores.
func (a *Admin) storeDir(conversationsDir, traceDir, store string) string {
	switch store {
	case StoreConversations:
		return conversationsDir
	case StoreTrace:
		return traceDir
	default:
		return ""
	}
}

// resolveStores normalizes the requested store list. An empty request
// selects everything; explicit reports whether the caller named
// stores, which upgrades skips to errors.
func (a *Admin) resolveStores(requested []string) (stores []string, explicit bool, err error) {
	all := []string{StoreConversations, StoreTrace, StoreExperiences}
	if len(requested) == 0 {
		return all, false, nil
	}
	for _, store := range requested {
		if !containsStore(all, store) {
			return nil, false, datatypes.E(datatypes.KindInvalidRequest,
				"unknown store %q (valid: %s)", store, strings.Join(all, ", "))
		}
	}
	return requested, true, nil
}

func containsStore(stores []string, want string) bool {
	for _, s := range stores {
		if s == want {
			return true
		}
	}
	return false
}

// validateBackupName rejects names that could escape the backups
// directory or collide with manifest files.
func validateBackupName(name string) error {
	if name == "" {
		return datatypes.E(datatypes.KindInvalidRequest, "backup name is required")
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return datatypes.E(datatypes.KindInvalidRequest, "backup name %q must not contain path separators", name)
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, manifestSuffix) {
		return datatypes.E(datatypes.KindInvalidRequest, "backup name %q is reserved", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
		default:
			return datatypes.E(datatypes.KindInvalidRequest,
				"backup name %q may only use letters, digits, '.', '-' and '_'", name)
		}
	}
	return nil
}

// copyDir copies a directory tree, preserving file modes. Only
// regular files and directories are copied; sockets, pipes, and
// symlinks in a store directory would be foreign objects anyway.
func copyDir(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return datatypes.E(datatypes.KindInternalInvariant, "walk %s", path, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return datatypes.E(datatypes.KindInternalInvariant, "relativize %s", path, err)
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return datatypes.E(datatypes.KindInternalInvariant, "stat %s", path, err)
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return datatypes.E(datatypes.KindInternalInvariant, "open %s", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return datatypes.E(datatypes.KindInternalInvariant, "create %s", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return datatypes.E(datatypes.KindInternalInvariant, "copy %s", dst, err)
	}
	return out.Close()
}
