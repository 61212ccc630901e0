// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contextengine

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// projectWatcher invalidates a cached index when the project changes
// on disk.
//
// # Description
//
// Watches the project root recursively and batches change events with
// a debounce window so a save storm during active editing triggers a
// single invalidation, not one per keystroke. The handler runs on the
// watcher's goroutine after the window closes.
//
// # Thread Safety
//
// Safe for concurrent use; Stop is idempotent.
type projectWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	onChange func()
	debounce time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// defaultDebounce batches rapid-fire editor events into one
// invalidation.
const defaultDebounce = 100 * time.Millisecond

func newProjectWatcher(root string, onChange func()) (*projectWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &projectWatcher{
		root:     root,
		watcher:  fw,
		onChange: onChange,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}
	if err := w.addRecursive(root); err != nil {
		fw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *projectWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

// addRecursive registers the root and every non-ignored subdirectory.
func (w *projectWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *projectWatcher) run() {
	var timer *time.Timer
	var timerC <-chan time.Time
	pending := false

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if skipDir(filepath.Base(event.Name)) {
				continue
			}
			// New directories join the watch so edits inside them
			// invalidate too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(event.Name)
				}
			}
			pending = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			if pending {
				pending = false
				w.onChange()
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
