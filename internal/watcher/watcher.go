// Package watcher adapts fsnotify events on the vault directory into the
// lifecycle events the healer consumes: create, modify, delete, and the
// two halves of a rename.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/ansuz/internal/healer"
	"github.com/starford/ansuz/internal/storage"
)

// resolveDelay is how long the watcher waits after a Rename event for the
// matching Create before treating the old path as deleted.
const resolveDelay = 200 * time.Millisecond

// Watch starts an fsnotify watcher on the vault root and forwards file
// change events to the healer until ctx is cancelled.
//
// New directories created at runtime are automatically added to the watch
// list. fsnotify fires Rename on the OLD path only; the new path arrives as
// a separate Create event, which the healer resolves against the index. A
// short timer turns unmatched old paths into deletes (file moved outside
// the vault).
func Watch(ctx context.Context, store *storage.FS, h *healer.Healer, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := store.Root()
	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", root))

	// Old paths from Rename events awaiting their Create half.
	pendingOld := make(map[string]struct{})
	var resolveTimer *time.Timer
	var resolveCh <-chan time.Time

	scheduleResolve := func() {
		if resolveTimer == nil {
			resolveTimer = time.NewTimer(resolveDelay)
			resolveCh = resolveTimer.C
		} else {
			resolveTimer.Reset(resolveDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if resolveTimer != nil {
				resolveTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-resolveCh:
			resolvePending(store, h, logger, pendingOld)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			// New directories: add to the watch list and process any
			// notes already inside.
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					}
					handleNewDir(h, root, absPath, logger)
					continue
				}
			}

			// Only notes from here on.
			if !strings.HasSuffix(absPath, ".md") {
				continue
			}
			rel, relErr := filepath.Rel(root, absPath)
			if relErr != nil {
				continue
			}

			switch {
			case ev.Op&fsnotify.Create != 0:
				delete(pendingOld, rel) // a file recreated in place is not a rename source
				if err := h.OnCreate(rel); err != nil {
					logger.Warn("watcher: create failed",
						slog.String("path", rel), slog.String("error", err.Error()))
				}

			case ev.Op&fsnotify.Write != 0:
				h.OnModify(rel)

			case ev.Op&fsnotify.Remove != 0:
				if err := h.OnDelete(rel); err != nil {
					logger.Warn("watcher: delete failed",
						slog.String("path", rel), slog.String("error", err.Error()))
				}

			case ev.Op&fsnotify.Rename != 0:
				pendingOld[rel] = struct{}{}
				scheduleResolve()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// resolvePending settles Rename old paths whose Create half never arrived.
// If the index still records an entry at the old path, the file left the
// vault and counts as a delete; otherwise the rename was already resolved.
func resolvePending(store *storage.FS, h *healer.Healer, logger *slog.Logger, pendingOld map[string]struct{}) {
	for rel := range pendingOld {
		delete(pendingOld, rel)
		exists, err := store.Exists(rel)
		if err != nil || exists {
			continue
		}
		if err := h.OnDelete(rel); err != nil {
			logger.Warn("watcher: resolve rename failed",
				slog.String("path", rel), slog.String("error", err.Error()))
		}
	}
}

// handleNewDir feeds any .md files in a newly created directory to the healer.
func handleNewDir(h *healer.Healer, root, dirPath string, logger *slog.Logger) {
	_ = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if createErr := h.OnCreate(rel); createErr != nil {
			logger.Warn("watcher: create from new dir failed",
				slog.String("path", rel), slog.String("error", createErr.Error()))
		}
		return nil
	})
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
