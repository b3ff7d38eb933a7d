// Package healer keeps the vector index and the pending duplicate-pair
// store truthful against live file-system changes. Every entry point is
// idempotent: re-delivering the same event never corrupts state, and
// per-file failures are logged and skipped so one bad note cannot block
// reconciliation of the rest of the vault.
package healer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/notemeta"
	"github.com/starford/ansuz/internal/storage"
)

// DefaultQuietInterval is how long a path must stay quiet before a modify
// event is processed, coalescing rapid successive writes from one edit
// session.
const DefaultQuietInterval = time.Second

// EventCallback is called after a successful heal action.
// kind is one of "deleted", "renamed", "modified", "reconciled".
type EventCallback func(kind, path string)

// Healer reacts to vault lifecycle events.
type Healer struct {
	vault   storage.Provider
	vectors index.VectorIndex
	pairs   index.PairStore
	logger  *slog.Logger
	notify  EventCallback
	quiet   time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer // path → pending modify timer
	closed bool
}

// Option configures a Healer.
type Option func(*Healer)

// WithQuietInterval overrides the modify debounce interval.
func WithQuietInterval(d time.Duration) Option {
	return func(h *Healer) { h.quiet = d }
}

// WithCallback registers a callback invoked after each heal action.
func WithCallback(cb EventCallback) Option {
	return func(h *Healer) { h.notify = cb }
}

// New creates a Healer over the given vault and stores.
func New(vault storage.Provider, vectors index.VectorIndex, pairs index.PairStore, logger *slog.Logger, opts ...Option) *Healer {
	h := &Healer{
		vault:   vault,
		vectors: vectors,
		pairs:   pairs,
		logger:  logger,
		quiet:   DefaultQuietInterval,
		timers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close cancels all pending modify timers.
func (h *Healer) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for path, t := range h.timers {
		t.Stop()
		delete(h.timers, path)
	}
}

// CancelPending drops any pending debounced modify timer for path. A
// delete or rename event supersedes a queued modify on the same path.
func (h *Healer) CancelPending(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.timers[path]; ok {
		t.Stop()
		delete(h.timers, path)
	}
}

// OnDelete removes the deleted note's vector entry and every pending
// duplicate pair that mentions it. A path not present in the index is a
// no-op, not an error.
func (h *Healer) OnDelete(path string) error {
	if !strings.HasSuffix(path, ".md") {
		return nil
	}
	h.CancelPending(path)

	uid, err := h.vectors.FindUIDByPath(path)
	if err != nil {
		return fmt.Errorf("healer: delete %s: %w", path, err)
	}
	if uid == "" {
		h.logger.Debug("healer: delete of unmanaged note ignored", slog.String("path", path))
		return nil
	}
	if err := h.vectors.Delete(uid); err != nil {
		return fmt.Errorf("healer: delete %s: %w", path, err)
	}
	if err := h.removePairsMentioning(uid); err != nil {
		return err
	}

	h.logger.Info("healer: removed deleted note from index",
		slog.String("path", path), slog.String("uid", uid))
	h.emit("deleted", path)
	return nil
}

// OnRename updates the vector entry's path and, when the basename changed,
// rewrites every other note's parent references from the old name to the
// new one.
func (h *Healer) OnRename(oldPath, newPath string) error {
	h.CancelPending(oldPath)
	h.CancelPending(newPath)

	uid, err := h.vectors.FindUIDByPath(oldPath)
	if err != nil {
		return fmt.Errorf("healer: rename %s: %w", oldPath, err)
	}
	if uid == "" {
		h.logger.Debug("healer: rename of unmanaged note ignored", slog.String("path", oldPath))
		return nil
	}
	if err := h.vectors.UpdatePath(uid, newPath); err != nil {
		return fmt.Errorf("healer: rename %s: %w", oldPath, err)
	}

	oldName := noteName(oldPath)
	newName := noteName(newPath)
	if oldName != newName {
		h.rewriteParentRefs(oldName, newName, newPath)
	}

	h.logger.Info("healer: moved note in index",
		slog.String("old", oldPath), slog.String("new", newPath), slog.String("uid", uid))
	h.emit("renamed", newPath)
	return nil
}

// OnCreate resolves a newly appeared file. fsnotify reports a rename as a
// Rename event on the old path plus a Create on the new one, so a created
// file whose identifier is already indexed under a path that no longer
// exists is the second half of a rename. Anything else is treated as a
// modify.
func (h *Healer) OnCreate(path string) error {
	if !strings.HasSuffix(path, ".md") {
		return nil
	}
	data, err := h.vault.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("healer: create %s: %w", path, err)
	}

	meta := notemeta.Extract(data)
	if meta.Managed() {
		entry, err := h.vectors.GetEntry(meta.UID)
		if err != nil {
			return fmt.Errorf("healer: create %s: %w", path, err)
		}
		if entry != nil && entry.Path != path {
			oldExists, err := h.vault.Exists(entry.Path)
			if err != nil {
				return fmt.Errorf("healer: create %s: %w", path, err)
			}
			if !oldExists {
				return h.OnRename(entry.Path, path)
			}
		}
	}

	h.OnModify(path)
	return nil
}

// OnModify schedules processing of a modified path after the quiet
// interval. Repeated events for the same path reschedule the timer.
func (h *Healer) OnModify(path string) {
	if !strings.HasSuffix(path, ".md") {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if t, ok := h.timers[path]; ok {
		t.Reset(h.quiet)
		return
	}
	h.timers[path] = time.AfterFunc(h.quiet, func() {
		h.mu.Lock()
		delete(h.timers, path)
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return
		}
		if err := h.ProcessModify(path); err != nil {
			h.logger.Warn("healer: modify failed",
				slog.String("path", path), slog.String("error", err.Error()))
		}
	})
}

// ProcessModify applies a modify event immediately (the debounce already
// elapsed, or a test wants determinism).
func (h *Healer) ProcessModify(path string) error {
	data, err := h.vault.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Deleted between the event and the quiet interval.
			return nil
		}
		return fmt.Errorf("healer: modify %s: %w", path, err)
	}

	meta := notemeta.Extract(data)
	if !meta.Managed() {
		h.logger.Debug("healer: unmanaged note ignored", slog.String("path", path))
		return nil
	}

	entry, err := h.vectors.GetEntry(meta.UID)
	if err != nil {
		return fmt.Errorf("healer: modify %s: %w", path, err)
	}
	if entry == nil {
		// Generating a fresh embedding is expensive; leave it to an
		// explicit user action.
		h.logger.Info("healer: new identifier, awaiting explicit index",
			slog.String("path", path), slog.String("uid", meta.UID))
		return nil
	}
	if entry.Path != path {
		if err := h.vectors.UpdatePath(meta.UID, path); err != nil {
			return fmt.Errorf("healer: modify %s: %w", path, err)
		}
		h.logger.Info("healer: corrected stale path",
			slog.String("uid", meta.UID), slog.String("path", path))
	}
	if meta.Type != "" && entry.Type != meta.Type {
		// Changing type changes which embedding bucket the note belongs
		// to; flag it instead of silently rebuilding.
		h.logger.Warn("healer: note type changed, rebuild required",
			slog.String("uid", meta.UID),
			slog.String("indexed_type", entry.Type),
			slog.String("actual_type", meta.Type))
	}

	h.emit("modified", path)
	return nil
}

// removePairsMentioning deletes every pending pair that references uid.
func (h *Healer) removePairsMentioning(uid string) error {
	pending, err := h.pairs.PendingPairs()
	if err != nil {
		return fmt.Errorf("healer: pending pairs: %w", err)
	}
	for _, p := range pending {
		if !p.Mentions(uid) {
			continue
		}
		if err := h.pairs.RemovePair(p.ID); err != nil {
			return fmt.Errorf("healer: remove pair %s: %w", p.ID, err)
		}
		h.logger.Debug("healer: removed stale duplicate pair",
			slog.String("pair", p.ID), slog.String("uid", uid))
	}
	return nil
}

// rewriteParentRefs rewrites parent references to oldName across every
// managed note except the renamed one. Per-file failures are logged and
// skipped.
func (h *Healer) rewriteParentRefs(oldName, newName, renamedPath string) {
	metas, err := h.vault.List("")
	if err != nil {
		h.logger.Warn("healer: list for parent rewrite failed", slog.String("error", err.Error()))
		return
	}
	for _, m := range metas {
		if m.Path == renamedPath {
			continue
		}
		data, err := h.vault.Read(m.Path)
		if err != nil {
			h.logger.Warn("healer: read for parent rewrite failed",
				slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		rewritten, changed := notemeta.ReplaceParent(data, oldName, newName)
		if !changed {
			continue
		}
		if err := h.vault.Write(m.Path, rewritten); err != nil {
			h.logger.Warn("healer: parent rewrite failed",
				slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		h.logger.Info("healer: rewrote parent reference",
			slog.String("path", m.Path),
			slog.String("old", oldName), slog.String("new", newName))
	}
}

func (h *Healer) emit(kind, path string) {
	if h.notify != nil {
		h.notify(kind, path)
	}
}

// noteName returns the basename of a note path without the .md extension.
func noteName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".md")
}
