package healer

import (
	"fmt"
	"log/slog"

	"github.com/starford/ansuz/internal/notemeta"
)

// Reconcile sweeps the whole vault and repairs the stores: vector entries
// whose files are gone are removed (with their pending pairs), stale paths
// are corrected, and pending pairs referencing unknown identifiers are
// dropped. Safe to run at any time; used at start-up and by the
// vault.reindex task.
func (h *Healer) Reconcile() error {
	metas, err := h.vault.List("")
	if err != nil {
		return fmt.Errorf("healer: reconcile list: %w", err)
	}

	// Identifier → current on-disk path, managed notes only.
	diskByUID := make(map[string]string, len(metas))
	for _, m := range metas {
		data, err := h.vault.Read(m.Path)
		if err != nil {
			h.logger.Warn("healer: reconcile read failed",
				slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		meta := notemeta.Extract(data)
		if meta.Managed() {
			diskByUID[meta.UID] = m.Path
		}
	}

	entries, err := h.vectors.AllEntries()
	if err != nil {
		return fmt.Errorf("healer: reconcile entries: %w", err)
	}

	for _, e := range entries {
		diskPath, ok := diskByUID[e.UID]
		if !ok {
			if err := h.vectors.Delete(e.UID); err != nil {
				h.logger.Warn("healer: reconcile delete failed",
					slog.String("uid", e.UID), slog.String("error", err.Error()))
				continue
			}
			if err := h.removePairsMentioning(e.UID); err != nil {
				h.logger.Warn("healer: reconcile pair cleanup failed",
					slog.String("uid", e.UID), slog.String("error", err.Error()))
			}
			h.logger.Debug("healer: reconcile removed stale entry", slog.String("uid", e.UID))
			h.emit("reconciled", e.Path)
			continue
		}
		if diskPath != e.Path {
			if err := h.vectors.UpdatePath(e.UID, diskPath); err != nil {
				h.logger.Warn("healer: reconcile path fix failed",
					slog.String("uid", e.UID), slog.String("error", err.Error()))
				continue
			}
			h.logger.Debug("healer: reconcile corrected path",
				slog.String("uid", e.UID), slog.String("path", diskPath))
			h.emit("reconciled", diskPath)
		}
	}

	// Pending pairs must only reference identifiers that still map to an
	// existing file.
	pending, err := h.pairs.PendingPairs()
	if err != nil {
		return fmt.Errorf("healer: reconcile pairs: %w", err)
	}
	for _, p := range pending {
		if _, okA := diskByUID[p.UIDA]; okA {
			if _, okB := diskByUID[p.UIDB]; okB {
				continue
			}
		}
		if err := h.pairs.RemovePair(p.ID); err != nil {
			h.logger.Warn("healer: reconcile pair removal failed",
				slog.String("pair", p.ID), slog.String("error", err.Error()))
			continue
		}
		h.logger.Debug("healer: reconcile removed orphan pair", slog.String("pair", p.ID))
	}

	return nil
}
