// Package snapshot implements the undo layer: before any destructive write
// to a note, callers capture an immutable, checksummed copy of the prior
// content that can later be restored atomically. A JSON index is the single
// source of truth for which snapshots exist; the per-snapshot file is
// authoritative for content. The two are kept in lock-step: an index entry
// without a backing file, or vice versa, must never be produced.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/storage"
)

// MaxContentSize caps snapshot content at 10 MB.
const MaxContentSize = 10 << 20

const indexFileName = "index.json"

// Sentinel errors.
var (
	ErrNotFound     = errors.New("snapshot: not found")
	ErrCorrupted    = errors.New("snapshot: checksum mismatch")
	ErrInvalidPath  = errors.New("snapshot: invalid path")
	ErrContentLimit = errors.New("snapshot: content exceeds size limit")
)

// Record is the full on-disk form of one snapshot.
type Record struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id,omitempty"`
	TaskID    string    `json:"task_id"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	FileSize  int64     `json:"file_size"`
	Checksum  string    `json:"checksum"`
}

// Metadata is the index entry for one snapshot (everything but content).
type Metadata struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id,omitempty"`
	TaskID    string    `json:"task_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	FileSize  int64     `json:"file_size"`
	Checksum  string    `json:"checksum"`
}

// RetentionPolicy governs pruning. It is persisted inside the index so a
// policy change at runtime survives restarts.
type RetentionPolicy struct {
	MaxCount   int `json:"max_count"`
	MaxAgeDays int `json:"max_age_days"`
}

// DefaultRetention keeps at most 50 snapshots for 30 days.
var DefaultRetention = RetentionPolicy{MaxCount: 50, MaxAgeDays: 30}

// Index is the persisted enumeration of all snapshots plus the retention
// policy in force.
type Index struct {
	Version   int             `json:"version"`
	Snapshots []Metadata      `json:"snapshots"`
	Retention RetentionPolicy `json:"retention_policy"`
}

// Manager owns the snapshot directory and its index.
type Manager struct {
	dir    string
	vault  storage.Provider
	logger *slog.Logger

	mu    sync.Mutex
	index Index
}

// NewManager opens (or creates) the snapshot store at dir. When an index
// already exists its persisted retention policy wins over policy.
func NewManager(dir string, vault storage.Provider, policy RetentionPolicy, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	m := &Manager{
		dir:    dir,
		vault:  vault,
		logger: logger,
		index:  Index{Version: 1, Retention: policy},
	}
	if m.index.Retention.MaxCount <= 0 {
		m.index.Retention = DefaultRetention
	}

	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fresh store.
	case err != nil:
		return nil, fmt.Errorf("snapshot: read index: %w", err)
	default:
		var idx Index
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, fmt.Errorf("snapshot: parse index: %w", err)
		}
		if idx.Retention.MaxCount > 0 {
			m.index = idx
		} else {
			idx.Retention = m.index.Retention
			m.index = idx
		}
	}
	return m, nil
}

var drivePrefixRe = regexp.MustCompile(`^[A-Za-z]:`)

// validatePath enforces the snapshot path contract: repository-relative,
// non-traversing, .md only.
func validatePath(path string) error {
	if path == "" || filepath.IsAbs(path) || drivePrefixRe.MatchString(path) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	if !strings.HasSuffix(path, ".md") {
		return fmt.Errorf("%w: %q (must end with .md)", ErrInvalidPath, path)
	}
	return nil
}

// Create captures content as a new snapshot for path and returns its id.
// taskID links the snapshot to the task that triggered the write; nodeID is
// the note's permanent identifier when known. If persisting the index fails
// after the snapshot file was written, the orphan file is removed
// best-effort and the operation fails.
func (m *Manager) Create(path string, content []byte, taskID, nodeID string) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	if len(content) > MaxContentSize {
		return "", fmt.Errorf("%w: %d bytes", ErrContentLimit, len(content))
	}

	rec := Record{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		TaskID:    taskID,
		Path:      path,
		Content:   string(content),
		CreatedAt: time.Now().UTC(),
		FileSize:  int64(len(content)),
		Checksum:  checksum.Sum(content),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeRecord(rec); err != nil {
		return "", err
	}

	m.index.Snapshots = append(m.index.Snapshots, Metadata{
		ID:        rec.ID,
		NodeID:    rec.NodeID,
		TaskID:    rec.TaskID,
		Path:      rec.Path,
		CreatedAt: rec.CreatedAt,
		FileSize:  rec.FileSize,
		Checksum:  rec.Checksum,
	})

	if err := m.persistIndex(); err != nil {
		// Roll back: drop the entry and the orphan file.
		m.index.Snapshots = m.index.Snapshots[:len(m.index.Snapshots)-1]
		if rmErr := os.Remove(m.recordPath(rec.ID)); rmErr != nil {
			m.logger.Warn("snapshot: orphan cleanup failed",
				slog.String("id", rec.ID),
				slog.String("error", rmErr.Error()))
		}
		return "", err
	}

	m.pruneLocked()
	return rec.ID, nil
}

// Restore loads the snapshot with the given id and verifies its checksum.
// A mismatch means the on-disk file was tampered with or partially written
// and is always surfaced, never repaired.
func (m *Manager) Restore(id string) (*Record, error) {
	m.mu.Lock()
	meta, ok := m.findLocked(id)
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(m.recordPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshot: read %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("snapshot: parse %s: %w", id, err)
	}
	if !checksum.Verify([]byte(rec.Content), meta.Checksum) {
		return nil, fmt.Errorf("%w: snapshot %s", ErrCorrupted, id)
	}
	return &rec, nil
}

// RestoreToFile restores the snapshot's content to its original vault path
// with an atomic write, so a crash mid-restore leaves either the old or the
// new content intact.
func (m *Manager) RestoreToFile(id string) error {
	rec, err := m.Restore(id)
	if err != nil {
		return err
	}
	if err := m.vault.Write(rec.Path, []byte(rec.Content)); err != nil {
		return fmt.Errorf("snapshot: restore to %s: %w", rec.Path, err)
	}
	return nil
}

// Delete removes the snapshot's backing file and index entry together.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.findLocked(id); !ok {
		return ErrNotFound
	}
	return m.removeLocked(id)
}

// CleanupExpired deletes every snapshot older than maxAge and returns how
// many were removed.
func (m *Manager) CleanupExpired(maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var expired []string
	for _, meta := range m.index.Snapshots {
		if meta.CreatedAt.Before(cutoff) {
			expired = append(expired, meta.ID)
		}
	}
	for _, id := range expired {
		if err := m.removeLocked(id); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// ClearAll removes every snapshot and its index entry.
func (m *Manager) ClearAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, meta := range m.index.Snapshots {
		if err := os.Remove(m.recordPath(meta.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("snapshot: remove %s: %w", meta.ID, err)
		}
	}
	m.index.Snapshots = nil
	return m.persistIndex()
}

// List returns metadata for all snapshots, newest first.
func (m *Manager) List() []Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Metadata, len(m.index.Snapshots))
	copy(out, m.index.Snapshots)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Retention returns the policy currently in force.
func (m *Manager) Retention() RetentionPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.Retention
}

// SetRetention replaces the retention policy and persists it inside the
// index, then prunes under the new policy.
func (m *Manager) SetRetention(policy RetentionPolicy) error {
	if policy.MaxCount <= 0 {
		return fmt.Errorf("snapshot: retention max count must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.index.Retention = policy
	if err := m.persistIndex(); err != nil {
		return err
	}
	m.pruneLocked()
	return nil
}

func (m *Manager) recordPath(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func (m *Manager) findLocked(id string) (Metadata, bool) {
	for _, meta := range m.index.Snapshots {
		if meta.ID == id {
			return meta, true
		}
	}
	return Metadata{}, false
}

// removeLocked deletes the backing file then the index entry and persists.
func (m *Manager) removeLocked(id string) error {
	if err := os.Remove(m.recordPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapshot: remove %s: %w", id, err)
	}
	kept := m.index.Snapshots[:0]
	for _, meta := range m.index.Snapshots {
		if meta.ID != id {
			kept = append(kept, meta)
		}
	}
	m.index.Snapshots = kept
	return m.persistIndex()
}

// pruneLocked drops the oldest snapshots until the count fits the policy.
// Failures are logged, not fatal: pruning runs after the snapshot the
// caller asked for is already safe.
func (m *Manager) pruneLocked() {
	max := m.index.Retention.MaxCount
	if max <= 0 || len(m.index.Snapshots) <= max {
		return
	}
	byAge := make([]Metadata, len(m.index.Snapshots))
	copy(byAge, m.index.Snapshots)
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].CreatedAt.Before(byAge[j].CreatedAt) })

	for _, meta := range byAge[:len(byAge)-max] {
		if err := m.removeLocked(meta.ID); err != nil {
			m.logger.Warn("snapshot: prune failed",
				slog.String("id", meta.ID),
				slog.String("error", err.Error()))
			return
		}
		m.logger.Debug("snapshot: pruned", slog.String("id", meta.ID), slog.String("path", meta.Path))
	}
}

// writeRecord persists one snapshot file atomically.
func (m *Manager) writeRecord(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal %s: %w", rec.ID, err)
	}
	return atomicWriteFile(m.recordPath(rec.ID), data)
}

// persistIndex writes the index atomically after every mutation.
func (m *Manager) persistIndex() error {
	data, err := json.MarshalIndent(m.index, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal index: %w", err)
	}
	if err := atomicWriteFile(filepath.Join(m.dir, indexFileName), data); err != nil {
		return fmt.Errorf("snapshot: persist index: %w", err)
	}
	return nil
}

// atomicWriteFile writes data via tmp file → fsync → rename.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ansuz-tmp-*")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("snapshot: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("snapshot: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	success = true
	return nil
}
