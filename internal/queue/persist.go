package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// State file versions. v1 carried only the minimal task fields; v2 added
// the resumable fields (attempt counters, error log, snapshot link). Both
// are accepted on load; the file is always written as v2.
const (
	stateVersionV1 = 1
	stateVersionV2 = 2
)

// stateFile is the persisted snapshot of all non-terminal tasks plus the
// paused flag.
type stateFile struct {
	Version int    `json:"version"`
	Paused  bool   `json:"paused"`
	Tasks   []Task `json:"tasks"`
}

// load reads the state file if present and rebuilds the backlog. Tasks
// found Running were interrupted by a crash: they reload as Pending and
// their attempt count is left untouched.
func (q *Queue) load() error {
	data, err := os.ReadFile(q.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: read state: %w", err)
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("queue: parse state: %w", err)
	}
	if sf.Version != stateVersionV1 && sf.Version != stateVersionV2 {
		return fmt.Errorf("queue: unsupported state file version %d", sf.Version)
	}

	q.paused = sf.Paused
	sort.Slice(sf.Tasks, func(i, j int) bool {
		return sf.Tasks[i].CreatedAt.Before(sf.Tasks[j].CreatedAt)
	})
	for i := range sf.Tasks {
		t := sf.Tasks[i]
		if t.State.Terminal() {
			continue
		}
		if t.State == StateRunning {
			t.State = StatePending
			t.StartedAt = nil
			q.logger.Warn("queue: recovered interrupted task",
				slog.String("task", t.ID), slog.String("type", t.Type))
		}
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = DefaultMaxAttempts
		}
		tc := t
		q.tasks[t.ID] = &tc
		q.pending = append(q.pending, t.ID)
	}

	q.logger.Info("queue: state loaded",
		slog.Int("backlog", len(q.pending)), slog.Bool("paused", q.paused))
	return nil
}

// persistLocked writes all non-terminal tasks plus the paused flag
// atomically. Caller holds q.mu.
func (q *Queue) persistLocked() error {
	sf := stateFile{Version: stateVersionV2, Paused: q.paused}
	for _, t := range q.tasks {
		if t.State.Terminal() {
			continue
		}
		sf.Tasks = append(sf.Tasks, t.clone())
	}
	sort.Slice(sf.Tasks, func(i, j int) bool {
		return sf.Tasks[i].CreatedAt.Before(sf.Tasks[j].CreatedAt)
	})

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.statePath), 0o755); err != nil {
		return fmt.Errorf("queue: state dir: %w", err)
	}
	return atomicWriteFile(q.statePath, data)
}

// atomicWriteFile writes data via tmp file → fsync → rename.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ansuz-tmp-*")
	if err != nil {
		return fmt.Errorf("queue: create temp: %w", err)
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
		return fmt.Errorf("queue: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("queue: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("queue: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("queue: rename: %w", err)
	}
	success = true
	return nil
}
