package index

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/ansuz/internal/models"
)

// FindUIDByPath returns the identifier of the entry recorded at path, or
// empty string when no entry exists there.
func (db *DB) FindUIDByPath(path string) (string, error) {
	var uid string
	err := db.conn.QueryRow(`SELECT uid FROM vector_entries WHERE path = ?`, path).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("index: find uid by path: %w", err)
	}
	return uid, nil
}

// GetEntry returns the entry for uid, or nil when absent.
func (db *DB) GetEntry(uid string) (*models.VectorEntry, error) {
	var (
		e            models.VectorEntry
		embeddingRaw string
	)
	err := db.conn.QueryRow(`
		SELECT uid, type, embedding, path, updated_at
		FROM vector_entries WHERE uid = ?`, uid).
		Scan(&e.UID, &e.Type, &embeddingRaw, &e.Path, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: get entry: %w", err)
	}
	if err := json.Unmarshal([]byte(embeddingRaw), &e.Embedding); err != nil {
		return nil, fmt.Errorf("index: decode embedding for %s: %w", uid, err)
	}
	return &e, nil
}

// Upsert inserts or replaces the entry keyed by its uid.
func (db *DB) Upsert(e models.VectorEntry) error {
	embedding, err := json.Marshal(e.Embedding)
	if err != nil {
		return fmt.Errorf("index: encode embedding for %s: %w", e.UID, err)
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = db.conn.Exec(`
		INSERT INTO vector_entries (uid, type, embedding, path, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			type       = excluded.type,
			embedding  = excluded.embedding,
			path       = excluded.path,
			updated_at = excluded.updated_at
	`, e.UID, e.Type, string(embedding), e.Path, updated)
	if err != nil {
		return fmt.Errorf("index: upsert entry %s: %w", e.UID, err)
	}
	return nil
}

// UpdatePath rewrites only the recorded path for uid, leaving type and
// embedding untouched.
func (db *DB) UpdatePath(uid, path string) error {
	_, err := db.conn.Exec(`
		UPDATE vector_entries SET path = ?, updated_at = ? WHERE uid = ?`,
		path, time.Now().UTC(), uid)
	if err != nil {
		return fmt.Errorf("index: update path for %s: %w", uid, err)
	}
	return nil
}

// Delete removes the entry for uid. Deleting an absent uid is a no-op.
func (db *DB) Delete(uid string) error {
	if _, err := db.conn.Exec(`DELETE FROM vector_entries WHERE uid = ?`, uid); err != nil {
		return fmt.Errorf("index: delete entry %s: %w", uid, err)
	}
	return nil
}

// AllEntries returns every vector entry.
func (db *DB) AllEntries() ([]models.VectorEntry, error) {
	rows, err := db.conn.Query(`SELECT uid, type, embedding, path, updated_at FROM vector_entries`)
	if err != nil {
		return nil, fmt.Errorf("index: all entries: %w", err)
	}
	defer rows.Close()

	var out []models.VectorEntry
	for rows.Next() {
		var (
			e            models.VectorEntry
			embeddingRaw string
		)
		if err := rows.Scan(&e.UID, &e.Type, &embeddingRaw, &e.Path, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(embeddingRaw), &e.Embedding); err != nil {
			return nil, fmt.Errorf("index: decode embedding for %s: %w", e.UID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
