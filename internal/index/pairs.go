package index

import (
	"fmt"

	"github.com/starford/ansuz/internal/models"
)

// PendingPairs returns every duplicate pair still awaiting review.
func (db *DB) PendingPairs() ([]models.DuplicatePair, error) {
	rows, err := db.conn.Query(`
		SELECT id, uid_a, uid_b, type, similarity, status
		FROM duplicate_pairs WHERE status = ?`, models.PairPending)
	if err != nil {
		return nil, fmt.Errorf("index: pending pairs: %w", err)
	}
	defer rows.Close()

	var out []models.DuplicatePair
	for rows.Next() {
		var p models.DuplicatePair
		if err := rows.Scan(&p.ID, &p.UIDA, &p.UIDB, &p.Type, &p.Similarity, &p.Status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPair records a new candidate pair.
func (db *DB) InsertPair(p models.DuplicatePair) error {
	status := p.Status
	if status == "" {
		status = models.PairPending
	}
	_, err := db.conn.Exec(`
		INSERT OR IGNORE INTO duplicate_pairs (id, uid_a, uid_b, type, similarity, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.UIDA, p.UIDB, p.Type, p.Similarity, status)
	if err != nil {
		return fmt.Errorf("index: insert pair %s: %w", p.ID, err)
	}
	return nil
}

// RemovePair deletes a pair outright. Removing an absent id is a no-op.
func (db *DB) RemovePair(id string) error {
	if _, err := db.conn.Exec(`DELETE FROM duplicate_pairs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("index: remove pair %s: %w", id, err)
	}
	return nil
}

// ResolvePair marks a pair as resolved or dismissed.
func (db *DB) ResolvePair(id, status string) error {
	if status != models.PairResolved && status != models.PairDismissed {
		return fmt.Errorf("index: invalid pair status %q", status)
	}
	if _, err := db.conn.Exec(`UPDATE duplicate_pairs SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("index: resolve pair %s: %w", id, err)
	}
	return nil
}
