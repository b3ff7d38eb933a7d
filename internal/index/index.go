// Package index provides the SQLite-backed vector similarity index and the
// pending duplicate-pair store. It holds derived data only: the healer
// repairs it against the vault, and losing it costs a re-embedding, never
// user content.
package index

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS vector_entries (
	uid        TEXT PRIMARY KEY,
	type       TEXT NOT NULL DEFAULT '',
	embedding  TEXT NOT NULL DEFAULT '[]',
	path       TEXT NOT NULL UNIQUE,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_vector_entries_path ON vector_entries(path);

CREATE TABLE IF NOT EXISTS duplicate_pairs (
	id         TEXT PRIMARY KEY,
	uid_a      TEXT NOT NULL,
	uid_b      TEXT NOT NULL,
	type       TEXT NOT NULL DEFAULT '',
	similarity REAL NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'pending',
	UNIQUE(uid_a, uid_b)
);

CREATE INDEX IF NOT EXISTS idx_duplicate_pairs_status ON duplicate_pairs(status);
`

// DB wraps a sql.DB with index-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
