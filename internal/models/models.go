// Package models defines the domain types shared across the subsystem.
package models

import "time"

// NoteMetadata is a lightweight representation returned by vault list
// operations.
type NoteMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VectorEntry maps a note's permanent identifier to its embedding and
// current path. Exactly one entry exists per managed note; the healer's
// job is to keep Path truthful against out-of-band file moves.
type VectorEntry struct {
	UID       string    `json:"uid"`
	Type      string    `json:"type"`
	Embedding []float32 `json:"embedding"`
	Path      string    `json:"path"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Duplicate pair statuses.
const (
	PairPending   = "pending"
	PairResolved  = "resolved"
	PairDismissed = "dismissed"
)

// DuplicatePair is a candidate match between two notes suspected of
// representing the same concept.
type DuplicatePair struct {
	ID         string  `json:"id"`
	UIDA       string  `json:"uid_a"`
	UIDB       string  `json:"uid_b"`
	Type       string  `json:"type"`
	Similarity float64 `json:"similarity"`
	Status     string  `json:"status"`
}

// Mentions reports whether the pair references the given identifier.
func (p DuplicatePair) Mentions(uid string) bool {
	return p.UIDA == uid || p.UIDB == uid
}
