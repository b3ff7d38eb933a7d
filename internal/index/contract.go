package index

import "github.com/starford/ansuz/internal/models"

// VectorIndex is the similarity-index contract the healer depends on.
// Consumers should depend on this interface rather than the concrete *DB
// type to facilitate testing with mocks.
type VectorIndex interface {
	FindUIDByPath(path string) (string, error)
	GetEntry(uid string) (*models.VectorEntry, error)
	Upsert(e models.VectorEntry) error
	UpdatePath(uid, path string) error
	Delete(uid string) error
	AllEntries() ([]models.VectorEntry, error)
}

// PairStore is the pending duplicate-pair contract the healer depends on.
type PairStore interface {
	PendingPairs() ([]models.DuplicatePair, error)
	InsertPair(p models.DuplicatePair) error
	RemovePair(id string) error
	ResolvePair(id, status string) error
}

// Verify *DB satisfies both contracts at compile time.
var (
	_ VectorIndex = (*DB)(nil)
	_ PairStore   = (*DB)(nil)
)
