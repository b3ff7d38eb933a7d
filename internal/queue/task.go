package queue

import (
	"encoding/json"
	"time"

	"github.com/starford/ansuz/internal/apperr"
)

// State is a task's lifecycle state. Transitions only move forward:
// Pending → Running → {Completed, Failed, Cancelled}.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// validNext encodes the forward-only state machine. Running → Pending is
// the one backward edge: a retryable failure re-queues the task for its
// next attempt.
var validNext = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StateCompleted, StateFailed, StateCancelled, StatePending},
}

// canTransition reports whether from → to is a legal move.
func canTransition(from, to State) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is one unit of asynchronous work tracked through its lifecycle.
// Errors is an append-only log of every failure across attempts.
type Task struct {
	ID          string            `json:"id"`
	NodeID      string            `json:"node_id,omitempty"`
	Type        string            `json:"type"`
	State       State             `json:"state"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Errors      []apperr.TaskError `json:"errors,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	LockKey     string            `json:"lock_key,omitempty"`
	// SnapshotID links the task to the undo snapshot taken on its behalf.
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// clone returns a deep-enough copy safe to hand outside the queue's lock.
func (t *Task) clone() Task {
	out := *t
	out.Errors = append([]apperr.TaskError(nil), t.Errors...)
	return out
}
