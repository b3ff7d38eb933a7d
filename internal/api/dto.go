package api

import (
	"encoding/json"

	"github.com/starford/ansuz/internal/queue"
	"github.com/starford/ansuz/internal/snapshot"
)

// EnqueueRequest is the request body for enqueueing a task.
type EnqueueRequest struct {
	Type        string          `json:"type" validate:"required"`
	NodeID      string          `json:"node_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// TaskResponse is a single task (aliased from the domain layer).
type TaskResponse = queue.Task

// TaskListResponse wraps a task listing.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

// QueueStatusResponse summarises the queue.
type QueueStatusResponse struct {
	Paused    bool `json:"paused"`
	Pending   int  `json:"pending"`
	Running   int  `json:"running"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Cancelled int  `json:"cancelled"`
}

// SnapshotListResponse wraps a snapshot listing.
type SnapshotListResponse struct {
	Snapshots []snapshot.Metadata `json:"snapshots"`
	Total     int                 `json:"total"`
}

// RetentionRequest is the request body for updating the retention policy.
type RetentionRequest struct {
	MaxCount   int `json:"max_count" validate:"required"`
	MaxAgeDays int `json:"max_age_days"`
}
