package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/queue"
	"github.com/starford/ansuz/internal/snapshot"
)

// Handler holds API route handlers.
type Handler struct {
	queue     *queue.Queue
	snapshots *snapshot.Manager
}

// NewHandler creates a new Handler.
func NewHandler(q *queue.Queue, snapshots *snapshot.Manager) *Handler {
	return &Handler{queue: q, snapshots: snapshots}
}

// writeError maps domain errors to HTTP statuses, surfacing only the
// filtered code + message plus any actionable guidance.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, snapshot.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, snapshot.ErrInvalidPath), errors.Is(err, snapshot.ErrContentLimit):
		status = http.StatusBadRequest
	case errors.Is(err, snapshot.ErrCorrupted):
		status = http.StatusConflict
	}

	filtered := apperr.Filter(err)
	body := errResponse{Error: filtered.Message, Code: filtered.Code}
	if g, ok := apperr.Guide(filtered.Code); ok {
		body.Suggestion = g.Suggestion
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", slog.String("error", err.Error()))
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

// ListTasks handles GET /api/tasks.
func (h *Handler) ListTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := h.queue.List()
	writeJSON(w, http.StatusOK, TaskListResponse{Tasks: tasks, Total: len(tasks)})
}

// EnqueueTask handles POST /api/tasks.
func (h *Handler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("type is required"))
		return
	}
	t, err := h.queue.Enqueue(req.Type, req.NodeID, req.Payload, req.MaxAttempts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTask handles GET /api/tasks/{id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask handles POST /api/tasks/{id}/cancel.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Cancel(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryTask handles POST /api/tasks/{id}/retry. Re-enqueues a failed task
// as a new record with the same payload.
func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.queue.Retry(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// QueueStatus handles GET /api/queue.
func (h *Handler) QueueStatus(w http.ResponseWriter, _ *http.Request) {
	resp := QueueStatusResponse{Paused: h.queue.Paused()}
	for _, t := range h.queue.List() {
		switch t.State {
		case queue.StatePending:
			resp.Pending++
		case queue.StateRunning:
			resp.Running++
		case queue.StateCompleted:
			resp.Completed++
		case queue.StateFailed:
			resp.Failed++
		case queue.StateCancelled:
			resp.Cancelled++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// PauseQueue handles POST /api/queue/pause.
func (h *Handler) PauseQueue(w http.ResponseWriter, _ *http.Request) {
	if err := h.queue.Pause(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeQueue handles POST /api/queue/resume.
func (h *Handler) ResumeQueue(w http.ResponseWriter, _ *http.Request) {
	if err := h.queue.Resume(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSnapshots handles GET /api/snapshots.
func (h *Handler) ListSnapshots(w http.ResponseWriter, _ *http.Request) {
	metas := h.snapshots.List()
	writeJSON(w, http.StatusOK, SnapshotListResponse{Snapshots: metas, Total: len(metas)})
}

// RestoreSnapshot handles POST /api/snapshots/{id}/restore. Restores the
// snapshot's content to its original path with an atomic write.
func (h *Handler) RestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.snapshots.RestoreToFile(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteSnapshot handles DELETE /api/snapshots/{id}.
func (h *Handler) DeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.snapshots.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRetention handles GET /api/snapshots/retention.
func (h *Handler) GetRetention(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshots.Retention())
}

// SetRetention handles PUT /api/snapshots/retention.
func (h *Handler) SetRetention(w http.ResponseWriter, r *http.Request) {
	var req RetentionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MaxCount <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("max_count must be positive"))
		return
	}
	policy := snapshot.RetentionPolicy{MaxCount: req.MaxCount, MaxAgeDays: req.MaxAgeDays}
	if err := h.snapshots.SetRetention(policy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}
