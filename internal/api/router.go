package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/queue"
	"github.com/starford/ansuz/internal/snapshot"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(q *queue.Queue, snapshots *snapshot.Manager, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(q, snapshots)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Task queue.
	r.Get("/tasks", h.ListTasks)
	r.Post("/tasks", h.EnqueueTask)
	r.Get("/tasks/{id}", h.GetTask)
	r.Post("/tasks/{id}/cancel", h.CancelTask)
	r.Post("/tasks/{id}/retry", h.RetryTask)
	r.Get("/queue", h.QueueStatus)
	r.Post("/queue/pause", h.PauseQueue)
	r.Post("/queue/resume", h.ResumeQueue)

	// Snapshots.
	r.Get("/snapshots", h.ListSnapshots)
	r.Get("/snapshots/retention", h.GetRetention)
	r.Put("/snapshots/retention", h.SetRetention)
	r.Post("/snapshots/{id}/restore", h.RestoreSnapshot)
	r.Delete("/snapshots/{id}", h.DeleteSnapshot)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
