// Package queue implements the persistent task queue: bounded concurrency,
// FIFO scheduling, crash-safe JSON persistence, and cooperative
// cancellation. The full non-terminal task list is written after every
// state-changing operation, so a crash mid-run loses at most the in-flight
// task's progress, never the backlog.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/retry"
)

// Concurrency bounds.
const (
	MinConcurrent      = 1
	MaxConcurrent      = 10
	DefaultMaxAttempts = 3
)

// Handler executes one task type. The context is cancelled on cooperative
// cancellation and on queue shutdown; a long-running handler must observe
// it.
type Handler interface {
	Execute(ctx context.Context, task Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task Task) (json.RawMessage, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, task Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Callback is invoked after every task state transition.
type Callback func(task Task)

// Queue schedules tasks subject to a concurrency cap.
type Queue struct {
	statePath string
	logger    *slog.Logger
	notify    Callback
	policy    retry.Policy
	sem       *semaphore.Weighted

	mu       sync.Mutex
	handlers map[string]Handler
	tasks    map[string]*Task
	pending  []string // FIFO of pending task ids
	cancels  map[string]context.CancelFunc
	locks    map[string]string // lock key → running task id
	paused   bool
	baseCtx  context.Context
	started  bool

	wg sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithCallback registers a callback for task state transitions.
func WithCallback(cb Callback) Option {
	return func(q *Queue) { q.notify = cb }
}

// WithRetryPolicy overrides the backoff schedule for retryable failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(q *Queue) { q.policy = p }
}

// New creates a queue persisting to statePath with the given concurrency
// cap (clamped to 1–10) and reloads any backlog from a previous run. A task
// that was Running when the process died reloads as Pending with its
// attempt count untouched; whether to count the interrupted attempt is the
// caller's retry policy, not the queue's.
func New(statePath string, maxConcurrent int, logger *slog.Logger, opts ...Option) (*Queue, error) {
	if maxConcurrent < MinConcurrent {
		maxConcurrent = MinConcurrent
	}
	if maxConcurrent > MaxConcurrent {
		maxConcurrent = MaxConcurrent
	}

	q := &Queue{
		statePath: statePath,
		logger:    logger,
		policy:    retry.DefaultPolicy,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		handlers:  make(map[string]Handler),
		tasks:     make(map[string]*Task),
		cancels:   make(map[string]context.CancelFunc),
		locks:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// RegisterHandler binds a handler to a task type. Registering the same
// type twice is a programmer error.
func (q *Queue) RegisterHandler(taskType string, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[taskType]; ok {
		return fmt.Errorf("queue: handler already registered for %q", taskType)
	}
	q.handlers[taskType] = h
	return nil
}

// Start begins scheduling. ctx is the parent of every task context;
// cancelling it stops new work and cancels in-flight tasks.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.baseCtx = ctx
	q.started = true
	q.mu.Unlock()
	q.dispatch()
}

// Wait blocks until every in-flight task has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Enqueue adds a new Pending task and schedules it. Tasks carrying the
// same node id share a lock key and never run concurrently, so two
// generation steps cannot write the same note at once.
func (q *Queue) Enqueue(taskType, nodeID string, payload json.RawMessage, maxAttempts int) (Task, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.NewString(),
		NodeID:      nodeID,
		Type:        taskType,
		State:       StatePending,
		MaxAttempts: maxAttempts,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
		LockKey:     nodeID,
	}

	q.mu.Lock()
	q.tasks[t.ID] = t
	q.pending = append(q.pending, t.ID)
	if err := q.persistLocked(); err != nil {
		delete(q.tasks, t.ID)
		q.pending = q.pending[:len(q.pending)-1]
		q.mu.Unlock()
		return Task{}, err
	}
	out := t.clone()
	q.mu.Unlock()

	q.logger.Info("queue: enqueued",
		slog.String("task", t.ID), slog.String("type", taskType))
	q.emit(out)
	q.dispatch()
	return out, nil
}

// Get returns a copy of the task with the given id.
func (q *Queue) Get(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, apperr.ErrNotFound
	}
	return t.clone(), nil
}

// List returns a copy of every known task, oldest first.
func (q *Queue) List() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cancel cancels a task. A Pending task is removed outright; a Running
// task is marked Cancelled and its context cancelled, but the in-flight
// operation is not forcibly killed.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return apperr.ErrNotFound
	}

	switch t.State {
	case StatePending:
		delete(q.tasks, id)
		q.removePendingLocked(id)
		err := q.persistLocked()
		q.mu.Unlock()
		if err != nil {
			return err
		}
		q.logger.Info("queue: cancelled pending task", slog.String("task", id))
		return nil

	case StateRunning:
		now := time.Now().UTC()
		t.State = StateCancelled
		t.UpdatedAt = now
		t.CompletedAt = &now
		if cancel, ok := q.cancels[id]; ok {
			cancel()
		}
		err := q.persistLocked()
		out := t.clone()
		q.mu.Unlock()
		if err != nil {
			return err
		}
		q.logger.Info("queue: cancelled running task", slog.String("task", id))
		q.emit(out)
		return nil

	default:
		q.mu.Unlock()
		return fmt.Errorf("queue: cannot cancel task in state %s: %w", t.State, apperr.ErrConflict)
	}
}

// Retry re-enqueues a Failed task as a new task record carrying the same
// payload. The failed record itself is never re-run.
func (q *Queue) Retry(id string) (Task, error) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return Task{}, apperr.ErrNotFound
	}
	if t.State != StateFailed {
		q.mu.Unlock()
		return Task{}, fmt.Errorf("queue: only failed tasks can be retried, got %s: %w", t.State, apperr.ErrConflict)
	}
	taskType, nodeID, payload, maxAttempts := t.Type, t.NodeID, t.Payload, t.MaxAttempts
	q.mu.Unlock()

	return q.Enqueue(taskType, nodeID, payload, maxAttempts)
}

// Pause stops starting new tasks; running tasks finish normally.
func (q *Queue) Pause() error {
	q.mu.Lock()
	q.paused = true
	err := q.persistLocked()
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.logger.Info("queue: paused")
	return nil
}

// Resume restarts scheduling.
func (q *Queue) Resume() error {
	q.mu.Lock()
	q.paused = false
	err := q.persistLocked()
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.logger.Info("queue: resumed")
	q.dispatch()
	return nil
}

// Paused reports the persisted paused flag.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// LinkSnapshot records the undo snapshot taken on a task's behalf.
func (q *Queue) LinkSnapshot(id, snapshotID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return apperr.ErrNotFound
	}
	t.SnapshotID = snapshotID
	t.UpdatedAt = time.Now().UTC()
	return q.persistLocked()
}

// dispatch starts the oldest runnable Pending tasks while capacity is
// free. A pending task whose lock key is held by a running task is passed
// over without losing its place in line.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if !q.started || q.paused || len(q.pending) == 0 || q.baseCtx.Err() != nil {
			q.mu.Unlock()
			return
		}
		if !q.sem.TryAcquire(1) {
			q.mu.Unlock()
			return
		}

		idx := -1
		for i := 0; i < len(q.pending); {
			pid := q.pending[i]
			pt, ok := q.tasks[pid]
			if !ok || pt.State != StatePending {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				continue
			}
			if _, held := q.locks[pt.LockKey]; pt.LockKey == "" || !held {
				idx = i
				break
			}
			i++
		}
		if idx == -1 {
			q.sem.Release(1)
			q.mu.Unlock()
			return
		}

		id := q.pending[idx]
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
		t := q.tasks[id]

		now := time.Now().UTC()
		t.State = StateRunning
		t.Attempt++
		t.StartedAt = &now
		t.UpdatedAt = now

		taskCtx, cancel := context.WithCancel(q.baseCtx)
		q.cancels[id] = cancel
		if t.LockKey != "" {
			q.locks[t.LockKey] = id
		}

		if err := q.persistLocked(); err != nil {
			q.logger.Error("queue: persist on start failed",
				slog.String("task", id), slog.String("error", err.Error()))
		}
		out := t.clone()
		q.mu.Unlock()

		q.emit(out)
		q.wg.Add(1)
		go q.run(taskCtx, id, out)
	}
}

// run executes one task and records its outcome.
func (q *Queue) run(ctx context.Context, id string, t Task) {
	defer q.wg.Done()
	defer q.dispatch()
	defer q.sem.Release(1)

	q.mu.Lock()
	handler, ok := q.handlers[t.Type]
	q.mu.Unlock()

	var (
		result json.RawMessage
		err    error
	)
	if !ok {
		err = fmt.Errorf("queue: no handler registered for %q", t.Type)
	} else {
		result, err = handler.Execute(ctx, t)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if t.LockKey != "" && q.locks[t.LockKey] == id {
		delete(q.locks, t.LockKey)
	}
	rec, exists := q.tasks[id]
	if !exists {
		return
	}
	delete(q.cancels, id)

	next := StateCompleted
	if err != nil {
		next = StateFailed
	}
	if !canTransition(rec.State, next) {
		// Cancelled while running; the outcome no longer matters.
		return
	}

	now := time.Now().UTC()
	rec.UpdatedAt = now
	if err != nil {
		rec.Errors = append(rec.Errors, apperr.Record(err, rec.Attempt))
		if retry.ShouldRetry(err, rec.Attempt, rec.MaxAttempts) {
			delay := q.policy.WaitTime(err, rec.Attempt)
			rec.State = StatePending
			rec.StartedAt = nil
			q.logger.Warn("queue: attempt failed, retrying",
				slog.String("task", id),
				slog.String("type", rec.Type),
				slog.Int("attempt", rec.Attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
			if perr := q.persistLocked(); perr != nil {
				q.logger.Error("queue: persist on retry failed",
					slog.String("task", id), slog.String("error", perr.Error()))
			}
			out := rec.clone()
			time.AfterFunc(delay, func() { q.requeue(id) })
			go q.emit(out)
			return
		}
		rec.State = StateFailed
		rec.CompletedAt = &now
		q.logger.Warn("queue: task failed",
			slog.String("task", id),
			slog.String("type", rec.Type),
			slog.Int("attempt", rec.Attempt),
			slog.String("error", err.Error()))
	} else {
		rec.Result = result
		rec.State = StateCompleted
		rec.CompletedAt = &now
		q.logger.Info("queue: task completed",
			slog.String("task", id), slog.String("type", rec.Type))
	}

	if perr := q.persistLocked(); perr != nil {
		q.logger.Error("queue: persist on completion failed",
			slog.String("task", id), slog.String("error", perr.Error()))
	}
	out := rec.clone()
	go q.emit(out)
}

// requeue returns a retry-scheduled task to the pending list once its
// backoff delay elapses.
func (q *Queue) requeue(id string) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok || t.State != StatePending {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, id)
	q.mu.Unlock()
	q.dispatch()
}

func (q *Queue) removePendingLocked(id string) {
	for i, p := range q.pending {
		if p == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) emit(t Task) {
	if q.notify != nil {
		q.notify(t)
	}
}
