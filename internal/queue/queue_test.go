package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/retry"
)

var fastRetry = retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestQueue(t *testing.T, maxConcurrent int, opts ...Option) *Queue {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "queue.json")
	opts = append([]Option{WithRetryPolicy(fastRetry)}, opts...)
	q, err := New(statePath, maxConcurrent, testLogger(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func inState(q *Queue, id string, s State) func() bool {
	return func() bool {
		t, err := q.Get(id)
		return err == nil && t.State == s
	}
}

func TestTaskCompletes(t *testing.T) {
	q := newTestQueue(t, 2)
	_ = q.RegisterHandler("echo", HandlerFunc(
		func(ctx context.Context, task Task) (json.RawMessage, error) {
			return task.Payload, nil
		}))
	q.Start(context.Background())
	defer q.Wait()

	tk, err := q.Enqueue("echo", "node-1", json.RawMessage(`{"x":1}`), 0)
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 10*time.Millisecond, inState(q, tk.ID, StateCompleted), "task did not complete")

	got, _ := q.Get(tk.ID)
	if string(got.Result) != `{"x":1}` {
		t.Errorf("Result = %s", got.Result)
	}
	if got.Attempt != 1 || got.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("Attempt = %d, MaxAttempts = %d", got.Attempt, got.MaxAttempts)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestFIFOOrderSingleWorker(t *testing.T) {
	q := newTestQueue(t, 1)
	var mu sync.Mutex
	var order []string
	_ = q.RegisterHandler("record", HandlerFunc(
		func(ctx context.Context, task Task) (json.RawMessage, error) {
			mu.Lock()
			order = append(order, task.NodeID)
			mu.Unlock()
			return nil, nil
		}))

	// Enqueue before Start so all three are queued when scheduling begins.
	var ids []string
	for _, n := range []string{"a", "b", "c"} {
		tk, err := q.Enqueue("record", n, nil, 0)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, tk.ID)
	}
	q.Start(context.Background())
	defer q.Wait()

	eventually(t, 5*time.Second, 10*time.Millisecond, inState(q, ids[2], StateCompleted), "backlog did not drain")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("execution order = %v, want [a b c]", order)
	}
}

func TestRetryableFailureRetriesUntilSuccess(t *testing.T) {
	q := newTestQueue(t, 1)
	var calls int
	var mu sync.Mutex
	_ = q.RegisterHandler("flaky", HandlerFunc(
		func(ctx context.Context, task Task) (json.RawMessage, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n < 3 {
				return nil, apperr.New(apperr.CodeUpstreamTimeout, "upstream timed out")
			}
			return json.RawMessage(`"ok"`), nil
		}))
	q.Start(context.Background())
	defer q.Wait()

	tk, _ := q.Enqueue("flaky", "", nil, 3)
	eventually(t, 5*time.Second, 10*time.Millisecond, inState(q, tk.ID, StateCompleted), "task did not recover")

	got, _ := q.Get(tk.ID)
	if got.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", got.Attempt)
	}
	if len(got.Errors) != 2 {
		t.Errorf("error log len = %d, want 2", len(got.Errors))
	}
	for i, e := range got.Errors {
		if e.Code != apperr.CodeUpstreamTimeout || e.Attempt != i+1 {
			t.Errorf("Errors[%d] = %+v", i, e)
		}
	}
}

func TestRetryableFailureExhaustsAttempts(t *testing.T) {
	q := newTestQueue(t, 1)
	_ = q.RegisterHandler("alwaysfail", HandlerFunc(
		func(ctx context.Context, task Task) (json.RawMessage, error) {
			return nil, apperr.New(apperr.CodeParseFailed, "malformed")
		}))
	q.Start(context.Background())
	defer q.Wait()

	tk, _ := q.Enqueue("alwaysfail", "", nil, 2)
	eventually(t, 5*time.Second, 10*time.Millisecond, inState(q, tk.ID, StateFailed), "task should end failed")

	got, _ := q.Get(tk.ID)
	if got.Attempt != 2 || len(got.Errors) != 2 {
		t.Errorf("Attempt = %d, errors = %d; want both 2", got.Attempt, len(got.Errors))
	}
}

func TestTerminalFailureNeverRetries(t *testing.T) {
	q := newTestQueue(t, 1)
	var calls int
	var mu sync.Mutex
	_ = q.RegisterHandler("auth", HandlerFunc(
		func(ctx context.Context, task Task) (json.RawMessage, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, apperr.New(apperr.CodeAuthFailed, "bad key")
		}))
	q.Start(context.Background())
	defer q.Wait()

	tk, _ := q.Enqueue("auth", "", nil, 5)
	eventually(t, 5*time.Second, 10*time.Millisecond, inState(q, tk.ID, StateFailed), "task should fail")

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestUnregisteredTypeFails(t *testing.T) {
	q := newTestQueue(t, 1)
	q.Start(context.Background())
	defer q.Wait()

	tk, _ := q.Enqueue("nobody", "", nil, 0)
	eventually(t, 5*time.Second, 10*time.Millisecond, inState(q, tk.ID, StateFailed), "task without handler should fail")
	got, _ := q.Get(tk.ID)
	if len(got.Errors) != 1 || got.Errors[0].Code != "UNKNOWN" {
		t.Errorf("Errors = %+v", got.Errors)
	}
}

func TestRegisterHandlerTwice(t *testing.T) {
	q := newTestQueue(t, 1)
	h := HandlerFunc(func(ctx context.Context, task Task) (json.RawMessage, error) { return nil, nil })
	if err := q.RegisterHandler("dup", h); err != nil {
		t.Fatal(err)
	}
	if err := q.RegisterHandler("dup", h); err == nil {
		t.Error("expected error on duplicate registration")
	}
}

func TestCancelPendingRemovesTask(t *testing.T) {
	q := newTestQueue(t, 1)
	// Not started: the task stays pending.
	tk, _ := q.Enqueue("any", "", nil, 0)
	if err := q.Cancel(tk.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := q.Get(tk.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get after cancel = %v, want ErrNotFound", err)
	}
}

func TestCancelRunningTask(t *testing.T) {
	q := newTestQueue(t, 1)
	started := make(chan struct{})
	_ = q.RegisterHandler("block", HandlerFunc(
		func(ctx context.Context, task Task) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	q.Start(context.Background())
	defer q.Wait()

	tk, _ := q.Enqueue("block", "", nil, 0)
	<-started
	if err := q.Cancel(tk.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := q.Get(tk.ID)
	if got.State != StateCancelled {
		t.Errorf("State = %s, want cancelled", got.State)
	}

	// The handler's late error must not overwrite the cancelled state.
	q.Wait()
	got, _ = q.Get(tk.ID)
	if got.State != StateCancelled {
		t.Errorf("State after handler return = %s, want cancelled", got.State)
	}
}

func TestCancelCompletedConflicts(t *testing.T) {
	q := newTestQueue(t, 1)
	_ = q.RegisterHandler("quick", HandlerFunc(
		func(ctx context.Context, task Task) (json.RawMessage, error) { return nil, nil }))
	q.Start(context.Background())
	defer q.Wait()

	tk, _ := q.Enqueue("quick", "", nil, 0)
	eventually(t, 5*time.Second, 10*time.Millisecond, inState(q, tk.ID, StateCompleted), "task did not complete")
	if err := q.Cancel(tk.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("Cancel completed = %v, want ErrConflict", err)
	}
}

func TestRetryFailedCreatesNewTask(t *testing.T) {
	q := newTestQueue(t, 1)
	var mu sync.Mutex
	fail := true
	_ = q.RegisterHandler("second-chance", HandlerFunc(
		func(ctx context.Context, task Task) (json.RawMessage, error) {
			mu.Lock()
			f := fail
			mu.Unlock()
			if f {
				return nil, apperr.New(apperr.CodeAuthFailed, "bad key")
			}
			return json.RawMessage(`"done"`), nil
		}))
	q.Start(context.Background())
	defer q.Wait()

	tk, _ := q.Enqueue("second-chance", "n1", json.RawMessage(`{"p":true}`), 0)
	eventually(t, 5*time.Second, 10*time.Millisecond, inState(q, tk.ID, StateFailed), "task should fail first")

	mu.Lock()
	fail = false
	mu.Unlock()

	fresh, err := q.Retry(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == tk.ID {
		t.Error("retry must mint a new task id")
	}
	if string(fresh.Payload) != `{"p":true}` || fresh.NodeID != "n1" {
		t.Errorf("payload not carried over: %+v", fresh)
	}
	eventually(t, 5*time.Second, 10*time.Millisecond, inState(q, fresh.ID, StateCompleted), "retried task did not complete")

	// The failed record is untouched.
	old, _ := q.Get(tk.ID)
	if old.State != StateFailed {
		t.Errorf("original state = %s, want failed", old.State)
	}

	// Only failed tasks can be retried this way.
	if _, err := q.Retry(fresh.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("Retry completed = %v, want ErrConflict", err)
	}
}

func TestPauseHoldsBacklog(t *testing.T) {
	q := newTestQueue(t, 1)
	var mu sync.Mutex
	var ran bool
	_ = q.RegisterHandler("work", HandlerFunc(
		func(ctx context.Context, task Task) (json.RawMessage, error) {
			mu.Lock()
			ran = true
			mu.Unlock()
			return nil, nil
		}))
	q.Start(context.Background())
	defer q.Wait()

	if err := q.Pause(); err != nil {
		t.Fatal(err)
	}
	tk, _ := q.Enqueue("work", "", nil, 0)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	if ran {
		t.Error("task ran while paused")
	}
	mu.Unlock()
	if !q.Paused() {
		t.Error("Paused() = false")
	}

	if err := q.Resume(); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 10*time.Millisecond, inState(q, tk.ID, StateCompleted), "task did not run after resume")
}

func TestConcurrencyCapRespected(t *testing.T) {
	q := newTestQueue(t, 2)
	var mu sync.Mutex
	running, peak := 0, 0
	_ = q.RegisterHandler("slow", HandlerFunc(
		func(ctx context.Context, task Task) (json.RawMessage, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil, nil
		}))

	var last string
	for i := 0; i < 6; i++ {
		tk, _ := q.Enqueue("slow", "", nil, 0)
		last = tk.ID
	}
	q.Start(context.Background())
	defer q.Wait()

	eventually(t, 10*time.Second, 10*time.Millisecond, inState(q, last, StateCompleted), "backlog did not drain")
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, cap is 2", peak)
	}
}

func TestSameNodeTasksNeverOverlap(t *testing.T) {
	q := newTestQueue(t, 2)
	var mu sync.Mutex
	active := map[string]int{} // node id → currently running tasks
	overlapped := false
	_ = q.RegisterHandler("write", HandlerFunc(
		func(ctx context.Context, task Task) (json.RawMessage, error) {
			mu.Lock()
			active[task.NodeID]++
			if active[task.NodeID] > 1 {
				overlapped = true
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			active[task.NodeID]--
			mu.Unlock()
			return nil, nil
		}))

	var last string
	for i := 0; i < 4; i++ {
		tk, _ := q.Enqueue("write", "note-1", nil, 0)
		last = tk.ID
	}
	other, _ := q.Enqueue("write", "note-2", nil, 0)
	q.Start(context.Background())
	defer q.Wait()

	eventually(t, 10*time.Second, 10*time.Millisecond, inState(q, last, StateCompleted), "backlog did not drain")
	eventually(t, 10*time.Second, 10*time.Millisecond, inState(q, other.ID, StateCompleted), "other node's task did not run")

	mu.Lock()
	defer mu.Unlock()
	if overlapped {
		t.Error("two tasks for the same node ran concurrently")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "queue.json")
	q1, err := New(statePath, 1, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t1, _ := q1.Enqueue("later", "n1", json.RawMessage(`{"a":1}`), 4)
	t2, _ := q1.Enqueue("later", "n2", nil, 0)
	_ = q1.Pause()

	q2, err := New(statePath, 1, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !q2.Paused() {
		t.Error("paused flag not persisted")
	}
	tasks := q2.List()
	if len(tasks) != 2 {
		t.Fatalf("reloaded %d tasks, want 2", len(tasks))
	}
	if tasks[0].ID != t1.ID || tasks[1].ID != t2.ID {
		t.Errorf("order lost: %s, %s", tasks[0].ID, tasks[1].ID)
	}
	if tasks[0].MaxAttempts != 4 || string(tasks[0].Payload) != `{"a":1}` {
		t.Errorf("task fields lost: %+v", tasks[0])
	}
}

func TestInterruptedRunningTaskRecoversAsPending(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "queue.json")
	now := time.Now().UTC()
	started := now.Add(-time.Minute)
	sf := stateFile{
		Version: stateVersionV2,
		Tasks: []Task{{
			ID:          "crashed-1",
			Type:        "embed",
			State:       StateRunning,
			Attempt:     2,
			MaxAttempts: 3,
			CreatedAt:   now.Add(-2 * time.Minute),
			UpdatedAt:   started,
			StartedAt:   &started,
		}},
	}
	data, _ := json.Marshal(sf)
	if err := os.WriteFile(statePath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	q, err := New(statePath, 1, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	got, err := q.Get("crashed-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StatePending {
		t.Errorf("State = %s, want pending", got.State)
	}
	if got.Attempt != 2 {
		t.Errorf("Attempt = %d, interrupted attempt must not be re-counted", got.Attempt)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt should be cleared on recovery")
	}
}

func TestLegacyStateFileAccepted(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "queue.json")
	legacy := fmt.Sprintf(`{"version":%d,"tasks":[{"id":"old-1","type":"embed","state":"pending","created_at":%q,"updated_at":%q}]}`,
		stateVersionV1, time.Now().UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(statePath, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	q, err := New(statePath, 1, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	got, err := q.Get("old-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, legacy tasks get the default", got.MaxAttempts)
	}

	// Any write re-persists as the current version.
	_ = q.Pause()
	data, _ := os.ReadFile(statePath)
	var sf stateFile
	_ = json.Unmarshal(data, &sf)
	if sf.Version != stateVersionV2 {
		t.Errorf("rewritten version = %d, want %d", sf.Version, stateVersionV2)
	}
}

func TestUnsupportedStateVersionRejected(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "queue.json")
	_ = os.WriteFile(statePath, []byte(`{"version":99,"tasks":[]}`), 0o644)
	if _, err := New(statePath, 1, testLogger()); err == nil {
		t.Error("expected error for unknown state version")
	}
}

func TestLinkSnapshot(t *testing.T) {
	q := newTestQueue(t, 1)
	tk, _ := q.Enqueue("any", "", nil, 0)
	if err := q.LinkSnapshot(tk.ID, "snap-9"); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Get(tk.ID)
	if got.SnapshotID != "snap-9" {
		t.Errorf("SnapshotID = %q", got.SnapshotID)
	}
	if err := q.LinkSnapshot("ghost", "snap-9"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("LinkSnapshot ghost = %v", err)
	}
}
