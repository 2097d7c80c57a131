package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kestrelai/core/internal/store"
	"github.com/kestrelai/core/pkg/models"
)

func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := store.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitForStatus(t *testing.T, q *Queue, id string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.Status(context.Background(), id)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s in time", id, want)
	return nil
}

func TestSubmitRunsRegisteredHandler(t *testing.T) {
	q := New(Config{}, openTestStore(t), nil)
	q.RegisterHandler("echo", func(ctx context.Context, payload json.RawMessage) (string, error) {
		return string(payload), nil
	})

	id, err := q.Submit(context.Background(), "echo", json.RawMessage(`"hello"`))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	task := waitForStatus(t, q, id, models.TaskCompleted)
	if task.Result != `"hello"` {
		t.Fatalf("task result = %q, want %q", task.Result, `"hello"`)
	}
}

func TestSubmitUnknownTypeErrors(t *testing.T) {
	q := New(Config{}, openTestStore(t), nil)
	if _, err := q.Submit(context.Background(), "nonexistent", nil); err == nil {
		t.Fatalf("Submit() with unregistered type = nil error, want error")
	}
}

func TestHandlerErrorMovesTaskToFailed(t *testing.T) {
	q := New(Config{}, openTestStore(t), nil)
	q.RegisterHandler("explode", func(ctx context.Context, payload json.RawMessage) (string, error) {
		return "", errors.New("boom")
	})

	id, err := q.Submit(context.Background(), "explode", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	task := waitForStatus(t, q, id, models.TaskFailed)
	if task.Error != "boom" {
		t.Fatalf("task error = %q, want %q", task.Error, "boom")
	}
}

func TestHandlerPanicMovesTaskToFailed(t *testing.T) {
	q := New(Config{}, openTestStore(t), nil)
	q.RegisterHandler("panics", func(ctx context.Context, payload json.RawMessage) (string, error) {
		panic("unexpected")
	})

	id, err := q.Submit(context.Background(), "panics", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitForStatus(t, q, id, models.TaskFailed)
}

func TestCancelMovesRunningTaskToCancelled(t *testing.T) {
	q := New(Config{}, openTestStore(t), nil)
	started := make(chan struct{})
	q.RegisterHandler("long", func(ctx context.Context, payload json.RawMessage) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	id, err := q.Submit(context.Background(), "long", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never started")
	}

	if !q.Cancel(id) {
		t.Fatalf("Cancel() = false, want true for a running task")
	}
	waitForStatus(t, q, id, models.TaskCancelled)

	if q.Cancel(id) {
		t.Fatalf("Cancel() on an already-finished task = true, want false")
	}
}

func TestConcurrencyBoundedBySemaphore(t *testing.T) {
	q := New(Config{MaxConcurrency: 2}, openTestStore(t), nil)

	counter := &runningCounter{}
	release := make(chan struct{})
	q.RegisterHandler("slow", func(ctx context.Context, payload json.RawMessage) (string, error) {
		counter.inc()
		defer counter.dec()
		<-release
		return "done", nil
	})

	ids := make([]string, 5)
	for i := range ids {
		id, err := q.Submit(context.Background(), "slow", nil)
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		ids[i] = id
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && counter.peak() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if peak := counter.peak(); peak > 2 {
		t.Fatalf("observed %d concurrently running handlers, want at most 2", peak)
	}
	close(release)

	for _, id := range ids {
		waitForStatus(t, q, id, models.TaskCompleted)
	}
}

type runningCounter struct {
	mu  sync.Mutex
	cur int
	max int
}

func (c *runningCounter) inc() {
	c.mu.Lock()
	c.cur++
	if c.cur > c.max {
		c.max = c.cur
	}
	c.mu.Unlock()
}

func (c *runningCounter) dec() {
	c.mu.Lock()
	c.cur--
	c.mu.Unlock()
}

func (c *runningCounter) peak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}
