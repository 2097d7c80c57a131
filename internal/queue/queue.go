// Package queue implements the in-process, non-durable task queue: submit
// a typed payload, get an id back immediately, and a handler registered for
// that type runs asynchronously under a bounded concurrency ceiling. A
// crash loses every queued or in-flight task — there is no replay log.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelai/core/internal/store"
	"github.com/kestrelai/core/pkg/models"
)

// defaultMaxConcurrency matches max_research_tasks's documented default.
const defaultMaxConcurrency = 5

// Handler runs one task's payload to completion. Returning an error moves
// the task to failed with the error's message; the handler must return
// promptly after ctx is cancelled (external Cancel or process shutdown).
type Handler func(ctx context.Context, payload json.RawMessage) (result string, err error)

// Queue dispatches submitted tasks to type-keyed handlers under a
// semaphore bound on concurrently *running* tasks — Submit itself never
// blocks. Task bookkeeping also mirrors into the Store (so ListTasks and
// friends work across process lifetimes), but the queue's own scheduling
// state — the semaphore, the registered handlers, the live cancellation
// tokens — is purely in-memory, per the non-durable contract.
type Queue struct {
	handlerMu sync.RWMutex
	handlers  map[string]Handler

	sem chan struct{}

	runMu   sync.Mutex
	running map[string]context.CancelFunc

	store  store.Store
	logger *slog.Logger
}

// Config tunes a Queue.
type Config struct {
	// MaxConcurrency is the semaphore size bounding concurrently running
	// tasks. <= 0 uses defaultMaxConcurrency.
	MaxConcurrency int
}

// New creates a Queue. s may be nil, in which case tasks are tracked only
// in memory and Status/ListTasks-style queries are unavailable.
func New(cfg Config, s store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Queue{
		handlers: make(map[string]Handler),
		sem:      make(chan struct{}, maxConcurrency),
		running:  make(map[string]context.CancelFunc),
		store:    s,
		logger:   logger,
	}
}

// RegisterHandler binds taskType to h. Handlers are meant to be registered
// once at startup, before any Submit of that type; RegisterHandler is safe
// to call concurrently with Submit regardless, since it's only the map
// write that's guarded.
func (q *Queue) RegisterHandler(taskType string, h Handler) {
	q.handlerMu.Lock()
	defer q.handlerMu.Unlock()
	q.handlers[taskType] = h
}

// Submit enqueues a task of the given type and returns its id immediately;
// the handler (if one is registered for taskType) runs on its own
// goroutine once a semaphore slot frees up. Submit itself never blocks on
// the semaphore.
func (q *Queue) Submit(ctx context.Context, taskType string, payload json.RawMessage) (string, error) {
	q.handlerMu.RLock()
	handler, ok := q.handlers[taskType]
	q.handlerMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("queue: no handler registered for task type %q", taskType)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	task := &models.Task{
		ID:        id,
		Type:      taskType,
		Payload:   payload,
		Status:    models.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if q.store != nil {
		if err := q.store.CreateTask(ctx, task); err != nil {
			return "", fmt.Errorf("queue: persist task %s: %w", id, err)
		}
	}

	go q.run(id, taskType, payload, handler)
	return id, nil
}

func (q *Queue) run(id, taskType string, payload json.RawMessage, handler Handler) {
	q.sem <- struct{}{}
	defer func() { <-q.sem }()

	runCtx, cancel := context.WithCancel(context.Background())
	q.runMu.Lock()
	q.running[id] = cancel
	q.runMu.Unlock()
	defer func() {
		q.runMu.Lock()
		delete(q.running, id)
		q.runMu.Unlock()
		cancel()
	}()

	q.setStatus(id, models.TaskRunning, "", "")

	result, err := q.safeRun(runCtx, handler, payload)
	switch {
	case runCtx.Err() != nil:
		q.setStatus(id, models.TaskCancelled, "", "")
	case err != nil:
		q.logger.Warn("queue task failed", "task_id", id, "type", taskType, "error", err)
		q.setStatus(id, models.TaskFailed, "", err.Error())
	default:
		q.setStatus(id, models.TaskCompleted, result, "")
	}
}

// safeRun recovers a panicking handler into an error so one misbehaving
// task type can't take down the goroutine pool.
func (q *Queue) safeRun(ctx context.Context, handler Handler, payload json.RawMessage) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return handler(ctx, payload)
}

func (q *Queue) setStatus(id string, status models.TaskStatus, result, errMsg string) {
	if q.store == nil {
		return
	}
	task := &models.Task{ID: id, Status: status, Result: result, Error: errMsg, UpdatedAt: time.Now().UTC()}
	if err := q.store.UpdateTask(context.Background(), task); err != nil {
		q.logger.Error("queue: failed to persist task status", "task_id", id, "status", status, "error", err)
	}
}

// Cancel requests cancellation of the task's context if it is currently
// running. It is a no-op (returning false) for a task that has already
// finished, was never submitted, or hasn't started running yet — a task
// still waiting on the semaphore has no cancel func until run() installs
// one, matching the cooperative-cancellation contract: cancellation only
// affects work in progress.
func (q *Queue) Cancel(id string) bool {
	q.runMu.Lock()
	cancel, ok := q.running[id]
	q.runMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Status returns the task's current persisted state. It requires a Store
// to have been supplied to New.
func (q *Queue) Status(ctx context.Context, id string) (*models.Task, error) {
	if q.store == nil {
		return nil, fmt.Errorf("queue: no store configured, cannot query task status")
	}
	tasks, err := q.store.ListTasks(ctx, store.ListTasksOptions{})
	if err != nil {
		return nil, fmt.Errorf("queue: list tasks: %w", err)
	}
	for _, t := range tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("queue: task %s not found", id)
}
