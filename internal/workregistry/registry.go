// Package workregistry implements the unified activity log: an in-memory
// cache of non-terminal work items backed by a durable mirror in the Store,
// with change events fanned out to admin observers and the transport layer.
package workregistry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelai/core/internal/store"
	"github.com/kestrelai/core/pkg/models"
)

// Broadcaster is the subset of transport.Registry the Work Registry needs.
// Accepting an interface instead of *transport.Registry keeps this package
// free of a dependency it otherwise has no use for.
type Broadcaster interface {
	Broadcast(frameType string, payload any)
}

const workItemUpdateFrame = "work_item_update"

// StatusCounts is the global tally returned by Registry.StatusCounts.
type StatusCounts map[models.WorkItemStatus]int

// Registry is the in-process Work Registry: a guarded map of non-terminal
// items, a durable Store mirror, and a set of subscriber event queues.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*models.WorkItem

	store       store.Store
	broadcaster Broadcaster
	logger      *slog.Logger

	subMu sync.Mutex
	subs  map[string]*subscription
}

// New creates a Registry backed by s. broadcaster may be nil, in which case
// change events are only delivered to subscribers, not the transport layer.
func New(s store.Store, broadcaster Broadcaster, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		items:       make(map[string]*models.WorkItem),
		store:       s,
		broadcaster: broadcaster,
		logger:      logger,
		subs:        make(map[string]*subscription),
	}
}

// Register creates a new work item (assigning an id if item.ID is empty),
// persists it, caches it if non-terminal, and emits a change event.
func (r *Registry) Register(ctx context.Context, item *models.WorkItem) (*models.WorkItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = models.WorkItemPending
	}

	if err := r.store.UpsertWorkItem(ctx, item); err != nil {
		return nil, fmt.Errorf("workregistry: register %s: %w", item.ID, err)
	}

	r.mu.Lock()
	if item.Status.IsTerminal() {
		delete(r.items, item.ID)
	} else {
		r.items[item.ID] = item
	}
	r.mu.Unlock()

	r.emit(item)
	return item, nil
}

// UpdateStatus transitions item id to status, persists the change, updates
// or evicts the in-memory entry, and emits a change event. Attempting to
// move a terminal item to any status fails, mirroring the Store's own
// invariant (a terminal WorkItem status is never overwritten).
func (r *Registry) UpdateStatus(ctx context.Context, id string, status models.WorkItemStatus) (*models.WorkItem, error) {
	if err := r.store.UpdateWorkItemStatus(ctx, id, status); err != nil {
		return nil, fmt.Errorf("workregistry: update status %s: %w", id, err)
	}

	r.mu.Lock()
	item, cached := r.items[id]
	if cached {
		item.Status = status
		item.UpdatedAt = time.Now().UTC()
		if status.IsTerminal() {
			delete(r.items, id)
		}
	}
	r.mu.Unlock()

	if !cached {
		var err error
		item, err = r.byID(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	r.emit(item)
	return item, nil
}

// ByID returns the work item with the given id, checking the in-memory
// cache before falling back to the durable Store (terminal items are only
// ever found there, since they're evicted from the cache on completion).
func (r *Registry) ByID(ctx context.Context, id string) (*models.WorkItem, error) {
	r.mu.RLock()
	item, ok := r.items[id]
	r.mu.RUnlock()
	if ok {
		return item, nil
	}
	return r.byID(ctx, id)
}

func (r *Registry) byID(ctx context.Context, id string) (*models.WorkItem, error) {
	items, err := r.store.ListWorkItems(ctx, store.ListWorkItemsOptions{})
	if err != nil {
		return nil, fmt.Errorf("workregistry: lookup %s: %w", id, err)
	}
	for _, item := range items {
		if item.ID == id {
			return item, nil
		}
	}
	return nil, fmt.Errorf("workregistry: work item %s not found", id)
}

// ByKind lists every work item of the given kind, terminal or not.
func (r *Registry) ByKind(ctx context.Context, kind models.WorkItemKind) ([]*models.WorkItem, error) {
	items, err := r.store.ListWorkItems(ctx, store.ListWorkItemsOptions{Kind: kind})
	if err != nil {
		return nil, fmt.Errorf("workregistry: list by kind %s: %w", kind, err)
	}
	return items, nil
}

// ByParent lists every work item whose ParentID is parentID.
func (r *Registry) ByParent(ctx context.Context, parentID string) ([]*models.WorkItem, error) {
	items, err := r.store.ListWorkItems(ctx, store.ListWorkItemsOptions{ParentID: parentID})
	if err != nil {
		return nil, fmt.Errorf("workregistry: list by parent %s: %w", parentID, err)
	}
	return items, nil
}

// StatusCounts tallies every tracked work item by its current status.
func (r *Registry) StatusCounts(ctx context.Context) (StatusCounts, error) {
	items, err := r.store.ListWorkItems(ctx, store.ListWorkItemsOptions{})
	if err != nil {
		return nil, fmt.Errorf("workregistry: status counts: %w", err)
	}
	counts := make(StatusCounts)
	for _, item := range items {
		counts[item.Status]++
	}
	return counts, nil
}

// Subscribe registers an admin observer and returns a handle it can poll
// with Subscription.Next for a server-sent-event style feed of every
// Register/UpdateStatus change, including ones that moved an item to a
// terminal status (after which it is no longer in the in-memory cache).
// capacity <= 0 uses defaultSubscriberCapacity.
func (r *Registry) Subscribe(id string, capacity int) *Subscription {
	if id == "" {
		id = uuid.NewString()
	}
	sub := newSubscription(id, capacity)
	r.subMu.Lock()
	r.subs[id] = sub
	r.subMu.Unlock()
	return &Subscription{sub: sub, reg: r}
}

// emit fans a change event out to every live subscriber and, if configured,
// the transport layer's broadcast frame.
func (r *Registry) emit(item *models.WorkItem) {
	r.subMu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subMu.Unlock()
	for _, sub := range subs {
		sub.push(item)
	}

	if r.broadcaster != nil {
		r.broadcaster.Broadcast(workItemUpdateFrame, item)
	}
}
