package workregistry

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelai/core/pkg/models"
)

// Event is one change notification delivered to a Subscription: the work
// item as it now stands, and whether an older, undelivered event was
// dropped to make room for it.
type Event struct {
	WorkItem *models.WorkItem
	Dropped  bool
}

// defaultSubscriberCapacity bounds a subscriber's pending-event queue. Once
// full, the oldest queued event is dropped to make room for the new one —
// a slow admin observer loses old updates rather than stalling Register
// or UpdateStatus.
const defaultSubscriberCapacity = 256

// subscription is one admin observer's pending-event queue, server-sent-
// event style: events accumulate until the observer's own read loop drains
// them via C.
type subscription struct {
	id string

	mu    sync.Mutex
	items []*subscriberItem
	cap   int

	wake   chan struct{}
	closed chan struct{}
}

type subscriberItem struct {
	item    *models.WorkItem
	dropped bool
}

func newSubscription(id string, capacity int) *subscription {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscription{
		id:     id,
		cap:    capacity,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (s *subscription) push(item *models.WorkItem) {
	s.mu.Lock()
	dropped := false
	if len(s.items) >= s.cap {
		s.items = s.items[1:]
		dropped = true
	}
	s.items = append(s.items, &subscriberItem{item: item, dropped: dropped})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Subscription is the caller-facing handle returned by Registry.Subscribe.
type Subscription struct {
	sub *subscription
	reg *Registry
}

// ID returns the subscriber identifier passed to Subscribe.
func (s *Subscription) ID() string { return s.sub.id }

// Next blocks until a change event is available, ctx is cancelled, or the
// subscription is closed. It returns the oldest pending WorkItem and
// whether any item was dropped to make room for it.
func (s *Subscription) Next(ctx context.Context) (*Event, error) {
	for {
		s.sub.mu.Lock()
		if len(s.sub.items) > 0 {
			next := s.sub.items[0]
			s.sub.items = s.sub.items[1:]
			s.sub.mu.Unlock()
			return &Event{WorkItem: next.item, Dropped: next.dropped}, nil
		}
		s.sub.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.sub.closed:
			return nil, fmt.Errorf("workregistry: subscription %s closed", s.sub.id)
		case <-s.sub.wake:
		}
	}
}

// Close unregisters the subscription; subsequent Next calls return an error.
func (s *Subscription) Close() {
	s.reg.subMu.Lock()
	delete(s.reg.subs, s.sub.id)
	s.reg.subMu.Unlock()
	select {
	case <-s.sub.closed:
	default:
		close(s.sub.closed)
	}
}
