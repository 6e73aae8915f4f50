// Package queue exposes the number of not-yet-synchronized entities per
// owner and pushes changes of that number to subscribers.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ledgersync/internal/cache"
)

// Counter computes the pending count from the local store.
type Counter interface {
	PendingCount(ctx context.Context, ownerID string) (int, error)
}

// Snapshot is one observed pending count.
type Snapshot struct {
	OwnerID string    `json:"owner_id"`
	Count   int       `json:"count"`
	At      time.Time `json:"at"`
}

// Sink receives every changed snapshot, e.g. to forward it to other
// processes.
type Sink interface {
	PublishPending(ctx context.Context, s Snapshot) error
}

const lastCountEntries = 1024

// Queue is a read-only projection of the local store. Nothing is persisted
// here: counts are recomputed on demand.
type Queue struct {
	counter Counter
	last    *cache.LRUCache[int]
	now     func() time.Time

	// refreshMu keeps deliveries in the order counts were computed.
	refreshMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]map[int]chan Snapshot
	nextID int
	sinks  []Sink
}

func New(counter Counter, sinks ...Sink) *Queue {
	return &Queue{
		counter: counter,
		last:    cache.NewLRUCache[int](lastCountEntries, 0),
		now:     time.Now,
		subs:    make(map[string]map[int]chan Snapshot),
		sinks:   sinks,
	}
}

// Cache exposes the last-published counts so they can be registered with a
// cache.Manager.
func (q *Queue) Cache() *cache.LRUCache[int] { return q.last }

// AddSink registers s for every future change.
func (q *Queue) AddSink(s Sink) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sinks = append(q.sinks, s)
}

// Count returns the current pending count for owner.
func (q *Queue) Count(ctx context.Context, ownerID string) (int, error) {
	n, err := q.counter.PendingCount(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// Subscribe returns a channel carrying the owner's latest count. Slow
// readers only ever miss intermediate values. The current count is
// delivered first when it can be computed.
func (q *Queue) Subscribe(ctx context.Context, ownerID string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	n, err := q.Count(ctx, ownerID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to compute initial pending count", "owner_id", ownerID, "error", err)
	}

	q.mu.Lock()
	id := q.nextID
	q.nextID++
	if q.subs[ownerID] == nil {
		q.subs[ownerID] = make(map[int]chan Snapshot)
	}
	q.subs[ownerID][id] = ch
	if err == nil {
		offer(ch, Snapshot{OwnerID: ownerID, Count: n, At: q.now()})
	}
	q.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.subs[ownerID], id)
			if len(q.subs[ownerID]) == 0 {
				delete(q.subs, ownerID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns how many subscriptions are open for owner.
func (q *Queue) Subscribers(ownerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs[ownerID])
}

// Refresh recomputes the owner's count and pushes it to subscribers and
// sinks when it differs from the last value pushed.
func (q *Queue) Refresh(ctx context.Context, ownerID string) (Snapshot, error) {
	q.refreshMu.Lock()
	n, err := q.Count(ctx, ownerID)
	if err != nil {
		q.refreshMu.Unlock()
		return Snapshot{}, err
	}
	snap := Snapshot{OwnerID: ownerID, Count: n, At: q.now()}
	if old, loaded := q.last.Swap(ownerID, n); loaded && old == n {
		q.refreshMu.Unlock()
		return snap, nil
	}

	q.mu.Lock()
	for _, ch := range q.subs[ownerID] {
		offer(ch, snap)
	}
	sinks := make([]Sink, len(q.sinks))
	copy(sinks, q.sinks)
	q.mu.Unlock()
	q.refreshMu.Unlock()

	slog.DebugContext(ctx, "Pending count changed", "owner_id", ownerID, "pending", n)

	for _, s := range sinks {
		if err := s.PublishPending(ctx, snap); err != nil {
			slog.WarnContext(ctx, "Failed to publish pending count",
				"owner_id", ownerID,
				"pending", n,
				"error", err)
		}
	}
	return snap, nil
}

// offer replaces any unread value in ch with s. ch must have capacity 1
// and callers must hold q.mu or own ch exclusively.
func offer(ch chan Snapshot, s Snapshot) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
