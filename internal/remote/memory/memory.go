// Package memory is an in-process authoritative store, used as the demo
// backend and as the remote side in sync tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ledgersync/internal/core"
	"ledgersync/internal/remote"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// Fault is consulted before every operation. A non-nil error is returned
// to the caller instead of running the operation. For OpDelete and OpList
// only the ID or the OwnerID of e are set respectively.
type Fault func(ctx context.Context, op Op, kind core.Kind, e core.Entity) error

type Store struct {
	mu    sync.Mutex
	items map[core.Kind]map[string]core.Entity
	calls map[Op]int
	ids   map[string]int
	fault Fault
}

var _ remote.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		items: make(map[core.Kind]map[string]core.Entity),
		calls: make(map[Op]int),
		ids:   make(map[string]int),
	}
}

// SetFault installs f; nil clears it.
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

func (s *Store) before(ctx context.Context, op Op, kind core.Kind, e core.Entity) error {
	s.mu.Lock()
	s.calls[op]++
	if e.ID != "" {
		s.ids[e.ID]++
	}
	f := s.fault
	s.mu.Unlock()
	if f != nil {
		return f(ctx, op, kind, e)
	}
	return nil
}

// Create upserts e by id.
func (s *Store) Create(ctx context.Context, e core.Entity) (core.Entity, error) {
	if err := s.before(ctx, OpCreate, e.Kind(), e); err != nil {
		return core.Entity{}, err
	}
	if err := e.Validate(); err != nil {
		return core.Entity{}, remote.Wrap(remote.Permanent, "create", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := canonical(e)
	s.bucket(e.Kind())[e.ID] = stored
	return stored, nil
}

func (s *Store) Update(ctx context.Context, e core.Entity) (core.Entity, error) {
	if err := s.before(ctx, OpUpdate, e.Kind(), e); err != nil {
		return core.Entity{}, err
	}
	if err := e.Validate(); err != nil {
		return core.Entity{}, remote.Wrap(remote.Permanent, "update", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(e.Kind())
	prev, ok := b[e.ID]
	if !ok {
		return core.Entity{}, remote.ErrNotFound
	}
	stored := canonical(e)
	stored.CreatedAt = prev.CreatedAt
	b[e.ID] = stored
	return stored, nil
}

func (s *Store) Delete(ctx context.Context, kind core.Kind, id string) error {
	if err := s.before(ctx, OpDelete, kind, core.Entity{ID: id}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(kind)
	if _, ok := b[id]; !ok {
		return remote.ErrNotFound
	}
	delete(b, id)
	return nil
}

func (s *Store) List(ctx context.Context, kind core.Kind, ownerID string) ([]core.Entity, error) {
	if err := s.before(ctx, OpList, kind, core.Entity{OwnerID: ownerID}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Entity
	for _, e := range s.bucket(kind) {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

// Put writes e directly, bypassing faults and counters. Tests use it to
// simulate edits made by another device.
func (s *Store) Put(e core.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(e.Kind())[e.ID] = canonical(e)
}

// Remove deletes id directly, bypassing faults and counters.
func (s *Store) Remove(kind core.Kind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bucket(kind), id)
}

// Get returns the stored entity, if any.
func (s *Store) Get(kind core.Kind, id string) (core.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.bucket(kind)[id]
	return e, ok
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// CallsFor returns how many create, update or delete calls named id.
func (s *Store) CallsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

// TotalCalls sums calls over every operation.
func (s *Store) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *Store) Len(kind core.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bucket(kind))
}

func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("memory(transactions=%d budgets=%d goals=%d)",
		len(s.items[core.KindTransaction]), len(s.items[core.KindBudget]), len(s.items[core.KindSavingsGoal]))
}

// bucket must be called with mu held.
func (s *Store) bucket(k core.Kind) map[string]core.Entity {
	b, ok := s.items[k]
	if !ok {
		b = make(map[string]core.Entity)
		s.items[k] = b
	}
	return b
}

// canonical strips local-only bookkeeping from e.
func canonical(e core.Entity) core.Entity {
	e.SyncState = core.SyncClean
	e.SyncError = ""
	e.BaseUpdatedAt = e.UpdatedAt
	return e
}
