package services

import (
	"context"
	"fmt"
	"log/slog"

	"ledgersync/internal/audit"
	"ledgersync/internal/core"
)

// EntityStore is the user-facing side of the local entity store.
type EntityStore interface {
	Create(ctx context.Context, ownerID string, fields core.Fields) (core.Entity, error)
	Get(ctx context.Context, ownerID, id string) (core.Entity, error)
	List(ctx context.Context, ownerID string, kind core.Kind) ([]core.Entity, error)
	Update(ctx context.Context, ownerID, id string, patch core.Patch) (core.Entity, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// SyncRequester schedules a background sync for an owner. Implementations
// must not block.
type SyncRequester interface {
	Request(ownerID string)
}

// EntityService applies user edits locally and then asks for a sync. A
// mutation never waits on the network.
type EntityService struct {
	store EntityStore
	sync  SyncRequester
	audit audit.Logger
}

func NewEntityService(store EntityStore, sync SyncRequester, auditLog audit.Logger) *EntityService {
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	return &EntityService{
		store: store,
		sync:  sync,
		audit: auditLog,
	}
}

// Create saves fields as a new pending entity.
func (s *EntityService) Create(ctx context.Context, ownerID string, fields core.Fields) (core.Entity, error) {
	e, err := s.store.Create(ctx, ownerID, fields)
	if err != nil {
		return core.Entity{}, fmt.Errorf("create %s: %w", kindName(fields), err)
	}
	s.changed(ctx, audit.EventEntityCreated, e)
	return e, nil
}

func (s *EntityService) Get(ctx context.Context, ownerID, id string) (core.Entity, error) {
	return s.store.Get(ctx, ownerID, id)
}

// List returns the owner's live entities of kind, tombstones excluded.
func (s *EntityService) List(ctx context.Context, ownerID string, kind core.Kind) ([]core.Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("list: unknown kind %d", kind)
	}
	return s.store.List(ctx, ownerID, kind)
}

// Update applies patch to an existing entity.
func (s *EntityService) Update(ctx context.Context, ownerID, id string, patch core.Patch) (core.Entity, error) {
	e, err := s.store.Update(ctx, ownerID, id, patch)
	if err != nil {
		return core.Entity{}, fmt.Errorf("update %s: %w", id, err)
	}
	s.changed(ctx, audit.EventEntityUpdated, e)
	return e, nil
}

// Delete removes an entity locally; the remote copy goes away on the next
// sync.
func (s *EntityService) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.store.Delete(ctx, ownerID, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	slog.InfoContext(ctx, "Entity deleted locally", "owner_id", ownerID, "entity_id", id)
	s.audit.Log(ctx, audit.EventEntityDeleted, map[string]any{
		"owner_id":  ownerID,
		"entity_id": id,
	})
	s.request(ctx, ownerID)
	return nil
}

func (s *EntityService) changed(ctx context.Context, event string, e core.Entity) {
	slog.InfoContext(ctx, "Entity saved locally",
		"owner_id", e.OwnerID,
		"kind", e.Kind().String(),
		"entity_id", e.ID,
		"sync_state", e.SyncState.String())
	s.audit.Log(ctx, event, map[string]any{
		"owner_id":  e.OwnerID,
		"kind":      e.Kind().String(),
		"entity_id": e.ID,
	})
	s.request(ctx, e.OwnerID)
}

func (s *EntityService) request(ctx context.Context, ownerID string) {
	if s.sync == nil {
		slog.DebugContext(ctx, "No sync scheduler configured, change stays pending", "owner_id", ownerID)
		return
	}
	s.sync.Request(ownerID)
}

func kindName(f core.Fields) string {
	if f == nil {
		return "entity"
	}
	return f.Kind().String()
}
