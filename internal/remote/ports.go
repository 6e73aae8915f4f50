// Package remote defines the port the sync engine uses to reach the
// authoritative store, and the error taxonomy every adapter maps into.
package remote

import (
	"context"

	"ledgersync/internal/core"
)

// Store is the authoritative backend. Every method addresses exactly one
// entity kind; the kind of an Entity is carried by its Fields.
//
// Create is idempotent by entity id: creating an id that already exists
// overwrites it and returns the stored version. Update fails with
// ErrNotFound when the id is unknown. Delete of an unknown id also returns
// ErrNotFound; callers decide whether that counts as success.
type Store interface {
	Create(ctx context.Context, e core.Entity) (core.Entity, error)
	Update(ctx context.Context, e core.Entity) (core.Entity, error)
	Delete(ctx context.Context, kind core.Kind, id string) error
	List(ctx context.Context, kind core.Kind, ownerID string) ([]core.Entity, error)
}

// Pinger is implemented by adapters able to check reachability of their
// backend cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}
