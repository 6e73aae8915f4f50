package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ledgersync/internal/core"

	_ "modernc.org/sqlite"
)

// PushOutcome reports how a confirmed remote write was folded back into
// the local row.
type PushOutcome int

const (
	// PushApplied: the row was unchanged since it was read and is now Clean.
	PushApplied PushOutcome = iota
	// PushSuperseded: the row was edited meanwhile; only the baseline moved.
	PushSuperseded
	// PushGone: the row was removed locally meanwhile.
	PushGone
)

func (o PushOutcome) String() string {
	switch o {
	case PushApplied:
		return "applied"
	case PushSuperseded:
		return "superseded"
	case PushGone:
		return "gone"
	default:
		return "unknown"
	}
}

// ChangeFunc is invoked after a committed mutation for the affected owner.
type ChangeFunc func(ctx context.Context, ownerID string)

// SyncRun is the persisted summary of one full sync.
type SyncRun struct {
	OwnerID   string
	Status    string
	StartedAt time.Time
	Duration  time.Duration
	Changes   int
	Errors    int
}

const syncRunsKept = 50

// SQLiteRepository is the Local Entity Store. Writes are serialized by a
// process-wide mutex and each one runs in its own transaction, so readers
// never observe a partial write and every sync_state transition is atomic.
type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries

	writeMu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []ChangeFunc

	now func() time.Time

	schemaVersion uint
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := migrateUp(dbPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:            db,
		queries:       New(db),
		now:           core.Now,
		schemaVersion: version,
	}, nil
}

// SchemaVersion is the migration version the local database is at.
func (r *SQLiteRepository) SchemaVersion() uint {
	return r.schemaVersion
}

func dsn(dbPath string) string {
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// OnChange registers fn to run after every committed mutation.
func (r *SQLiteRepository) OnChange(fn ChangeFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

func (r *SQLiteRepository) notify(ctx context.Context, ownerID string) {
	r.hooksMu.RLock()
	hooks := make([]ChangeFunc, len(r.hooks))
	copy(hooks, r.hooks)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, ownerID)
	}
}

// write runs fn in a serialized transaction and notifies listeners for the
// owner fn returns, if any, once the transaction has committed.
func (r *SQLiteRepository) write(ctx context.Context, fn func(q *Queries) (string, error)) error {
	r.writeMu.Lock()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.writeMu.Unlock()
		return fmt.Errorf("begin transaction: %w", err)
	}
	owner, err := fn(r.queries.WithTx(tx))
	if err != nil {
		tx.Rollback()
		r.writeMu.Unlock()
		return err
	}
	if err := tx.Commit(); err != nil {
		r.writeMu.Unlock()
		return fmt.Errorf("commit transaction: %w", err)
	}
	r.writeMu.Unlock()

	if owner != "" {
		r.notify(ctx, owner)
	}
	return nil
}

// Create stores a new entity for owner as PendingCreate.
func (r *SQLiteRepository) Create(ctx context.Context, ownerID string, fields core.Fields) (core.Entity, error) {
	if ownerID == "" {
		return core.Entity{}, core.ErrEmptyOwner
	}
	if fields == nil {
		return core.Entity{}, errors.New("create entity: nil fields")
	}
	if err := fields.Validate(); err != nil {
		return core.Entity{}, err
	}

	now := r.now()
	e := core.Entity{
		ID:        core.NewID(),
		OwnerID:   ownerID,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
		SyncState: core.SyncPendingCreate,
	}
	row, err := toRow(e)
	if err != nil {
		return core.Entity{}, err
	}

	err = r.write(ctx, func(q *Queries) (string, error) {
		if err := q.InsertEntity(ctx, row); err != nil {
			return "", fmt.Errorf("insert entity: %w", err)
		}
		return ownerID, nil
	})
	if err != nil {
		return core.Entity{}, err
	}

	slog.DebugContext(ctx, "Entity created locally",
		"entity_id", e.ID,
		"kind", e.Kind().String(),
		"owner_id", ownerID)
	return e, nil
}

// Get returns the live entity with id. Tombstones and other owners'
// entities are reported as core.ErrNotFound.
func (r *SQLiteRepository) Get(ctx context.Context, ownerID, id string) (core.Entity, error) {
	e, err := r.Lookup(ctx, id)
	if err != nil {
		return core.Entity{}, err
	}
	if e.OwnerID != ownerID || e.SyncState == core.SyncPendingDelete {
		return core.Entity{}, core.ErrNotFound
	}
	return e, nil
}

// List returns the owner's live entities of kind, oldest first.
func (r *SQLiteRepository) List(ctx context.Context, ownerID string, kind core.Kind) ([]core.Entity, error) {
	all, err := r.ListAll(ctx, ownerID, kind)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, e := range all {
		if e.SyncState != core.SyncPendingDelete {
			live = append(live, e)
		}
	}
	return live, nil
}

// Update applies patch to the entity with id.
func (r *SQLiteRepository) Update(ctx context.Context, ownerID, id string, patch core.Patch) (core.Entity, error) {
	if patch == nil {
		return core.Entity{}, errors.New("update entity: nil patch")
	}
	var out core.Entity
	err := r.write(ctx, func(q *Queries) (string, error) {
		cur, err := lookup(ctx, q, id)
		if err != nil {
			return "", err
		}
		if cur.OwnerID != ownerID {
			return "", core.ErrNotFound
		}
		if cur.SyncState == core.SyncPendingDelete {
			return "", core.ErrPendingDelete
		}
		if patch.Kind() != cur.Kind() {
			return "", fmt.Errorf("%w: %s patch for %s entity", core.ErrKindMismatch, patch.Kind(), cur.Kind())
		}
		fields, err := patch.Apply(cur.Fields)
		if err != nil {
			return "", err
		}

		cur.Fields = fields
		cur.UpdatedAt = nextUpdatedAt(r.now(), cur.UpdatedAt)
		cur.SyncError = ""
		if cur.SyncState == core.SyncClean {
			cur.SyncState = core.SyncPendingUpdate
		}
		row, err := toRow(cur)
		if err != nil {
			return "", err
		}
		if err := q.UpdateEntity(ctx, row); err != nil {
			return "", fmt.Errorf("update entity: %w", err)
		}
		out = cur
		return cur.OwnerID, nil
	})
	if err != nil {
		return core.Entity{}, err
	}
	return out, nil
}

// Delete removes a never-synchronized entity outright and tombstones any
// other. A tombstone is already gone for callers, as with Get, so deleting
// it again returns core.ErrNotFound.
func (r *SQLiteRepository) Delete(ctx context.Context, ownerID, id string) error {
	return r.write(ctx, func(q *Queries) (string, error) {
		cur, err := lookup(ctx, q, id)
		if err != nil {
			return "", err
		}
		if cur.OwnerID != ownerID {
			return "", core.ErrNotFound
		}
		switch cur.SyncState {
		case core.SyncPendingCreate:
			if _, err := q.DeleteEntity(ctx, id); err != nil {
				return "", fmt.Errorf("delete entity: %w", err)
			}
		case core.SyncPendingDelete:
			return "", core.ErrNotFound
		default:
			cur.SyncState = core.SyncPendingDelete
			cur.UpdatedAt = nextUpdatedAt(r.now(), cur.UpdatedAt)
			cur.SyncError = ""
			row, err := toRow(cur)
			if err != nil {
				return "", err
			}
			if err := q.UpdateEntity(ctx, row); err != nil {
				return "", fmt.Errorf("tombstone entity: %w", err)
			}
		}
		return cur.OwnerID, nil
	})
}

// Lookup returns the entity with id, tombstones included.
func (r *SQLiteRepository) Lookup(ctx context.Context, id string) (core.Entity, error) {
	return lookup(ctx, r.queries, id)
}

// ListAll returns every local entity of kind for owner, tombstones included.
func (r *SQLiteRepository) ListAll(ctx context.Context, ownerID string, kind core.Kind) ([]core.Entity, error) {
	rows, err := r.queries.ListEntities(ctx, ownerID, int64(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s entities: %w", kind, err)
	}
	return fromRows(rows)
}

// Pending returns the owner's non-Clean entities of kind ordered by
// ascending updated_at.
func (r *SQLiteRepository) Pending(ctx context.Context, ownerID string, kind core.Kind) ([]core.Entity, error) {
	rows, err := r.queries.ListPendingEntities(ctx, ownerID, int64(kind))
	if err != nil {
		return nil, fmt.Errorf("list pending %s entities: %w", kind, err)
	}
	return fromRows(rows)
}

// CompletePush records that pushed was accepted by the remote store, which
// answered with remote.
func (r *SQLiteRepository) CompletePush(ctx context.Context, pushed, remote core.Entity) (PushOutcome, error) {
	var outcome PushOutcome
	err := r.write(ctx, func(q *Queries) (string, error) {
		cur, err := lookup(ctx, q, pushed.ID)
		if errors.Is(err, core.ErrNotFound) {
			outcome = PushGone
			return pushed.OwnerID, nil
		}
		if err != nil {
			return "", err
		}

		if unchanged(cur, pushed) {
			outcome = PushApplied
			cur = adopt(cur, remote)
		} else {
			outcome = PushSuperseded
			cur.BaseUpdatedAt = remote.UpdatedAt
			if cur.SyncState == core.SyncPendingCreate {
				cur.SyncState = core.SyncPendingUpdate
			}
		}
		row, err := toRow(cur)
		if err != nil {
			return "", err
		}
		if err := q.UpdateEntity(ctx, row); err != nil {
			return "", fmt.Errorf("complete push: %w", err)
		}
		return cur.OwnerID, nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// ApplyRemote overwrites the local row with remote if it still matches
// expected. It reports false when the row changed in between.
func (r *SQLiteRepository) ApplyRemote(ctx context.Context, expected, remote core.Entity) (bool, error) {
	var applied bool
	err := r.write(ctx, func(q *Queries) (string, error) {
		cur, err := lookup(ctx, q, expected.ID)
		if errors.Is(err, core.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if !unchanged(cur, expected) {
			return "", nil
		}
		row, err := toRow(adopt(cur, remote))
		if err != nil {
			return "", err
		}
		if err := q.UpdateEntity(ctx, row); err != nil {
			return "", fmt.Errorf("apply remote: %w", err)
		}
		applied = true
		return cur.OwnerID, nil
	})
	return applied, err
}

// InsertRemote stores a remote entity that has no local counterpart as
// Clean. It reports false if the id already exists locally.
func (r *SQLiteRepository) InsertRemote(ctx context.Context, remote core.Entity) (bool, error) {
	var inserted bool
	err := r.write(ctx, func(q *Queries) (string, error) {
		_, err := lookup(ctx, q, remote.ID)
		if err == nil {
			return "", nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return "", err
		}
		e := remote
		e.BaseUpdatedAt = remote.UpdatedAt
		e.SyncState = core.SyncClean
		e.SyncError = ""
		row, err := toRow(e)
		if err != nil {
			return "", err
		}
		if err := q.InsertEntity(ctx, row); err != nil {
			return "", fmt.Errorf("insert remote entity: %w", err)
		}
		inserted = true
		return e.OwnerID, nil
	})
	return inserted, err
}

// RemoveClean deletes a Clean entity that no longer exists remotely, as
// long as it was not touched since expected was read.
func (r *SQLiteRepository) RemoveClean(ctx context.Context, expected core.Entity) (bool, error) {
	var removed bool
	err := r.write(ctx, func(q *Queries) (string, error) {
		cur, err := lookup(ctx, q, expected.ID)
		if errors.Is(err, core.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if cur.SyncState != core.SyncClean || !unchanged(cur, expected) {
			return "", nil
		}
		if _, err := q.DeleteEntity(ctx, cur.ID); err != nil {
			return "", fmt.Errorf("remove clean entity: %w", err)
		}
		removed = true
		return cur.OwnerID, nil
	})
	return removed, err
}

// Purge physically removes a tombstone after its remote delete succeeded.
func (r *SQLiteRepository) Purge(ctx context.Context, id string) (bool, error) {
	var purged bool
	err := r.write(ctx, func(q *Queries) (string, error) {
		cur, err := lookup(ctx, q, id)
		if errors.Is(err, core.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if cur.SyncState != core.SyncPendingDelete {
			return "", nil
		}
		if _, err := q.DeleteEntity(ctx, id); err != nil {
			return "", fmt.Errorf("purge entity: %w", err)
		}
		purged = true
		return cur.OwnerID, nil
	})
	return purged, err
}

// SetSyncError attaches the last permanent sync failure to the entity.
// The sync_state is left unchanged.
func (r *SQLiteRepository) SetSyncError(ctx context.Context, id, msg string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	n, err := r.queries.SetSyncError(ctx, id, msg)
	if err != nil {
		return fmt.Errorf("set sync error: %w", err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// PendingCount is the number of the owner's entities that are not Clean.
func (r *SQLiteRepository) PendingCount(ctx context.Context, ownerID string) (int, error) {
	n, err := r.queries.CountPending(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return int(n), nil
}

// PendingOwners lists owners with at least one pending entity.
func (r *SQLiteRepository) PendingOwners(ctx context.Context) ([]string, error) {
	owners, err := r.queries.PendingOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending owners: %w", err)
	}
	return owners, nil
}

// Owners lists every owner with local data.
func (r *SQLiteRepository) Owners(ctx context.Context) ([]string, error) {
	owners, err := r.queries.Owners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	return owners, nil
}

// RecordRun stores a sync summary, keeping only the most recent runs.
func (r *SQLiteRepository) RecordRun(ctx context.Context, run SyncRun) error {
	return r.write(ctx, func(q *Queries) (string, error) {
		err := q.InsertSyncRun(ctx, SyncRunRow{
			OwnerID:    run.OwnerID,
			Status:     run.Status,
			StartedAt:  run.StartedAt.UnixMicro(),
			DurationMs: run.Duration.Milliseconds(),
			Changes:    int64(run.Changes),
			Errors:     int64(run.Errors),
		})
		if err != nil {
			return "", fmt.Errorf("insert sync run: %w", err)
		}
		if err := q.PruneSyncRuns(ctx, run.OwnerID, syncRunsKept); err != nil {
			return "", fmt.Errorf("prune sync runs: %w", err)
		}
		return "", nil
	})
}

// LastRun returns the most recent sync summary for owner.
func (r *SQLiteRepository) LastRun(ctx context.Context, ownerID string) (SyncRun, error) {
	row, err := r.queries.LastSyncRun(ctx, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRun{}, core.ErrNotFound
	}
	if err != nil {
		return SyncRun{}, fmt.Errorf("get last sync run: %w", err)
	}
	return SyncRun{
		OwnerID:   row.OwnerID,
		Status:    row.Status,
		StartedAt: time.UnixMicro(row.StartedAt).UTC(),
		Duration:  time.Duration(row.DurationMs) * time.Millisecond,
		Changes:   int(row.Changes),
		Errors:    int(row.Errors),
	}, nil
}

func lookup(ctx context.Context, q *Queries, id string) (core.Entity, error) {
	row, err := q.GetEntity(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Entity{}, core.ErrNotFound
	}
	if err != nil {
		return core.Entity{}, fmt.Errorf("get entity %s: %w", id, err)
	}
	return fromRow(row)
}

// unchanged reports whether cur is still the version snapshot was read as.
func unchanged(cur, snapshot core.Entity) bool {
	return cur.UpdatedAt.Equal(snapshot.UpdatedAt) && cur.SyncState == snapshot.SyncState
}

// adopt replaces cur's content with the remote version, keeping identity.
func adopt(cur, remote core.Entity) core.Entity {
	cur.Fields = remote.Fields
	if !remote.CreatedAt.IsZero() {
		cur.CreatedAt = remote.CreatedAt
	}
	cur.UpdatedAt = remote.UpdatedAt
	cur.BaseUpdatedAt = remote.UpdatedAt
	cur.SyncState = core.SyncClean
	cur.SyncError = ""
	return cur
}

func nextUpdatedAt(now, prev time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}

func toRow(e core.Entity) (EntityRow, error) {
	payload, err := core.EncodeFields(e.Fields)
	if err != nil {
		return EntityRow{}, fmt.Errorf("encode %s fields: %w", e.Kind(), err)
	}
	var base int64
	if !e.BaseUpdatedAt.IsZero() {
		base = e.BaseUpdatedAt.UnixMicro()
	}
	return EntityRow{
		ID:            e.ID,
		OwnerID:       e.OwnerID,
		Kind:          int64(e.Kind()),
		Payload:       string(payload),
		CreatedAt:     e.CreatedAt.UnixMicro(),
		UpdatedAt:     e.UpdatedAt.UnixMicro(),
		BaseUpdatedAt: base,
		SyncState:     e.SyncState.String(),
		SyncError:     e.SyncError,
	}, nil
}

func fromRow(row EntityRow) (core.Entity, error) {
	kind := core.Kind(row.Kind)
	fields, err := core.DecodeFields(kind, []byte(row.Payload))
	if err != nil {
		return core.Entity{}, fmt.Errorf("entity %s: %w", row.ID, err)
	}
	state, err := core.ParseSyncState(row.SyncState)
	if err != nil {
		return core.Entity{}, fmt.Errorf("entity %s: %w", row.ID, err)
	}
	e := core.Entity{
		ID:        row.ID,
		OwnerID:   row.OwnerID,
		Fields:    fields,
		CreatedAt: time.UnixMicro(row.CreatedAt).UTC(),
		UpdatedAt: time.UnixMicro(row.UpdatedAt).UTC(),
		SyncState: state,
		SyncError: row.SyncError,
	}
	if row.BaseUpdatedAt != 0 {
		e.BaseUpdatedAt = time.UnixMicro(row.BaseUpdatedAt).UTC()
	}
	return e, nil
}

func fromRows(rows []EntityRow) ([]core.Entity, error) {
	out := make([]core.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
