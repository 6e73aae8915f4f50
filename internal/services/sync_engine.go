package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ledgersync/internal/audit"
	"ledgersync/internal/core"
	"ledgersync/internal/remote"
	"ledgersync/internal/storage"
)

// LocalStore is the part of the local entity store the engine drives.
type LocalStore interface {
	Pending(ctx context.Context, ownerID string, kind core.Kind) ([]core.Entity, error)
	ListAll(ctx context.Context, ownerID string, kind core.Kind) ([]core.Entity, error)
	CompletePush(ctx context.Context, pushed, remote core.Entity) (storage.PushOutcome, error)
	ApplyRemote(ctx context.Context, expected, remote core.Entity) (bool, error)
	InsertRemote(ctx context.Context, remote core.Entity) (bool, error)
	RemoveClean(ctx context.Context, expected core.Entity) (bool, error)
	Purge(ctx context.Context, id string) (bool, error)
	SetSyncError(ctx context.Context, id, msg string) error
	PendingCount(ctx context.Context, ownerID string) (int, error)
}

// Reachability reports whether the device is known to be offline.
type Reachability interface {
	Offline() bool
}

// AlwaysOnline is a Reachability for contexts without a monitor.
type AlwaysOnline struct{}

func (AlwaysOnline) Offline() bool { return false }

// SyncEngineConfig holds configuration for the sync engine
type SyncEngineConfig struct {
	// KindParallelism bounds how many kinds sync at once (default: 3)
	KindParallelism int

	// Kinds restricts which kinds are synced (default: all)
	Kinds []core.Kind
}

// DefaultSyncEngineConfig returns sensible defaults
func DefaultSyncEngineConfig() SyncEngineConfig {
	return SyncEngineConfig{
		KindParallelism: 3,
		Kinds:           core.Kinds(),
	}
}

// ResultListener is notified after every full sync that actually ran.
type ResultListener func(ctx context.Context, res *SyncResult)

// SyncEngine reconciles one owner's local entities with the remote store:
// pending local edits are pushed first, then remote changes are pulled.
type SyncEngine struct {
	local  LocalStore
	remote remote.Store
	net    Reachability
	audit  audit.Logger
	config SyncEngineConfig
	now    func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}

	listenersMu sync.RWMutex
	listeners   []ResultListener
}

func NewSyncEngine(local LocalStore, rem remote.Store, net Reachability, auditLog audit.Logger, config SyncEngineConfig) *SyncEngine {
	if net == nil {
		net = AlwaysOnline{}
	}
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	if config.KindParallelism <= 0 {
		config.KindParallelism = 3
	}
	if len(config.Kinds) == 0 {
		config.Kinds = core.Kinds()
	}
	return &SyncEngine{
		local:    local,
		remote:   rem,
		net:      net,
		audit:    auditLog,
		config:   config,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// OnResult registers fn to receive every completed SyncResult.
func (e *SyncEngine) OnResult(fn ResultListener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// InProgress reports whether a full sync is running for owner.
func (e *SyncEngine) InProgress(ownerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[ownerID]
	return ok
}

// FullSync runs one push-then-pull reconciliation for owner. At most one
// runs per owner; a concurrent call returns StatusAlreadyInProgress
// immediately. Remote failures are reported in the result; the returned
// error is reserved for local store failures.
func (e *SyncEngine) FullSync(ctx context.Context, ownerID string) (*SyncResult, error) {
	if ownerID == "" {
		return nil, core.ErrEmptyOwner
	}
	started := e.now()

	if e.net.Offline() {
		res := newSyncResult(ownerID, StatusOffline, started)
		if n, err := e.local.PendingCount(ctx, ownerID); err == nil {
			res.Pending = n
		}
		slog.DebugContext(ctx, "Sync skipped while offline", "owner_id", ownerID, "pending", res.Pending)
		return res, nil
	}

	if !e.acquire(ownerID) {
		slog.DebugContext(ctx, "Sync already in progress", "owner_id", ownerID)
		return newSyncResult(ownerID, StatusAlreadyInProgress, started), nil
	}
	defer e.release(ownerID)

	e.audit.Log(ctx, audit.EventSyncStarted, map[string]any{"owner_id": ownerID})
	slog.InfoContext(ctx, "Full sync started", "owner_id", ownerID)

	r := &run{result: newSyncResult(ownerID, StatusCompleted, started)}
	for _, k := range e.config.Kinds {
		r.result.Kinds[k] = &KindSummary{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.KindParallelism)
	for _, k := range e.config.Kinds {
		g.Go(func() error {
			if err := e.syncKind(gctx, r, k); err != nil {
				return fmt.Errorf("sync %s: %w", k, err)
			}
			return nil
		})
	}
	syncErr := g.Wait()

	res := r.finish(e.now())
	if n, err := e.local.PendingCount(ctx, ownerID); err == nil {
		res.Pending = n
	} else if syncErr == nil {
		syncErr = fmt.Errorf("count pending: %w", err)
	}

	if syncErr != nil {
		slog.ErrorContext(ctx, "Full sync aborted by local store failure", "owner_id", ownerID, "error", syncErr)
		return res, syncErr
	}

	slog.InfoContext(ctx, "Full sync finished",
		"owner_id", ownerID,
		"status", res.Status.String(),
		"changes", res.Changes(),
		"pending", res.Pending,
		"errors", len(res.Errors),
		"duration_ms", res.Duration.Milliseconds())
	e.audit.Log(ctx, audit.EventSyncFinished, map[string]any{
		"owner_id": ownerID,
		"status":   res.Status.String(),
		"changes":  res.Changes(),
		"pending":  res.Pending,
		"errors":   len(res.Errors),
	})
	e.notify(ctx, res)
	return res, nil
}

func (e *SyncEngine) acquire(ownerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[ownerID]; busy {
		return false
	}
	e.inFlight[ownerID] = struct{}{}
	return true
}

func (e *SyncEngine) release(ownerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, ownerID)
}

func (e *SyncEngine) notify(ctx context.Context, res *SyncResult) {
	e.listenersMu.RLock()
	listeners := make([]ResultListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, res)
	}
}

// syncKind pushes then pulls one kind.
func (e *SyncEngine) syncKind(ctx context.Context, r *run, kind core.Kind) error {
	owner := r.result.OwnerID
	pending, err := e.local.Pending(ctx, owner, kind)
	if err != nil {
		return err
	}

	// Conflict detection needs the remote versions of entities with
	// pending updates; fetch them once for the whole kind.
	var snapshot map[string]core.Entity
	snapshotOK := true
	if hasState(pending, core.SyncPendingUpdate) && !e.stop(ctx, r) {
		list, err := e.remote.List(ctx, kind, owner)
		if err != nil {
			snapshotOK = false
			e.fail(ctx, r, kind, core.Entity{}, err)
		} else {
			snapshot = byID(list)
		}
	}

	for _, ent := range pending {
		if e.stop(ctx, r) {
			return nil
		}
		var err error
		switch ent.SyncState {
		case core.SyncPendingCreate:
			err = e.pushCreate(ctx, r, ent)
		case core.SyncPendingUpdate:
			if !snapshotOK {
				continue
			}
			err = e.pushUpdate(ctx, r, ent, snapshot)
		case core.SyncPendingDelete:
			err = e.pushDelete(ctx, r, ent)
		}
		if err != nil {
			return err
		}
	}

	if e.stop(ctx, r) {
		return nil
	}
	return e.pull(ctx, r, kind)
}

func (e *SyncEngine) pushCreate(ctx context.Context, r *run, ent core.Entity) error {
	stored, err := e.remote.Create(ctx, ent)
	if err != nil {
		return e.fail(ctx, r, ent.Kind(), ent, err)
	}
	return e.completePush(ctx, r, ent, stored)
}

func (e *SyncEngine) pushUpdate(ctx context.Context, r *run, ent core.Entity, snapshot map[string]core.Entity) error {
	rem, exists := snapshot[ent.ID]
	if exists && rem.UpdatedAt.After(ent.BaseUpdatedAt) {
		applied, err := e.local.ApplyRemote(ctx, ent, rem)
		if err != nil {
			return err
		}
		if applied {
			r.summary(ent.Kind(), func(s *KindSummary) { s.RemoteWins++ })
			slog.InfoContext(ctx, "Remote version wins conflict",
				"owner_id", ent.OwnerID,
				"kind", ent.Kind().String(),
				"entity_id", ent.ID,
				"local_base", ent.BaseUpdatedAt,
				"remote_updated_at", rem.UpdatedAt)
			e.audit.Log(ctx, audit.EventConflictRemote, map[string]any{
				"owner_id":  ent.OwnerID,
				"kind":      ent.Kind().String(),
				"entity_id": ent.ID,
			})
		}
		return nil
	}

	// A remote delete loses against a local edit: the entity is recreated.
	if !exists {
		return e.pushCreate(ctx, r, ent)
	}

	stored, err := e.remote.Update(ctx, ent)
	if errors.Is(err, remote.ErrNotFound) {
		return e.pushCreate(ctx, r, ent)
	}
	if err != nil {
		return e.fail(ctx, r, ent.Kind(), ent, err)
	}
	return e.completePush(ctx, r, ent, stored)
}

func (e *SyncEngine) completePush(ctx context.Context, r *run, pushed, stored core.Entity) error {
	outcome, err := e.local.CompletePush(ctx, pushed, stored)
	if err != nil {
		return err
	}
	r.summary(pushed.Kind(), func(s *KindSummary) { s.Pushed++ })

	if outcome == storage.PushGone {
		// Deleted locally while its create was in flight.
		err := e.remote.Delete(ctx, pushed.Kind(), pushed.ID)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return e.fail(ctx, r, pushed.Kind(), pushed, err)
		}
	}
	slog.DebugContext(ctx, "Entity pushed",
		"owner_id", pushed.OwnerID,
		"kind", pushed.Kind().String(),
		"entity_id", pushed.ID,
		"outcome", outcome.String())
	return nil
}

func (e *SyncEngine) pushDelete(ctx context.Context, r *run, ent core.Entity) error {
	err := e.remote.Delete(ctx, ent.Kind(), ent.ID)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return e.fail(ctx, r, ent.Kind(), ent, err)
	}
	purged, err := e.local.Purge(ctx, ent.ID)
	if err != nil {
		return err
	}
	if purged {
		r.summary(ent.Kind(), func(s *KindSummary) { s.Purged++ })
	}
	return nil
}

// pull folds the remote set for one kind into the local store. Pending
// local entities are never touched here.
func (e *SyncEngine) pull(ctx context.Context, r *run, kind core.Kind) error {
	owner := r.result.OwnerID
	remotes, err := e.remote.List(ctx, kind, owner)
	if err != nil {
		return e.fail(ctx, r, kind, core.Entity{}, err)
	}
	locals, err := e.local.ListAll(ctx, owner, kind)
	if err != nil {
		return err
	}
	localByID := byID(locals)
	remoteByID := byID(remotes)

	for _, rem := range remotes {
		loc, ok := localByID[rem.ID]
		if !ok {
			inserted, err := e.local.InsertRemote(ctx, rem)
			if err != nil {
				return err
			}
			if inserted {
				r.summary(kind, func(s *KindSummary) { s.Pulled++ })
			}
			continue
		}
		if loc.SyncState != core.SyncClean || !rem.UpdatedAt.After(loc.UpdatedAt) {
			continue
		}
		applied, err := e.local.ApplyRemote(ctx, loc, rem)
		if err != nil {
			return err
		}
		if applied {
			r.summary(kind, func(s *KindSummary) { s.Pulled++ })
		}
	}

	for _, loc := range locals {
		if loc.SyncState != core.SyncClean {
			continue
		}
		if _, ok := remoteByID[loc.ID]; ok {
			continue
		}
		removed, err := e.local.RemoveClean(ctx, loc)
		if err != nil {
			return err
		}
		if removed {
			r.summary(kind, func(s *KindSummary) { s.RemovedLocally++ })
			e.audit.Log(ctx, audit.EventRemoteDeleteSeen, map[string]any{
				"owner_id":  owner,
				"kind":      kind.String(),
				"entity_id": loc.ID,
			})
		}
	}
	return nil
}

// fail records a remote failure. It only returns an error when recording
// itself hits the local store.
func (e *SyncEngine) fail(ctx context.Context, r *run, kind core.Kind, ent core.Entity, err error) error {
	class := remote.ClassOf(err)
	r.addError(EntityError{
		EntityID: ent.ID,
		Kind:     kind,
		Class:    class,
		Message:  err.Error(),
	})

	slog.WarnContext(ctx, "Remote operation failed",
		"owner_id", r.result.OwnerID,
		"kind", kind.String(),
		"entity_id", ent.ID,
		"error_class", class.String(),
		"error", err)

	switch class {
	case remote.Unauthorized:
		if r.halt() {
			e.audit.Log(ctx, audit.EventUnauthorized, map[string]any{
				"owner_id": r.result.OwnerID,
				"error":    err.Error(),
			})
		}
	case remote.Permanent:
		e.audit.Log(ctx, audit.EventEntityFailed, map[string]any{
			"owner_id":  r.result.OwnerID,
			"kind":      kind.String(),
			"entity_id": ent.ID,
			"error":     err.Error(),
		})
		if ent.ID != "" {
			if serr := e.local.SetSyncError(ctx, ent.ID, err.Error()); serr != nil && !errors.Is(serr, core.ErrNotFound) {
				return serr
			}
		}
	}
	return nil
}

// stop reports whether the run must not start another entity. Remote calls
// already in flight are never aborted.
func (e *SyncEngine) stop(ctx context.Context, r *run) bool {
	if r.halted() {
		return true
	}
	if ctx.Err() != nil || e.net.Offline() {
		r.interrupt()
		return true
	}
	return false
}

func hasState(es []core.Entity, s core.SyncState) bool {
	for _, e := range es {
		if e.SyncState == s {
			return true
		}
	}
	return false
}

func byID(es []core.Entity) map[string]core.Entity {
	m := make(map[string]core.Entity, len(es))
	for _, e := range es {
		m[e.ID] = e
	}
	return m
}
