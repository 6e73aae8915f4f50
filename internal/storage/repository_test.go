package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgersync/internal/core"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRepo(t *testing.T) (*SQLiteRepository, *fakeClock) {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	clock := &fakeClock{t: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)}
	repo.now = clock.Now
	return repo, clock
}

func TestOpenMigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	repo, err := NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if v := repo.SchemaVersion(); v != 2 {
		t.Fatalf("expected schema version 2, got %d", v)
	}
	if _, err := repo.Create(context.Background(), "u1", tx("3")); err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.Close()

	reopened, err := NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if v := reopened.SchemaVersion(); v != 2 {
		t.Fatalf("reopen changed schema version to %d", v)
	}
	if n, _ := reopened.PendingCount(context.Background(), "u1"); n != 1 {
		t.Fatalf("data lost across reopen, pending=%d", n)
	}
}

func tx(amount string) core.Transaction {
	return core.Transaction{
		Amount:   decimal.RequireFromString(amount),
		Category: "food",
		Type:     core.Expense,
		Date:     time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreateSetsPendingCreate(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()

	e, err := repo.Create(ctx, "u1", tx("10"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.ID == "" {
		t.Fatalf("expected generated id")
	}
	if e.SyncState != core.SyncPendingCreate {
		t.Fatalf("expected pending_create, got %s", e.SyncState)
	}
	if !e.CreatedAt.Equal(clock.Now()) || !e.UpdatedAt.Equal(e.CreatedAt) {
		t.Fatalf("expected created_at = updated_at = now, got %v / %v", e.CreatedAt, e.UpdatedAt)
	}

	got, err := repo.Get(ctx, "u1", e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind() != core.KindTransaction || got.SyncState != core.SyncPendingCreate {
		t.Fatalf("unexpected stored entity %+v", got)
	}
	if !got.Fields.(core.Transaction).Amount.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("amount not preserved: %+v", got.Fields)
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	repo, _ := newTestRepo(t)
	if _, err := repo.Create(context.Background(), "u1", tx("0")); !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := repo.Create(context.Background(), "", tx("1")); !errors.Is(err, core.ErrEmptyOwner) {
		t.Fatalf("expected ErrEmptyOwner, got %v", err)
	}
}

func TestUpdateStateTransitions(t *testing.T) {
	ctx := context.Background()
	cat := "rent"
	patch := core.TransactionPatch{Category: &cat}

	t.Run("pending create stays pending create", func(t *testing.T) {
		repo, clock := newTestRepo(t)
		e, _ := repo.Create(ctx, "u1", tx("5"))
		clock.Advance(time.Second)
		got, err := repo.Update(ctx, "u1", e.ID, patch)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if got.SyncState != core.SyncPendingCreate {
			t.Fatalf("expected pending_create, got %s", got.SyncState)
		}
		if !got.UpdatedAt.After(e.UpdatedAt) {
			t.Fatalf("updated_at not refreshed")
		}
	})

	t.Run("clean becomes pending update", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		remote := core.Entity{ID: core.NewID(), OwnerID: "u1", Fields: tx("5"),
			CreatedAt: time.Unix(100, 0).UTC(), UpdatedAt: time.Unix(100, 0).UTC()}
		if _, err := repo.InsertRemote(ctx, remote); err != nil {
			t.Fatalf("insert remote: %v", err)
		}
		got, err := repo.Update(ctx, "u1", remote.ID, patch)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if got.SyncState != core.SyncPendingUpdate {
			t.Fatalf("expected pending_update, got %s", got.SyncState)
		}
		if !got.BaseUpdatedAt.Equal(remote.UpdatedAt) {
			t.Fatalf("baseline must stay at remote updated_at, got %v", got.BaseUpdatedAt)
		}
	})

	t.Run("pending delete rejects update", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		remote := core.Entity{ID: core.NewID(), OwnerID: "u1", Fields: tx("5"),
			CreatedAt: time.Unix(100, 0).UTC(), UpdatedAt: time.Unix(100, 0).UTC()}
		repo.InsertRemote(ctx, remote)
		if err := repo.Delete(ctx, "u1", remote.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := repo.Update(ctx, "u1", remote.ID, patch); !errors.Is(err, core.ErrPendingDelete) {
			t.Fatalf("expected ErrPendingDelete, got %v", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		if _, err := repo.Update(ctx, "u1", "missing", patch); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("wrong kind", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		e, _ := repo.Create(ctx, "u1", tx("5"))
		if _, err := repo.Update(ctx, "u1", e.ID, core.BudgetPatch{}); !errors.Is(err, core.ErrKindMismatch) {
			t.Fatalf("expected ErrKindMismatch, got %v", err)
		}
	})
}

func TestUpdatedAtMonotonic(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	e, _ := repo.Create(ctx, "u1", tx("5"))

	// Clock goes backwards: updated_at must still move forward.
	clock.Advance(-time.Hour)
	desc := "later"
	got, err := repo.Update(ctx, "u1", e.ID, core.TransactionPatch{Description: &desc})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !got.UpdatedAt.After(e.UpdatedAt) {
		t.Fatalf("updated_at went from %v to %v", e.UpdatedAt, got.UpdatedAt)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("pending create is removed", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		e, _ := repo.Create(ctx, "u1", tx("5"))
		if err := repo.Delete(ctx, "u1", e.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := repo.Lookup(ctx, e.ID); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("expected physical removal, got %v", err)
		}
		n, _ := repo.PendingCount(ctx, "u1")
		if n != 0 {
			t.Fatalf("expected 0 pending, got %d", n)
		}
	})

	t.Run("clean is tombstoned", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		remote := core.Entity{ID: core.NewID(), OwnerID: "u1", Fields: tx("5"),
			CreatedAt: time.Unix(100, 0).UTC(), UpdatedAt: time.Unix(100, 0).UTC()}
		repo.InsertRemote(ctx, remote)
		if err := repo.Delete(ctx, "u1", remote.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		got, err := repo.Lookup(ctx, remote.ID)
		if err != nil {
			t.Fatalf("tombstone should be retained: %v", err)
		}
		if got.SyncState != core.SyncPendingDelete {
			t.Fatalf("expected pending_delete, got %s", got.SyncState)
		}
		if _, err := repo.Get(ctx, "u1", remote.ID); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("tombstones must be hidden from Get, got %v", err)
		}
		list, _ := repo.List(ctx, "u1", core.KindTransaction)
		if len(list) != 0 {
			t.Fatalf("tombstones must be hidden from List, got %d", len(list))
		}

		if err := repo.Delete(ctx, "u1", remote.ID); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("deleting a tombstone again: expected ErrNotFound, got %v", err)
		}
		again, _ := repo.Lookup(ctx, remote.ID)
		if !again.UpdatedAt.Equal(got.UpdatedAt) {
			t.Fatalf("second delete must not touch the tombstone: %v -> %v", got.UpdatedAt, again.UpdatedAt)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		if err := repo.Delete(ctx, "u1", "missing"); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("other owner", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		e, _ := repo.Create(ctx, "u1", tx("5"))
		if err := repo.Delete(ctx, "u2", e.ID); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPendingOrderedByUpdatedAt(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()

	a, _ := repo.Create(ctx, "u1", tx("1"))
	clock.Advance(time.Second)
	b, _ := repo.Create(ctx, "u1", tx("2"))
	clock.Advance(time.Second)
	desc := "edited"
	repo.Update(ctx, "u1", a.ID, core.TransactionPatch{Description: &desc})

	pending, err := repo.Pending(ctx, "u1", core.KindTransaction)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != b.ID || pending[1].ID != a.ID {
		t.Fatalf("expected [b a], got %v", ids(pending))
	}
}

func TestCompletePush(t *testing.T) {
	ctx := context.Background()

	t.Run("applied", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		e, _ := repo.Create(ctx, "u1", tx("5"))
		remote := e
		remote.UpdatedAt = e.UpdatedAt.Add(time.Millisecond)
		out, err := repo.CompletePush(ctx, e, remote)
		if err != nil || out != PushApplied {
			t.Fatalf("expected applied, got %v (%v)", out, err)
		}
		got, _ := repo.Lookup(ctx, e.ID)
		if got.SyncState != core.SyncClean || !got.BaseUpdatedAt.Equal(remote.UpdatedAt) {
			t.Fatalf("unexpected state after push: %+v", got)
		}
	})

	t.Run("superseded by concurrent edit", func(t *testing.T) {
		repo, clock := newTestRepo(t)
		e, _ := repo.Create(ctx, "u1", tx("5"))
		clock.Advance(time.Second)
		desc := "edited during push"
		repo.Update(ctx, "u1", e.ID, core.TransactionPatch{Description: &desc})

		out, err := repo.CompletePush(ctx, e, e)
		if err != nil || out != PushSuperseded {
			t.Fatalf("expected superseded, got %v (%v)", out, err)
		}
		got, _ := repo.Lookup(ctx, e.ID)
		if got.SyncState != core.SyncPendingUpdate {
			t.Fatalf("pending create must escalate to pending update, got %s", got.SyncState)
		}
		if got.Fields.(core.Transaction).Description != desc {
			t.Fatalf("local edit lost: %+v", got.Fields)
		}
		if !got.BaseUpdatedAt.Equal(e.UpdatedAt) {
			t.Fatalf("baseline not moved to pushed version")
		}
	})

	t.Run("gone after local delete", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		e, _ := repo.Create(ctx, "u1", tx("5"))
		repo.Delete(ctx, "u1", e.ID)
		out, err := repo.CompletePush(ctx, e, e)
		if err != nil || out != PushGone {
			t.Fatalf("expected gone, got %v (%v)", out, err)
		}
	})
}

func TestApplyRemoteCompareAndSet(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	e, _ := repo.Create(ctx, "u1", tx("5"))

	remote := e
	remote.Fields = tx("99")
	remote.UpdatedAt = e.UpdatedAt.Add(time.Hour)

	// A local edit after the snapshot must win.
	clock.Advance(time.Second)
	desc := "newer"
	repo.Update(ctx, "u1", e.ID, core.TransactionPatch{Description: &desc})
	ok, err := repo.ApplyRemote(ctx, e, remote)
	if err != nil || ok {
		t.Fatalf("expected no-op on stale snapshot, got %v (%v)", ok, err)
	}

	cur, _ := repo.Lookup(ctx, e.ID)
	ok, err = repo.ApplyRemote(ctx, cur, remote)
	if err != nil || !ok {
		t.Fatalf("expected apply, got %v (%v)", ok, err)
	}
	got, _ := repo.Lookup(ctx, e.ID)
	if got.SyncState != core.SyncClean || !got.Fields.(core.Transaction).Amount.Equal(decimal.RequireFromString("99")) {
		t.Fatalf("remote version not adopted: %+v", got)
	}
}

func TestInsertRemoteRemoveCleanPurge(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	remote := core.Entity{ID: core.NewID(), OwnerID: "u1", Fields: tx("5"),
		CreatedAt: time.Unix(100, 0).UTC(), UpdatedAt: time.Unix(200, 0).UTC()}
	ok, err := repo.InsertRemote(ctx, remote)
	if err != nil || !ok {
		t.Fatalf("insert: %v %v", ok, err)
	}
	if ok, _ := repo.InsertRemote(ctx, remote); ok {
		t.Fatalf("second insert must be a no-op")
	}

	if ok, _ := repo.Purge(ctx, remote.ID); ok {
		t.Fatalf("purge must only remove tombstones")
	}

	local, _ := repo.Lookup(ctx, remote.ID)
	ok, err = repo.RemoveClean(ctx, local)
	if err != nil || !ok {
		t.Fatalf("remove clean: %v %v", ok, err)
	}
	if _, err := repo.Lookup(ctx, remote.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected removal, got %v", err)
	}

	repo.InsertRemote(ctx, remote)
	repo.Delete(ctx, "u1", remote.ID)
	ok, err = repo.Purge(ctx, remote.ID)
	if err != nil || !ok {
		t.Fatalf("purge: %v %v", ok, err)
	}
}

func TestPendingCountAndOwners(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	repo.Create(ctx, "u1", tx("1"))
	repo.Create(ctx, "u1", core.Budget{Category: "food", Allocated: decimal.NewFromInt(100), Period: core.Monthly})
	repo.Create(ctx, "u2", tx("2"))
	repo.InsertRemote(ctx, core.Entity{ID: core.NewID(), OwnerID: "u3", Fields: tx("3"),
		CreatedAt: time.Unix(1, 0).UTC(), UpdatedAt: time.Unix(1, 0).UTC()})

	n, err := repo.PendingCount(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 pending for u1, got %d (%v)", n, err)
	}
	owners, _ := repo.PendingOwners(ctx)
	if len(owners) != 2 || owners[0] != "u1" || owners[1] != "u2" {
		t.Fatalf("unexpected pending owners %v", owners)
	}
	all, _ := repo.Owners(ctx)
	if len(all) != 3 {
		t.Fatalf("expected 3 owners, got %v", all)
	}
}

func TestSetSyncErrorClearedByEdit(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	e, _ := repo.Create(ctx, "u1", tx("1"))

	if err := repo.SetSyncError(ctx, e.ID, "rejected"); err != nil {
		t.Fatalf("set sync error: %v", err)
	}
	got, _ := repo.Lookup(ctx, e.ID)
	if got.SyncError != "rejected" || got.SyncState != core.SyncPendingCreate {
		t.Fatalf("sync error must not change state: %+v", got)
	}

	desc := "fixed"
	got, _ = repo.Update(ctx, "u1", e.ID, core.TransactionPatch{Description: &desc})
	if got.SyncError != "" {
		t.Fatalf("edit should clear sync error")
	}
	if err := repo.SetSyncError(ctx, "missing", "x"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOnChangeFiresAfterCommit(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	var got []string
	repo.OnChange(func(ctx context.Context, owner string) {
		n, err := repo.PendingCount(ctx, owner)
		if err != nil {
			t.Errorf("count inside hook: %v", err)
		}
		got = append(got, owner)
		if n == 0 {
			t.Errorf("hook saw uncommitted state")
		}
	})
	repo.Create(ctx, "u1", tx("1"))
	if len(got) != 1 || got[0] != "u1" {
		t.Fatalf("expected one notification for u1, got %v", got)
	}

	repo.Update(ctx, "u1", "missing", core.TransactionPatch{})
	if len(got) != 1 {
		t.Fatalf("failed writes must not notify")
	}
}

func TestRecordAndLastRun(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.LastRun(ctx, "u1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	start := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := repo.RecordRun(ctx, SyncRun{
			OwnerID:   "u1",
			Status:    "completed",
			StartedAt: start.Add(time.Duration(i) * time.Minute),
			Duration:  1500 * time.Millisecond,
			Changes:   i,
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	run, err := repo.LastRun(ctx, "u1")
	if err != nil {
		t.Fatalf("last run: %v", err)
	}
	if run.Changes != 2 || run.Duration != 1500*time.Millisecond || !run.StartedAt.Equal(start.Add(2*time.Minute)) {
		t.Fatalf("unexpected last run %+v", run)
	}
}

func ids(es []core.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
