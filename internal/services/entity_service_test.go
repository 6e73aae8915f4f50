package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"ledgersync/internal/audit"
	"ledgersync/internal/core"
	"ledgersync/internal/storage"
)

type recordingRequester struct {
	mu     sync.Mutex
	owners []string
}

func (r *recordingRequester) Request(ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = append(r.owners, ownerID)
}

type recordingAudit struct {
	events []string
}

func (a *recordingAudit) Log(_ context.Context, event string, _ map[string]any) {
	a.events = append(a.events, event)
}

func newEntityService(t *testing.T) (*EntityService, *recordingRequester, *recordingAudit) {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	req := &recordingRequester{}
	aud := &recordingAudit{}
	return NewEntityService(repo, req, aud), req, aud
}

func TestEntityServiceRequestsSyncOnEveryMutation(t *testing.T) {
	svc, req, aud := newEntityService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, "u1", budget("food"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	spent := decimal.NewFromInt(20)
	if _, err := svc.Update(ctx, "u1", e.ID, core.BudgetPatch{Spent: &spent}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := svc.Delete(ctx, "u1", e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(req.owners) != 3 {
		t.Fatalf("expected 3 sync requests, got %v", req.owners)
	}
	want := []string{audit.EventEntityCreated, audit.EventEntityUpdated, audit.EventEntityDeleted}
	for i, ev := range want {
		if i >= len(aud.events) || aud.events[i] != ev {
			t.Fatalf("expected audit events %v, got %v", want, aud.events)
		}
	}
}

func TestEntityServiceFailuresDoNotRequestSync(t *testing.T) {
	svc, req, _ := newEntityService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{
			name: "invalid create",
			run: func() error {
				_, err := svc.Create(ctx, "u1", core.Budget{Category: "", Allocated: decimal.NewFromInt(1), Period: core.Weekly})
				return err
			},
			want: core.ErrEmptyCategory,
		},
		{
			name: "update unknown",
			run: func() error {
				name := "x"
				_, err := svc.Update(ctx, "u1", "missing", core.SavingsGoalPatch{Name: &name})
				return err
			},
			want: core.ErrNotFound,
		},
		{
			name: "delete unknown",
			run:  func() error { return svc.Delete(ctx, "u1", "missing") },
			want: core.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if len(req.owners) != 0 {
		t.Fatalf("failed mutations must not request sync, got %v", req.owners)
	}
}

func TestEntityServiceDeleteOfTombstoneIsNotFound(t *testing.T) {
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	req := &recordingRequester{}
	aud := &recordingAudit{}
	svc := NewEntityService(repo, req, aud)
	ctx := context.Background()

	now := core.Now()
	synced := core.Entity{ID: core.NewID(), OwnerID: "u1", Fields: budget("rent"), CreatedAt: now, UpdatedAt: now}
	if _, err := repo.InsertRemote(ctx, synced); err != nil {
		t.Fatalf("insert remote: %v", err)
	}

	if err := svc.Delete(ctx, "u1", synced.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, "u1", synced.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a tombstone, got %v", err)
	}

	if len(req.owners) != 1 {
		t.Fatalf("only the first delete may request a sync, got %v", req.owners)
	}
	if len(aud.events) != 1 || aud.events[0] != audit.EventEntityDeleted {
		t.Fatalf("only the first delete may be audited, got %v", aud.events)
	}
}

func TestEntityServiceWithoutScheduler(t *testing.T) {
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	defer repo.Close()
	svc := NewEntityService(repo, nil, nil)

	if _, err := svc.Create(context.Background(), "u1", expense("1", "food")); err != nil {
		t.Fatalf("create without scheduler: %v", err)
	}
	list, err := svc.List(context.Background(), "u1", core.KindTransaction)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one transaction, got %d (%v)", len(list), err)
	}
	if _, err := svc.List(context.Background(), "u1", core.Kind(0)); err == nil {
		t.Fatal("expected error for invalid kind")
	}
}
