package http

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ledgersync/internal/connectivity"
	"ledgersync/internal/core"
	"ledgersync/internal/log"
	"ledgersync/internal/queue"
	"ledgersync/internal/services"
	"ledgersync/internal/storage"
)

type fakeSyncer struct {
	mu     sync.Mutex
	owners []string
}

func (f *fakeSyncer) SyncNow(ctx context.Context, ownerID string) (*services.SyncResult, error) {
	f.mu.Lock()
	f.owners = append(f.owners, ownerID)
	f.mu.Unlock()
	return &services.SyncResult{OwnerID: ownerID, Status: services.StatusCompleted}, nil
}

type fakeRuns map[string]storage.SyncRun

func (f fakeRuns) LastRun(ctx context.Context, ownerID string) (storage.SyncRun, error) {
	run, ok := f[ownerID]
	if !ok {
		return storage.SyncRun{}, core.ErrNotFound
	}
	return run, nil
}

type fakeNetwork struct{ state connectivity.State }

func (f fakeNetwork) State() connectivity.State { return f.state }
func (f fakeNetwork) Transport() string         { return "ipv4" }

type listView struct {
	Count int              `json:"count"`
	Items []map[string]any `json:"items"`
}

type fixture struct {
	srv    *Server
	repo   *storage.SQLiteRepository
	syncer *fakeSyncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	q := queue.New(repo)
	repo.OnChange(func(ctx context.Context, ownerID string) {
		q.Refresh(ctx, ownerID)
	})

	f := &fixture{repo: repo, syncer: &fakeSyncer{}}
	f.srv = NewServer(":0", Deps{
		Entities: services.NewEntityService(repo, nil, nil),
		Pending:  q,
		Syncer:   f.syncer,
		Runs: fakeRuns{"u1": {
			OwnerID:   "u1",
			Status:    "completed",
			StartedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
			Duration:  1500 * time.Millisecond,
			Changes:   3,
		}},
		Network:           fakeNetwork{state: connectivity.Online},
		Logger:            log.New(log.Config{Output: io.Discard}),
		SyncRatePerMinute: 2,
	})
	t.Cleanup(func() { f.srv.Shutdown(context.Background()) })
	return f
}

func (f *fixture) do(t *testing.T, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if owner != "" {
		req.Header.Set(HeaderOwnerID, owner)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

const txBody = `{"amount":"12.50","category":"food","type":"expense","date":"2025-01-02T00:00:00Z"}`

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["connectivity"] != "online" || body["transport"] != "ipv4" {
		t.Fatalf("unexpected body %v", body)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id missing")
	}
}

func TestOwnerRequired(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/pending", "/api/transactions", "/api/sync/last"} {
		if rec := f.do(t, http.MethodGet, path, "", ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
	if rec := f.do(t, http.MethodGet, "/api/pending", "bad owner", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid owner, got %d", rec.Code)
	}
}

func TestEntityLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/transactions", "u1", txBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body)
	}
	created := decode[map[string]any](t, rec)
	id, _ := created["id"].(string)
	if id == "" || created["sync_state"] != "pending_create" || created["kind"] != "transaction" {
		t.Fatalf("unexpected entity %v", created)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/transaction/"+id {
		t.Fatalf("unexpected Location %q", loc)
	}

	pending := decode[pendingResponse](t, f.do(t, http.MethodGet, "/api/pending", "u1", ""))
	if pending.Count != 1 {
		t.Fatalf("expected 1 pending, got %d", pending.Count)
	}

	rec = f.do(t, http.MethodPatch, "/api/transactions/"+id, "u1", `{"category":"rent"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status=%d body=%s", rec.Code, rec.Body)
	}
	updated := decode[map[string]any](t, rec)
	if fields := updated["fields"].(map[string]any); fields["category"] != "rent" {
		t.Fatalf("patch not applied: %v", updated)
	}

	if rec := f.do(t, http.MethodGet, "/api/budgets/"+id, "u1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("kind mismatch should be 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/budgets/"+id, "u1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("delete through wrong kind should be 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/transactions/"+id, "u2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("other owner should not see the entity, got %d", rec.Code)
	}

	list := decode[listView](t, f.do(t, http.MethodGet, "/api/transactions", "u1", ""))
	if list.Count != 1 || list.Items[0]["id"] != id {
		t.Fatalf("unexpected list %+v", list)
	}

	if rec := f.do(t, http.MethodDelete, "/api/transactions/"+id, "u1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d body=%s", rec.Code, rec.Body)
	}
	list = decode[listView](t, f.do(t, http.MethodGet, "/api/transactions", "u1", ""))
	if list.Count != 0 || list.Items == nil {
		t.Fatalf("expected empty non-nil list, got %+v", list)
	}
	pending = decode[pendingResponse](t, f.do(t, http.MethodGet, "/api/pending", "u1", ""))
	if pending.Count != 0 {
		t.Fatalf("never-synced delete should leave nothing pending, got %d", pending.Count)
	}
	if rec := f.do(t, http.MethodDelete, "/api/transactions/"+id, "u1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete should be 404, got %d", rec.Code)
	}
}

func TestCreateErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown kind", "/api/invoices", txBody, http.StatusNotFound},
		{"malformed json", "/api/transactions", `{"amount":`, http.StatusBadRequest},
		{"zero amount", "/api/transactions", `{"amount":"0","category":"food","type":"expense","date":"2025-01-02T00:00:00Z"}`, http.StatusUnprocessableEntity},
		{"bad period", "/api/budgets", `{"category":"food","allocated":"100","period":"daily"}`, http.StatusUnprocessableEntity},
		{"too large", "/api/transactions", `{"description":"` + strings.Repeat("x", maxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, "u1", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%s", tt.want, rec.Code, rec.Body)
			}
		})
	}
}

func TestSyncEndpointRateLimited(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/sync", "u1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("sync %d status=%d", i, rec.Code)
		}
		if body := decode[map[string]any](t, rec); body["status"] != "completed" {
			t.Fatalf("unexpected result %v", body)
		}
	}
	rec := f.do(t, http.MethodPost, "/api/sync", "u1", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/sync", "u2", ""); rec.Code != http.StatusOK {
		t.Fatalf("other owner should not be limited, got %d", rec.Code)
	}
	if len(f.syncer.owners) != 3 {
		t.Fatalf("expected 3 syncs, got %v", f.syncer.owners)
	}
}

func TestLastSync(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/sync/last", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	run := decode[lastRunResponse](t, rec)
	if run.Status != "completed" || run.DurationMs != 1500 || run.Changes != 3 {
		t.Fatalf("unexpected run %+v", run)
	}

	if rec := f.do(t, http.MethodGet, "/api/sync/last", "u2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without history, got %d", rec.Code)
	}
}

func TestPendingStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/pending/stream?owner=u1", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := make(chan queue.Snapshot, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var snap queue.Snapshot
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap) == nil {
				events <- snap
			}
		}
		close(events)
	}()

	next := func() queue.Snapshot {
		t.Helper()
		select {
		case snap, ok := <-events:
			if !ok {
				t.Fatal("stream closed early")
			}
			return snap
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
		return queue.Snapshot{}
	}

	if snap := next(); snap.Count != 0 || snap.OwnerID != "u1" {
		t.Fatalf("unexpected initial snapshot %+v", snap)
	}

	if rec := f.do(t, http.MethodPost, "/api/transactions", "u1", txBody); rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d", rec.Code)
	}
	if snap := next(); snap.Count != 1 {
		t.Fatalf("expected count 1 after create, got %+v", snap)
	}
}
