// Package sheets stores entities in a Google Sheets spreadsheet, one tab
// per kind and one row per entity.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"google.golang.org/api/googleapi"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"ledgersync/internal/core"
	"ledgersync/internal/remote"
)

// Config selects the spreadsheet and the service account used to reach it.
// CredentialsJSON takes precedence over CredentialsFile.
type Config struct {
	SpreadsheetID   string
	CredentialsJSON string
	CredentialsFile string
}

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	tabs          map[core.Kind]string

	// Sheets has no row-level locking; find-then-write is serialized per tab.
	locks map[core.Kind]*sync.Mutex

	mu       sync.Mutex
	sheetIDs map[string]int64
}

var (
	_ remote.Store  = (*Client)(nil)
	_ remote.Pinger = (*Client)(nil)
)

var header = []any{"id", "owner_id", "created_at", "updated_at", "payload"}

// New creates a Sheets client authenticated with a service account.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	svc, err := newSheetsService(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return NewWithService(svc, cfg.SpreadsheetID), nil
}

// NewWithService wraps an already configured service.
func NewWithService(svc *gsheet.Service, spreadsheetID string) *Client {
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		tabs: map[core.Kind]string{
			core.KindTransaction: "Transactions",
			core.KindBudget:      "Budgets",
			core.KindSavingsGoal: "SavingsGoals",
		},
		locks: map[core.Kind]*sync.Mutex{
			core.KindTransaction: {},
			core.KindBudget:      {},
			core.KindSavingsGoal: {},
		},
		sheetIDs: make(map[string]int64),
	}
}

func newSheetsService(ctx context.Context, cfg Config) (*gsheet.Service, error) {
	var credentialsJSON []byte
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		slog.InfoContext(ctx, "Using inline JSON credentials")
		credentialsJSON = []byte(cfg.CredentialsJSON)
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		slog.InfoContext(ctx, "Reading credentials from file", "path", cfg.CredentialsFile)
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		credentialsJSON = b
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

// EnsureTabs creates missing kind tabs and writes their header row.
func (c *Client) EnsureTabs(ctx context.Context) error {
	if err := c.loadSheetIDs(ctx); err != nil {
		return err
	}
	var reqs []*gsheet.Request
	var created []string
	for _, k := range core.Kinds() {
		tab := c.tabs[k]
		if _, ok := c.sheetID(tab); ok {
			continue
		}
		reqs = append(reqs, &gsheet.Request{
			AddSheet: &gsheet.AddSheetRequest{Properties: &gsheet.SheetProperties{Title: tab}},
		})
		created = append(created, tab)
	}
	if len(reqs) == 0 {
		return nil
	}
	_, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, &gsheet.BatchUpdateSpreadsheetRequest{Requests: reqs}).
		Context(ctx).Do()
	if err != nil {
		return classify("ensure tabs", err)
	}
	for _, tab := range created {
		vr := &gsheet.ValueRange{Values: [][]any{header}}
		_, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, tab+"!A1:E1", vr).
			ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return classify("write header", err)
		}
		slog.InfoContext(ctx, "Created sheet tab", "tab", tab)
	}
	return c.loadSheetIDs(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("spreadsheetId").Context(ctx).Do()
	return classify("ping", err)
}

func (c *Client) Create(ctx context.Context, e core.Entity) (core.Entity, error) {
	tab, lock, err := c.tab(e.Kind())
	if err != nil {
		return core.Entity{}, remote.Wrap(remote.Permanent, "create", err)
	}
	if err := e.Validate(); err != nil {
		return core.Entity{}, remote.Wrap(remote.Permanent, "create", err)
	}
	row, err := encodeRow(e)
	if err != nil {
		return core.Entity{}, remote.Wrap(remote.Permanent, "create", err)
	}

	lock.Lock()
	defer lock.Unlock()

	rows, err := c.readRows(ctx, tab)
	if err != nil {
		return core.Entity{}, classify("create", err)
	}
	vr := &gsheet.ValueRange{Values: [][]any{row}}
	if n, _, ok := findRow(rows, e.ID); ok {
		rng := fmt.Sprintf("%s!A%d:E%d", tab, n, n)
		_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rng, vr).
			ValueInputOption("RAW").Context(ctx).Do()
	} else {
		_, err = c.svc.Spreadsheets.Values.Append(c.spreadsheetID, tab+"!A:E", vr).
			ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	}
	if err != nil {
		return core.Entity{}, classify("create", err)
	}
	return decodeRow(e.Kind(), row)
}

func (c *Client) Update(ctx context.Context, e core.Entity) (core.Entity, error) {
	tab, lock, err := c.tab(e.Kind())
	if err != nil {
		return core.Entity{}, remote.Wrap(remote.Permanent, "update", err)
	}
	if err := e.Validate(); err != nil {
		return core.Entity{}, remote.Wrap(remote.Permanent, "update", err)
	}

	lock.Lock()
	defer lock.Unlock()

	rows, err := c.readRows(ctx, tab)
	if err != nil {
		return core.Entity{}, classify("update", err)
	}
	n, prev, ok := findRow(rows, e.ID)
	if !ok {
		return core.Entity{}, remote.ErrNotFound
	}
	if existing, err := decodeRow(e.Kind(), prev); err == nil {
		e.CreatedAt = existing.CreatedAt
	}
	row, err := encodeRow(e)
	if err != nil {
		return core.Entity{}, remote.Wrap(remote.Permanent, "update", err)
	}
	rng := fmt.Sprintf("%s!A%d:E%d", tab, n, n)
	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rng, &gsheet.ValueRange{Values: [][]any{row}}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return core.Entity{}, classify("update", err)
	}
	return decodeRow(e.Kind(), row)
}

func (c *Client) Delete(ctx context.Context, kind core.Kind, id string) error {
	tab, lock, err := c.tab(kind)
	if err != nil {
		return remote.Wrap(remote.Permanent, "delete", err)
	}

	lock.Lock()
	defer lock.Unlock()

	rows, err := c.readRows(ctx, tab)
	if err != nil {
		return classify("delete", err)
	}
	n, _, ok := findRow(rows, id)
	if !ok {
		return remote.ErrNotFound
	}
	sheetID, ok := c.sheetID(tab)
	if !ok {
		if err := c.loadSheetIDs(ctx); err != nil {
			return err
		}
		if sheetID, ok = c.sheetID(tab); !ok {
			return remote.Errorf(remote.Permanent, "delete", "tab %q not found", tab)
		}
	}

	req := &gsheet.BatchUpdateSpreadsheetRequest{Requests: []*gsheet.Request{{
		DeleteDimension: &gsheet.DeleteDimensionRequest{
			Range: &gsheet.DimensionRange{
				SheetId:    sheetID,
				Dimension:  "ROWS",
				StartIndex: int64(n - 1),
				EndIndex:   int64(n),
				// SheetId 0 is valid and would otherwise be omitted.
				ForceSendFields: []string{"SheetId", "StartIndex"},
			},
		},
	}}}
	if _, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return classify("delete", err)
	}
	return nil
}

func (c *Client) List(ctx context.Context, kind core.Kind, ownerID string) ([]core.Entity, error) {
	tab, _, err := c.tab(kind)
	if err != nil {
		return nil, remote.Wrap(remote.Permanent, "list", err)
	}
	rows, err := c.readRows(ctx, tab)
	if err != nil {
		return nil, classify("list", err)
	}
	var out []core.Entity
	for i, row := range rows {
		if isHeader(row) || len(row) == 0 {
			continue
		}
		e, err := decodeRow(kind, row)
		if err != nil {
			slog.WarnContext(ctx, "Skipping malformed sheet row", "tab", tab, "row", i+1, "error", err)
			continue
		}
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *Client) tab(k core.Kind) (string, *sync.Mutex, error) {
	tab, ok := c.tabs[k]
	if !ok {
		return "", nil, fmt.Errorf("no tab for kind %d", k)
	}
	return tab, c.locks[k], nil
}

func (c *Client) readRows(ctx context.Context, tab string) ([][]any, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, tab+"!A:E").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (c *Client) loadSheetIDs(ctx context.Context) error {
	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return classify("load sheets", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sh := range ss.Sheets {
		if sh.Properties != nil {
			c.sheetIDs[sh.Properties.Title] = sh.Properties.SheetId
		}
	}
	return nil
}

func (c *Client) sheetID(tab string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.sheetIDs[tab]
	return id, ok
}

// findRow returns the 1-based sheet row number holding id.
func findRow(rows [][]any, id string) (int, []any, bool) {
	for i, row := range rows {
		if len(row) > 0 && strings.TrimSpace(fmt.Sprint(row[0])) == id {
			return i + 1, row, true
		}
	}
	return 0, nil, false
}

func isHeader(row []any) bool {
	return len(row) > 0 && strings.EqualFold(strings.TrimSpace(fmt.Sprint(row[0])), "id")
}

// classify maps Google API errors onto the remote taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return remote.Wrap(classForStatus(gerr.Code), op, err)
	}
	return remote.Wrap(remote.ClassOf(err), op, err)
}

func classForStatus(code int) remote.Class {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return remote.Unauthorized
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return remote.Transient
	default:
		return remote.Permanent
	}
}
