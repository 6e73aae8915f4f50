// Package postgres is the relational authoritative store, one table per
// entity kind keyed by the client-generated id.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"ledgersync/internal/core"
	"ledgersync/internal/remote"
)

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ remote.Store  = (*Store)(nil)
	_ remote.Pinger = (*Store)(nil)
)

// Connect opens a pool against url and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 5
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 2 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    amount      NUMERIC(14,2) NOT NULL CHECK (amount > 0),
    category    TEXT NOT NULL,
    type        TEXT NOT NULL CHECK (type IN ('income', 'expense')),
    date        TIMESTAMPTZ NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);

CREATE TABLE IF NOT EXISTS budgets (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    category   TEXT NOT NULL,
    allocated  NUMERIC(14,2) NOT NULL CHECK (allocated > 0),
    spent      NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (spent >= 0),
    period     TEXT NOT NULL CHECK (period IN ('weekly', 'monthly', 'yearly')),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budgets_user ON budgets(user_id);

CREATE TABLE IF NOT EXISTS savings_goals (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    name           TEXT NOT NULL,
    target_amount  NUMERIC(14,2) NOT NULL CHECK (target_amount > 0),
    current_amount NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (current_amount >= 0),
    deadline       TIMESTAMPTZ NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_savings_goals_user ON savings_goals(user_id);
`

// EnsureSchema creates the tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.pool.Ping(ctx))
}

func (s *Store) Create(ctx context.Context, e core.Entity) (core.Entity, error) {
	t, err := tableFor(e.Kind())
	if err != nil {
		return core.Entity{}, remote.Wrap(remote.Permanent, "create", err)
	}
	args, err := t.args(e.Fields)
	if err != nil {
		return core.Entity{}, remote.Wrap(remote.Permanent, "create", err)
	}
	args = append([]any{e.ID, e.OwnerID}, args...)
	args = append(args, e.CreatedAt, e.UpdatedAt)

	got, err := t.scan(s.pool.QueryRow(ctx, t.upsertSQL(), args...))
	if err != nil {
		return core.Entity{}, classify("create", err)
	}
	slog.DebugContext(ctx, "Entity upserted in postgres", "entity_id", e.ID, "kind", e.Kind().String())
	return got, nil
}

func (s *Store) Update(ctx context.Context, e core.Entity) (core.Entity, error) {
	t, err := tableFor(e.Kind())
	if err != nil {
		return core.Entity{}, remote.Wrap(remote.Permanent, "update", err)
	}
	args, err := t.args(e.Fields)
	if err != nil {
		return core.Entity{}, remote.Wrap(remote.Permanent, "update", err)
	}
	args = append([]any{e.ID}, args...)
	args = append(args, e.UpdatedAt)

	got, err := t.scan(s.pool.QueryRow(ctx, t.updateSQL(), args...))
	if err != nil {
		return core.Entity{}, classify("update", err)
	}
	return got, nil
}

func (s *Store) Delete(ctx context.Context, kind core.Kind, id string) error {
	t, err := tableFor(kind)
	if err != nil {
		return remote.Wrap(remote.Permanent, "delete", err)
	}
	ct, err := s.pool.Exec(ctx, `DELETE FROM `+t.name+` WHERE id = $1`, id)
	if err != nil {
		return classify("delete", err)
	}
	if ct.RowsAffected() == 0 {
		return remote.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context, kind core.Kind, ownerID string) ([]core.Entity, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, remote.Wrap(remote.Permanent, "list", err)
	}
	rows, err := s.pool.Query(ctx, t.listSQL(), ownerID)
	if err != nil {
		return nil, classify("list", err)
	}
	defer rows.Close()

	var out []core.Entity
	for rows.Next() {
		e, err := t.scan(rows)
		if err != nil {
			return nil, classify("list", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", err)
	}
	return out, nil
}

// table describes how one kind maps onto its relational table. cols are
// the kind-specific columns; selects are the matching select expressions,
// with numerics cast to text so decimal parsing is exact.
type table struct {
	name    string
	cols    []string
	selects []string
	args    func(core.Fields) ([]any, error)
	decode  func(vals []any) (core.Fields, error)
	targets func() []any
}

var tables = map[core.Kind]*table{
	core.KindTransaction: {
		name:    "transactions",
		cols:    []string{"amount", "category", "type", "date", "description"},
		selects: []string{"amount::text", "category", "type", "date", "description"},
		args: func(f core.Fields) ([]any, error) {
			t, ok := f.(core.Transaction)
			if !ok {
				return nil, core.ErrKindMismatch
			}
			return []any{t.Amount.StringFixed(2), t.Category, string(t.Type), t.Date, t.Description}, nil
		},
		targets: func() []any { return []any{new(string), new(string), new(string), new(time.Time), new(string)} },
		decode: func(v []any) (core.Fields, error) {
			amount, err := decimal.NewFromString(*v[0].(*string))
			if err != nil {
				return nil, err
			}
			return core.Transaction{
				Amount:      amount,
				Category:    *v[1].(*string),
				Type:        core.TransactionType(*v[2].(*string)),
				Date:        v[3].(*time.Time).UTC(),
				Description: *v[4].(*string),
			}, nil
		},
	},
	core.KindBudget: {
		name:    "budgets",
		cols:    []string{"category", "allocated", "spent", "period"},
		selects: []string{"category", "allocated::text", "spent::text", "period"},
		args: func(f core.Fields) ([]any, error) {
			b, ok := f.(core.Budget)
			if !ok {
				return nil, core.ErrKindMismatch
			}
			return []any{b.Category, b.Allocated.StringFixed(2), b.Spent.StringFixed(2), string(b.Period)}, nil
		},
		targets: func() []any { return []any{new(string), new(string), new(string), new(string)} },
		decode: func(v []any) (core.Fields, error) {
			allocated, err := decimal.NewFromString(*v[1].(*string))
			if err != nil {
				return nil, err
			}
			spent, err := decimal.NewFromString(*v[2].(*string))
			if err != nil {
				return nil, err
			}
			return core.Budget{
				Category:  *v[0].(*string),
				Allocated: allocated,
				Spent:     spent,
				Period:    core.BudgetPeriod(*v[3].(*string)),
			}, nil
		},
	},
	core.KindSavingsGoal: {
		name:    "savings_goals",
		cols:    []string{"name", "target_amount", "current_amount", "deadline"},
		selects: []string{"name", "target_amount::text", "current_amount::text", "deadline"},
		args: func(f core.Fields) ([]any, error) {
			g, ok := f.(core.SavingsGoal)
			if !ok {
				return nil, core.ErrKindMismatch
			}
			return []any{g.Name, g.TargetAmount.StringFixed(2), g.CurrentAmount.StringFixed(2), g.Deadline}, nil
		},
		targets: func() []any { return []any{new(string), new(string), new(string), new(time.Time)} },
		decode: func(v []any) (core.Fields, error) {
			target, err := decimal.NewFromString(*v[1].(*string))
			if err != nil {
				return nil, err
			}
			current, err := decimal.NewFromString(*v[2].(*string))
			if err != nil {
				return nil, err
			}
			return core.SavingsGoal{
				Name:          *v[0].(*string),
				TargetAmount:  target,
				CurrentAmount: current,
				Deadline:      v[3].(*time.Time).UTC(),
			}, nil
		},
	},
}

func tableFor(k core.Kind) (*table, error) {
	t, ok := tables[k]
	if !ok {
		return nil, fmt.Errorf("no table for kind %d", k)
	}
	return t, nil
}

func (t *table) returning() string {
	return "RETURNING id, user_id, " + strings.Join(t.selects, ", ") + ", created_at, updated_at"
}

// upsertSQL: $1 id, $2 user_id, kind columns, then created_at, updated_at.
func (t *table) upsertSQL() string {
	n := len(t.cols)
	cols := append([]string{"id", "user_id"}, t.cols...)
	cols = append(cols, "created_at", "updated_at")
	sets := make([]string, 0, n+1)
	for _, c := range t.cols {
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	sets = append(sets, "updated_at = EXCLUDED.updated_at")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s %s",
		t.name, strings.Join(cols, ", "), placeholders(1, n+4), strings.Join(sets, ", "), t.returning())
}

// updateSQL: $1 id, kind columns, then updated_at.
func (t *table) updateSQL() string {
	sets := make([]string, 0, len(t.cols)+1)
	for i, c := range t.cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+2))
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(t.cols)+2))
	return fmt.Sprintf("UPDATE %s SET %s WHERE id = $1 %s", t.name, strings.Join(sets, ", "), t.returning())
}

func (t *table) listSQL() string {
	return fmt.Sprintf("SELECT id, user_id, %s, created_at, updated_at FROM %s WHERE user_id = $1 ORDER BY created_at, id",
		strings.Join(t.selects, ", "), t.name)
}

func (t *table) scan(row pgx.Row) (core.Entity, error) {
	var (
		e          core.Entity
		created    time.Time
		updated    time.Time
		kindValues = t.targets()
	)
	dest := append([]any{&e.ID, &e.OwnerID}, kindValues...)
	dest = append(dest, &created, &updated)
	if err := row.Scan(dest...); err != nil {
		return core.Entity{}, err
	}
	fields, err := t.decode(kindValues)
	if err != nil {
		return core.Entity{}, fmt.Errorf("decode %s row %s: %w", t.name, e.ID, err)
	}
	e.Fields = fields
	e.CreatedAt = core.Truncate(created)
	e.UpdatedAt = core.Truncate(updated)
	e.BaseUpdatedAt = e.UpdatedAt
	e.SyncState = core.SyncClean
	return e, nil
}

func placeholders(from, to int) string {
	ps := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		ps = append(ps, fmt.Sprintf("$%d", i))
	}
	return strings.Join(ps, ", ")
}

// classify maps pgx errors onto the remote taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return remote.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return remote.Wrap(classForCode(pgErr.Code), op, err)
	}
	if pgconn.Timeout(err) {
		return remote.Wrap(remote.Transient, op, err)
	}
	return remote.Wrap(remote.ClassOf(err), op, err)
}

// classForCode buckets a SQLSTATE code.
func classForCode(code string) remote.Class {
	switch {
	case code == "42501", strings.HasPrefix(code, "28"):
		return remote.Unauthorized
	case code == "40001", code == "40P01", code == "57P01", code == "57P03",
		strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return remote.Transient
	default:
		// 22 data exception, 23 integrity violation and everything else
		// would fail again unchanged.
		return remote.Permanent
	}
}
