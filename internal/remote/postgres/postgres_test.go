package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"ledgersync/internal/core"
	"ledgersync/internal/remote"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want remote.Class
	}{
		{"check violation", &pgconn.PgError{Code: "23514"}, remote.Permanent},
		{"invalid text", &pgconn.PgError{Code: "22P02"}, remote.Permanent},
		{"bad password", &pgconn.PgError{Code: "28P01"}, remote.Unauthorized},
		{"insufficient privilege", &pgconn.PgError{Code: "42501"}, remote.Unauthorized},
		{"connection failure", &pgconn.PgError{Code: "08006"}, remote.Transient},
		{"serialization", &pgconn.PgError{Code: "40001"}, remote.Transient},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, remote.Transient},
		{"too many connections", &pgconn.PgError{Code: "53300"}, remote.Transient},
		{"wrapped", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), remote.Permanent},
		{"plain", errors.New("dial tcp: connection refused"), remote.Transient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := remote.ClassOf(classify("op", tc.err)); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestClassifyNoRows(t *testing.T) {
	if err := classify("update", pgx.ErrNoRows); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if classify("x", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestStatements(t *testing.T) {
	tx, _ := tableFor(core.KindTransaction)

	up := tx.upsertSQL()
	for _, want := range []string{
		"INSERT INTO transactions (id, user_id, amount, category, type, date, description, created_at, updated_at)",
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		"ON CONFLICT (id) DO UPDATE SET amount = EXCLUDED.amount",
		"RETURNING id, user_id, amount::text",
	} {
		if !strings.Contains(up, want) {
			t.Fatalf("upsert missing %q:\n%s", want, up)
		}
	}

	upd := tx.updateSQL()
	if !strings.Contains(upd, "description = $6, updated_at = $7 WHERE id = $1") {
		t.Fatalf("unexpected update statement:\n%s", upd)
	}

	goals, _ := tableFor(core.KindSavingsGoal)
	if !strings.Contains(goals.listSQL(), "FROM savings_goals WHERE user_id = $1") {
		t.Fatalf("unexpected list statement: %s", goals.listSQL())
	}

	if _, err := tableFor(core.Kind(42)); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestArgsRejectWrongKind(t *testing.T) {
	b, _ := tableFor(core.KindBudget)
	if _, err := b.args(core.Transaction{}); !errors.Is(err, core.ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
}
