package main

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ledgersync/internal/core"
)

func commandFor(t *testing.T, kind core.Kind, flags map[string]string) (*cobra.Command, kindCommand) {
	t.Helper()
	for _, k := range kindCommands() {
		if k.kind != kind {
			continue
		}
		cmd := entityAddCmd(k)
		for name, v := range flags {
			if err := cmd.Flags().Set(name, v); err != nil {
				t.Fatalf("set --%s: %v", name, err)
			}
		}
		return cmd, k
	}
	t.Fatalf("no command for %s", kind)
	return nil, kindCommand{}
}

func TestTransactionFields(t *testing.T) {
	cmd, k := commandFor(t, core.KindTransaction, map[string]string{
		"amount":   "12,50",
		"category": "food",
		"date":     "2025-03-04",
	})
	f, err := k.fields(cmd)
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	tx := f.(core.Transaction)
	if !tx.Amount.Equal(decimal.RequireFromString("12.5")) || tx.Type != core.Expense {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if !tx.Date.Equal(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date %v", tx.Date)
	}
	if err := tx.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestFieldErrors(t *testing.T) {
	tests := []struct {
		name  string
		kind  core.Kind
		flags map[string]string
	}{
		{"missing amount", core.KindTransaction, map[string]string{"category": "x"}},
		{"bad date", core.KindTransaction, map[string]string{"amount": "1", "date": "04/03/2025"}},
		{"negative spent", core.KindBudget, map[string]string{"allocated": "10", "spent": "-1"}},
		{"missing deadline", core.KindSavingsGoal, map[string]string{"name": "car", "target": "100"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, k := commandFor(t, tt.kind, tt.flags)
			if _, err := k.fields(cmd); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPatchOnlyChangedFlags(t *testing.T) {
	cmd, k := commandFor(t, core.KindBudget, map[string]string{"spent": "40"})
	p, err := k.patch(cmd)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	bp := p.(core.BudgetPatch)
	if bp.Spent == nil || !bp.Spent.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("spent not set: %+v", bp)
	}
	if bp.Category != nil || bp.Allocated != nil || bp.Period != nil {
		t.Fatalf("unchanged flags leaked into patch: %+v", bp)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"serve"}, {"sync"}, {"sheets-auth"}, {"pending"}, {"status"}, {"events"},
		{"tx", "add"}, {"budget", "list"}, {"goal", "delete"}, {"transactions", "update"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Fatalf("command %v not found: %v", path, err)
		}
	}
}

func TestRequireOwner(t *testing.T) {
	ownerID = "  "
	if _, err := requireOwner(); err == nil {
		t.Fatal("expected error for blank owner")
	}
	ownerID = "u1"
	t.Cleanup(func() { ownerID = "" })
	if got, err := requireOwner(); err != nil || got != "u1" {
		t.Fatalf("requireOwner() = %q, %v", got, err)
	}
}
