package core

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleTx() Transaction {
	return Transaction{
		Amount:   d("12.50"),
		Category: "groceries",
		Type:     Expense,
		Date:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestTransactionValidate(t *testing.T) {
	if err := sampleTx().Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	cases := []struct {
		name string
		mod  func(*Transaction)
		want error
	}{
		{"zero amount", func(tx *Transaction) { tx.Amount = decimal.Zero }, ErrInvalidAmount},
		{"negative amount", func(tx *Transaction) { tx.Amount = d("-1") }, ErrInvalidAmount},
		{"blank category", func(tx *Transaction) { tx.Category = "  " }, ErrEmptyCategory},
		{"bad type", func(tx *Transaction) { tx.Type = "transfer" }, ErrInvalidTxType},
		{"zero date", func(tx *Transaction) { tx.Date = time.Time{} }, ErrZeroDate},
		{"long description", func(tx *Transaction) {
			b := make([]byte, 201)
			for i := range b {
				b[i] = 'x'
			}
			tx.Description = string(b)
		}, ErrDescriptionLength},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := sampleTx()
			tc.mod(&tx)
			if err := tx.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestBudgetValidate(t *testing.T) {
	good := Budget{Category: "food", Allocated: d("300"), Spent: decimal.Zero, Period: Monthly}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if !good.Remaining().Equal(d("300")) {
		t.Fatalf("unexpected remaining %s", good.Remaining())
	}

	bads := []Budget{
		{Category: "", Allocated: d("1"), Period: Monthly},
		{Category: "food", Allocated: decimal.Zero, Period: Monthly},
		{Category: "food", Allocated: d("1"), Spent: d("-1"), Period: Monthly},
		{Category: "food", Allocated: d("1"), Period: "daily"},
	}
	for i, b := range bads {
		if err := b.Validate(); err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestSavingsGoalProgress(t *testing.T) {
	g := SavingsGoal{Name: "bike", TargetAmount: d("200"), CurrentAmount: d("50"), Deadline: time.Now()}
	if err := g.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if !g.Progress().Equal(d("0.25")) {
		t.Fatalf("expected 0.25, got %s", g.Progress())
	}
	g.CurrentAmount = d("500")
	if !g.Progress().Equal(d("1")) {
		t.Fatalf("progress should cap at 1, got %s", g.Progress())
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("round trip %s: got %v err=%v", k, got, err)
		}
	}
	if k, err := ParseKind("goals"); err != nil || k != KindSavingsGoal {
		t.Fatalf("plural alias not accepted: %v %v", k, err)
	}
	if _, err := ParseKind("invoice"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestSyncStateIsPending(t *testing.T) {
	if SyncClean.IsPending() {
		t.Fatalf("clean must not be pending")
	}
	for _, s := range []SyncState{SyncPendingCreate, SyncPendingUpdate, SyncPendingDelete} {
		if !s.IsPending() {
			t.Fatalf("%s should be pending", s)
		}
		got, err := ParseSyncState(s.String())
		if err != nil || got != s {
			t.Fatalf("round trip %s: got %v err=%v", s, got, err)
		}
	}
}

func TestDecodeFieldsKeepsKind(t *testing.T) {
	data, err := EncodeFields(sampleTx())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := DecodeFields(KindTransaction, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tx, ok := f.(Transaction)
	if !ok {
		t.Fatalf("expected Transaction, got %T", f)
	}
	if !tx.Amount.Equal(d("12.50")) || tx.Category != "groceries" {
		t.Fatalf("unexpected decoded value %+v", tx)
	}
	if _, err := DecodeFields(Kind(9), data); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestPatchApply(t *testing.T) {
	cat := "rent"
	f, err := TransactionPatch{Category: &cat}.Apply(sampleTx())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if f.(Transaction).Category != "rent" || !f.(Transaction).Amount.Equal(d("12.50")) {
		t.Fatalf("patch should change only category: %+v", f)
	}

	zero := decimal.Zero
	if _, err := (TransactionPatch{Amount: &zero}).Apply(sampleTx()); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if _, err := (BudgetPatch{}).Apply(sampleTx()); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected kind mismatch, got %v", err)
	}
}

func TestDecodePatch(t *testing.T) {
	p, err := DecodePatch(KindBudget, []byte(`{"spent":"42.10"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	bp, ok := p.(BudgetPatch)
	if !ok || bp.Spent == nil || !bp.Spent.Equal(d("42.10")) {
		t.Fatalf("unexpected patch %+v", p)
	}
	if bp.Category != nil {
		t.Fatalf("absent fields must stay nil")
	}
}

func TestNowIsUTCMicro(t *testing.T) {
	n := Now()
	if n.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", n.Location())
	}
	if n.Nanosecond()%1000 != 0 {
		t.Fatalf("expected microsecond precision, got %d ns", n.Nanosecond())
	}
}
