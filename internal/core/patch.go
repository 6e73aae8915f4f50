package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Patch is a partial update for one kind. Nil pointer fields are left
// unchanged.
type Patch interface {
	Kind() Kind
	Apply(Fields) (Fields, error)
}

type TransactionPatch struct {
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Category    *string          `json:"category,omitempty"`
	Type        *TransactionType `json:"type,omitempty"`
	Date        *time.Time       `json:"date,omitempty"`
	Description *string          `json:"description,omitempty"`
}

type BudgetPatch struct {
	Category  *string          `json:"category,omitempty"`
	Allocated *decimal.Decimal `json:"allocated,omitempty"`
	Spent     *decimal.Decimal `json:"spent,omitempty"`
	Period    *BudgetPeriod    `json:"period,omitempty"`
}

type SavingsGoalPatch struct {
	Name          *string          `json:"name,omitempty"`
	TargetAmount  *decimal.Decimal `json:"target_amount,omitempty"`
	CurrentAmount *decimal.Decimal `json:"current_amount,omitempty"`
	Deadline      *time.Time       `json:"deadline,omitempty"`
}

func (TransactionPatch) Kind() Kind { return KindTransaction }
func (BudgetPatch) Kind() Kind      { return KindBudget }
func (SavingsGoalPatch) Kind() Kind { return KindSavingsGoal }

func (p TransactionPatch) Apply(f Fields) (Fields, error) {
	t, ok := f.(Transaction)
	if !ok {
		return nil, fmt.Errorf("%w: patch %s on %s", ErrKindMismatch, p.Kind(), kindOf(f))
	}
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Date != nil {
		t.Date = *p.Date
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	return t, t.Validate()
}

func (p BudgetPatch) Apply(f Fields) (Fields, error) {
	b, ok := f.(Budget)
	if !ok {
		return nil, fmt.Errorf("%w: patch %s on %s", ErrKindMismatch, p.Kind(), kindOf(f))
	}
	if p.Category != nil {
		b.Category = *p.Category
	}
	if p.Allocated != nil {
		b.Allocated = *p.Allocated
	}
	if p.Spent != nil {
		b.Spent = *p.Spent
	}
	if p.Period != nil {
		b.Period = *p.Period
	}
	return b, b.Validate()
}

func (p SavingsGoalPatch) Apply(f Fields) (Fields, error) {
	g, ok := f.(SavingsGoal)
	if !ok {
		return nil, fmt.Errorf("%w: patch %s on %s", ErrKindMismatch, p.Kind(), kindOf(f))
	}
	if p.Name != nil {
		g.Name = *p.Name
	}
	if p.TargetAmount != nil {
		g.TargetAmount = *p.TargetAmount
	}
	if p.CurrentAmount != nil {
		g.CurrentAmount = *p.CurrentAmount
	}
	if p.Deadline != nil {
		g.Deadline = *p.Deadline
	}
	return g, g.Validate()
}

// Replace is a patch that swaps the whole field set, used when the caller
// already holds a complete value.
type Replace struct{ Fields Fields }

func (r Replace) Kind() Kind { return kindOf(r.Fields) }

func (r Replace) Apply(f Fields) (Fields, error) {
	if r.Fields == nil || f == nil || r.Fields.Kind() != f.Kind() {
		return nil, fmt.Errorf("%w: replace %s on %s", ErrKindMismatch, kindOf(r.Fields), kindOf(f))
	}
	return r.Fields, r.Fields.Validate()
}

func kindOf(f Fields) Kind {
	if f == nil {
		return 0
	}
	return f.Kind()
}

// DecodePatch parses a JSON patch body for the given kind.
func DecodePatch(k Kind, data []byte) (Patch, error) {
	var (
		p   Patch
		err error
	)
	switch k {
	case KindTransaction:
		var tp TransactionPatch
		err = json.Unmarshal(data, &tp)
		p = tp
	case KindBudget:
		var bp BudgetPatch
		err = json.Unmarshal(data, &bp)
		p = bp
	case KindSavingsGoal:
		var gp SavingsGoalPatch
		err = json.Unmarshal(data, &gp)
		p = gp
	default:
		return nil, fmt.Errorf("decode patch: unknown kind %d", k)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s patch: %w", k, err)
	}
	return p, nil
}
