package core

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Income  TransactionType = "income"
	Expense TransactionType = "expense"

	Weekly  BudgetPeriod = "weekly"
	Monthly BudgetPeriod = "monthly"
	Yearly  BudgetPeriod = "yearly"
)

type (
	TransactionType string

	BudgetPeriod string

	// Fields is the kind-specific part of an entity. The set of
	// implementations is closed: Transaction, Budget and SavingsGoal.
	Fields interface {
		Kind() Kind
		Validate() error
		isFields()
	}

	Transaction struct {
		Amount      decimal.Decimal `json:"amount"`
		Category    string          `json:"category"`
		Type        TransactionType `json:"type"`
		Date        time.Time       `json:"date"`
		Description string          `json:"description,omitempty"`
	}

	Budget struct {
		Category  string          `json:"category"`
		Allocated decimal.Decimal `json:"allocated"`
		Spent     decimal.Decimal `json:"spent"`
		Period    BudgetPeriod    `json:"period"`
	}

	SavingsGoal struct {
		Name          string          `json:"name"`
		TargetAmount  decimal.Decimal `json:"target_amount"`
		CurrentAmount decimal.Decimal `json:"current_amount"`
		Deadline      time.Time       `json:"deadline"`
	}
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrNegativeAmount    = errors.New("amount cannot be negative")
	ErrEmptyCategory     = errors.New("empty category")
	ErrEmptyName         = errors.New("empty name")
	ErrInvalidTxType     = errors.New("invalid transaction type")
	ErrInvalidPeriod     = errors.New("invalid budget period")
	ErrZeroDate          = errors.New("date cannot be zero")
	ErrDescriptionLength = errors.New("description too long (max 200 characters)")
)

func (Transaction) Kind() Kind { return KindTransaction }
func (Budget) Kind() Kind      { return KindBudget }
func (SavingsGoal) Kind() Kind { return KindSavingsGoal }

func (Transaction) isFields() {}
func (Budget) isFields()      {}
func (SavingsGoal) isFields() {}

func (t TransactionType) Valid() bool {
	return t == Income || t == Expense
}

func (p BudgetPeriod) Valid() bool {
	switch p {
	case Weekly, Monthly, Yearly:
		return true
	default:
		return false
	}
}

func (t Transaction) Validate() error {
	if !t.Amount.GreaterThan(decimal.Zero) {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(t.Category) == "" {
		return ErrEmptyCategory
	}
	if !t.Type.Valid() {
		return ErrInvalidTxType
	}
	if t.Date.IsZero() {
		return ErrZeroDate
	}
	if len(t.Description) > 200 {
		return ErrDescriptionLength
	}
	return nil
}

func (b Budget) Validate() error {
	if strings.TrimSpace(b.Category) == "" {
		return ErrEmptyCategory
	}
	if !b.Allocated.GreaterThan(decimal.Zero) {
		return ErrInvalidAmount
	}
	if b.Spent.IsNegative() {
		return ErrNegativeAmount
	}
	if !b.Period.Valid() {
		return ErrInvalidPeriod
	}
	return nil
}

func (g SavingsGoal) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return ErrEmptyName
	}
	if !g.TargetAmount.GreaterThan(decimal.Zero) {
		return ErrInvalidAmount
	}
	if g.CurrentAmount.IsNegative() {
		return ErrNegativeAmount
	}
	if g.Deadline.IsZero() {
		return ErrZeroDate
	}
	return nil
}

// Remaining returns how much is left before the budget is exhausted.
func (b Budget) Remaining() decimal.Decimal {
	return b.Allocated.Sub(b.Spent)
}

// Progress returns the fraction of the goal reached, capped at 1.
func (g SavingsGoal) Progress() decimal.Decimal {
	if !g.TargetAmount.GreaterThan(decimal.Zero) {
		return decimal.Zero
	}
	p := g.CurrentAmount.Div(g.TargetAmount)
	if p.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return p
}
