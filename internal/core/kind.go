package core

import "fmt"

// Kind identifies one of the three synchronized entity kinds.
type Kind uint8

const (
	KindTransaction Kind = iota + 1
	KindBudget
	KindSavingsGoal
)

// Kinds returns every entity kind in sync order.
func Kinds() []Kind {
	return []Kind{KindTransaction, KindBudget, KindSavingsGoal}
}

func (k Kind) String() string {
	switch k {
	case KindTransaction:
		return "transaction"
	case KindBudget:
		return "budget"
	case KindSavingsGoal:
		return "savings_goal"
	default:
		return "unknown"
	}
}

func (k Kind) Valid() bool {
	return k >= KindTransaction && k <= KindSavingsGoal
}

// ParseKind accepts the String form plus the plural forms used in URLs.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "transaction", "transactions", "tx":
		return KindTransaction, nil
	case "budget", "budgets":
		return KindBudget, nil
	case "savings_goal", "savings_goals", "goal", "goals":
		return KindSavingsGoal, nil
	default:
		return 0, fmt.Errorf("unknown entity kind %q", s)
	}
}

// SyncState marks an entity's reconciliation status with the remote store.
type SyncState uint8

const (
	SyncClean SyncState = iota
	SyncPendingCreate
	SyncPendingUpdate
	SyncPendingDelete
)

func (s SyncState) String() string {
	switch s {
	case SyncClean:
		return "clean"
	case SyncPendingCreate:
		return "pending_create"
	case SyncPendingUpdate:
		return "pending_update"
	case SyncPendingDelete:
		return "pending_delete"
	default:
		return "unknown"
	}
}

func (s SyncState) IsPending() bool {
	return s != SyncClean
}

func ParseSyncState(s string) (SyncState, error) {
	switch s {
	case "clean":
		return SyncClean, nil
	case "pending_create":
		return SyncPendingCreate, nil
	case "pending_update":
		return SyncPendingUpdate, nil
	case "pending_delete":
		return SyncPendingDelete, nil
	default:
		return 0, fmt.Errorf("unknown sync state %q", s)
	}
}

func (s SyncState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SyncState) UnmarshalText(b []byte) error {
	v, err := ParseSyncState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalText makes Kind usable as a readable JSON value and map key.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
