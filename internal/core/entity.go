package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("entity not found")
	ErrPendingDelete = errors.New("entity is pending deletion")
	ErrKindMismatch  = errors.New("entity kind mismatch")
	ErrEmptyOwner    = errors.New("empty owner id")
)

// Entity is one record of a synchronized kind as held by the local store.
//
// BaseUpdatedAt is the remote updated_at the local copy was last reconciled
// against. It is zero for entities never confirmed by the remote store.
type Entity struct {
	ID            string
	OwnerID       string
	Fields        Fields
	CreatedAt     time.Time
	UpdatedAt     time.Time
	BaseUpdatedAt time.Time
	SyncState     SyncState
	SyncError     string
}

func (e Entity) Kind() Kind {
	if e.Fields == nil {
		return 0
	}
	return e.Fields.Kind()
}

// Validate checks identity and the kind-specific fields.
func (e Entity) Validate() error {
	if e.ID == "" {
		return errors.New("empty entity id")
	}
	if e.OwnerID == "" {
		return ErrEmptyOwner
	}
	if e.Fields == nil {
		return errors.New("missing entity fields")
	}
	return e.Fields.Validate()
}

// NewID returns a fresh globally unique entity id.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current UTC time at microsecond precision, the
// resolution every store in this module preserves.
func Now() time.Time {
	return Truncate(time.Now())
}

func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// EncodeFields serializes fields for storage. The kind is kept separately.
func EncodeFields(f Fields) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil fields")
	}
	return json.Marshal(f)
}

// DecodeFields is the inverse of EncodeFields.
func DecodeFields(k Kind, data []byte) (Fields, error) {
	switch k {
	case KindTransaction:
		var t Transaction
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		return t, nil
	case KindBudget:
		var b Budget
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("decode budget: %w", err)
		}
		return b, nil
	case KindSavingsGoal:
		var g SavingsGoal
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("decode savings goal: %w", err)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("decode fields: unknown kind %d", k)
	}
}

// MarshalJSON renders the entity for API consumers with its fields inline
// under "fields".
func (e Entity) MarshalJSON() ([]byte, error) {
	type view struct {
		ID            string     `json:"id"`
		OwnerID       string     `json:"owner_id"`
		Kind          Kind       `json:"kind"`
		Fields        Fields     `json:"fields"`
		CreatedAt     time.Time  `json:"created_at"`
		UpdatedAt     time.Time  `json:"updated_at"`
		BaseUpdatedAt *time.Time `json:"base_updated_at,omitempty"`
		SyncState     SyncState  `json:"sync_state"`
		SyncError     string     `json:"sync_error,omitempty"`
	}
	v := view{
		ID:        e.ID,
		OwnerID:   e.OwnerID,
		Kind:      e.Kind(),
		Fields:    e.Fields,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		SyncState: e.SyncState,
		SyncError: e.SyncError,
	}
	if !e.BaseUpdatedAt.IsZero() {
		b := e.BaseUpdatedAt
		v.BaseUpdatedAt = &b
	}
	return json.Marshal(v)
}
