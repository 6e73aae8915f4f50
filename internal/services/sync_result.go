package services

import (
	"fmt"
	"sync"
	"time"

	"ledgersync/internal/core"
	"ledgersync/internal/remote"
)

// SyncStatus is the overall outcome of a full sync.
type SyncStatus int

const (
	StatusCompleted SyncStatus = iota
	StatusPartial
	StatusInterrupted
	StatusUnauthorized
	StatusOffline
	StatusAlreadyInProgress
)

func (s SyncStatus) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusPartial:
		return "partial"
	case StatusInterrupted:
		return "interrupted"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusOffline:
		return "offline"
	case StatusAlreadyInProgress:
		return "already_in_progress"
	default:
		return fmt.Sprintf("SyncStatus(%d)", int(s))
	}
}

func (s SyncStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Ran reports whether the engine actually talked to the remote store.
func (s SyncStatus) Ran() bool {
	return s != StatusOffline && s != StatusAlreadyInProgress
}

// KindSummary counts what happened to one entity kind during a sync.
type KindSummary struct {
	Pushed         int `json:"pushed"`
	Pulled         int `json:"pulled"`
	Purged         int `json:"purged"`
	RemoteWins     int `json:"remote_wins"`
	RemovedLocally int `json:"removed_locally"`
}

func (s KindSummary) total() int {
	return s.Pushed + s.Pulled + s.Purged + s.RemoteWins + s.RemovedLocally
}

// EntityError describes one remote failure. EntityID is empty for
// failures of a whole-kind List.
type EntityError struct {
	EntityID string       `json:"entity_id,omitempty"`
	Kind     core.Kind    `json:"kind"`
	Class    remote.Class `json:"class"`
	Message  string       `json:"message"`
}

// SyncResult summarizes one FullSync call.
type SyncResult struct {
	OwnerID   string                     `json:"owner_id"`
	Status    SyncStatus                 `json:"status"`
	StartedAt time.Time                  `json:"started_at"`
	Duration  time.Duration              `json:"duration"`
	Kinds     map[core.Kind]*KindSummary `json:"kinds,omitempty"`
	Pending   int                        `json:"pending"`
	Errors    []EntityError              `json:"errors,omitempty"`
}

func newSyncResult(ownerID string, status SyncStatus, started time.Time) *SyncResult {
	return &SyncResult{
		OwnerID:   ownerID,
		Status:    status,
		StartedAt: started,
		Kinds:     make(map[core.Kind]*KindSummary),
	}
}

// Changes is the number of entities pushed, pulled or removed.
func (r *SyncResult) Changes() int {
	n := 0
	for _, s := range r.Kinds {
		n += s.total()
	}
	return n
}

// Synced reports whether kind finished without any recorded error.
func (r *SyncResult) Synced(kind core.Kind) bool {
	if !r.Status.Ran() || r.Status == StatusInterrupted || r.Status == StatusUnauthorized {
		return false
	}
	for _, e := range r.Errors {
		if e.Kind == kind {
			return false
		}
	}
	return true
}

// Retryable reports whether the run left transient failures behind that
// another run may clear without any user action.
func (r *SyncResult) Retryable() bool {
	if r.Status != StatusPartial {
		return false
	}
	for _, e := range r.Errors {
		if e.Class == remote.Transient {
			return true
		}
	}
	return false
}

// Summary returns the counters for kind, zero if the kind was not synced.
func (r *SyncResult) Summary(kind core.Kind) KindSummary {
	if s, ok := r.Kinds[kind]; ok {
		return *s
	}
	return KindSummary{}
}

// run accumulates a SyncResult from concurrent kind workers.
type run struct {
	mu          sync.Mutex
	result      *SyncResult
	interrupted bool
	stopped     bool
	unauthz     bool
}

func (r *run) summary(kind core.Kind, fn func(*KindSummary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.result.Kinds[kind]
	if !ok {
		s = &KindSummary{}
		r.result.Kinds[kind] = s
	}
	fn(s)
}

func (r *run) addError(e EntityError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Errors = append(r.result.Errors, e)
}

// halt stops the run after an authorization failure. It reports true the
// first time only.
func (r *run) halt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := !r.unauthz
	r.unauthz = true
	r.stopped = true
	return first
}

func (r *run) halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *run) interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupted = true
	r.stopped = true
}

func (r *run) finish(now time.Time) *SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	res.Duration = now.Sub(res.StartedAt)
	switch {
	case r.unauthz:
		res.Status = StatusUnauthorized
	case r.interrupted:
		res.Status = StatusInterrupted
	case len(res.Errors) > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusCompleted
	}
	return res
}
