package amqp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"ledgersync/internal/queue"
	"ledgersync/internal/services"
)

const (
	TypePendingCount = "pending_count"
	TypeSyncResult   = "sync_result"

	pendingPrefix = "pending."
	syncPrefix    = "sync."
)

// PendingCountMessage announces a changed pending count for one owner.
type PendingCountMessage struct {
	OwnerID   string    `json:"owner_id"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

func NewPendingCountMessage(s queue.Snapshot) *PendingCountMessage {
	ts := s.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return &PendingCountMessage{OwnerID: s.OwnerID, Count: s.Count, Timestamp: ts.UTC()}
}

// KindCounts is the per-kind part of a SyncResultMessage.
type KindCounts struct {
	Kind           string `json:"kind"`
	Pushed         int    `json:"pushed"`
	Pulled         int    `json:"pulled"`
	Purged         int    `json:"purged"`
	RemoteWins     int    `json:"remote_wins"`
	RemovedLocally int    `json:"removed_locally"`
}

// SyncResultMessage is a compact summary of one full sync.
type SyncResultMessage struct {
	OwnerID    string       `json:"owner_id"`
	Status     string       `json:"status"`
	Pending    int          `json:"pending"`
	Changes    int          `json:"changes"`
	Errors     int          `json:"errors"`
	DurationMs int64        `json:"duration_ms"`
	Kinds      []KindCounts `json:"kinds,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

func NewSyncResultMessage(res *services.SyncResult) *SyncResultMessage {
	msg := &SyncResultMessage{
		OwnerID:    res.OwnerID,
		Status:     res.Status.String(),
		Pending:    res.Pending,
		Changes:    res.Changes(),
		Errors:     len(res.Errors),
		DurationMs: res.Duration.Milliseconds(),
		Timestamp:  res.StartedAt.Add(res.Duration).UTC(),
	}
	for kind, s := range res.Kinds {
		msg.Kinds = append(msg.Kinds, KindCounts{
			Kind:           kind.String(),
			Pushed:         s.Pushed,
			Pulled:         s.Pulled,
			Purged:         s.Purged,
			RemoteWins:     s.RemoteWins,
			RemovedLocally: s.RemovedLocally,
		})
	}
	sort.Slice(msg.Kinds, func(i, j int) bool { return msg.Kinds[i].Kind < msg.Kinds[j].Kind })
	return msg
}

// Event is one decoded delivery. Exactly one of Pending and Sync is set.
type Event struct {
	Type       string               `json:"type"`
	RoutingKey string               `json:"routing_key"`
	Pending    *PendingCountMessage `json:"pending,omitempty"`
	Sync       *SyncResultMessage   `json:"sync,omitempty"`
}

// OwnerID returns the owner the event is about.
func (e Event) OwnerID() string {
	switch {
	case e.Pending != nil:
		return e.Pending.OwnerID
	case e.Sync != nil:
		return e.Sync.OwnerID
	default:
		return ""
	}
}

func pendingKey(owner string) string { return pendingPrefix + owner }
func syncKey(owner string) string    { return syncPrefix + owner }

// DecodeEvent decodes body according to the message type, falling back to
// the routing key prefix when the type is missing.
func DecodeEvent(msgType, routingKey string, body []byte) (Event, error) {
	if msgType == "" {
		switch {
		case strings.HasPrefix(routingKey, pendingPrefix):
			msgType = TypePendingCount
		case strings.HasPrefix(routingKey, syncPrefix):
			msgType = TypeSyncResult
		}
	}

	ev := Event{Type: msgType, RoutingKey: routingKey}
	switch msgType {
	case TypePendingCount:
		var m PendingCountMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return Event{}, fmt.Errorf("decode pending count: %w", err)
		}
		ev.Pending = &m
	case TypeSyncResult:
		var m SyncResultMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return Event{}, fmt.Errorf("decode sync result: %w", err)
		}
		ev.Sync = &m
	default:
		return Event{}, fmt.Errorf("unknown message type %q", msgType)
	}
	return ev, nil
}
