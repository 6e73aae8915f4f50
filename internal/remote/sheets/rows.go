package sheets

import (
	"fmt"
	"strings"
	"time"

	"ledgersync/internal/core"
)

// encodeRow lays an entity out as id, owner_id, created_at, updated_at,
// payload. Timestamps use RFC 3339 with microseconds.
func encodeRow(e core.Entity) ([]any, error) {
	payload, err := core.EncodeFields(e.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return []any{
		e.ID,
		e.OwnerID,
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
		string(payload),
	}, nil
}

func decodeRow(kind core.Kind, row []any) (core.Entity, error) {
	cols := toStrings(row)
	if len(cols) < 5 {
		return core.Entity{}, fmt.Errorf("row has %d columns, want 5", len(cols))
	}
	if cols[0] == "" {
		return core.Entity{}, fmt.Errorf("row has empty id")
	}
	created, err := parseTime(cols[2])
	if err != nil {
		return core.Entity{}, fmt.Errorf("created_at: %w", err)
	}
	updated, err := parseTime(cols[3])
	if err != nil {
		return core.Entity{}, fmt.Errorf("updated_at: %w", err)
	}
	fields, err := core.DecodeFields(kind, []byte(cols[4]))
	if err != nil {
		return core.Entity{}, err
	}
	return core.Entity{
		ID:            cols[0],
		OwnerID:       cols[1],
		Fields:        fields,
		CreatedAt:     created,
		UpdatedAt:     updated,
		BaseUpdatedAt: updated,
		SyncState:     core.SyncClean,
	}, nil
}

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return core.Truncate(t).Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return core.Truncate(t), nil
}

func toStrings(in []any) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}
