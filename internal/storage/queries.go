package storage

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// EntityRow mirrors one row of the entities table.
type EntityRow struct {
	ID            string
	OwnerID       string
	Kind          int64
	Payload       string
	CreatedAt     int64
	UpdatedAt     int64
	BaseUpdatedAt int64
	SyncState     string
	SyncError     string
}

const entityColumns = `id, owner_id, kind, payload, created_at, updated_at, base_updated_at, sync_state, sync_error`

func scanEntity(row interface{ Scan(...interface{}) error }) (EntityRow, error) {
	var i EntityRow
	err := row.Scan(
		&i.ID,
		&i.OwnerID,
		&i.Kind,
		&i.Payload,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.BaseUpdatedAt,
		&i.SyncState,
		&i.SyncError,
	)
	return i, err
}

func collectEntities(rows *sql.Rows) ([]EntityRow, error) {
	defer rows.Close()
	var items []EntityRow
	for rows.Next() {
		i, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertEntity = `-- name: InsertEntity :exec
INSERT INTO entities (` + entityColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertEntity(ctx context.Context, arg EntityRow) error {
	_, err := q.db.ExecContext(ctx, insertEntity,
		arg.ID,
		arg.OwnerID,
		arg.Kind,
		arg.Payload,
		arg.CreatedAt,
		arg.UpdatedAt,
		arg.BaseUpdatedAt,
		arg.SyncState,
		arg.SyncError,
	)
	return err
}

const getEntity = `-- name: GetEntity :one
SELECT ` + entityColumns + ` FROM entities WHERE id = ?`

func (q *Queries) GetEntity(ctx context.Context, id string) (EntityRow, error) {
	return scanEntity(q.db.QueryRowContext(ctx, getEntity, id))
}

const listEntities = `-- name: ListEntities :many
SELECT ` + entityColumns + ` FROM entities
WHERE owner_id = ? AND kind = ?
ORDER BY created_at ASC, id ASC`

func (q *Queries) ListEntities(ctx context.Context, ownerID string, kind int64) ([]EntityRow, error) {
	rows, err := q.db.QueryContext(ctx, listEntities, ownerID, kind)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

const listPendingEntities = `-- name: ListPendingEntities :many
SELECT ` + entityColumns + ` FROM entities
WHERE owner_id = ? AND kind = ? AND sync_state != 'clean'
ORDER BY updated_at ASC, id ASC`

func (q *Queries) ListPendingEntities(ctx context.Context, ownerID string, kind int64) ([]EntityRow, error) {
	rows, err := q.db.QueryContext(ctx, listPendingEntities, ownerID, kind)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

const updateEntity = `-- name: UpdateEntity :exec
UPDATE entities
SET payload = ?, created_at = ?, updated_at = ?, base_updated_at = ?, sync_state = ?, sync_error = ?
WHERE id = ?`

func (q *Queries) UpdateEntity(ctx context.Context, arg EntityRow) error {
	_, err := q.db.ExecContext(ctx, updateEntity,
		arg.Payload,
		arg.CreatedAt,
		arg.UpdatedAt,
		arg.BaseUpdatedAt,
		arg.SyncState,
		arg.SyncError,
		arg.ID,
	)
	return err
}

const deleteEntity = `-- name: DeleteEntity :execrows
DELETE FROM entities WHERE id = ?`

func (q *Queries) DeleteEntity(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteEntity, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const setSyncError = `-- name: SetSyncError :execrows
UPDATE entities SET sync_error = ? WHERE id = ?`

func (q *Queries) SetSyncError(ctx context.Context, id, msg string) (int64, error) {
	res, err := q.db.ExecContext(ctx, setSyncError, msg, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const countPending = `-- name: CountPending :one
SELECT COUNT(*) FROM entities WHERE owner_id = ? AND sync_state != 'clean'`

func (q *Queries) CountPending(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, countPending, ownerID).Scan(&count)
	return count, err
}

const pendingOwners = `-- name: PendingOwners :many
SELECT DISTINCT owner_id FROM entities WHERE sync_state != 'clean' ORDER BY owner_id`

func (q *Queries) PendingOwners(ctx context.Context) ([]string, error) {
	return q.strings(ctx, pendingOwners)
}

const owners = `-- name: Owners :many
SELECT DISTINCT owner_id FROM entities ORDER BY owner_id`

func (q *Queries) Owners(ctx context.Context) ([]string, error) {
	return q.strings(ctx, owners)
}

func (q *Queries) strings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// SyncRunRow mirrors one row of the sync_runs table.
type SyncRunRow struct {
	ID         int64
	OwnerID    string
	Status     string
	StartedAt  int64
	DurationMs int64
	Changes    int64
	Errors     int64
}

const insertSyncRun = `-- name: InsertSyncRun :exec
INSERT INTO sync_runs (owner_id, status, started_at, duration_ms, changes, errors)
VALUES (?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertSyncRun(ctx context.Context, arg SyncRunRow) error {
	_, err := q.db.ExecContext(ctx, insertSyncRun,
		arg.OwnerID,
		arg.Status,
		arg.StartedAt,
		arg.DurationMs,
		arg.Changes,
		arg.Errors,
	)
	return err
}

const lastSyncRun = `-- name: LastSyncRun :one
SELECT id, owner_id, status, started_at, duration_ms, changes, errors
FROM sync_runs WHERE owner_id = ?
ORDER BY started_at DESC, id DESC LIMIT 1`

func (q *Queries) LastSyncRun(ctx context.Context, ownerID string) (SyncRunRow, error) {
	var i SyncRunRow
	err := q.db.QueryRowContext(ctx, lastSyncRun, ownerID).Scan(
		&i.ID,
		&i.OwnerID,
		&i.Status,
		&i.StartedAt,
		&i.DurationMs,
		&i.Changes,
		&i.Errors,
	)
	return i, err
}

const pruneSyncRuns = `-- name: PruneSyncRuns :exec
DELETE FROM sync_runs
WHERE owner_id = ? AND id NOT IN (
    SELECT id FROM sync_runs WHERE owner_id = ? ORDER BY started_at DESC, id DESC LIMIT ?
)`

func (q *Queries) PruneSyncRuns(ctx context.Context, ownerID string, keep int64) error {
	_, err := q.db.ExecContext(ctx, pruneSyncRuns, ownerID, ownerID, keep)
	return err
}
