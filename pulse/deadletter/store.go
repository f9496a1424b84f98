package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/pulse/async"
)

const columns = `id, execution_id, lineage_id, workflow, workflow_version, params, lane,
	error, reason, retry_count, max_retries, replay_execution_id,
	created_at, last_retry_at, resolved_at, resolved_by, resolution_note, updated_at`

// Store persists dead letters.
type Store struct{}

// Upsert parks d. An existing row for the same lineage takes the newest
// failure, bumps retry_count and is reopened.
func (Store) Upsert(ctx context.Context, q db.Querier, d *DeadLetter) error {
	var lastRetry sql.NullTime
	if d.LastRetryAt != nil {
		lastRetry = sql.NullTime{Time: d.LastRetryAt.UTC(), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO dead_letters (
			id, execution_id, lineage_id, workflow, workflow_version, params, lane,
			error, reason, retry_count, max_retries, created_at, last_retry_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lineage_id) DO UPDATE SET
			execution_id = excluded.execution_id,
			workflow_version = excluded.workflow_version,
			params = excluded.params,
			error = excluded.error,
			reason = excluded.reason,
			retry_count = dead_letters.retry_count + 1,
			max_retries = excluded.max_retries,
			last_retry_at = COALESCE(excluded.last_retry_at, dead_letters.last_retry_at),
			resolved_at = NULL,
			resolved_by = NULL,
			resolution_note = NULL,
			updated_at = excluded.updated_at`,
		d.ID, d.ExecutionID, d.LineageID, d.Workflow, d.WorkflowVersion, string(d.Params), d.Lane,
		db.NullString(d.Error), db.NullString(d.Reason), d.RetryCount, d.MaxRetries,
		d.CreatedAt, lastRetry, d.UpdatedAt)
	return errors.Wrapf(err, "failed to park lineage %s", d.LineageID)
}

// Get returns a dead letter by id.
func (Store) Get(ctx context.Context, q db.Querier, id string) (*DeadLetter, error) {
	d, err := scan(q.QueryRowContext(ctx, `SELECT `+columns+` FROM dead_letters WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("dead letter %s not found", id)
	}
	return d, errors.Wrap(err, "failed to get dead letter")
}

// GetByLineage returns the dead letter of a lineage, nil when none.
func (Store) GetByLineage(ctx context.Context, q db.Querier, lineageID string) (*DeadLetter, error) {
	d, err := scan(q.QueryRowContext(ctx, `SELECT `+columns+` FROM dead_letters WHERE lineage_id = ?`, lineageID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, errors.Wrap(err, "failed to get dead letter by lineage")
}

// SetReplay records the execution a replay submitted.
func (Store) SetReplay(ctx context.Context, q db.Querier, id, execID string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE dead_letters SET replay_execution_id = ?, last_retry_at = ?, updated_at = ?
		WHERE id = ?`, execID, now, now, id)
	return errors.Wrap(err, "failed to record replay")
}

// Resolve closes an open dead letter. It reports false when the row was
// already resolved.
func (Store) Resolve(ctx context.Context, q db.Querier, id, actor, note string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE dead_letters SET resolved_at = ?, resolved_by = ?, resolution_note = ?, updated_at = ?
		WHERE id = ? AND resolved_at IS NULL`,
		now, actor, db.NullString(note), now, id)
	if err != nil {
		return false, errors.Wrap(err, "failed to resolve dead letter")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read resolve result")
	}
	return n == 1, nil
}

// List returns one page of dead letters, newest first.
func (Store) List(ctx context.Context, q db.Querier, f Filter) (*Page, error) {
	var where []string
	var args []interface{}
	if f.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, f.Workflow)
	}
	if f.Unresolved {
		where = append(where, "resolved_at IS NULL")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	offset, limit := async.NormalizePage(f.Offset, f.Limit)
	page := &Page{Offset: offset, Limit: limit, Items: []*DeadLetter{}}
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`+clause, args...).Scan(&page.Total); err != nil {
		return nil, errors.Wrap(err, "failed to count dead letters")
	}
	rows, err := q.QueryContext(ctx, `SELECT `+columns+` FROM dead_letters`+clause+
		` ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters")
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scan(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan dead letter")
		}
		page.Items = append(page.Items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate dead letters")
	}
	page.HasMore = offset+len(page.Items) < page.Total
	return page, nil
}

func scan(fn func(dest ...interface{}) error) (*DeadLetter, error) {
	var d DeadLetter
	var params string
	var errMsg, reason, replay, resolvedBy, note sql.NullString
	var lastRetry, resolvedAt sql.NullTime
	if err := fn(&d.ID, &d.ExecutionID, &d.LineageID, &d.Workflow, &d.WorkflowVersion, &params, &d.Lane,
		&errMsg, &reason, &d.RetryCount, &d.MaxRetries, &replay,
		&d.CreatedAt, &lastRetry, &resolvedAt, &resolvedBy, &note, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Params = json.RawMessage(params)
	d.Error = errMsg.String
	d.Reason = reason.String
	d.ReplayExecutionID = replay.String
	d.ResolvedBy = resolvedBy.String
	d.ResolutionNote = note.String
	if lastRetry.Valid {
		d.LastRetryAt = &lastRetry.Time
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return &d, nil
}
