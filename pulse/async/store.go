package async

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
)

// Store handles persistence of executions. Every method takes a Querier so
// it can run inside the caller's transaction.
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution store
func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Insert writes e unless an active execution already holds its idempotency
// key. It reports whether the row was written; the partial unique index is
// the arbiter between concurrent submitters.
func (s *Store) Insert(ctx context.Context, q db.Querier, e *Execution) (bool, error) {
	query := `
		INSERT INTO executions (
			id, workflow, workflow_version, params, lane, priority, trigger_source,
			logical_key, idempotency_key, status,
			parent_execution_id, parent_run_id, lineage_id, caused_by,
			retry_count, max_retries, available_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`

	res, err := q.ExecContext(ctx, query,
		e.ID,
		e.Workflow,
		e.WorkflowVersion,
		string(e.Params),
		e.Lane,
		e.Priority,
		e.Trigger,
		e.LogicalKey,
		e.IdempotencyKey,
		e.Status,
		db.NullString(e.ParentExecutionID),
		db.NullString(e.ParentRunID),
		e.LineageID,
		db.NullString(e.CausedBy),
		e.RetryCount,
		e.MaxRetries,
		e.AvailableAt,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to insert execution")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read insert result")
	}
	return n == 1, nil
}

// Get retrieves an execution by ID
func (s *Store) Get(ctx context.Context, q db.Querier, id string) (*Execution, error) {
	row := q.QueryRowContext(ctx, `SELECT `+standardExecutionSelectColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return e, nil
}

// FindActiveByKey returns the PENDING or RUNNING execution holding key, or
// nil when there is none.
func (s *Store) FindActiveByKey(ctx context.Context, q db.Querier, key string) (*Execution, error) {
	row := q.QueryRowContext(ctx, `SELECT `+standardExecutionSelectColumns+`
		FROM executions
		WHERE idempotency_key = ? AND status IN ('pending', 'running')
		LIMIT 1`, key)
	e, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active execution")
	}
	return e, nil
}

// ListClaimable returns PENDING executions available at now in claim order:
// priority descending, then oldest first. Empty lanes means every lane.
func (s *Store) ListClaimable(ctx context.Context, q db.Querier, lanes []string, now time.Time, limit int) ([]*Execution, error) {
	query := `SELECT ` + standardExecutionSelectColumns + `
		FROM executions
		WHERE status = 'pending' AND available_at <= ?`
	args := []interface{}{now}
	if len(lanes) > 0 {
		query += ` AND lane IN (?` + strings.Repeat(", ?", len(lanes)-1) + `)`
		for _, l := range lanes {
			args = append(args, l)
		}
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list claimable executions")
	}
	return scanExecutions(rows)
}

// MarkRunning moves id from PENDING to RUNNING for workerID.
func (s *Store) MarkRunning(ctx context.Context, q db.Querier, id, workerID string, now, leaseUntil time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE executions
		SET status = 'running', locked_by = ?, started_at = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		workerID, now, leaseUntil, now, id)
	return affected(res, err, "failed to mark execution running")
}

// MarkCompleted moves id from RUNNING to COMPLETED.
func (s *Store) MarkCompleted(ctx context.Context, q db.Querier, id string, result []byte, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE executions
		SET status = 'completed', result = ?, completed_at = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		nullBytes(result), now, now, id)
	return affected(res, err, "failed to mark execution completed")
}

// MarkFailed moves id from RUNNING to FAILED.
func (s *Store) MarkFailed(ctx context.Context, q db.Querier, id string, ec ErrorContext, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE executions
		SET status = 'failed', error = ?, error_retryable = ?, error_category = ?,
			completed_at = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		ec.Message, ec.Retryable, string(ec.Code), now, now, id)
	return affected(res, err, "failed to mark execution failed")
}

// MarkCancelled moves id from PENDING or RUNNING to CANCELLED.
func (s *Store) MarkCancelled(ctx context.Context, q db.Querier, id, reason string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE executions
		SET status = 'cancelled', cancel_reason = ?, completed_at = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		db.NullString(reason), now, now, id)
	return affected(res, err, "failed to mark execution cancelled")
}

// ExtendLease pushes the lease of a RUNNING execution held by workerID.
func (s *Store) ExtendLease(ctx context.Context, q db.Querier, id, workerID string, until, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE executions SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND locked_by = ?`,
		until, now, id, workerID)
	return affected(res, err, "failed to extend lease")
}

// ListExpiredLeases returns RUNNING executions whose lease ended at or before now.
func (s *Store) ListExpiredLeases(ctx context.Context, q db.Querier, now time.Time) ([]*Execution, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+standardExecutionSelectColumns+`
		FROM executions
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		ORDER BY lease_expires_at ASC`, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired leases")
	}
	return scanExecutions(rows)
}

// ListLineage returns every execution of a retry/replay chain, oldest first.
func (s *Store) ListLineage(ctx context.Context, q db.Querier, lineageID string) ([]*Execution, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+standardExecutionSelectColumns+`
		FROM executions WHERE lineage_id = ? ORDER BY created_at ASC, retry_count ASC`, lineageID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list lineage")
	}
	return scanExecutions(rows)
}

// List returns one page of executions matching f, newest first.
func (s *Store) List(ctx context.Context, q db.Querier, f Filter) (*Page, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, f.Workflow)
	}
	if f.Lane != "" {
		where = append(where, "lane = ?")
		args = append(args, f.Lane)
	}
	if f.LineageID != "" {
		where = append(where, "lineage_id = ?")
		args = append(args, f.LineageID)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.To.UTC())
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	offset, limit := NormalizePage(f.Offset, f.Limit)
	page := &Page{Offset: offset, Limit: limit, Items: []*Execution{}}

	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`+clause, args...).Scan(&page.Total); err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}

	rows, err := q.QueryContext(ctx, `SELECT `+standardExecutionSelectColumns+` FROM executions`+clause+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	items, err := scanExecutions(rows)
	if err != nil {
		return nil, err
	}
	if items != nil {
		page.Items = items
	}
	page.HasMore = offset+len(page.Items) < page.Total
	return page, nil
}

// CountByStatus returns execution counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context, q db.Querier) (map[Status]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		out[st] = n
	}
	return out, rows.Err()
}

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func affected(res sql.Result, err error, msg string) (bool, error) {
	if err != nil {
		return false, errors.Wrap(err, msg)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, msg)
	}
	return n > 0, nil
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
