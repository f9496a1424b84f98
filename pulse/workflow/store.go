package workflow

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

const runSelectColumns = `id, workflow, workflow_version, params, lane, priority, trigger_source,
	idempotency_key, failure_policy, status, output, error, error_retryable, error_category,
	steps_total, steps_completed, steps_failed, steps_skipped,
	created_at, started_at, completed_at, updated_at`

const stepSelectColumns = `id, run_id, name, step_type, step_order, status, attempt, max_attempts,
	execution_id, output, error, created_at, started_at, completed_at, updated_at`

// Store persists runs and their steps.
type Store struct{}

// InsertRun writes run and its steps unless an active run holds the
// idempotency key. Reports whether the row was written.
func (Store) InsertRun(ctx context.Context, q db.Querier, r *Run) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO runs (
			id, workflow, workflow_version, params, lane, priority, trigger_source,
			idempotency_key, failure_policy, status, steps_total, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		r.ID, r.Workflow, r.WorkflowVersion, string(r.Params), r.Lane, r.Priority, r.Trigger,
		r.IdempotencyKey, r.FailurePolicy, r.Status, len(r.Steps), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return false, errors.Wrap(err, "failed to insert run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read insert result")
	}
	if n == 0 {
		return false, nil
	}

	for _, s := range r.Steps {
		_, err := q.ExecContext(ctx, `
			INSERT INTO steps (id, run_id, name, step_type, step_order, status, attempt, max_attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			s.ID, r.ID, s.Name, s.Type, s.Order, s.Status, s.MaxAttempts, s.CreatedAt, s.UpdatedAt)
		if err != nil {
			return false, errors.Wrapf(err, "failed to insert step %s", s.Name)
		}
	}
	return true, nil
}

// GetRun loads a run with its steps in order.
func (s Store) GetRun(ctx context.Context, q db.Querier, runID string) (*Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runSelectColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run %s not found", runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get run %s", runID)
	}
	steps, err := s.ListSteps(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	r.Steps = steps
	return r, nil
}

// FindActiveRunByKey returns the pending or running run holding key, or nil.
func (s Store) FindActiveRunByKey(ctx context.Context, q db.Querier, key string) (*Run, error) {
	var runID string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE idempotency_key = ? AND status IN ('pending', 'running')`, key).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up run by idempotency key")
	}
	return s.GetRun(ctx, q, runID)
}

// ListSteps returns a run's steps ordered by step_order.
func (Store) ListSteps(ctx context.Context, q db.Querier, runID string) ([]*Step, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stepSelectColumns+` FROM steps WHERE run_id = ? ORDER BY step_order`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list steps of run %s", runID)
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan step")
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// StepByExecution finds the step whose current execution is execID.
func (Store) StepByExecution(ctx context.Context, q db.Querier, execID string) (*Step, error) {
	row := q.QueryRowContext(ctx, `SELECT `+stepSelectColumns+` FROM steps WHERE execution_id = ?`, execID)
	st, err := scanStep(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no step tracks execution %s", execID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find step by execution")
	}
	return st, nil
}

// StartRun moves a pending run to running.
func (Store) StartRun(ctx context.Context, q db.Querier, runID string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE runs SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`, now, now, runID)
	if err != nil {
		return false, errors.Wrap(err, "failed to start run")
	}
	return affected(res)
}

// FinishRun moves an active run to a terminal status.
func (Store) FinishRun(ctx context.Context, q db.Querier, r *Run, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE runs SET status = ?, output = ?, error = COALESCE(error, ?),
			error_retryable = CASE WHEN error IS NULL THEN ? ELSE error_retryable END,
			error_category = COALESCE(error_category, ?),
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		r.Status, nullJSON(r.Output), db.NullString(r.Error), r.ErrorRetryable, db.NullString(r.ErrorCategory),
		now, now, r.ID)
	if err != nil {
		return false, errors.Wrap(err, "failed to finish run")
	}
	return affected(res)
}

// NoteFailure records the first step failure of a run. Later failures do
// not overwrite it.
func (Store) NoteFailure(ctx context.Context, q db.Querier, runID string, ec async.ErrorContext, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE runs SET error = ?, error_retryable = ?, error_category = ?, updated_at = ?
		WHERE id = ? AND error IS NULL`,
		ec.Message, ec.Retryable, string(ec.Code), now, runID)
	return errors.Wrap(err, "failed to record run failure")
}

// RefreshCounters recomputes the per-status step counters of a run.
func (Store) RefreshCounters(ctx context.Context, q db.Querier, runID string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE runs SET
			steps_completed = (SELECT COUNT(*) FROM steps WHERE run_id = ? AND status = 'completed'),
			steps_failed = (SELECT COUNT(*) FROM steps WHERE run_id = ? AND status = 'failed'),
			steps_skipped = (SELECT COUNT(*) FROM steps WHERE run_id = ? AND status = 'skipped'),
			updated_at = ?
		WHERE id = ?`, runID, runID, runID, now, runID)
	return errors.Wrap(err, "failed to refresh step counters")
}

// StartStep marks a step running for the given attempt.
func (Store) StartStep(ctx context.Context, q db.Querier, stepID string, attempt int, execID string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE steps SET status = 'running', attempt = ?, execution_id = COALESCE(?, execution_id),
			started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		attempt, db.NullString(execID), now, now, stepID)
	if err != nil {
		return false, errors.Wrap(err, "failed to start step")
	}
	return affected(res)
}

// FinishStep settles an unsettled step.
func (Store) FinishStep(ctx context.Context, q db.Querier, stepID string, status StepStatus, output json.RawMessage, errMsg string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE steps SET status = ?, output = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		status, nullJSON(output), db.NullString(errMsg), now, now, stepID)
	if err != nil {
		return false, errors.Wrap(err, "failed to finish step")
	}
	return affected(res)
}

// SettlePending marks every pending step of a run with status and returns
// the ids it touched.
func (s Store) SettlePending(ctx context.Context, q db.Querier, runID string, status StepStatus, now time.Time) ([]string, error) {
	steps, err := s.ListSteps(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	var touched []string
	for _, st := range steps {
		if st.Status != StepPending {
			continue
		}
		ok, err := s.FinishStep(ctx, q, st.ID, status, nil, "", now)
		if err != nil {
			return nil, err
		}
		if ok {
			touched = append(touched, st.ID)
		}
	}
	return touched, nil
}

// ListRuns returns one page of runs, newest first, without steps.
func (Store) ListRuns(ctx context.Context, q db.Querier, f Filter) (*Page, error) {
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

	offset, limit := async.NormalizePage(f.Offset, f.Limit)
	page := &Page{Offset: offset, Limit: limit, Items: []*Run{}}
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+clause, args...).Scan(&page.Total); err != nil {
		return nil, errors.Wrap(err, "failed to count runs")
	}

	rows, err := q.QueryContext(ctx, `SELECT `+runSelectColumns+` FROM runs`+clause+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		page.Items = append(page.Items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate runs")
	}
	page.HasMore = offset+len(page.Items) < page.Total
	return page, nil
}

// ListActiveRunIDs returns ids of pending or running runs, oldest first.
func (Store) ListActiveRunIDs(ctx context.Context, q db.Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM runs WHERE status IN ('pending', 'running') ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active runs")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, errors.Wrap(err, "failed to scan run id")
		}
		ids = append(ids, runID)
	}
	return ids, rows.Err()
}

func scanRun(scan func(dest ...interface{}) error) (*Run, error) {
	var r Run
	var params, output, errMsg, category sql.NullString
	var started, completed sql.NullTime
	err := scan(&r.ID, &r.Workflow, &r.WorkflowVersion, &params, &r.Lane, &r.Priority, &r.Trigger,
		&r.IdempotencyKey, &r.FailurePolicy, &r.Status, &output, &errMsg, &r.ErrorRetryable, &category,
		&r.StepsTotal, &r.StepsCompleted, &r.StepsFailed, &r.StepsSkipped,
		&r.CreatedAt, &started, &completed, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if params.Valid {
		r.Params = json.RawMessage(params.String)
	}
	if output.Valid {
		r.Output = json.RawMessage(output.String)
	}
	r.Error = errMsg.String
	r.ErrorCategory = category.String
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return &r, nil
}

func scanStep(scan func(dest ...interface{}) error) (*Step, error) {
	var s Step
	var execID, output, errMsg sql.NullString
	var started, completed sql.NullTime
	err := scan(&s.ID, &s.RunID, &s.Name, &s.Type, &s.Order, &s.Status, &s.Attempt, &s.MaxAttempts,
		&execID, &output, &errMsg, &s.CreatedAt, &started, &completed, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.ExecutionID = execID.String
	if output.Valid {
		s.Output = json.RawMessage(output.String)
	}
	s.Error = errMsg.String
	if started.Valid {
		s.StartedAt = &started.Time
	}
	if completed.Valid {
		s.CompletedAt = &completed.Time
	}
	return &s, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n > 0, nil
}

func nullJSON(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
