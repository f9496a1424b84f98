package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/pulse/async"
)

const scheduleColumns = `id, name, target_type, target_name, target_version, default_params, lane, priority,
	schedule_type, cron_expression, interval_seconds, run_at, timezone, enabled, max_instances,
	misfire_grace_seconds, last_run_at, next_run_at, version, created_at, updated_at`

const runColumns = `id, schedule_id, scheduled_at, started_at, completed_at, status, target_id,
	error, skip_reason, created_at, updated_at`

// Store persists schedules and their runs.
type Store struct{}

// Insert writes a new schedule. A duplicate name is a conflict.
func (Store) Insert(ctx context.Context, q db.Querier, s *Schedule) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		timingArgs(s)...)
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(errors.ErrConflict, "schedule %q already exists", s.Name)
	}
	return errors.Wrapf(err, "failed to create schedule %s", s.Name)
}

func timingArgs(s *Schedule) []interface{} {
	var interval sql.NullInt64
	if s.IntervalSeconds > 0 {
		interval = sql.NullInt64{Int64: int64(s.IntervalSeconds), Valid: true}
	}
	return []interface{}{
		s.ID, s.Name, string(s.TargetType), s.TargetName, s.TargetVersion, string(s.DefaultParams), s.Lane, s.Priority,
		string(s.Type), db.NullString(s.CronExpression), interval, nullTime(s.RunAt), s.Timezone, s.Enabled, s.MaxInstances,
		s.MisfireGraceSeconds, nullTime(s.LastRunAt), nullTime(s.NextRunAt), s.Version, s.CreatedAt, s.UpdatedAt,
	}
}

// Update rewrites s if the stored version still equals expected, bumping
// the version. It reports false when another writer got there first.
func (Store) Update(ctx context.Context, q db.Querier, s *Schedule, expected int) (bool, error) {
	all := timingArgs(s)
	// every column but id and created_at, then the WHERE arguments
	args := make([]interface{}, 0, len(all))
	args = append(args, all[1:19]...)
	args = append(args, all[20], s.ID, expected)
	res, err := q.ExecContext(ctx, `
		UPDATE schedules SET
			name = ?, target_type = ?, target_name = ?, target_version = ?, default_params = ?, lane = ?, priority = ?,
			schedule_type = ?, cron_expression = ?, interval_seconds = ?, run_at = ?, timezone = ?, enabled = ?,
			max_instances = ?, misfire_grace_seconds = ?, last_run_at = ?, next_run_at = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`, args...)
	if db.IsUniqueViolation(err) {
		return false, errors.Wrapf(errors.ErrConflict, "schedule %q already exists", s.Name)
	}
	return affected(res, err, "failed to update schedule")
}

// Delete removes a schedule and, by cascade, its runs.
func (Store) Delete(ctx context.Context, q db.Querier, id string) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return affected(res, err, "failed to delete schedule")
}

// Get returns a schedule by id.
func (Store) Get(ctx context.Context, q db.Querier, id string) (*Schedule, error) {
	s, err := scanSchedule(q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("schedule %s not found", id)
	}
	return s, errors.Wrap(err, "failed to get schedule")
}

// GetByName returns a schedule by its unique name.
func (Store) GetByName(ctx context.Context, q db.Querier, name string) (*Schedule, error) {
	s, err := scanSchedule(q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE name = ?`, name).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("schedule %q not found", name)
	}
	return s, errors.Wrap(err, "failed to get schedule by name")
}

// List returns one page of schedules ordered by name.
func (Store) List(ctx context.Context, q db.Querier, f Filter) (*Page, error) {
	clause := ""
	var args []interface{}
	if f.Enabled != nil {
		clause = " WHERE enabled = ?"
		args = append(args, *f.Enabled)
	}
	offset, limit := async.NormalizePage(f.Offset, f.Limit)
	page := &Page{Offset: offset, Limit: limit, Items: []*Schedule{}}
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedules`+clause, args...).Scan(&page.Total); err != nil {
		return nil, errors.Wrap(err, "failed to count schedules")
	}
	rows, err := q.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules`+clause+
		` ORDER BY name LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	items, err := scanSchedules(rows)
	if err != nil {
		return nil, err
	}
	page.Items = append(page.Items, items...)
	page.HasMore = offset+len(page.Items) < page.Total
	return page, nil
}

// Due returns enabled schedules whose next_run_at is at or before now,
// oldest first.
func (Store) Due(ctx context.Context, q db.Querier, now time.Time, limit int) ([]*Schedule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at, id
		LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due schedules")
	}
	return scanSchedules(rows)
}

// Next returns the enabled schedule that fires soonest, nil when none.
func (Store) Next(ctx context.Context, q db.Querier) (*Schedule, error) {
	s, err := scanSchedule(q.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL
		ORDER BY next_run_at, id
		LIMIT 1`).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, errors.Wrap(err, "failed to get next schedule")
}

// Advance moves a schedule past a fire. A nil lastRun keeps last_run_at; a
// nil next leaves the schedule with nothing further to fire.
func (Store) Advance(ctx context.Context, q db.Querier, id string, lastRun, next *time.Time, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE schedules SET
			last_run_at = COALESCE(?, last_run_at),
			next_run_at = ?,
			updated_at = ?
		WHERE id = ?`, nullTime(lastRun), nullTime(next), now, id)
	return errors.Wrapf(err, "failed to advance schedule %s", id)
}

// InsertRun records one fire, skip or miss.
func (Store) InsertRun(ctx context.Context, q db.Querier, r *Run) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO schedule_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ScheduleID, r.ScheduledAt, nullTime(r.StartedAt), nullTime(r.CompletedAt), string(r.Status),
		db.NullString(r.TargetID), db.NullString(r.Error), db.NullString(r.SkipReason), r.CreatedAt, r.UpdatedAt)
	return errors.Wrapf(err, "failed to record run of schedule %s", r.ScheduleID)
}

// UpdateRun moves a non-terminal run to status. Terminal runs are left
// alone and false is returned.
func (Store) UpdateRun(ctx context.Context, q db.Querier, id string, status RunStatus, errMsg string, now time.Time) (bool, error) {
	var started, completed sql.NullTime
	if status != RunPending {
		started = sql.NullTime{Time: now, Valid: true}
	}
	if status.Terminal() {
		completed = sql.NullTime{Time: now, Valid: true}
	}
	res, err := q.ExecContext(ctx, `
		UPDATE schedule_runs SET
			status = ?,
			started_at = COALESCE(started_at, ?),
			completed_at = ?,
			error = ?,
			updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		string(status), started, completed, db.NullString(errMsg), now, id)
	return affected(res, err, "failed to update schedule run")
}

// GetRun returns a schedule run by id.
func (Store) GetRun(ctx context.Context, q db.Querier, id string) (*Run, error) {
	r, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM schedule_runs WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("schedule run %s not found", id)
	}
	return r, errors.Wrap(err, "failed to get schedule run")
}

// RunByTarget returns the run that submitted target, nil when none.
func (Store) RunByTarget(ctx context.Context, q db.Querier, targetID string) (*Run, error) {
	r, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM schedule_runs WHERE target_id = ?`, targetID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, errors.Wrap(err, "failed to get schedule run by target")
}

// ListRuns returns the newest runs of a schedule first.
func (Store) ListRuns(ctx context.Context, q db.Querier, scheduleID string, limit int) ([]*Run, error) {
	_, limit = async.NormalizePage(0, limit)
	rows, err := q.QueryContext(ctx, `
		SELECT `+runColumns+` FROM schedule_runs
		WHERE schedule_id = ?
		ORDER BY scheduled_at DESC, created_at DESC
		LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedule runs")
	}
	defer rows.Close()
	runs := []*Run{}
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule run")
		}
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "failed to iterate schedule runs")
}

// ActiveRuns returns the pending and running runs of a schedule.
func (Store) ActiveRuns(ctx context.Context, q db.Querier, scheduleID string) ([]*Run, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+runColumns+` FROM schedule_runs
		WHERE schedule_id = ? AND status IN ('pending', 'running')
		ORDER BY scheduled_at`, scheduleID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active schedule runs")
	}
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule run")
		}
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "failed to iterate active schedule runs")
}

func scanSchedules(rows *sql.Rows) ([]*Schedule, error) {
	defer rows.Close()
	var out []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate schedules")
}

func scanSchedule(scan func(dest ...interface{}) error) (*Schedule, error) {
	var s Schedule
	var targetType, schedType, params string
	var cronExpr sql.NullString
	var interval sql.NullInt64
	var runAt, lastRun, nextRun sql.NullTime
	if err := scan(&s.ID, &s.Name, &targetType, &s.TargetName, &s.TargetVersion, &params, &s.Lane, &s.Priority,
		&schedType, &cronExpr, &interval, &runAt, &s.Timezone, &s.Enabled, &s.MaxInstances,
		&s.MisfireGraceSeconds, &lastRun, &nextRun, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.TargetType = TargetType(targetType)
	s.Type = Type(schedType)
	s.DefaultParams = json.RawMessage(params)
	s.CronExpression = cronExpr.String
	s.IntervalSeconds = int(interval.Int64)
	s.RunAt = timePtr(runAt)
	s.LastRunAt = timePtr(lastRun)
	s.NextRunAt = timePtr(nextRun)
	return &s, nil
}

func scanRun(scan func(dest ...interface{}) error) (*Run, error) {
	var r Run
	var status string
	var started, completed sql.NullTime
	var target, errMsg, skip sql.NullString
	if err := scan(&r.ID, &r.ScheduleID, &r.ScheduledAt, &started, &completed, &status, &target,
		&errMsg, &skip, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	r.TargetID = target.String
	r.Error = errMsg.String
	r.SkipReason = skip.String
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func affected(res sql.Result, err error, msg string) (bool, error) {
	if err != nil {
		return false, errors.Wrap(err, msg)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, msg)
	}
	return n == 1, nil
}
