package alert

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

const alertColumns = `id, severity, title, message, source, domain, execution_id, run_id,
	metadata, error_category, dedup_key, suppressed, created_at`

const channelColumns = `id, name, channel_type, config, min_severity, domain_filter, enabled,
	throttle_minutes, last_success_at, last_failure_at, consecutive_failures, circuit_open_until,
	created_at, updated_at`

const deliveryColumns = `id, alert_id, channel_id, attempt, max_attempts, status, attempted_at,
	delivered_at, response, error, next_retry_at, created_at`

// Store persists alerts, channels, deliveries and throttle windows.
type Store struct{}

// Throttle checks dedupKey against its suppression window. An unexpired
// window is bumped and reported as suppressing; otherwise a new window of
// length window opens at now.
func (Store) Throttle(ctx context.Context, q db.Querier, dedupKey string, window time.Duration, now time.Time) (bool, error) {
	var expires time.Time
	err := q.QueryRowContext(ctx, `SELECT expires_at FROM alert_throttles WHERE dedup_key = ?`, dedupKey).Scan(&expires)
	switch {
	case err == nil && expires.After(now):
		_, err := q.ExecContext(ctx, `UPDATE alert_throttles SET send_count = send_count + 1 WHERE dedup_key = ?`, dedupKey)
		return true, errors.Wrap(err, "failed to bump alert throttle")
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return false, errors.Wrap(err, "failed to read alert throttle")
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO alert_throttles (dedup_key, last_sent_at, send_count, expires_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(dedup_key) DO UPDATE SET
			last_sent_at = excluded.last_sent_at,
			send_count = 1,
			expires_at = excluded.expires_at`,
		dedupKey, now, now.Add(window))
	return false, errors.Wrap(err, "failed to open alert throttle window")
}

// ThrottleCount returns send_count for dedupKey, 0 when absent.
func (Store) ThrottleCount(ctx context.Context, q db.Querier, dedupKey string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT send_count FROM alert_throttles WHERE dedup_key = ?`, dedupKey).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, errors.Wrap(err, "failed to read throttle count")
}

// InsertAlert writes a.
func (Store) InsertAlert(ctx context.Context, q db.Querier, a *Alert) error {
	var meta sql.NullString
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return errors.Wrap(err, "failed to encode alert metadata")
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	_, err := q.ExecContext(ctx, `INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Severity, a.Title, a.Message, a.Source, db.NullString(a.Domain),
		db.NullString(a.ExecutionID), db.NullString(a.RunID), meta, db.NullString(a.ErrorCategory),
		db.NullString(a.DedupKey), a.Suppressed, a.CreatedAt)
	return errors.Wrap(err, "failed to insert alert")
}

// GetAlert loads one alert.
func (Store) GetAlert(ctx context.Context, q db.Querier, id string) (*Alert, error) {
	a, err := scanAlert(q.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("alert %s not found", id)
	}
	return a, errors.Wrap(err, "failed to get alert")
}

// ListAlerts returns alerts newest first.
func (Store) ListAlerts(ctx context.Context, q db.Querier, f Filter) (*Page, error) {
	var where []string
	var args []interface{}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.DedupKey != "" {
		where = append(where, "dedup_key = ?")
		args = append(args, f.DedupKey)
	}
	if f.Suppressed != nil {
		where = append(where, "suppressed = ?")
		args = append(args, *f.Suppressed)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	offset, limit := async.NormalizePage(f.Offset, f.Limit)
	page := &Page{Offset: offset, Limit: limit, Items: []*Alert{}}
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`+clause, args...).Scan(&page.Total); err != nil {
		return nil, errors.Wrap(err, "failed to count alerts")
	}
	rows, err := q.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts`+clause+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list alerts")
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan alert")
		}
		page.Items = append(page.Items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate alerts")
	}
	page.HasMore = offset+len(page.Items) < page.Total
	return page, nil
}

// InsertChannel writes c. A duplicate name is a conflict.
func (Store) InsertChannel(ctx context.Context, q db.Querier, c *Channel) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO alert_channels (id, name, channel_type, config, min_severity, domain_filter, enabled,
			throttle_minutes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Type, string(c.Config), c.MinSeverity, db.NullString(c.DomainFilter), c.Enabled,
		c.ThrottleMinutes, c.CreatedAt, c.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(errors.ErrConflict, "alert channel %q already exists", c.Name)
	}
	return errors.Wrap(err, "failed to insert alert channel")
}

// UpdateChannel rewrites the configurable fields of c.
func (Store) UpdateChannel(ctx context.Context, q db.Querier, c *Channel) error {
	res, err := q.ExecContext(ctx, `
		UPDATE alert_channels SET name = ?, channel_type = ?, config = ?, min_severity = ?,
			domain_filter = ?, enabled = ?, throttle_minutes = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Type, string(c.Config), c.MinSeverity, db.NullString(c.DomainFilter), c.Enabled,
		c.ThrottleMinutes, c.UpdatedAt, c.ID)
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(errors.ErrConflict, "alert channel %q already exists", c.Name)
	}
	if err != nil {
		return errors.Wrap(err, "failed to update alert channel")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("alert channel %s not found", c.ID)
	}
	return nil
}

// DeleteChannel removes a channel and, by cascade, its deliveries.
func (Store) DeleteChannel(ctx context.Context, q db.Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM alert_channels WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete alert channel")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("alert channel %s not found", id)
	}
	return nil
}

// GetChannel loads a channel by id or name.
func (Store) GetChannel(ctx context.Context, q db.Querier, idOrName string) (*Channel, error) {
	c, err := scanChannel(q.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM alert_channels WHERE id = ? OR name = ?`, idOrName, idOrName).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("alert channel %s not found", idOrName)
	}
	return c, errors.Wrap(err, "failed to get alert channel")
}

// ListChannels returns channels by name.
func (Store) ListChannels(ctx context.Context, q db.Querier, enabledOnly bool) ([]*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM alert_channels`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list alert channels")
	}
	defer rows.Close()
	var out []*Channel
	for rows.Next() {
		c, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan alert channel")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordChannelSuccess resets the health counters and closes the circuit.
func (Store) RecordChannelSuccess(ctx context.Context, q db.Querier, id string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE alert_channels SET consecutive_failures = 0, last_success_at = ?,
			circuit_open_until = NULL, updated_at = ?
		WHERE id = ?`, now, now, id)
	return errors.Wrap(err, "failed to record channel success")
}

// RecordChannelFailure bumps consecutive_failures and returns the new count.
func (Store) RecordChannelFailure(ctx context.Context, q db.Querier, id string, now time.Time) (int, error) {
	if _, err := q.ExecContext(ctx, `
		UPDATE alert_channels SET consecutive_failures = consecutive_failures + 1, last_failure_at = ?, updated_at = ?
		WHERE id = ?`, now, now, id); err != nil {
		return 0, errors.Wrap(err, "failed to record channel failure")
	}
	var n int
	err := q.QueryRowContext(ctx, `SELECT consecutive_failures FROM alert_channels WHERE id = ?`, id).Scan(&n)
	return n, errors.Wrap(err, "failed to read channel failures")
}

// OpenCircuit sets circuit_open_until.
func (Store) OpenCircuit(ctx context.Context, q db.Querier, id string, until time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE alert_channels SET circuit_open_until = ? WHERE id = ?`, until, id)
	return errors.Wrap(err, "failed to open channel circuit")
}

// InsertDelivery writes a PENDING attempt row. It reports false when the
// (alert, channel, attempt) row already exists.
func (Store) InsertDelivery(ctx context.Context, q db.Querier, d *Delivery) (bool, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO alert_deliveries (id, alert_id, channel_id, attempt, max_attempts, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AlertID, d.ChannelID, d.Attempt, d.MaxAttempts, d.Status, d.CreatedAt)
	if db.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to insert alert delivery")
	}
	return true, nil
}

// FinishDelivery settles a PENDING attempt.
func (Store) FinishDelivery(ctx context.Context, q db.Querier, d *Delivery) error {
	var nextRetry sql.NullTime
	if d.NextRetryAt != nil {
		nextRetry = sql.NullTime{Time: *d.NextRetryAt, Valid: true}
	}
	var delivered, attempted sql.NullTime
	if d.DeliveredAt != nil {
		delivered = sql.NullTime{Time: *d.DeliveredAt, Valid: true}
	}
	if d.AttemptedAt != nil {
		attempted = sql.NullTime{Time: *d.AttemptedAt, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		UPDATE alert_deliveries SET status = ?, attempted_at = ?, delivered_at = ?, response = ?,
			error = ?, next_retry_at = ?
		WHERE id = ? AND status = 'pending'`,
		d.Status, attempted, delivered, db.NullString(d.Response), db.NullString(d.Error), nextRetry, d.ID)
	return errors.Wrap(err, "failed to settle alert delivery")
}

// ListDeliveries returns every attempt for an alert.
func (Store) ListDeliveries(ctx context.Context, q db.Querier, alertID string) ([]*Delivery, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM alert_deliveries
		WHERE alert_id = ? ORDER BY channel_id, attempt`, alertID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list alert deliveries")
	}
	return scanDeliveries(rows)
}

// FailStalePending settles attempts still PENDING that were created before
// cutoff as FAILED. Those with attempts left become due at now.
func (Store) FailStalePending(ctx context.Context, q db.Querier, cutoff, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE alert_deliveries SET status = 'failed', attempted_at = COALESCE(attempted_at, created_at),
			error = 'attempt abandoned before it settled',
			next_retry_at = CASE WHEN attempt < max_attempts THEN ? ELSE NULL END
		WHERE status = 'pending' AND created_at < ?`, now, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover stale deliveries")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "failed to count stale deliveries")
}

// DueRetries returns failed or throttled attempts whose retry time has
// come and that have no successor row yet.
func (Store) DueRetries(ctx context.Context, q db.Querier, now time.Time, limit int) ([]*Delivery, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM alert_deliveries d
		WHERE d.status IN ('failed', 'throttled')
		  AND d.next_retry_at IS NOT NULL AND d.next_retry_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM alert_deliveries n
			WHERE n.alert_id = d.alert_id AND n.channel_id = d.channel_id AND n.attempt > d.attempt)
		ORDER BY d.next_retry_at
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due deliveries")
	}
	return scanDeliveries(rows)
}

// SentRecently reports whether channelID delivered an alert with dedupKey
// at or after since.
func (Store) SentRecently(ctx context.Context, q db.Querier, channelID, dedupKey string, since time.Time) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alert_deliveries d JOIN alerts a ON a.id = d.alert_id
		WHERE d.channel_id = ? AND a.dedup_key = ? AND d.status = 'sent' AND d.delivered_at >= ?`,
		channelID, dedupKey, since).Scan(&n)
	return n > 0, errors.Wrap(err, "failed to check recent deliveries")
}

func scanAlert(scan func(dest ...interface{}) error) (*Alert, error) {
	var a Alert
	var domain, execID, runID, meta, category, dedup sql.NullString
	if err := scan(&a.ID, &a.Severity, &a.Title, &a.Message, &a.Source, &domain, &execID, &runID,
		&meta, &category, &dedup, &a.Suppressed, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Domain = domain.String
	a.ExecutionID = execID.String
	a.RunID = runID.String
	a.ErrorCategory = category.String
	a.DedupKey = dedup.String
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &a.Metadata)
	}
	return &a, nil
}

func scanChannel(scan func(dest ...interface{}) error) (*Channel, error) {
	var c Channel
	var config, domain sql.NullString
	var success, failure, open sql.NullTime
	if err := scan(&c.ID, &c.Name, &c.Type, &config, &c.MinSeverity, &domain, &c.Enabled,
		&c.ThrottleMinutes, &success, &failure, &c.ConsecutiveFailures, &open,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Config = json.RawMessage(config.String)
	c.DomainFilter = domain.String
	if success.Valid {
		c.LastSuccessAt = &success.Time
	}
	if failure.Valid {
		c.LastFailureAt = &failure.Time
	}
	if open.Valid {
		c.CircuitOpenUntil = &open.Time
	}
	return &c, nil
}

func scanDeliveries(rows *sql.Rows) ([]*Delivery, error) {
	defer rows.Close()
	var out []*Delivery
	for rows.Next() {
		var d Delivery
		var attempted, delivered, next sql.NullTime
		var response, errMsg sql.NullString
		if err := rows.Scan(&d.ID, &d.AlertID, &d.ChannelID, &d.Attempt, &d.MaxAttempts, &d.Status,
			&attempted, &delivered, &response, &errMsg, &next, &d.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan alert delivery")
		}
		if attempted.Valid {
			d.AttemptedAt = &attempted.Time
		}
		if delivered.Valid {
			d.DeliveredAt = &delivered.Time
		}
		if next.Valid {
			d.NextRetryAt = &next.Time
		}
		d.Response = response.String
		d.Error = errMsg.String
		out = append(out, &d)
	}
	return out, rows.Err()
}
