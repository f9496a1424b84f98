// Package lock implements TTL-bound mutual exclusion records in SQLite.
//
// Acquisition is a single conditional upsert: the row is inserted when
// absent and overwritten only when the existing row has expired, so two
// contenders can never both observe absence. Expiry is absolute; a holder
// that outlives its TTL loses the lock and is reaped by the caller of Sweep.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/sym"
)

// Table names the columns of a lock table.
type Table struct {
	Name       string
	Key        string
	Holder     string
	AcquiredAt string
}

var (
	// ConcurrencyLocks guard executions, keyed by workflow+params fingerprint.
	ConcurrencyLocks = Table{Name: "concurrency_locks", Key: "lock_key", Holder: "holder", AcquiredAt: "acquired_at"}

	// ScheduleLocks guard schedule evaluation across scheduler instances.
	ScheduleLocks = Table{Name: "schedule_locks", Key: "schedule_id", Holder: "locked_by", AcquiredAt: "locked_at"}
)

// Lock is one lock record.
type Lock struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Live reports whether the lock is still held at now.
func (l Lock) Live(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// Manager acquires and releases locks in one table.
type Manager struct {
	db     *sql.DB
	table  Table
	logger *zap.SugaredLogger
	now    func() time.Time

	acquireSQL string
	releaseSQL string
	selectSQL  string
}

// NewManager binds a manager to table.
func NewManager(database *sql.DB, table Table, logger *zap.SugaredLogger) *Manager {
	t := table
	return &Manager{
		db:     database,
		table:  t,
		logger: logger.Named("lock").With("symbol", sym.Lock, "table", t.Name),
		now:    time.Now,
		acquireSQL: fmt.Sprintf(`
			INSERT INTO %[1]s (%[2]s, %[3]s, %[4]s, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(%[2]s) DO UPDATE SET
				%[3]s = excluded.%[3]s,
				%[4]s = excluded.%[4]s,
				expires_at = excluded.expires_at
			WHERE %[1]s.expires_at <= excluded.%[4]s`, t.Name, t.Key, t.Holder, t.AcquiredAt),
		releaseSQL: fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s = ?`, t.Name, t.Key, t.Holder),
		selectSQL:  fmt.Sprintf(`SELECT %s, %s, %s, expires_at FROM %s`, t.Key, t.Holder, t.AcquiredAt, t.Name),
	}
}

// SetClock overrides the clock used for acquisition and expiry checks.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Acquire takes key for holder until now+ttl. It returns errors.ErrLockHeld
// when another live lock exists. Re-acquiring an expired lock you held
// before is allowed; re-acquiring a live lock you hold is not.
func (m *Manager) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (*Lock, error) {
	return m.AcquireTx(ctx, m.db, key, holder, ttl)
}

// AcquireTx is Acquire through q, so the lock commits with the caller's
// transaction.
func (m *Manager) AcquireTx(ctx context.Context, q db.Querier, key, holder string, ttl time.Duration) (*Lock, error) {
	if key == "" || holder == "" {
		return nil, errors.NewInvalidRequestError("lock requires key and holder")
	}
	if ttl <= 0 {
		return nil, errors.NewInvalidRequestError("lock ttl must be positive, got %s", ttl)
	}

	now := m.now().UTC()
	l := &Lock{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}

	res, err := q.ExecContext(ctx, m.acquireSQL, l.Key, l.Holder, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire lock %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read lock result")
	}
	if n == 0 {
		err := errors.Wrapf(errors.ErrLockHeld, "lock %s", key)
		return nil, errors.WithDetail(err, fmt.Sprintf("Requested by: %s", holder))
	}

	m.logger.Debugw("Lock acquired", "lock_key", key, "holder", holder, "expires_at", l.ExpiresAt)
	return l, nil
}

// Release deletes key only if holder still owns it. It reports whether a
// row was removed; a zombie holder releasing someone else's lock gets false.
func (m *Manager) Release(ctx context.Context, key, holder string) (bool, error) {
	return m.ReleaseTx(ctx, m.db, key, holder)
}

// ReleaseTx is Release through q.
func (m *Manager) ReleaseTx(ctx context.Context, q db.Querier, key, holder string) (bool, error) {
	res, err := q.ExecContext(ctx, m.releaseSQL, key, holder)
	if err != nil {
		return false, errors.Wrapf(err, "failed to release lock %s", key)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		m.logger.Debugw("Release skipped, lock not held by caller", "lock_key", key, "holder", holder)
		return false, nil
	}
	m.logger.Debugw("Lock released", "lock_key", key, "holder", holder)
	return true, nil
}

// ExtendTx pushes the expiry of a live lock held by holder to now+ttl. It
// reports false when the lock expired or changed hands in the meantime.
func (m *Manager) ExtendTx(ctx context.Context, q db.Querier, key, holder string, ttl time.Duration) (bool, error) {
	now := m.now().UTC()
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET expires_at = ? WHERE %s = ? AND %s = ? AND expires_at > ?`, m.table.Name, m.table.Key, m.table.Holder),
		now.Add(ttl), key, holder, now)
	if err != nil {
		return false, errors.Wrapf(err, "failed to extend lock %s", key)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Sweep deletes every lock past its expiry and returns them, so the caller
// can fail their holders.
func (m *Manager) Sweep(ctx context.Context) ([]Lock, error) {
	now := m.now().UTC()
	var expired []Lock

	err := db.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, m.selectSQL+` WHERE expires_at <= ?`, now)
		if err != nil {
			return errors.Wrap(err, "failed to select expired locks")
		}
		expired, err = scanLocks(rows)
		if err != nil {
			return err
		}
		for _, l := range expired {
			// holder-qualified so a lock re-acquired since the select survives
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s = ? AND expires_at <= ?`, m.table.Name, m.table.Key, m.table.Holder),
				l.Key, l.Holder, now); err != nil {
				return errors.Wrapf(err, "failed to delete expired lock %s", l.Key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(expired) > 0 {
		m.logger.Infow("Swept expired locks", "count", len(expired))
	}
	return expired, nil
}

// Get returns the lock for key, live or expired.
func (m *Manager) Get(ctx context.Context, key string) (*Lock, error) {
	rows, err := m.db.QueryContext(ctx, m.selectSQL+fmt.Sprintf(` WHERE %s = ?`, m.table.Key), key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load lock %s", key)
	}
	locks, err := scanLocks(rows)
	if err != nil {
		return nil, err
	}
	if len(locks) == 0 {
		return nil, errors.NewNotFoundError("lock %s not found", key)
	}
	return &locks[0], nil
}

// List returns all lock rows ordered by expiry.
func (m *Manager) List(ctx context.Context) ([]Lock, error) {
	rows, err := m.db.QueryContext(ctx, m.selectSQL+` ORDER BY expires_at`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list locks")
	}
	return scanLocks(rows)
}

func scanLocks(rows *sql.Rows) ([]Lock, error) {
	defer rows.Close()
	var out []Lock
	for rows.Next() {
		var l Lock
		if err := rows.Scan(&l.Key, &l.Holder, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan lock")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
