package event

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/sym"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 256

	// DefaultListLimit caps List when Filter.Limit is zero.
	DefaultListLimit = 100
	maxListLimit     = 1000
)

// Log appends and reads events.
type Log struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time

	mu          sync.RWMutex
	subscribers []chan Event
	lastSeq     int64
}

// NewLog creates an event log over db.
func NewLog(database *sql.DB, logger *zap.SugaredLogger) *Log {
	return &Log{
		db:     database,
		logger: logger.Named("event").With("symbol", sym.Event),
		now:    time.Now,
	}
}

// SetClock overrides the clock used to stamp events.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Append records ev through q, normally the caller's transaction. A second
// append with the same idempotency key returns the stored event unchanged.
func (l *Log) Append(ctx context.Context, q db.Querier, ev Event) (*Event, error) {
	if ev.OwnerID == "" || ev.Type == "" {
		return nil, errors.NewInvalidRequestError("event requires owner and type")
	}
	if ev.IdempotencyKey == "" {
		ev.IdempotencyKey = ev.defaultKey()
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	ev.CreatedAt = ev.CreatedAt.UTC()

	var payload sql.NullString
	if len(ev.Payload) > 0 {
		payload = sql.NullString{String: string(ev.Payload), Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO events (id, owner_id, step_id, event_type, payload, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		ev.ID, ev.OwnerID, db.NullString(ev.StepID), string(ev.Type), payload, ev.IdempotencyKey, ev.CreatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to append %s event for %s", ev.Type, ev.OwnerID)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		l.logger.Debugw("Duplicate event append ignored", "idempotency_key", ev.IdempotencyKey)
		return l.getByKey(ctx, q, ev.IdempotencyKey)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read event seq")
	}
	ev.Seq = seq
	return &ev, nil
}

// AppendAll appends events in order.
func (l *Log) AppendAll(ctx context.Context, q db.Querier, events ...Event) error {
	for _, ev := range events {
		if _, err := l.Append(ctx, q, ev); err != nil {
			return err
		}
	}
	return nil
}

const selectColumns = `seq, id, owner_id, step_id, event_type, payload, idempotency_key, created_at`

func scanEvent(scan func(dest ...interface{}) error) (*Event, error) {
	var (
		ev      Event
		stepID  sql.NullString
		payload sql.NullString
		typ     string
	)
	if err := scan(&ev.Seq, &ev.ID, &ev.OwnerID, &stepID, &typ, &payload, &ev.IdempotencyKey, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Type = Type(typ)
	ev.StepID = stepID.String
	if payload.Valid {
		ev.Payload = []byte(payload.String)
	}
	return &ev, nil
}

func (l *Log) getByKey(ctx context.Context, q db.Querier, key string) (*Event, error) {
	row := q.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM events WHERE idempotency_key = ?`, key)
	ev, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("event %s not found", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load event")
	}
	return ev, nil
}

// List returns events matching f in seq order.
func (l *Log) List(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "event_type IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT ` + selectColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// ForOwner returns every event of one owner.
func (l *Log) ForOwner(ctx context.Context, ownerID string) ([]Event, error) {
	return l.List(ctx, Filter{OwnerID: ownerID, Limit: maxListLimit})
}

// Subscribe returns a channel that receives events committed after the tail
// loop started. Slow subscribers miss events rather than stall the loop;
// they can catch up with List(AfterSeq).
func (l *Log) Subscribe() chan Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan Event, SubscriberChannelBufferSize)
	l.subscribers = append(l.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed.
func (l *Log) Unsubscribe(ch chan Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, sub := range l.subscribers {
		if sub == ch {
			l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
			return
		}
	}
}

// Tail polls for newly committed events and fans them out to subscribers
// until ctx is done.
func (l *Log) Tail(ctx context.Context, interval time.Duration) {
	if err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&l.lastSeq); err != nil {
		l.logger.Warnw("Event tail could not read starting seq", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.poll(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warnw("Event tail poll failed", "error", err)
			}
		}
	}
}

func (l *Log) poll(ctx context.Context) error {
	for {
		events, err := l.List(ctx, Filter{AfterSeq: l.lastSeq, Limit: maxListLimit})
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		l.mu.RLock()
		for _, ev := range events {
			l.notifySubscribers(ev)
		}
		l.mu.RUnlock()
		l.lastSeq = events[len(events)-1].Seq
		if len(events) < maxListLimit {
			return nil
		}
	}
}

// notifySubscribers requires l.mu held. Non-blocking send.
func (l *Log) notifySubscribers(ev Event) {
	for _, ch := range l.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
