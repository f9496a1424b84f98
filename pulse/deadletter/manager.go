package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/alert"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/event"
	"github.com/teranos/pulseline/pulse/metrics"
)

// Alerter raises alerts. *alert.Dispatcher satisfies it.
type Alerter interface {
	Raise(ctx context.Context, in alert.Input) (*alert.Alert, error)
}

// Manager parks exhausted executions and runs operator replays.
type Manager struct {
	db      *sql.DB
	store   Store
	engine  *async.Engine
	events  *event.Log
	alerter Alerter
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewManager creates a manager and subscribes it to engine outcomes. A nil
// alerter disables alerting.
func NewManager(database *sql.DB, engine *async.Engine, alerter Alerter, log *zap.SugaredLogger) *Manager {
	m := &Manager{
		db:      database,
		engine:  engine,
		events:  engine.Events(),
		alerter: alerter,
		logger:  logger.AddDeadLetterSymbol(log.Named("deadletter")),
		now:     time.Now,
	}
	engine.AddObserver(m)
	return m
}

// SetClock replaces the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// ExecutionFinished parks exhausted failures and resolves dead letters whose
// replay lineage completed.
func (m *Manager) ExecutionFinished(ctx context.Context, exec *async.Execution, outcome async.Outcome) {
	switch {
	case exec.Status == async.StatusFailed && outcome.Exhausted:
		if _, err := m.Park(ctx, exec, exhaustionReason(exec)); err != nil {
			m.logger.Errorw("Failed to park exhausted execution",
				logger.FieldExecutionID, exec.ID,
				logger.FieldLineageID, exec.LineageID,
				logger.FieldError, err)
		}
	case exec.Status == async.StatusCompleted:
		if err := m.resolveReplayed(ctx, exec); err != nil {
			m.logger.Errorw("Failed to resolve replayed dead letter",
				logger.FieldExecutionID, exec.ID,
				logger.FieldLineageID, exec.LineageID,
				logger.FieldError, err)
		}
	}
}

func exhaustionReason(exec *async.Execution) string {
	if !exec.ErrorRetryable {
		return "permanent error"
	}
	return fmt.Sprintf("retry budget exhausted after %d of %d retries", exec.RetryCount, exec.MaxRetries)
}

// Park records a terminal failure of exec's lineage. The first park of a
// lineage creates the row; later parks increment retry_count and reopen it.
func (m *Manager) Park(ctx context.Context, exec *async.Execution, reason string) (*DeadLetter, error) {
	if exec == nil || exec.ID == "" {
		return nil, errors.NewInvalidRequestError("execution is required")
	}
	now := m.now().UTC()
	lineage := exec.LineageID
	if lineage == "" {
		lineage = exec.ID
	}
	d := &DeadLetter{
		ID:              uuid.NewString(),
		ExecutionID:     exec.ID,
		LineageID:       lineage,
		Workflow:        exec.Workflow,
		WorkflowVersion: exec.WorkflowVersion,
		Params:          exec.Params,
		Lane:            exec.Lane,
		Error:           exec.Error,
		Reason:          reason,
		RetryCount:      exec.RetryCount,
		MaxRetries:      exec.MaxRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if len(d.Params) == 0 {
		d.Params = []byte(`{}`)
	}
	if exec.RetryCount > 0 || exec.Trigger == async.TriggerReplay {
		created := exec.CreatedAt.UTC()
		d.LastRetryAt = &created
	}

	var parked *DeadLetter
	err := db.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		if err := m.store.Upsert(ctx, tx, d); err != nil {
			return err
		}
		var err error
		parked, err = m.store.GetByLineage(ctx, tx, lineage)
		if err != nil {
			return err
		}
		if parked == nil {
			return errors.Newf("dead letter for lineage %s vanished", lineage)
		}
		_, err = m.events.Append(ctx, tx, event.New(parked.ID, event.DeadLetterParked, map[string]interface{}{
			"execution_id": exec.ID,
			"lineage_id":   lineage,
			"workflow":     exec.Workflow,
			"retry_count":  parked.RetryCount,
			"reason":       reason,
			"error":        exec.Error,
		}).WithKey(string(event.DeadLetterParked)+":"+parked.ID+":"+exec.ID))
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordDeadLetter(parked.Workflow)
	m.logger.Warnw("Execution parked in dead letters",
		logger.FieldDeadLetter, parked.ID,
		logger.FieldExecutionID, exec.ID,
		logger.FieldLineageID, lineage,
		logger.FieldWorkflow, parked.Workflow,
		"retry_count", parked.RetryCount,
		"reason", reason)

	m.raise(ctx, parked, exec)
	return parked, nil
}

// raise is best effort: the dead letter is authoritative whether or not the
// alert is delivered.
func (m *Manager) raise(ctx context.Context, d *DeadLetter, exec *async.Execution) {
	if m.alerter == nil {
		return
	}
	_, err := m.alerter.Raise(ctx, alert.Input{
		Severity:      alert.SeverityError,
		Title:         fmt.Sprintf("Execution of %s dead-lettered", d.Workflow),
		Message:       fmt.Sprintf("%s: %s", d.Reason, d.Error),
		Source:        "deadletter",
		Domain:        d.Workflow,
		ExecutionID:   exec.ID,
		RunID:         exec.ParentRunID,
		ErrorCategory: exec.ErrorCategory,
		DedupKey:      "deadletter:" + d.LineageID,
		Metadata: map[string]interface{}{
			"dead_letter_id": d.ID,
			"lineage_id":     d.LineageID,
			"retry_count":    d.RetryCount,
		},
	})
	if err != nil {
		m.logger.Warnw("Failed to raise dead letter alert",
			logger.FieldDeadLetter, d.ID, logger.FieldError, err)
	}
}

// Replay submits a fresh execution of the parked workflow and params into
// the same lineage. The dead letter stays open until that lineage completes.
// Replaying twice while the first replay is still active returns it.
func (m *Manager) Replay(ctx context.Context, id, actor string) (*async.Submission, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, errors.NewInvalidRequestError("actor is required to replay a dead letter")
	}
	d, err := m.store.Get(ctx, m.db, id)
	if err != nil {
		return nil, err
	}
	if d.Resolved() {
		err := errors.NewInvalidTransitionError("dead letter", id, "resolved", "replay")
		return nil, errors.WithHintf(err, "Resolved by %s", d.ResolvedBy)
	}

	sub, err := m.engine.Submit(ctx, async.SubmitRequest{
		Workflow:       d.Workflow,
		Version:        d.WorkflowVersion,
		Params:         d.Params,
		Lane:           d.Lane,
		IdempotencyKey: fmt.Sprintf("deadletter:%s:replay:%d", d.ID, d.RetryCount),
		Trigger:        async.TriggerReplay,
		CausedBy:       d.ExecutionID,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "replay of dead letter %s", id)
	}
	if sub.Existing {
		return sub, nil
	}

	now := m.now().UTC()
	err = db.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		if err := m.store.SetReplay(ctx, tx, d.ID, sub.Execution.ID, now); err != nil {
			return err
		}
		_, err := m.events.Append(ctx, tx, event.New(d.ID, event.DeadLetterReplayed, map[string]interface{}{
			"actor":               actor,
			"replay_execution_id": sub.Execution.ID,
		}).WithKey(string(event.DeadLetterReplayed)+":"+d.ID+":"+sub.Execution.ID))
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Infow("Dead letter replayed",
		logger.FieldDeadLetter, d.ID,
		logger.FieldExecutionID, sub.Execution.ID,
		"actor", actor)
	return sub, nil
}

// Resolve closes a dead letter by hand.
func (m *Manager) Resolve(ctx context.Context, id, actor, note string) (*DeadLetter, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, errors.NewInvalidRequestError("actor is required to resolve a dead letter")
	}
	return m.resolve(ctx, id, actor, strings.TrimSpace(note))
}

func (m *Manager) resolve(ctx context.Context, id, actor, note string) (*DeadLetter, error) {
	now := m.now().UTC()
	var resolved *DeadLetter
	err := db.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		ok, err := m.store.Resolve(ctx, tx, id, actor, note, now)
		if err != nil {
			return err
		}
		cur, err := m.store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(errors.ErrConflict, "dead letter %s already resolved by %s", id, cur.ResolvedBy)
		}
		resolved = cur
		_, err = m.events.Append(ctx, tx, event.New(id, event.DeadLetterResolved, map[string]interface{}{
			"actor": actor,
			"note":  note,
		}).WithKey(string(event.DeadLetterResolved)+":"+id+":"+now.Format(time.RFC3339Nano)))
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Infow("Dead letter resolved", logger.FieldDeadLetter, id, "actor", actor)
	return resolved, nil
}

func (m *Manager) resolveReplayed(ctx context.Context, exec *async.Execution) error {
	d, err := m.store.GetByLineage(ctx, m.db, exec.LineageID)
	if err != nil || d == nil {
		return err
	}
	if d.Resolved() || d.ReplayExecutionID == "" {
		return nil
	}
	_, err = m.resolve(ctx, d.ID, "replay:"+exec.ID, "replay completed")
	if errors.IsConflictError(err) {
		return nil
	}
	return err
}

// Get returns a dead letter by id.
func (m *Manager) Get(ctx context.Context, id string) (*DeadLetter, error) {
	return m.store.Get(ctx, m.db, id)
}

// List returns one page of dead letters.
func (m *Manager) List(ctx context.Context, f Filter) (*Page, error) {
	return m.store.List(ctx, m.db, f)
}
