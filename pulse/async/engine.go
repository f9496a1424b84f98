package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulseline/am"
	"github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/internal/util"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/event"
	"github.com/teranos/pulseline/pulse/lock"
	"github.com/teranos/pulseline/pulse/metrics"
)

const (
	// claimBatch is how many candidates one Claim call considers before
	// reporting that nothing is claimable.
	claimBatch = 16

	// maxLineageDepth bounds the parent/caused_by walk during admission.
	maxLineageDepth = 64

	maxErrorLength = 4096
)

// Policy holds the hot-reloadable retry and lease settings.
type Policy struct {
	MaxRetries int
	Backoff    BackoffPolicy
	LeaseTTL   time.Duration
}

// DefaultPolicy is used until SetPolicy is called.
var DefaultPolicy = Policy{MaxRetries: 3, Backoff: DefaultBackoff, LeaseTTL: 5 * time.Minute}

// PolicyFromConfig reads the retry and worker sections.
func PolicyFromConfig(cfg *am.Config) Policy {
	return Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		Backoff: BackoffPolicy{
			Base:   cfg.Retry.Base(),
			Factor: cfg.Retry.Factor,
			Max:    cfg.Retry.Max(),
			Jitter: cfg.Retry.Jitter,
		},
		LeaseTTL: cfg.Worker.Lease(),
	}
}

// Outcome describes what a terminal transition means for the lineage.
type Outcome struct {
	// Retry is the PENDING execution scheduled to replace a failed one.
	Retry *Execution
	// Exhausted is true when a failure is final: not retryable, or out of
	// budget. Dead-letter routing keys on it.
	Exhausted bool
}

// Observer is told about every execution that reaches a terminal status,
// after the transition has committed.
type Observer interface {
	ExecutionFinished(ctx context.Context, exec *Execution, outcome Outcome)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, exec *Execution, outcome Outcome)

// ExecutionFinished implements Observer.
func (f ObserverFunc) ExecutionFinished(ctx context.Context, exec *Execution, outcome Outcome) {
	f(ctx, exec, outcome)
}

// ClaimRequest asks for the next claimable execution.
type ClaimRequest struct {
	WorkerID string
	Lanes    []string      // empty means all lanes
	LeaseTTL time.Duration // zero uses the policy lease
}

// Engine is the execution state machine. All transitions are conditional
// updates inside a transaction that also appends the matching event, so a
// lost race shows up as zero rows affected rather than a double transition.
type Engine struct {
	db       *sql.DB
	store    *Store
	registry *Registry
	locks    *lock.Manager
	events   *event.Log
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu        sync.RWMutex
	policy    Policy
	observers []Observer
}

// NewEngine wires the execution engine. locks must be bound to
// lock.ConcurrencyLocks.
func NewEngine(database *sql.DB, registry *Registry, locks *lock.Manager, events *event.Log, log *zap.SugaredLogger) *Engine {
	return &Engine{
		db:       database,
		store:    NewStore(database),
		registry: registry,
		locks:    locks,
		events:   events,
		logger:   logger.AddPulseSymbol(log.Named("pulse.engine")),
		now:      time.Now,
		policy:   DefaultPolicy,
	}
}

// SetClock overrides the clock used for timestamps and availability.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetPolicy swaps the retry policy; in-flight executions keep the
// max_retries they were admitted with.
func (e *Engine) SetPolicy(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
	e.logger.Infow("Execution policy updated",
		"max_retries", p.MaxRetries,
		"backoff_base", p.Backoff.Base,
		"backoff_max", p.Backoff.Max,
		"lease_ttl", p.LeaseTTL)
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// AddObserver registers o for terminal transitions.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// Registry returns the handler registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Store returns the execution store.
func (e *Engine) Store() *Store {
	return e.store
}

// Events returns the event log.
func (e *Engine) Events() *event.Log {
	return e.events
}

// Submit admits a new execution or returns the active one already holding
// the idempotency key. Admission errors are returned before anything is
// written.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if strings.TrimSpace(req.Workflow) == "" {
		return nil, errors.NewInvalidRequestError("workflow is required")
	}
	h, err := e.registry.Resolve(req.Workflow, req.Version)
	if err != nil {
		return nil, err
	}
	params, err := NormalizeParams(req.Params)
	if err != nil {
		return nil, err
	}

	policy := e.Policy()
	maxRetries := policy.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, errors.NewInvalidRequestError("max_retries must be >= 0, got %d", *req.MaxRetries)
		}
		maxRetries = *req.MaxRetries
	}
	lane := util.FirstNonEmpty(strings.TrimSpace(req.Lane), DefaultLane)
	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerAPI
	}

	now := e.now().UTC()
	exec := &Execution{
		ID:                newExecutionID(h.Name(), lane, trigger),
		Workflow:          h.Name(),
		WorkflowVersion:   h.Version(),
		Params:            params,
		Lane:              lane,
		Priority:          req.Priority,
		Trigger:           trigger,
		LogicalKey:        Fingerprint(h.Name(), params),
		IdempotencyKey:    strings.TrimSpace(req.IdempotencyKey),
		Status:            StatusPending,
		ParentExecutionID: req.ParentExecutionID,
		ParentRunID:       req.ParentRunID,
		CausedBy:          req.CausedBy,
		MaxRetries:        maxRetries,
		AvailableAt:       now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if exec.IdempotencyKey == "" {
		exec.IdempotencyKey = "auto:" + exec.ID
	}
	exec.LineageID = exec.ID
	if req.NotBefore != nil && req.NotBefore.After(now) {
		exec.AvailableAt = req.NotBefore.UTC()
	}

	if req.DryRun {
		if err := e.resolveLineage(ctx, e.db, exec); err != nil {
			return nil, err
		}
		return &Submission{Execution: exec, DryRun: true}, nil
	}

	var sub *Submission
	err = db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		existing, err := e.store.FindActiveByKey(ctx, tx, exec.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			sub = &Submission{Execution: existing, Existing: true}
			return nil
		}
		if err := e.resolveLineage(ctx, tx, exec); err != nil {
			return err
		}
		stored, inserted, err := e.insert(ctx, tx, exec)
		if err != nil {
			return err
		}
		sub = &Submission{Execution: stored, Existing: !inserted}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordSubmitted(sub.Execution.Workflow, sub.Existing)
	if sub.Existing {
		e.logger.Debugw("Submission deduplicated",
			logger.FieldExecutionID, sub.Execution.ID,
			"idempotency_key", sub.Execution.IdempotencyKey)
	} else {
		e.logger.Infow("Execution submitted",
			logger.FieldExecutionID, exec.ID,
			logger.FieldWorkflow, exec.Workflow,
			logger.FieldVersion, exec.WorkflowVersion,
			logger.FieldLane, exec.Lane,
			"trigger", exec.Trigger)
	}
	return sub, nil
}

// insert writes exec and its created event. When the partial unique index
// rejects it, the active holder of the key is returned instead.
func (e *Engine) insert(ctx context.Context, tx *sql.Tx, exec *Execution) (*Execution, bool, error) {
	inserted, err := e.store.Insert(ctx, tx, exec)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := e.store.FindActiveByKey(ctx, tx, exec.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, errors.Wrapf(errors.ErrConflict, "execution %s could not be inserted", exec.ID)
		}
		return existing, false, nil
	}

	_, err = e.events.Append(ctx, tx, event.New(exec.ID, event.ExecutionCreated, map[string]interface{}{
		"workflow":        exec.Workflow,
		"version":         exec.WorkflowVersion,
		"lane":            exec.Lane,
		"trigger_source":  exec.Trigger,
		"lineage_id":      exec.LineageID,
		"caused_by":       exec.CausedBy,
		"retry_count":     exec.RetryCount,
		"available_at":    exec.AvailableAt,
		"idempotency_key": exec.IdempotencyKey,
	}))
	if err != nil {
		return nil, false, err
	}
	return exec, true, nil
}

// resolveLineage validates the references of a new execution and adopts the
// lineage of the execution it was caused by.
func (e *Engine) resolveLineage(ctx context.Context, q db.Querier, exec *Execution) error {
	if exec.CausedBy != "" {
		cause, err := e.store.Get(ctx, q, exec.CausedBy)
		if err != nil {
			if errors.IsNotFoundError(err) {
				return errors.NewInvalidRequestError("caused_by execution %s does not exist", exec.CausedBy)
			}
			return err
		}
		exec.LineageID = cause.LineageID
	}
	if exec.ParentExecutionID == "" {
		return nil
	}

	seen := map[string]bool{exec.ID: true}
	cur := exec.ParentExecutionID
	for depth := 0; cur != ""; depth++ {
		if depth >= maxLineageDepth {
			return errors.NewInvalidRequestError("parent chain of %s exceeds %d levels", exec.ID, maxLineageDepth)
		}
		if seen[cur] {
			return errors.NewInvalidRequestError("parent chain of %s contains a cycle at %s", exec.ID, cur)
		}
		seen[cur] = true

		parent, err := e.store.Get(ctx, q, cur)
		if err != nil {
			if errors.IsNotFoundError(err) {
				return errors.NewInvalidRequestError("parent execution %s does not exist", cur)
			}
			return err
		}
		cur = parent.ParentExecutionID
	}
	return nil
}

var errClaimRaced = errors.New("claim raced")

// Claim hands the next claimable execution to req.WorkerID, or returns nil
// when there is none. A candidate whose concurrency lock is held by another
// execution with the same fingerprint stays PENDING.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (*Execution, error) {
	if req.WorkerID == "" {
		return nil, errors.NewInvalidRequestError("claim requires a worker id")
	}
	ttl := req.LeaseTTL
	if ttl <= 0 {
		ttl = e.Policy().LeaseTTL
	}

	now := e.now().UTC()
	candidates, err := e.store.ListClaimable(ctx, e.db, req.Lanes, now, claimBatch)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		var claimed *Execution
		err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
			if _, err := e.locks.AcquireTx(ctx, tx, c.LogicalKey, c.ID, ttl); err != nil {
				return err
			}
			ok, err := e.store.MarkRunning(ctx, tx, c.ID, req.WorkerID, now, now.Add(ttl))
			if err != nil {
				return err
			}
			if !ok {
				return errClaimRaced
			}
			if _, err := e.events.Append(ctx, tx, event.New(c.ID, event.ExecutionStarted, map[string]interface{}{
				"worker_id": req.WorkerID,
				"attempt":   c.Attempt(),
				"lock_key":  c.LogicalKey,
			})); err != nil {
				return err
			}
			claimed, err = e.store.Get(ctx, tx, c.ID)
			return err
		})
		switch {
		case errors.Is(err, errors.ErrLockHeld):
			metrics.RecordClaimContention()
			e.logger.Debugw("Concurrency lock held, leaving execution pending",
				logger.FieldExecutionID, c.ID,
				logger.FieldLockKey, c.LogicalKey)
			continue
		case errors.Is(err, errClaimRaced):
			continue
		case err != nil:
			return nil, errors.Wrapf(err, "failed to claim execution %s", c.ID)
		}

		e.logger.Debugw("Execution claimed",
			logger.FieldExecutionID, claimed.ID,
			logger.FieldWorkerID, req.WorkerID,
			logger.FieldAttempt, claimed.Attempt())
		return claimed, nil
	}
	return nil, nil
}

// Heartbeat extends the lease and lock of a RUNNING execution held by
// workerID and returns its current status. A status other than RUNNING
// tells the worker to stop.
func (e *Engine) Heartbeat(ctx context.Context, id, workerID string) (Status, error) {
	ttl := e.Policy().LeaseTTL
	now := e.now().UTC()

	var status Status
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		cur, err := e.store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		status = cur.Status
		if cur.Status != StatusRunning || cur.LockedBy != workerID {
			return nil
		}
		held, err := e.locks.ExtendTx(ctx, tx, cur.LogicalKey, cur.ID, ttl)
		if err != nil {
			return err
		}
		if !held {
			// lock lost: leave the lease alone so the reaper fails it
			return nil
		}
		_, err = e.store.ExtendLease(ctx, tx, id, workerID, now.Add(ttl), now)
		return err
	})
	return status, err
}

// Complete moves a RUNNING execution to COMPLETED.
func (e *Engine) Complete(ctx context.Context, id string, result json.RawMessage) (*Execution, error) {
	if len(result) > 0 && !json.Valid(result) {
		wrapped, _ := json.Marshal(string(result))
		result = wrapped
	}
	now := e.now().UTC()

	var done *Execution
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		ok, err := e.store.MarkCompleted(ctx, tx, id, result, now)
		if err != nil {
			return err
		}
		if !ok {
			return e.transitionError(ctx, tx, id, StatusCompleted)
		}
		done, err = e.store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := e.locks.ReleaseTx(ctx, tx, done.LogicalKey, done.ID); err != nil {
			return err
		}
		_, err = e.events.Append(ctx, tx, event.New(id, event.ExecutionCompleted, map[string]interface{}{
			"duration_ms": done.Duration().Milliseconds(),
		}))
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordFinished(done.Workflow, string(StatusCompleted), done.Duration())
	e.logger.Infow("Execution completed",
		logger.FieldExecutionID, id,
		logger.FieldWorkflow, done.Workflow,
		logger.FieldDurationMS, done.Duration().Milliseconds())
	e.notify(ctx, done, Outcome{})
	return done, nil
}

// Fail moves a RUNNING execution to FAILED. When retryable and budget
// remains, a new PENDING execution joins the lineage after the backoff
// delay; otherwise the failure is final and Outcome.Exhausted is set.
func (e *Engine) Fail(ctx context.Context, id string, cause error, retryable bool) (*Execution, Outcome, error) {
	return e.fail(ctx, id, cause, retryable)
}

func (e *Engine) fail(ctx context.Context, id string, cause error, retryable bool, extra ...event.Event) (*Execution, Outcome, error) {
	ec := ClassifyError("execute", cause)
	ec.Retryable = retryable
	ec.Message = util.Truncate(ec.Message, maxErrorLength)
	if cause == nil {
		ec.Message = "execution failed without an error"
	}

	policy := e.Policy()
	now := e.now().UTC()

	var failed *Execution
	var outcome Outcome
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		ok, err := e.store.MarkFailed(ctx, tx, id, ec, now)
		if err != nil {
			return err
		}
		if !ok {
			return e.transitionError(ctx, tx, id, StatusFailed)
		}
		failed, err = e.store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := e.locks.ReleaseTx(ctx, tx, failed.LogicalKey, failed.ID); err != nil {
			return err
		}
		if err := e.events.AppendAll(ctx, tx, extra...); err != nil {
			return err
		}
		if _, err := e.events.Append(ctx, tx, event.New(id, event.ExecutionFailed, map[string]interface{}{
			"error":       ec.Message,
			"retryable":   ec.Retryable,
			"category":    ec.Code,
			"attempt":     failed.Attempt(),
			"max_retries": failed.MaxRetries,
		})); err != nil {
			return err
		}

		if !retryable || !failed.RetriesLeft() {
			outcome.Exhausted = true
			return nil
		}

		retry := &Execution{
			ID:                newExecutionID(failed.Workflow, failed.Lane, TriggerRetry),
			Workflow:          failed.Workflow,
			WorkflowVersion:   failed.WorkflowVersion,
			Params:            failed.Params,
			Lane:              failed.Lane,
			Priority:          failed.Priority,
			Trigger:           TriggerRetry,
			LogicalKey:        failed.LogicalKey,
			IdempotencyKey:    failed.IdempotencyKey,
			Status:            StatusPending,
			ParentExecutionID: failed.ParentExecutionID,
			ParentRunID:       failed.ParentRunID,
			LineageID:         failed.LineageID,
			CausedBy:          failed.ID,
			RetryCount:        failed.RetryCount + 1,
			MaxRetries:        failed.MaxRetries,
			AvailableAt:       now.Add(policy.Backoff.Delay(failed.RetryCount)),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		stored, _, err := e.insert(ctx, tx, retry)
		if err != nil {
			return err
		}
		outcome.Retry = stored
		_, err = e.events.Append(ctx, tx, event.New(id, event.ExecutionRetryScheduled, map[string]interface{}{
			"retry_execution_id": stored.ID,
			"retry_count":        stored.RetryCount,
			"available_at":       stored.AvailableAt,
		}))
		return err
	})
	if err != nil {
		return nil, Outcome{}, err
	}

	metrics.RecordFinished(failed.Workflow, string(StatusFailed), failed.Duration())
	if outcome.Retry != nil {
		e.logger.Infow("Execution failed, retry scheduled",
			logger.FieldExecutionID, id,
			logger.FieldWorkflow, failed.Workflow,
			logger.FieldAttempt, failed.Attempt(),
			"retry_execution_id", outcome.Retry.ID,
			"available_at", outcome.Retry.AvailableAt,
			logger.FieldError, ec.Message)
	} else {
		e.logger.Warnw("Execution failed",
			logger.FieldExecutionID, id,
			logger.FieldWorkflow, failed.Workflow,
			logger.FieldAttempt, failed.Attempt(),
			logger.FieldRetryable, ec.Retryable,
			"category", ec.Code,
			logger.FieldError, ec.Message)
	}
	e.notify(ctx, failed, outcome)
	return failed, outcome, nil
}

// Cancel moves a PENDING or RUNNING execution to CANCELLED. Cancelling a
// cancelled execution is a no-op; cancelling a completed or failed one is
// an invalid transition.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*Execution, error) {
	now := e.now().UTC()

	var cancelled *Execution
	var changed bool
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		cur, err := e.store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		switch cur.Status {
		case StatusCancelled:
			cancelled = cur
			return nil
		case StatusCompleted, StatusFailed:
			return errors.NewInvalidTransitionError("execution", id, string(cur.Status), string(StatusCancelled))
		}

		ok, err := e.store.MarkCancelled(ctx, tx, id, reason, now)
		if err != nil {
			return err
		}
		if !ok {
			return e.transitionError(ctx, tx, id, StatusCancelled)
		}
		if cur.Status == StatusRunning {
			if _, err := e.locks.ReleaseTx(ctx, tx, cur.LogicalKey, cur.ID); err != nil {
				return err
			}
		}
		if _, err := e.events.Append(ctx, tx, event.New(id, event.ExecutionCancelled, map[string]interface{}{
			"reason": reason,
			"from":   cur.Status,
		})); err != nil {
			return err
		}
		changed = true
		cancelled, err = e.store.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.RecordFinished(cancelled.Workflow, string(StatusCancelled), cancelled.Duration())
		e.logger.Infow("Execution cancelled",
			logger.FieldExecutionID, id,
			logger.FieldWorkflow, cancelled.Workflow,
			"reason", reason)
		e.notify(ctx, cancelled, Outcome{})
	}
	return cancelled, nil
}

// Retry resubmits a FAILED or CANCELLED execution under a new idempotency
// key derived from the old one. The new execution joins the same lineage
// with a fresh retry budget.
func (e *Engine) Retry(ctx context.Context, id string) (*Submission, error) {
	cur, err := e.store.Get(ctx, e.db, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusFailed && cur.Status != StatusCancelled {
		err := errors.NewInvalidTransitionError("execution", id, string(cur.Status), "retry")
		return nil, errors.WithHint(err, "Only failed or cancelled executions can be retried")
	}
	return e.Submit(ctx, SubmitRequest{
		Workflow:          cur.Workflow,
		Version:           cur.WorkflowVersion,
		Params:            cur.Params,
		Lane:              cur.Lane,
		Priority:          cur.Priority,
		IdempotencyKey:    cur.IdempotencyKey + ":retry:" + cur.ID,
		Trigger:           TriggerManual,
		ParentExecutionID: cur.ParentExecutionID,
		ParentRunID:       cur.ParentRunID,
		CausedBy:          cur.ID,
	})
}

// Get returns an execution by id.
func (e *Engine) Get(ctx context.Context, id string) (*Execution, error) {
	return e.store.Get(ctx, e.db, id)
}

// List returns one page of executions.
func (e *Engine) List(ctx context.Context, f Filter) (*Page, error) {
	return e.store.List(ctx, e.db, f)
}

// Lineage returns every execution sharing lineageID, oldest first.
func (e *Engine) Lineage(ctx context.Context, lineageID string) ([]*Execution, error) {
	return e.store.ListLineage(ctx, e.db, lineageID)
}

// transitionError explains why a conditional update matched no row.
func (e *Engine) transitionError(ctx context.Context, q db.Querier, id string, to Status) error {
	cur, err := e.store.Get(ctx, q, id)
	if err != nil {
		return err
	}
	return errors.NewInvalidTransitionError("execution", id, string(cur.Status), string(to))
}

func (e *Engine) notify(ctx context.Context, exec *Execution, outcome Outcome) {
	e.mu.RLock()
	observers := append([]Observer(nil), e.observers...)
	e.mu.RUnlock()

	for _, o := range observers {
		o.ExecutionFinished(ctx, exec, outcome)
	}
}
