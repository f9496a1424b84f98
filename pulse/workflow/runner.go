package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/internal/util"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/event"
)

// RunObserver is told when a run reaches a terminal status.
type RunObserver interface {
	RunFinished(ctx context.Context, run *Run)
}

// RunObserverFunc adapts a function to RunObserver.
type RunObserverFunc func(ctx context.Context, run *Run)

// RunFinished calls f.
func (f RunObserverFunc) RunFinished(ctx context.Context, run *Run) {
	f(ctx, run)
}

// Runner starts runs and drives them step by step. Task steps hand their
// body to the execution engine; the runner observes those executions and
// resumes the run when they settle.
type Runner struct {
	db     *sql.DB
	store  Store
	defs   *Registry
	engine *async.Engine
	events *event.Log
	logger *zap.SugaredLogger
	now    func() time.Time

	mu        sync.Mutex
	runLocks  map[string]*sync.Mutex
	inflight  map[string]context.CancelFunc
	observers []RunObserver
}

// NewRunner creates a runner and registers it as an observer of engine.
func NewRunner(database *sql.DB, defs *Registry, engine *async.Engine, log *zap.SugaredLogger) *Runner {
	r := &Runner{
		db:       database,
		defs:     defs,
		engine:   engine,
		events:   engine.Events(),
		logger:   log.Named("workflow"),
		now:      time.Now,
		runLocks: make(map[string]*sync.Mutex),
		inflight: make(map[string]context.CancelFunc),
	}
	engine.AddObserver(r)
	return r
}

// SetClock replaces the time source. Tests only.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// AddObserver registers o for run completion.
func (r *Runner) AddObserver(o RunObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Definitions returns the definition registry.
func (r *Runner) Definitions() *Registry {
	return r.defs
}

// Start creates a PENDING run, or returns the active run holding the same
// idempotency key, then advances it as far as it can go without waiting.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*Started, error) {
	if strings.TrimSpace(req.Workflow) == "" {
		return nil, errors.NewInvalidRequestError("workflow is required")
	}
	def, err := r.defs.Resolve(req.Workflow, req.Version)
	if err != nil {
		return nil, err
	}
	params, err := async.NormalizeParams(req.Params)
	if err != nil {
		return nil, err
	}
	lane := util.FirstNonEmpty(strings.TrimSpace(req.Lane), async.DefaultLane)
	trigger := req.Trigger
	if trigger == "" {
		trigger = async.TriggerAPI
	}

	now := r.now().UTC()
	run := &Run{
		ID:              newRunID(def.Name, lane),
		Workflow:        def.Name,
		WorkflowVersion: def.Version,
		Params:          params,
		Lane:            lane,
		Priority:        req.Priority,
		Trigger:         trigger,
		IdempotencyKey:  strings.TrimSpace(req.IdempotencyKey),
		FailurePolicy:   def.policy(),
		Status:          async.StatusPending,
		StepsTotal:      len(def.Steps),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if run.IdempotencyKey == "" {
		run.IdempotencyKey = "auto:" + run.ID
	}
	for i, sd := range def.Steps {
		run.Steps = append(run.Steps, &Step{
			ID:          newStepID(),
			RunID:       run.ID,
			Name:        sd.Name,
			Type:        sd.Type,
			Order:       i,
			Status:      StepPending,
			MaxAttempts: sd.maxAttempts(),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	var started *Started
	err = db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		existing, err := r.store.FindActiveRunByKey(ctx, tx, run.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			started = &Started{Run: existing, Existing: true}
			return nil
		}
		inserted, err := r.store.InsertRun(ctx, tx, run)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := r.store.FindActiveRunByKey(ctx, tx, run.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing == nil {
				return errors.Wrapf(errors.ErrConflict, "run %s could not be inserted", run.ID)
			}
			started = &Started{Run: existing, Existing: true}
			return nil
		}
		_, err = r.events.Append(ctx, tx, event.New(run.ID, event.RunCreated, map[string]interface{}{
			"workflow":        run.Workflow,
			"version":         run.WorkflowVersion,
			"steps":           len(run.Steps),
			"failure_policy":  run.FailurePolicy,
			"trigger_source":  run.Trigger,
			"idempotency_key": run.IdempotencyKey,
		}))
		if err != nil {
			return err
		}
		started = &Started{Run: run}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if started.Existing {
		r.logger.Debugw("Run start deduplicated", logger.FieldRunID, started.Run.ID)
		return started, nil
	}

	r.logger.Infow("Run created",
		logger.FieldRunID, run.ID,
		logger.FieldWorkflow, run.Workflow,
		logger.FieldVersion, run.WorkflowVersion,
		"steps", len(run.Steps))

	advanced, err := r.Advance(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	started.Run = advanced
	return started, nil
}

// Get returns a run with its steps.
func (r *Runner) Get(ctx context.Context, runID string) (*Run, error) {
	return r.store.GetRun(ctx, r.db, runID)
}

// List returns one page of runs.
func (r *Runner) List(ctx context.Context, f Filter) (*Page, error) {
	return r.store.ListRuns(ctx, r.db, f)
}

// Cancel moves a PENDING or RUNNING run to CANCELLED. Unsettled steps are
// cancelled, an in-flight inline step sees its context cancelled, and a
// task step's execution is cancelled through the engine. Cancelling a
// cancelled run is a no-op.
func (r *Runner) Cancel(ctx context.Context, runID, reason string) (*Run, error) {
	now := r.now().UTC()
	var execs []string
	var changed bool

	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		cur, err := r.store.GetRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case async.StatusCancelled:
			return nil
		case async.StatusCompleted, async.StatusFailed:
			return errors.NewInvalidTransitionError("run", runID, string(cur.Status), string(async.StatusCancelled))
		}

		cur.Status = async.StatusCancelled
		cur.Error = reason
		ok, err := r.store.FinishRun(ctx, tx, cur, now)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewInvalidTransitionError("run", runID, "terminal", string(async.StatusCancelled))
		}

		var evs []event.Event
		for _, st := range cur.Steps {
			if st.Status.Settled() {
				continue
			}
			if _, err := r.store.FinishStep(ctx, tx, st.ID, StepCancelled, nil, reason, now); err != nil {
				return err
			}
			if st.Status == StepRunning && st.ExecutionID != "" {
				execs = append(execs, st.ExecutionID)
			}
			evs = append(evs, event.New(runID, event.StepCancelled, map[string]interface{}{
				"name": st.Name, "reason": reason,
			}).ForStep(st.ID))
		}
		if err := r.store.RefreshCounters(ctx, tx, runID, now); err != nil {
			return err
		}
		evs = append(evs, event.New(runID, event.RunCancelled, map[string]interface{}{"reason": reason}))
		if err := r.events.AppendAll(ctx, tx, evs...); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		r.mu.Lock()
		if cancel, ok := r.inflight[runID]; ok {
			cancel()
		}
		r.mu.Unlock()

		for _, execID := range execs {
			if _, err := r.engine.Cancel(ctx, execID, "run cancelled: "+reason); err != nil && !errors.IsConflictError(err) {
				r.logger.Warnw("Failed to cancel step execution",
					logger.FieldRunID, runID, logger.FieldExecutionID, execID, logger.FieldError, err)
			}
		}
		r.logger.Infow("Run cancelled", logger.FieldRunID, runID, "reason", reason)
	}

	run, err := r.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if changed {
		r.notify(ctx, run)
	}
	return run, nil
}

// Resume advances every active run. Called at startup to pick up runs whose
// process died between steps.
func (r *Runner) Resume(ctx context.Context) (int, error) {
	ids, err := r.store.ListActiveRunIDs(ctx, r.db)
	if err != nil {
		return 0, err
	}
	for _, runID := range ids {
		if _, err := r.Advance(ctx, runID); err != nil {
			r.logger.Warnw("Failed to resume run", logger.FieldRunID, runID, logger.FieldError, err)
		}
	}
	return len(ids), nil
}

// ExecutionFinished resumes the run owning a task step's execution.
func (r *Runner) ExecutionFinished(ctx context.Context, exec *async.Execution, outcome async.Outcome) {
	if exec.ParentRunID == "" {
		return
	}
	if _, err := r.Advance(ctx, exec.ParentRunID); err != nil && !errors.IsNotFoundError(err) {
		r.logger.Warnw("Failed to advance run after execution settled",
			logger.FieldRunID, exec.ParentRunID,
			logger.FieldExecutionID, exec.ID,
			logger.FieldError, err)
	}
}

// Advance drives a run forward: steps run in order until one must wait on
// an execution or the run settles. Calls for the same run are serialized.
func (r *Runner) Advance(ctx context.Context, runID string) (*Run, error) {
	var orphans []string
	run, err := r.advance(ctx, runID, &orphans)

	// Cancelling notifies engine observers, this runner included, so it
	// happens only once the run lock is released.
	for _, execID := range orphans {
		if _, cerr := r.engine.Cancel(ctx, execID, "run no longer active"); cerr != nil && !errors.IsConflictError(cerr) {
			r.logger.Warnw("Failed to cancel orphaned step execution",
				logger.FieldRunID, runID, logger.FieldExecutionID, execID, logger.FieldError, cerr)
			if err == nil {
				err = cerr
			}
		}
	}
	return run, err
}

// advance holds the run lock. Executions submitted for a run that stopped
// being active are appended to orphans for the caller to cancel.
func (r *Runner) advance(ctx context.Context, runID string, orphans *[]string) (*Run, error) {
	mu := r.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	for {
		run, err := r.store.GetRun(ctx, r.db, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		if run.Status == async.StatusPending {
			if err := r.markStarted(ctx, run); err != nil {
				return nil, err
			}
			continue
		}

		def, err := r.defs.Resolve(run.Workflow, run.WorkflowVersion)
		if err != nil {
			return r.finish(ctx, run, async.ClassifyError("resolve", async.Permanent(err)))
		}
		if len(def.Steps) != len(run.Steps) {
			err := errors.Newf("definition %s@%s has %d steps, run has %d",
				def.Name, def.Version, len(def.Steps), len(run.Steps))
			return r.finish(ctx, run, async.ClassifyError("resolve", async.Permanent(err)))
		}

		next := nextStep(run)
		if next == nil {
			return r.finish(ctx, run, async.ErrorContext{})
		}
		if run.FailurePolicy == PolicyStop && hasFailure(run) {
			return r.finish(ctx, run, async.ErrorContext{})
		}

		sd := def.Steps[next.Order]
		wait, err := r.runStep(ctx, run, next, sd, orphans)
		if err != nil {
			return nil, err
		}
		if wait {
			return r.store.GetRun(ctx, r.db, runID)
		}
	}
}

func (r *Runner) runLock(runID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.runLocks[runID]
	if !ok {
		mu = &sync.Mutex{}
		r.runLocks[runID] = mu
	}
	return mu
}

func (r *Runner) markStarted(ctx context.Context, run *Run) error {
	now := r.now().UTC()
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		ok, err := r.store.StartRun(ctx, tx, run.ID, now)
		if err != nil || !ok {
			return err
		}
		_, err = r.events.Append(ctx, tx, event.New(run.ID, event.RunStarted, map[string]interface{}{
			"workflow": run.Workflow,
		}))
		return err
	})
}

// nextStep returns the first unsettled step in order, or nil.
func nextStep(run *Run) *Step {
	for _, st := range run.Steps {
		if !st.Status.Settled() {
			return st
		}
	}
	return nil
}

func hasFailure(run *Run) bool {
	for _, st := range run.Steps {
		if st.Status == StepFailed || st.Status == StepCancelled {
			return true
		}
	}
	return false
}

// runStep executes one step. It reports wait=true when the step is handed
// to an execution that has not settled yet.
func (r *Runner) runStep(ctx context.Context, run *Run, st *Step, sd StepDef, orphans *[]string) (bool, error) {
	if sd.Type == StepTask {
		return r.runTask(ctx, run, st, sd, orphans)
	}

	sc := StepContext{
		RunID:    run.ID,
		StepID:   st.ID,
		StepName: st.Name,
		Params:   run.Params,
		Outputs:  completedOutputs(run),
	}

	for attempt := st.Attempt + 1; ; attempt++ {
		ok, err := r.startStep(ctx, run, st, attempt, "")
		if err != nil || !ok {
			return false, err
		}
		sc.Attempt = attempt

		stepCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.inflight[run.ID] = cancel
		r.mu.Unlock()

		out, skipRest, stepErr := r.invoke(stepCtx, sd, sc)

		cancel()
		r.mu.Lock()
		delete(r.inflight, run.ID)
		r.mu.Unlock()

		if stepErr == nil {
			return false, r.settleStep(ctx, run, st, StepCompleted, out, async.ErrorContext{}, skipRest)
		}

		ec := async.ClassifyError("step", stepErr)
		if ec.Retryable && attempt < st.MaxAttempts && ctx.Err() == nil {
			r.logger.Infow("Step failed, retrying inline",
				logger.FieldRunID, run.ID,
				logger.FieldStepID, st.ID,
				logger.FieldAttempt, attempt,
				logger.FieldError, ec.Message)
			continue
		}
		return false, r.settleStep(ctx, run, st, StepFailed, nil, ec, false)
	}
}

// invoke runs an inline step body. skipRest is set by a false condition.
func (r *Runner) invoke(ctx context.Context, sd StepDef, sc StepContext) (out json.RawMessage, skipRest bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = async.Permanent(errors.WithDetail(errors.Newf("step panicked: %v", p), string(debug.Stack())))
		}
	}()

	switch sd.Type {
	case StepOperation:
		out, err = sd.Operation(ctx, sc)
		return out, false, err

	case StepCondition:
		pass, err := sd.Condition(ctx, sc)
		if err != nil {
			return nil, false, err
		}
		out, _ = json.Marshal(map[string]bool{"result": pass})
		return out, !pass, nil

	case StepParallel:
		results := make([]json.RawMessage, len(sd.Branches))
		g, gctx := errgroup.WithContext(ctx)
		for i, b := range sd.Branches {
			i, b := i, b
			g.Go(func() (err error) {
				defer func() {
					if p := recover(); p != nil {
						err = async.Permanent(errors.Newf("branch %s panicked: %v", b.Name, p))
					}
				}()
				res, err := b.Run(gctx, sc)
				if err != nil {
					return errors.Wrapf(err, "branch %s", b.Name)
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, false, err
		}
		merged := make(map[string]json.RawMessage, len(sd.Branches))
		for i, b := range sd.Branches {
			merged[b.Name] = jsonOrNull(results[i])
		}
		out, err = json.Marshal(merged)
		return out, false, err
	}
	return nil, false, async.Permanent(errors.Newf("step type %s cannot run inline", sd.Type))
}

// runTask follows the execution behind a task step, submitting it on first
// visit and reconciling with its current status afterwards.
func (r *Runner) runTask(ctx context.Context, run *Run, st *Step, sd StepDef, orphans *[]string) (bool, error) {
	if st.Status == StepRunning && st.ExecutionID != "" {
		exec, err := r.followLineage(ctx, st.ExecutionID)
		if err != nil {
			return false, err
		}
		switch exec.Status {
		case async.StatusCompleted:
			return false, r.settleStep(ctx, run, st, StepCompleted, exec.Result, async.ErrorContext{}, false)
		case async.StatusFailed:
			return false, r.settleStep(ctx, run, st, StepFailed, nil, async.ErrorContext{
				Stage:     "task",
				Code:      async.ErrorCode(util.FirstNonEmpty(exec.ErrorCategory, string(async.ErrorCodeUnknown))),
				Message:   exec.Error,
				Retryable: exec.ErrorRetryable,
			}, false)
		case async.StatusCancelled:
			return false, r.settleStep(ctx, run, st, StepCancelled, nil, async.ErrorContext{
				Stage:   "task",
				Code:    async.ErrorCodeCancelled,
				Message: util.FirstNonEmpty(exec.CancelReason, "execution cancelled"),
			}, false)
		}
		if exec.ID != st.ExecutionID {
			if _, err := r.startStep(ctx, run, st, exec.Attempt(), exec.ID); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	params := sd.Task.Params
	if len(params) == 0 {
		params = run.Params
	}
	maxRetries := st.MaxAttempts - 1
	sub, err := r.engine.Submit(ctx, async.SubmitRequest{
		Workflow:       sd.Task.Workflow,
		Version:        sd.Task.Version,
		Params:         params,
		Lane:           util.FirstNonEmpty(sd.Task.Lane, run.Lane),
		Priority:       run.Priority,
		IdempotencyKey: fmt.Sprintf("run:%s:step:%d", run.ID, st.Order),
		Trigger:        async.TriggerParent,
		ParentRunID:    run.ID,
		MaxRetries:     &maxRetries,
	})
	if err != nil {
		if errors.IsInvalidRequestError(err) {
			return false, r.settleStep(ctx, run, st, StepFailed, nil, async.ClassifyError("submit", err), false)
		}
		return false, err
	}

	ok, err := r.startStep(ctx, run, st, sub.Execution.Attempt(), sub.Execution.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		// the run was cancelled while the task was being submitted
		*orphans = append(*orphans, sub.Execution.ID)
		return false, nil
	}
	return true, nil
}

// followLineage returns the newest execution in the lineage of execID.
func (r *Runner) followLineage(ctx context.Context, execID string) (*async.Execution, error) {
	exec, err := r.engine.Get(ctx, execID)
	if err != nil {
		return nil, err
	}
	if exec.Status != async.StatusFailed {
		return exec, nil
	}
	chain, err := r.engine.Lineage(ctx, exec.LineageID)
	if err != nil {
		return nil, err
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].CausedBy == exec.ID {
			return r.followLineage(ctx, chain[i].ID)
		}
	}
	return exec, nil
}

func (r *Runner) startStep(ctx context.Context, run *Run, st *Step, attempt int, execID string) (bool, error) {
	now := r.now().UTC()
	var ok bool
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		ok, err = r.store.StartStep(ctx, tx, st.ID, attempt, execID, now)
		if err != nil || !ok {
			return err
		}
		_, err = r.events.Append(ctx, tx, event.New(run.ID, event.StepStarted, map[string]interface{}{
			"name":         st.Name,
			"step_type":    st.Type,
			"attempt":      attempt,
			"execution_id": execID,
		}).ForStep(st.ID).WithKey(fmt.Sprintf("%s:%s:%s:%d", event.StepStarted, run.ID, st.ID, attempt)))
		return err
	})
	if ok {
		st.Status = StepRunning
		st.Attempt = attempt
		if execID != "" {
			st.ExecutionID = execID
		}
	}
	return ok, err
}

// settleStep records the outcome of a step. A false condition skips every
// later pending step; a failed step under the stop policy cancels them.
func (r *Runner) settleStep(ctx context.Context, run *Run, st *Step, status StepStatus, out json.RawMessage, ec async.ErrorContext, skipRest bool) error {
	now := r.now().UTC()
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		ok, err := r.store.FinishStep(ctx, tx, st.ID, status, out, ec.Message, now)
		if err != nil || !ok {
			return err
		}

		typ := event.StepCompleted
		payload := map[string]interface{}{"name": st.Name, "attempt": st.Attempt}
		switch status {
		case StepFailed:
			typ = event.StepFailed
			payload["error"] = ec.Message
			payload["category"] = ec.Code
		case StepCancelled:
			typ = event.StepCancelled
			payload["reason"] = ec.Message
		}
		evs := []event.Event{event.New(run.ID, typ, payload).ForStep(st.ID)}

		if status == StepFailed || status == StepCancelled {
			if err := r.store.NoteFailure(ctx, tx, run.ID, async.ErrorContext{
				Code:      ec.Code,
				Message:   fmt.Sprintf("step %s: %s", st.Name, ec.Message),
				Retryable: ec.Retryable,
			}, now); err != nil {
				return err
			}
		}

		var rest StepStatus
		var restType event.Type
		switch {
		case skipRest:
			rest, restType = StepSkipped, event.StepSkipped
		case status != StepCompleted && run.FailurePolicy == PolicyStop:
			rest, restType = StepCancelled, event.StepCancelled
		}
		if rest != "" {
			touched, err := r.store.SettlePending(ctx, tx, run.ID, rest, now)
			if err != nil {
				return err
			}
			for _, id := range touched {
				evs = append(evs, event.New(run.ID, restType, map[string]interface{}{"after": st.Name}).ForStep(id))
			}
		}

		if err := r.store.RefreshCounters(ctx, tx, run.ID, now); err != nil {
			return err
		}
		return r.events.AppendAll(ctx, tx, evs...)
	})
	if err != nil {
		return err
	}
	r.logger.Debugw("Step settled",
		logger.FieldRunID, run.ID,
		logger.FieldStepID, st.ID,
		"name", st.Name,
		logger.FieldStatus, status)
	return nil
}

// finish settles the run from its steps. forced carries an error that ends
// the run regardless of step state.
func (r *Runner) finish(ctx context.Context, run *Run, forced async.ErrorContext) (*Run, error) {
	now := r.now().UTC()
	run.Status = async.StatusCompleted
	if forced.Message != "" || hasFailure(run) {
		run.Status = async.StatusFailed
	}
	if forced.Message != "" {
		run.Error = forced.Message
		run.ErrorCategory = string(forced.Code)
		run.ErrorRetryable = forced.Retryable
	} else {
		run.Error = ""
		run.ErrorCategory = ""
	}

	outputs := completedOutputs(run)
	if len(outputs) > 0 {
		run.Output, _ = json.Marshal(outputs)
	}

	var changed bool
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if run.Status == async.StatusFailed {
			if _, err := r.store.SettlePending(ctx, tx, run.ID, StepCancelled, now); err != nil {
				return err
			}
		}
		ok, err := r.store.FinishRun(ctx, tx, run, now)
		if err != nil || !ok {
			return err
		}
		if err := r.store.RefreshCounters(ctx, tx, run.ID, now); err != nil {
			return err
		}
		typ := event.RunCompleted
		if run.Status == async.StatusFailed {
			typ = event.RunFailed
		}
		changed = true
		_, err = r.events.Append(ctx, tx, event.New(run.ID, typ, map[string]interface{}{
			"workflow": run.Workflow,
			"error":    run.Error,
		}))
		return err
	})
	if err != nil {
		return nil, err
	}

	final, err := r.store.GetRun(ctx, r.db, run.ID)
	if err != nil {
		return nil, err
	}
	if changed {
		r.logger.Infow("Run finished",
			logger.FieldRunID, final.ID,
			logger.FieldWorkflow, final.Workflow,
			logger.FieldStatus, final.Status,
			"steps_completed", final.StepsCompleted,
			"steps_failed", final.StepsFailed,
			"steps_skipped", final.StepsSkipped)
		r.notify(ctx, final)
	}
	return final, nil
}

func (r *Runner) notify(ctx context.Context, run *Run) {
	r.mu.Lock()
	observers := append([]RunObserver(nil), r.observers...)
	delete(r.runLocks, run.ID)
	r.mu.Unlock()

	for _, o := range observers {
		o.RunFinished(ctx, run)
	}
}

func completedOutputs(run *Run) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, st := range run.Steps {
		if st.Status == StepCompleted {
			out[st.Name] = jsonOrNull(st.Output)
		}
	}
	return out
}

func jsonOrNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		if len(b) > 0 {
			quoted, _ := json.Marshal(string(b))
			return quoted
		}
		return json.RawMessage("null")
	}
	return b
}
