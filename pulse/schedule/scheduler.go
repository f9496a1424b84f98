package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	id "github.com/teranos/vanity-id"
	"go.uber.org/zap"

	"github.com/teranos/pulseline/am"
	"github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/alert"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/event"
	"github.com/teranos/pulseline/pulse/lock"
	"github.com/teranos/pulseline/pulse/metrics"
	"github.com/teranos/pulseline/pulse/workflow"
)

// Alerter raises alerts. *alert.Dispatcher satisfies it.
type Alerter interface {
	Raise(ctx context.Context, in alert.Input) (*alert.Alert, error)
}

// Config tunes a Scheduler.
type Config struct {
	InstanceID          string        // ScheduleLock holder; empty = hostname:pid
	LockTTL             time.Duration // how long one evaluation may hold a schedule
	DefaultMisfireGrace int           // seconds, for schedules created without one; 0 = DefaultMisfireGrace
	BatchSize           int           // due schedules evaluated per tick
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		InstanceID:          async.DefaultInstanceID(),
		LockTTL:             30 * time.Second,
		DefaultMisfireGrace: DefaultMisfireGrace,
		BatchSize:           100,
	}
}

// ConfigFromAM reads the [scheduler] section.
func ConfigFromAM(cfg *am.Config) Config {
	c := DefaultConfig()
	if cfg.Scheduler.InstanceID != "" {
		c.InstanceID = cfg.Scheduler.InstanceID
	}
	if cfg.Scheduler.LockTTLSeconds > 0 {
		c.LockTTL = cfg.Scheduler.LockTTL()
	}
	if cfg.Scheduler.MisfireGraceSeconds > 0 {
		c.DefaultMisfireGrace = cfg.Scheduler.MisfireGraceSeconds
	}
	return c
}

// Scheduler owns schedule definitions and fires them. Several schedulers
// may poll the same database; each due schedule is evaluated by whichever
// instance takes its ScheduleLock.
type Scheduler struct {
	db      *sql.DB
	store   Store
	engine  *async.Engine
	runner  *workflow.Runner
	locks   *lock.Manager
	events  *event.Log
	alerter Alerter
	cfg     Config
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewScheduler wires a scheduler. runner may be nil, in which case run
// targets are rejected; alerter may be nil to disable missed-fire alerts.
// locks must be bound to lock.ScheduleLocks.
func NewScheduler(database *sql.DB, engine *async.Engine, runner *workflow.Runner, locks *lock.Manager, alerter Alerter, cfg Config, log *zap.SugaredLogger) *Scheduler {
	def := DefaultConfig()
	if cfg.InstanceID == "" {
		cfg.InstanceID = def.InstanceID
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.DefaultMisfireGrace <= 0 {
		cfg.DefaultMisfireGrace = def.DefaultMisfireGrace
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	s := &Scheduler{
		db:      database,
		engine:  engine,
		runner:  runner,
		locks:   locks,
		events:  engine.Events(),
		alerter: alerter,
		cfg:     cfg,
		logger:  logger.AddPulseSymbol(log.Named("pulse.scheduler")).With(logger.FieldInstanceID, cfg.InstanceID),
		now:     time.Now,
	}
	engine.AddObserver(s)
	if runner != nil {
		runner.AddObserver(s)
	}
	return s
}

// SetClock replaces the time source. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// InstanceID is the holder name this scheduler locks schedules with.
func (s *Scheduler) InstanceID() string {
	return s.cfg.InstanceID
}

// Create validates in and stores a new enabled-by-default schedule with its
// first next_run_at computed from now.
func (s *Scheduler) Create(ctx context.Context, in Input) (*Schedule, error) {
	now := s.now().UTC()
	sc := &Schedule{
		TargetType:          TargetExecution,
		Lane:                async.DefaultLane,
		Timezone:            "UTC",
		Enabled:             true,
		MaxInstances:        1,
		MisfireGraceSeconds: s.cfg.DefaultMisfireGrace,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	in.apply(sc)
	if err := s.prepare(sc); err != nil {
		return nil, err
	}
	sc.ID = id.GenerateASIDSimple("SC", sc.Name, string(sc.Type))
	if err := s.reschedule(sc, now); err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, s.db, sc); err != nil {
		return nil, err
	}
	s.logger.Infow("Schedule created",
		logger.FieldScheduleID, sc.ID,
		"name", sc.Name,
		"schedule_type", sc.Type,
		logger.FieldWorkflow, sc.TargetName,
		logger.FieldNextRunAt, sc.NextRunAt)
	return sc, nil
}

// prepare normalises and validates sc, and checks that its target exists.
func (s *Scheduler) prepare(sc *Schedule) error {
	params, err := async.NormalizeParams(sc.DefaultParams)
	if err != nil {
		return err
	}
	sc.DefaultParams = params
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	if err := sc.validate(); err != nil {
		return err
	}
	switch sc.TargetType {
	case TargetExecution:
		if _, err := s.engine.Registry().Resolve(sc.TargetName, sc.TargetVersion); err != nil {
			return errors.Wrapf(err, "schedule %s", sc.Name)
		}
	case TargetRun:
		if s.runner == nil {
			return errors.NewInvalidRequestError("schedule %s: workflow runs are not available", sc.Name)
		}
		if _, err := s.runner.Definitions().Resolve(sc.TargetName, sc.TargetVersion); err != nil {
			return errors.Wrapf(err, "schedule %s", sc.Name)
		}
	}
	return nil
}

// reschedule sets next_run_at to the first fire after now.
func (s *Scheduler) reschedule(sc *Schedule, now time.Time) error {
	next, err := NextFire(sc, now)
	if err != nil {
		return err
	}
	if sc.Type == TypeOneTime && next == nil && sc.RunAt != nil && sc.LastRunAt == nil {
		// a one-time schedule created in the past fires once, subject to
		// the misfire grace window
		at := *sc.RunAt
		next = &at
	}
	sc.NextRunAt = next
	return nil
}

// Update applies in to the schedule idOrName if in.Version matches the
// stored version. A timing change recomputes next_run_at.
func (s *Scheduler) Update(ctx context.Context, idOrName string, in Input) (*Schedule, error) {
	sc, err := s.lookup(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if in.Version != 0 && in.Version != sc.Version {
		err := errors.Wrapf(errors.ErrConflict, "schedule %s is at version %d, not %d", sc.ID, sc.Version, in.Version)
		return nil, errors.WithHint(err, "Reload the schedule and apply the change again")
	}
	wasEnabled := sc.Enabled
	timingChanged := in.apply(sc)
	if err := s.prepare(sc); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if timingChanged || (sc.Enabled && !wasEnabled) {
		if err := s.reschedule(sc, now); err != nil {
			return nil, err
		}
	}
	return s.save(ctx, sc, now)
}

func (s *Scheduler) save(ctx context.Context, sc *Schedule, now time.Time) (*Schedule, error) {
	expected := sc.Version
	sc.Version++
	sc.UpdatedAt = now
	ok, err := s.store.Update(ctx, s.db, sc, expected)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(errors.ErrConflict, "schedule %s changed concurrently", sc.ID)
	}
	s.logger.Infow("Schedule updated",
		logger.FieldScheduleID, sc.ID,
		logger.FieldVersion, sc.Version,
		"enabled", sc.Enabled,
		logger.FieldNextRunAt, sc.NextRunAt)
	return sc, nil
}

// Enable turns a schedule on and recomputes its next fire from now, so
// slots that passed while it was off are not replayed.
func (s *Scheduler) Enable(ctx context.Context, idOrName string) (*Schedule, error) {
	return s.setEnabled(ctx, idOrName, true)
}

// Disable turns a schedule off. Fires already submitted are unaffected.
func (s *Scheduler) Disable(ctx context.Context, idOrName string) (*Schedule, error) {
	return s.setEnabled(ctx, idOrName, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, idOrName string, enabled bool) (*Schedule, error) {
	sc, err := s.lookup(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if sc.Enabled == enabled {
		return sc, nil
	}
	now := s.now().UTC()
	sc.Enabled = enabled
	if enabled {
		next, err := NextFire(sc, now)
		if err != nil {
			return nil, err
		}
		sc.NextRunAt = next
	}
	return s.save(ctx, sc, now)
}

// Delete removes a schedule and its run history.
func (s *Scheduler) Delete(ctx context.Context, idOrName string) error {
	sc, err := s.lookup(ctx, idOrName)
	if err != nil {
		return err
	}
	ok, err := s.store.Delete(ctx, s.db, sc.ID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFoundError("schedule %s not found", sc.ID)
	}
	s.logger.Infow("Schedule deleted", logger.FieldScheduleID, sc.ID, "name", sc.Name)
	return nil
}

// Get returns a schedule by id or name.
func (s *Scheduler) Get(ctx context.Context, idOrName string) (*Schedule, error) {
	return s.lookup(ctx, idOrName)
}

// GetByName returns a schedule by name.
func (s *Scheduler) GetByName(ctx context.Context, name string) (*Schedule, error) {
	return s.store.GetByName(ctx, s.db, name)
}

// List returns one page of schedules.
func (s *Scheduler) List(ctx context.Context, f Filter) (*Page, error) {
	return s.store.List(ctx, s.db, f)
}

// ListRuns returns the most recent runs of a schedule, newest first.
func (s *Scheduler) ListRuns(ctx context.Context, idOrName string, limit int) ([]*Run, error) {
	sc, err := s.lookup(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, s.db, sc.ID, limit)
}

// Next returns the enabled schedule due soonest, nil when none.
func (s *Scheduler) Next(ctx context.Context) (*Schedule, error) {
	return s.store.Next(ctx, s.db)
}

func (s *Scheduler) lookup(ctx context.Context, idOrName string) (*Schedule, error) {
	idOrName = strings.TrimSpace(idOrName)
	if idOrName == "" {
		return nil, errors.NewInvalidRequestError("schedule id or name is required")
	}
	sc, err := s.store.Get(ctx, s.db, idOrName)
	if errors.IsNotFoundError(err) {
		return s.store.GetByName(ctx, s.db, idOrName)
	}
	return sc, err
}

// Tick evaluates every due schedule once and returns how many it fired.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.Due(ctx, s.db, now, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, sc := range due {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		run, err := s.evaluate(ctx, sc.ID, now)
		if err != nil {
			s.logger.Errorw("Failed to evaluate schedule",
				logger.FieldScheduleID, sc.ID,
				"name", sc.Name,
				logger.FieldError, err)
			continue
		}
		if run != nil && (run.Status == RunPending || run.Status == RunRunning || run.Status == RunCompleted) {
			fired++
		}
	}
	return fired, nil
}

// evaluate fires one due schedule under its ScheduleLock. It returns nil
// when another instance holds the lock or already advanced the schedule.
func (s *Scheduler) evaluate(ctx context.Context, scheduleID string, now time.Time) (*Run, error) {
	if _, err := s.locks.Acquire(ctx, scheduleID, s.cfg.InstanceID, s.cfg.LockTTL); err != nil {
		if errors.Is(err, errors.ErrLockHeld) {
			s.logger.Debugw("Schedule held by another instance", logger.FieldScheduleID, scheduleID)
			return nil, nil
		}
		return nil, err
	}
	defer func() {
		if _, err := s.locks.Release(context.WithoutCancel(ctx), scheduleID, s.cfg.InstanceID); err != nil {
			s.logger.Warnw("Failed to release schedule lock", logger.FieldScheduleID, scheduleID, logger.FieldError, err)
		}
	}()

	// re-read under the lock; another instance may have fired it already
	sc, err := s.store.Get(ctx, s.db, scheduleID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}
	if !sc.Enabled || sc.NextRunAt == nil || sc.NextRunAt.After(now) {
		return nil, nil
	}
	scheduledAt := *sc.NextRunAt
	next, err := following(sc, scheduledAt, now)
	if err != nil {
		return nil, err
	}

	if late := now.Sub(scheduledAt); late > sc.MisfireGrace() {
		return s.miss(ctx, sc, scheduledAt, next, late, now)
	}

	active, err := s.activeRuns(ctx, sc)
	if err != nil {
		return nil, err
	}
	if active >= sc.MaxInstances {
		reason := fmt.Sprintf("max_instances reached: %d of %d active", active, sc.MaxInstances)
		return s.skip(ctx, sc, scheduledAt, next, reason, now)
	}

	return s.fire(ctx, sc, scheduledAt, next, nil, now, false)
}

// activeRuns reconciles the schedule's pending and running runs against
// their targets and counts those still active.
func (s *Scheduler) activeRuns(ctx context.Context, sc *Schedule) (int, error) {
	runs, err := s.store.ActiveRuns(ctx, s.db, sc.ID)
	if err != nil {
		return 0, err
	}
	active := 0
	for _, r := range runs {
		status, err := s.reconcile(ctx, r)
		if err != nil {
			return 0, err
		}
		if !status.Terminal() {
			active++
		}
	}
	return active, nil
}

// fire submits the schedule's target and records a ScheduleRun. manual
// fires leave last_run_at and next_run_at alone.
func (s *Scheduler) fire(ctx context.Context, sc *Schedule, scheduledAt time.Time, next *time.Time, overrides json.RawMessage, now time.Time, manual bool) (*Run, error) {
	run := &Run{
		ID:          newRunID(sc.ID),
		ScheduleID:  sc.ID,
		ScheduledAt: scheduledAt,
		Status:      RunPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	targetID, submitErr := s.submit(ctx, sc, scheduledAt, overrides, manual)
	if submitErr != nil {
		if manual && (errors.IsInvalidRequestError(submitErr) || errors.Is(submitErr, errors.ErrUnknownWorkflow)) {
			return nil, submitErr
		}
		run.Status = RunFailed
		run.Error = submitErr.Error()
		run.StartedAt = &now
		run.CompletedAt = &now
	}
	run.TargetID = targetID

	lastRun := &now
	if manual {
		lastRun, next = nil, sc.NextRunAt
	}
	err := s.record(ctx, sc, run, lastRun, next, event.ScheduleFired, map[string]interface{}{
		"schedule_run_id": run.ID,
		"scheduled_at":    scheduledAt,
		"target_type":     sc.TargetType,
		"target_id":       targetID,
		"manual":          manual,
		"error":           run.Error,
	})
	if err != nil {
		return nil, err
	}

	if submitErr != nil {
		metrics.RecordScheduleFire("failed")
		s.logger.Errorw("Schedule fire failed",
			logger.FieldScheduleID, sc.ID,
			"name", sc.Name,
			logger.FieldWorkflow, sc.TargetName,
			logger.FieldError, submitErr)
		return run, nil
	}

	metrics.RecordScheduleFire("fired")
	s.logger.Infow("Schedule fired",
		logger.FieldScheduleID, sc.ID,
		"name", sc.Name,
		"target_id", targetID,
		"scheduled_at", scheduledAt.Format(time.RFC3339),
		logger.FieldNextRunAt, next)

	// the target may have finished before the run row existed
	if status, err := s.reconcile(ctx, run); err != nil {
		s.logger.Warnw("Failed to reconcile schedule run", "schedule_run_id", run.ID, logger.FieldError, err)
	} else {
		run.Status = status
	}
	return run, nil
}

// submit starts the target and returns the id a ScheduleRun follows: the
// execution lineage, or the workflow run.
func (s *Scheduler) submit(ctx context.Context, sc *Schedule, scheduledAt time.Time, overrides json.RawMessage, manual bool) (string, error) {
	params, err := async.MergeParams(sc.DefaultParams, overrides)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("schedule:%s:%d", sc.ID, scheduledAt.Unix())
	trigger := async.TriggerScheduler
	if manual {
		key = fmt.Sprintf("schedule:%s:manual:%d", sc.ID, scheduledAt.UnixNano())
		trigger = async.TriggerManual
	}

	switch sc.TargetType {
	case TargetRun:
		if s.runner == nil {
			return "", errors.NewInvalidRequestError("schedule %s: workflow runs are not available", sc.Name)
		}
		started, err := s.runner.Start(ctx, workflow.StartRequest{
			Workflow:       sc.TargetName,
			Version:        sc.TargetVersion,
			Params:         params,
			Lane:           sc.Lane,
			Priority:       sc.Priority,
			IdempotencyKey: key,
			Trigger:        trigger,
		})
		if err != nil {
			return "", err
		}
		return started.Run.ID, nil
	default:
		sub, err := s.engine.Submit(ctx, async.SubmitRequest{
			Workflow:       sc.TargetName,
			Version:        sc.TargetVersion,
			Params:         params,
			Lane:           sc.Lane,
			Priority:       sc.Priority,
			IdempotencyKey: key,
			Trigger:        trigger,
		})
		if err != nil {
			return "", err
		}
		return sub.Execution.LineageID, nil
	}
}

// skip records a fire not submitted because max_instances were active.
func (s *Scheduler) skip(ctx context.Context, sc *Schedule, scheduledAt time.Time, next *time.Time, reason string, now time.Time) (*Run, error) {
	run := &Run{
		ID:          newRunID(sc.ID),
		ScheduleID:  sc.ID,
		ScheduledAt: scheduledAt,
		Status:      RunSkipped,
		SkipReason:  reason,
		CompletedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.record(ctx, sc, run, nil, next, event.ScheduleSkipped, map[string]interface{}{
		"schedule_run_id": run.ID,
		"scheduled_at":    scheduledAt,
		"reason":          reason,
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordScheduleFire("skipped")
	s.logger.Infow("Schedule fire skipped",
		logger.FieldScheduleID, sc.ID,
		"name", sc.Name,
		"reason", reason,
		logger.FieldNextRunAt, next)
	return run, nil
}

// miss records a fire that came later than the misfire grace allows. The
// schedule advances without a submission and an alert is raised.
func (s *Scheduler) miss(ctx context.Context, sc *Schedule, scheduledAt time.Time, next *time.Time, late time.Duration, now time.Time) (*Run, error) {
	reason := fmt.Sprintf("fired %s late, grace is %s", late.Round(time.Second), sc.MisfireGrace())
	run := &Run{
		ID:          newRunID(sc.ID),
		ScheduleID:  sc.ID,
		ScheduledAt: scheduledAt,
		Status:      RunMissed,
		SkipReason:  reason,
		CompletedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.record(ctx, sc, run, nil, next, event.ScheduleMissed, map[string]interface{}{
		"schedule_run_id": run.ID,
		"scheduled_at":    scheduledAt,
		"late_seconds":    int(late.Seconds()),
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordScheduleFire("missed")
	s.logger.Warnw("Schedule fire missed",
		logger.FieldScheduleID, sc.ID,
		"name", sc.Name,
		"scheduled_at", scheduledAt.Format(time.RFC3339),
		"reason", reason,
		logger.FieldNextRunAt, next)

	if s.alerter != nil {
		_, err := s.alerter.Raise(ctx, alert.Input{
			Severity: alert.SeverityWarning,
			Title:    fmt.Sprintf("Schedule %s missed a fire", sc.Name),
			Message:  fmt.Sprintf("Fire due at %s was %s", scheduledAt.Format(time.RFC3339), reason),
			Source:   "scheduler",
			Domain:   sc.TargetName,
			DedupKey: "schedule-missed:" + sc.ID,
			Metadata: map[string]interface{}{
				"schedule_id":     sc.ID,
				"schedule_run_id": run.ID,
			},
		})
		if err != nil {
			s.logger.Warnw("Failed to raise missed fire alert", logger.FieldScheduleID, sc.ID, logger.FieldError, err)
		}
	}
	return run, nil
}

// record inserts run, advances the schedule and appends the event in one
// transaction.
func (s *Scheduler) record(ctx context.Context, sc *Schedule, run *Run, lastRun, next *time.Time, typ event.Type, payload map[string]interface{}) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.store.InsertRun(ctx, tx, run); err != nil {
			return err
		}
		if err := s.store.Advance(ctx, tx, sc.ID, lastRun, next, run.CreatedAt); err != nil {
			return err
		}
		_, err := s.events.Append(ctx, tx, event.New(sc.ID, typ, payload).WithKey(string(typ)+":"+run.ID))
		return err
	})
}

// TriggerNow fires a schedule immediately with overrides merged over its
// default params. The regular cadence is untouched. A schedule already at
// max_instances records a skipped run instead.
func (s *Scheduler) TriggerNow(ctx context.Context, idOrName string, overrides json.RawMessage) (*Run, error) {
	sc, err := s.lookup(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if _, err := async.NormalizeParams(overrides); err != nil {
		return nil, err
	}
	if _, err := s.locks.Acquire(ctx, sc.ID, s.cfg.InstanceID, s.cfg.LockTTL); err != nil {
		if errors.Is(err, errors.ErrLockHeld) {
			return nil, errors.WithHint(errors.Wrapf(errors.ErrConflict, "schedule %s is being evaluated", sc.ID), "Try again in a moment")
		}
		return nil, err
	}
	defer func() {
		if _, err := s.locks.Release(context.WithoutCancel(ctx), sc.ID, s.cfg.InstanceID); err != nil {
			s.logger.Warnw("Failed to release schedule lock", logger.FieldScheduleID, sc.ID, logger.FieldError, err)
		}
	}()

	now := s.now().UTC()
	active, err := s.activeRuns(ctx, sc)
	if err != nil {
		return nil, err
	}
	if active >= sc.MaxInstances {
		reason := fmt.Sprintf("max_instances reached: %d of %d active", active, sc.MaxInstances)
		return s.skip(ctx, sc, now, sc.NextRunAt, reason, now)
	}
	return s.fire(ctx, sc, now, nil, overrides, now, true)
}

// reconcile copies the target's status onto a non-terminal run.
func (s *Scheduler) reconcile(ctx context.Context, r *Run) (RunStatus, error) {
	if r.Status.Terminal() || r.TargetID == "" {
		return r.Status, nil
	}
	status, errMsg, err := s.targetStatus(ctx, r)
	if err != nil {
		if errors.IsNotFoundError(err) {
			status, errMsg = RunFailed, "target vanished"
		} else {
			return r.Status, err
		}
	}
	if status == r.Status {
		return status, nil
	}
	if _, err := s.store.UpdateRun(ctx, s.db, r.ID, status, errMsg, s.now().UTC()); err != nil {
		return r.Status, err
	}
	return status, nil
}

func (s *Scheduler) targetStatus(ctx context.Context, r *Run) (RunStatus, string, error) {
	sc, err := s.store.Get(ctx, s.db, r.ScheduleID)
	if err != nil {
		return "", "", err
	}
	if sc.TargetType == TargetRun {
		if s.runner == nil {
			return r.Status, "", nil
		}
		wr, err := s.runner.Get(ctx, r.TargetID)
		if err != nil {
			return "", "", err
		}
		return statusOf(wr.Status), wr.Error, nil
	}

	lineage, err := s.engine.Lineage(ctx, r.TargetID)
	if err != nil {
		return "", "", err
	}
	if len(lineage) == 0 {
		return "", "", errors.NewNotFoundError("execution lineage %s not found", r.TargetID)
	}
	latest := lineage[len(lineage)-1]
	status := statusOf(latest.Status)
	if status == RunPending && len(lineage) > 1 {
		// a retry is waiting; the fire itself is under way
		status = RunRunning
	}
	return status, latest.Error, nil
}

// ExecutionFinished follows executions submitted by a schedule.
func (s *Scheduler) ExecutionFinished(ctx context.Context, exec *async.Execution, outcome async.Outcome) {
	if exec.Trigger != async.TriggerScheduler && exec.Trigger != async.TriggerManual && exec.Trigger != async.TriggerRetry {
		return
	}
	s.follow(ctx, exec.LineageID)
}

// RunFinished follows workflow runs started by a schedule.
func (s *Scheduler) RunFinished(ctx context.Context, run *workflow.Run) {
	if run.Trigger != async.TriggerScheduler && run.Trigger != async.TriggerManual {
		return
	}
	s.follow(ctx, run.ID)
}

func (s *Scheduler) follow(ctx context.Context, targetID string) {
	r, err := s.store.RunByTarget(ctx, s.db, targetID)
	if err != nil {
		s.logger.Warnw("Failed to look up schedule run", "target_id", targetID, logger.FieldError, err)
		return
	}
	if r == nil {
		return
	}
	if _, err := s.reconcile(ctx, r); err != nil {
		s.logger.Warnw("Failed to reconcile schedule run", "schedule_run_id", r.ID, logger.FieldError, err)
	}
}
