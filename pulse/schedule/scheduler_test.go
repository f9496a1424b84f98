package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pulseline/am"
	"github.com/teranos/pulseline/errors"
	pulsetest "github.com/teranos/pulseline/internal/testing"
	"github.com/teranos/pulseline/internal/util"
	"github.com/teranos/pulseline/pulse/alert"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/event"
	"github.com/teranos/pulseline/pulse/lock"
	"github.com/teranos/pulseline/pulse/workflow"
)

// ============================================================================
// Night Train Test Universe
// ============================================================================
//
// Characters:
//   - The Timetable: says when each train departs (cron, every n minutes,
//     or a single special service)
//   - The Dispatcher: sends trains out, one signal box at a time
//   - The Stationmaster: is told whenever a departure was missed
//
// Theme: a departure that comes too late is struck from the board rather
// than sent out hours behind, and a platform that is still occupied makes
// the next train wait for the one after.
// ============================================================================

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// stationmaster records alerts instead of delivering them.
type stationmaster struct {
	mu     sync.Mutex
	raised []alert.Input
}

func (s *stationmaster) Raise(ctx context.Context, in alert.Input) (*alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raised = append(s.raised, in)
	return &alert.Alert{Title: in.Title}, nil
}

func (s *stationmaster) alerts() []alert.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Input(nil), s.raised...)
}

type testScheduler struct {
	*Scheduler
	db     *sql.DB
	engine *async.Engine
	runner *workflow.Runner
	locks  *lock.Manager
	events *event.Log
	clock  *pulsetest.Clock
	sm     *stationmaster
}

func newTestScheduler(t *testing.T) *testScheduler {
	t.Helper()
	database := pulsetest.CreateTestDB(t)
	clock := pulsetest.NewClock(epoch)
	log := zaptest.NewLogger(t).Sugar()

	handlers := async.NewRegistry()
	handlers.Register(async.NewHandler("night-train", "1.0.0", func(ctx context.Context, params json.RawMessage, ec async.ExecContext) (json.RawMessage, error) {
		return params, nil
	}))
	concurrency := lock.NewManager(database, lock.ConcurrencyLocks, log)
	concurrency.SetClock(clock.Now)
	events := event.NewLog(database, log)
	events.SetClock(clock.Now)
	engine := async.NewEngine(database, handlers, concurrency, events, log)
	engine.SetClock(clock.Now)
	engine.SetPolicy(async.Policy{
		MaxRetries: 1,
		Backoff:    async.BackoffPolicy{Base: 10 * time.Second, Factor: 2, Max: time.Hour},
		LeaseTTL:   time.Minute,
	})

	defs := workflow.NewRegistry()
	defs.Register(&workflow.Definition{
		Name:    "timetable",
		Version: "1.0.0",
		Steps: []workflow.StepDef{{
			Name: "announce",
			Type: workflow.StepOperation,
			Operation: func(ctx context.Context, sc workflow.StepContext) (json.RawMessage, error) {
				return json.RawMessage(`{"announced":true}`), nil
			},
		}},
	})
	runner := workflow.NewRunner(database, defs, engine, log)
	runner.SetClock(clock.Now)

	scheduleLocks := lock.NewManager(database, lock.ScheduleLocks, log)
	scheduleLocks.SetClock(clock.Now)

	sm := &stationmaster{}
	s := NewScheduler(database, engine, runner, scheduleLocks, sm, Config{InstanceID: "signal-box-1", LockTTL: 30 * time.Second}, log)
	s.SetClock(clock.Now)
	return &testScheduler{Scheduler: s, db: database, engine: engine, runner: runner, locks: scheduleLocks, events: events, clock: clock, sm: sm}
}

func (ts *testScheduler) create(t *testing.T, in Input) *Schedule {
	t.Helper()
	if in.TargetName == "" {
		in.TargetName = "night-train"
	}
	sc, err := ts.Create(context.Background(), in)
	require.NoError(t, err)
	return sc
}

func (ts *testScheduler) tick(t *testing.T) int {
	t.Helper()
	n, err := ts.Tick(context.Background())
	require.NoError(t, err)
	return n
}

func (ts *testScheduler) runs(t *testing.T, sc *Schedule) []*Run {
	t.Helper()
	runs, err := ts.ListRuns(context.Background(), sc.ID, 0)
	require.NoError(t, err)
	return runs
}

func (ts *testScheduler) executions(t *testing.T) []*async.Execution {
	t.Helper()
	page, err := ts.engine.List(context.Background(), async.Filter{Workflow: "night-train"})
	require.NoError(t, err)
	return page.Items
}

// depart claims the next pending train.
func (ts *testScheduler) depart(t *testing.T) *async.Execution {
	t.Helper()
	exec, err := ts.engine.Claim(context.Background(), async.ClaimRequest{WorkerID: "driver-1"})
	require.NoError(t, err)
	require.NotNil(t, exec, "expected a train on the platform")
	return exec
}

func every(seconds int) Input {
	return Input{Name: "sleeper", Type: TypeInterval, IntervalSeconds: seconds}
}

func TestCreateComputesFirstDeparture(t *testing.T) {
	ts := newTestScheduler(t)
	sc := ts.create(t, every(60))

	assert.True(t, strings.HasPrefix(sc.ID, "SC"), sc.ID)
	assert.True(t, sc.Enabled)
	assert.Equal(t, 1, sc.Version)
	assert.Equal(t, 1, sc.MaxInstances)
	assert.Equal(t, DefaultMisfireGrace, sc.MisfireGraceSeconds)
	assert.JSONEq(t, `{}`, string(sc.DefaultParams))
	require.NotNil(t, sc.NextRunAt)
	assert.WithinDuration(t, epoch.Add(time.Minute), *sc.NextRunAt, 0)

	stored, err := ts.Get(context.Background(), "sleeper")
	require.NoError(t, err)
	assert.Equal(t, sc.ID, stored.ID)
	assert.WithinDuration(t, *sc.NextRunAt, *stored.NextRunAt, 0)
}

func TestCreateRejectsBadSchedules(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	ts.create(t, every(60))

	dup := every(60)
	dup.TargetName = "night-train"
	_, err := ts.Create(ctx, dup)
	assert.True(t, errors.IsConflictError(err), "duplicate name: %v", err)

	_, err = ts.Create(ctx, Input{Name: "ghost", TargetName: "ghost-train", Type: TypeInterval, IntervalSeconds: 60})
	assert.True(t, errors.Is(err, errors.ErrUnknownWorkflow), "got %v", err)

	_, err = ts.Create(ctx, Input{Name: "broken", TargetName: "night-train", Type: TypeCron, CronExpression: "at dusk"})
	assert.True(t, errors.IsInvalidRequestError(err), "got %v", err)

	_, err = ts.Create(ctx, Input{Name: "route", TargetType: TargetRun, TargetName: "no-such-route", Type: TypeInterval, IntervalSeconds: 60})
	assert.Error(t, err)
}

func TestTickDispatchesDueTrain(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	sc := ts.create(t, Input{
		Name:            "sleeper",
		Type:            TypeInterval,
		IntervalSeconds: 60,
		DefaultParams:   json.RawMessage(`{"line":"N1","cars":8}`),
	})

	assert.Zero(t, ts.tick(t), "nothing is due yet")

	ts.clock.Advance(time.Minute)
	assert.Equal(t, 1, ts.tick(t))
	assert.Zero(t, ts.tick(t), "the same slot never fires twice")

	execs := ts.executions(t)
	require.Len(t, execs, 1)
	exec := execs[0]
	assert.Equal(t, async.TriggerScheduler, exec.Trigger)
	assert.Equal(t, "schedule:"+sc.ID+":"+strconv.FormatInt(epoch.Add(time.Minute).Unix(), 10), exec.IdempotencyKey)
	assert.JSONEq(t, `{"line":"N1","cars":8}`, string(exec.Params))

	runs := ts.runs(t, sc)
	require.Len(t, runs, 1)
	assert.Equal(t, RunPending, runs[0].Status)
	assert.Equal(t, exec.LineageID, runs[0].TargetID)
	assert.WithinDuration(t, epoch.Add(time.Minute), runs[0].ScheduledAt, 0)

	stored, err := ts.Get(ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRunAt)
	assert.WithinDuration(t, ts.clock.Now(), *stored.LastRunAt, 0)
	assert.WithinDuration(t, epoch.Add(2*time.Minute), *stored.NextRunAt, 0)

	evs, err := ts.events.ForOwner(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.ScheduleFired, evs[0].Type)

	_, err = ts.locks.Get(ctx, sc.ID)
	assert.True(t, errors.IsNotFoundError(err), "the signal box is released after dispatch")
}

func TestScheduleRunFollowsTheTrain(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	sc := ts.create(t, every(600))
	ts.clock.Advance(10 * time.Minute)
	require.Equal(t, 1, ts.tick(t))

	exec := ts.depart(t)
	_, _, err := ts.engine.Fail(ctx, exec.ID, errors.New("signal failure"), true)
	require.NoError(t, err)
	runs := ts.runs(t, sc)
	assert.Equal(t, RunRunning, runs[0].Status, "a pending retry keeps the fire under way")

	ts.clock.Advance(time.Minute)
	retry := ts.depart(t)
	assert.Equal(t, exec.LineageID, retry.LineageID)
	_, err = ts.engine.Complete(ctx, retry.ID, json.RawMessage(`{"arrived":true}`))
	require.NoError(t, err)

	runs = ts.runs(t, sc)
	assert.Equal(t, RunCompleted, runs[0].Status)
	require.NotNil(t, runs[0].CompletedAt)
	assert.Empty(t, runs[0].Error)
}

func TestScheduleRunFailsWithItsTrain(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	sc := ts.create(t, every(600))
	ts.clock.Advance(10 * time.Minute)
	require.Equal(t, 1, ts.tick(t))

	exec := ts.depart(t)
	_, _, err := ts.engine.Fail(ctx, exec.ID, errors.New("derailed"), false)
	require.NoError(t, err)

	runs := ts.runs(t, sc)
	assert.Equal(t, RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "derailed")
}

func TestLateDepartureIsMissed(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	sc := ts.create(t, Input{Name: "sleeper", Type: TypeInterval, IntervalSeconds: 60, MisfireGraceSeconds: util.Ptr(30)})

	// due at +60s, evaluated at +105s: 45s late with 30s grace
	ts.clock.Advance(105 * time.Second)
	assert.Zero(t, ts.tick(t))
	assert.Empty(t, ts.executions(t), "a missed departure is never sent out")

	runs := ts.runs(t, sc)
	require.Len(t, runs, 1)
	assert.Equal(t, RunMissed, runs[0].Status)
	assert.Contains(t, runs[0].SkipReason, "late")

	stored, err := ts.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastRunAt, "a miss is not a run")
	assert.WithinDuration(t, epoch.Add(2*time.Minute), *stored.NextRunAt, 0)

	raised := ts.sm.alerts()
	require.Len(t, raised, 1)
	assert.Equal(t, alert.SeverityWarning, raised[0].Severity)
	assert.Equal(t, "schedule-missed:"+sc.ID, raised[0].DedupKey)

	evs, err := ts.events.ForOwner(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.ScheduleMissed, evs[0].Type)

	// back on time for the next slot
	ts.clock.Advance(15 * time.Second)
	assert.Equal(t, 1, ts.tick(t))
}

func TestOccupiedPlatformSkipsDeparture(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	sc := ts.create(t, every(60))

	ts.clock.Advance(time.Minute)
	require.Equal(t, 1, ts.tick(t))

	ts.clock.Advance(time.Minute)
	assert.Zero(t, ts.tick(t))
	assert.Len(t, ts.executions(t), 1, "max_instances=1 while the first train is out")

	runs := ts.runs(t, sc)
	require.Len(t, runs, 2)
	assert.Equal(t, RunSkipped, runs[0].Status)
	assert.Contains(t, runs[0].SkipReason, "max_instances")

	stored, err := ts.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, epoch.Add(3*time.Minute), *stored.NextRunAt, 0, "a skip advances the timetable")

	evs, err := ts.events.ForOwner(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, event.ScheduleSkipped, evs[1].Type)

	exec := ts.depart(t)
	_, err = ts.engine.Complete(ctx, exec.ID, nil)
	require.NoError(t, err)

	ts.clock.Advance(time.Minute)
	assert.Equal(t, 1, ts.tick(t))
	assert.Len(t, ts.executions(t), 2)
}

func TestSpecialServiceRunsOnce(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	sc := ts.create(t, Input{Name: "royal-train", Type: TypeOneTime, RunAt: at(epoch.Add(10 * time.Minute))})
	require.NotNil(t, sc.NextRunAt)

	ts.clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, ts.tick(t))

	stored, err := ts.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.NextRunAt)
	assert.NotNil(t, stored.LastRunAt)

	ts.clock.Advance(time.Hour)
	assert.Zero(t, ts.tick(t))
	assert.Len(t, ts.executions(t), 1)
}

func TestSignalBoxHeldElsewhereDefersEvaluation(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	sc := ts.create(t, Input{Name: "sleeper", Type: TypeInterval, IntervalSeconds: 60, MisfireGraceSeconds: util.Ptr(600)})

	ts.clock.Advance(time.Minute)
	_, err := ts.locks.Acquire(ctx, sc.ID, "signal-box-2", 30*time.Second)
	require.NoError(t, err)

	assert.Zero(t, ts.tick(t))
	assert.Empty(t, ts.runs(t, sc))

	// the other box went quiet; its lock expires and this one takes over
	ts.clock.Advance(31 * time.Second)
	assert.Equal(t, 1, ts.tick(t))
	runs := ts.runs(t, sc)
	require.Len(t, runs, 1)
	assert.WithinDuration(t, epoch.Add(time.Minute), runs[0].ScheduledAt, 0)
}

func TestTwoSignalBoxesDispatchOnce(t *testing.T) {
	ts := newTestScheduler(t)
	log := zaptest.NewLogger(t).Sugar()
	other := NewScheduler(ts.db, ts.engine, ts.runner, ts.locks, nil, Config{InstanceID: "signal-box-2", LockTTL: 30 * time.Second}, log)
	other.SetClock(ts.clock.Now)

	sc := ts.create(t, every(60))
	ts.clock.Advance(time.Minute)

	var wg sync.WaitGroup
	fired := make([]int, 2)
	for i, s := range []*Scheduler{ts.Scheduler, other} {
		wg.Add(1)
		go func(i int, s *Scheduler) {
			defer wg.Done()
			n, err := s.Tick(context.Background())
			assert.NoError(t, err)
			fired[i] = n
		}(i, s)
	}
	wg.Wait()

	assert.Equal(t, 1, fired[0]+fired[1])
	assert.Len(t, ts.executions(t), 1)
	assert.Len(t, ts.runs(t, sc), 1)
}

func TestTriggerNowMergesOverrides(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	sc := ts.create(t, Input{
		Name:            "sleeper",
		Type:            TypeInterval,
		IntervalSeconds: 3600,
		DefaultParams:   json.RawMessage(`{"line":"N1","cars":8}`),
	})

	run, err := ts.TriggerNow(ctx, "sleeper", json.RawMessage(`{"cars":10}`))
	require.NoError(t, err)
	assert.Equal(t, RunPending, run.Status)

	execs := ts.executions(t)
	require.Len(t, execs, 1)
	assert.Equal(t, async.TriggerManual, execs[0].Trigger)
	assert.JSONEq(t, `{"line":"N1","cars":10}`, string(execs[0].Params))
	assert.Equal(t, execs[0].LineageID, run.TargetID)

	stored, err := ts.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastRunAt, "a manual departure leaves the timetable alone")
	assert.WithinDuration(t, *sc.NextRunAt, *stored.NextRunAt, 0)

	ts.clock.Advance(time.Second)
	run, err = ts.TriggerNow(ctx, sc.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, RunSkipped, run.Status, "the platform is still occupied")

	_, err = ts.TriggerNow(ctx, sc.ID, json.RawMessage(`"ten cars"`))
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = ts.TriggerNow(ctx, "no-such-train", nil)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRouteScheduleStartsWorkflowRun(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	sc := ts.create(t, Input{Name: "announcements", TargetType: TargetRun, TargetName: "timetable", Type: TypeCron, CronExpression: "*/5 * * * *"})

	ts.clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, ts.tick(t))

	runs := ts.runs(t, sc)
	require.Len(t, runs, 1)
	assert.Equal(t, RunCompleted, runs[0].Status, "the run finished before the schedule run was written")

	wr, err := ts.runner.Get(ctx, runs[0].TargetID)
	require.NoError(t, err)
	assert.Equal(t, async.StatusCompleted, wr.Status)
	assert.Equal(t, async.TriggerScheduler, wr.Trigger)
}

func TestUpdateIsOptimistic(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	sc := ts.create(t, every(60))

	updated, err := ts.Update(ctx, sc.ID, Input{Version: 1, Type: TypeInterval, IntervalSeconds: 300, MaxInstances: util.Ptr(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 2, updated.MaxInstances)
	assert.WithinDuration(t, epoch.Add(5*time.Minute), *updated.NextRunAt, 0)

	_, err = ts.Update(ctx, sc.ID, Input{Version: 1, Priority: util.Ptr(5)})
	assert.True(t, errors.IsConflictError(err), "stale version: %v", err)

	_, err = ts.Update(ctx, sc.ID, Input{Type: TypeInterval})
	assert.True(t, errors.IsInvalidRequestError(err), "interval without seconds: %v", err)
}

func TestEnableDoesNotReplayMissedSlots(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	sc := ts.create(t, every(60))

	disabled, err := ts.Disable(ctx, sc.ID)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	ts.clock.Advance(10 * time.Minute)
	assert.Zero(t, ts.tick(t))

	enabled, err := ts.Enable(ctx, "sleeper")
	require.NoError(t, err)
	assert.True(t, enabled.Enabled)
	assert.WithinDuration(t, ts.clock.Now().Add(time.Minute), *enabled.NextRunAt, 0)
	assert.Zero(t, ts.tick(t))
	assert.Empty(t, ts.runs(t, sc))

	page, err := ts.List(ctx, Filter{Enabled: util.Ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestDeleteRemovesScheduleAndRuns(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()
	sc := ts.create(t, every(60))
	ts.clock.Advance(time.Minute)
	require.Equal(t, 1, ts.tick(t))

	require.NoError(t, ts.Delete(ctx, sc.ID))
	_, err := ts.Get(ctx, sc.ID)
	assert.True(t, errors.IsNotFoundError(err))

	var n int
	require.NoError(t, ts.db.QueryRow(`SELECT COUNT(*) FROM schedule_runs WHERE schedule_id = ?`, sc.ID).Scan(&n))
	assert.Zero(t, n)

	assert.True(t, errors.IsNotFoundError(ts.Delete(ctx, sc.ID)))
}

func TestConfigFromAM(t *testing.T) {
	cfg := &am.Config{Scheduler: am.SchedulerConfig{InstanceID: "signal-box-9", LockTTLSeconds: 45, MisfireGraceSeconds: 90}}
	c := ConfigFromAM(cfg)
	assert.Equal(t, "signal-box-9", c.InstanceID)
	assert.Equal(t, 45*time.Second, c.LockTTL)
	assert.Equal(t, 90, c.DefaultMisfireGrace)

	c = ConfigFromAM(&am.Config{})
	assert.NotEmpty(t, c.InstanceID)
	assert.Equal(t, 30*time.Second, c.LockTTL)
}
