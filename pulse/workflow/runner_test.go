package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pulseline/errors"
	pulsetest "github.com/teranos/pulseline/internal/testing"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/event"
	"github.com/teranos/pulseline/pulse/lock"
)

// ============================================================================
// Tool-Assisted Speedrun Test Universe
// ============================================================================
//
// Characters:
//   - The Runner: executes a route split by split
//   - The Verifier: checks each split against the rules before it counts
//
// Theme: a route is a workflow, each split is a step. Some splits are
// frame-perfect inline tricks, some are delegated to the emulator (a task
// execution), and a failed split either resets the run or is eaten for time.
// ============================================================================

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type testRunner struct {
	*Runner
	db     *sql.DB
	engine *async.Engine
	clock  *pulsetest.Clock
	events *event.Log
}

func newTestRunner(t *testing.T, defs ...*Definition) *testRunner {
	t.Helper()
	database := pulsetest.CreateTestDB(t)
	clock := pulsetest.NewClock(epoch)
	log := zaptest.NewLogger(t).Sugar()

	handlers := async.NewRegistry()
	handlers.Register(async.NewHandler("emulate-segment", "1.0.0", func(ctx context.Context, params json.RawMessage, ec async.ExecContext) (json.RawMessage, error) {
		return params, nil
	}))

	locks := lock.NewManager(database, lock.ConcurrencyLocks, log)
	locks.SetClock(clock.Now)
	events := event.NewLog(database, log)
	events.SetClock(clock.Now)
	engine := async.NewEngine(database, handlers, locks, events, log)
	engine.SetClock(clock.Now)
	engine.SetPolicy(async.Policy{
		MaxRetries: 2,
		Backoff:    async.BackoffPolicy{Base: 10 * time.Second, Factor: 2, Max: time.Hour},
		LeaseTTL:   time.Minute,
	})

	registry := NewRegistry()
	for _, d := range defs {
		registry.Register(d)
	}
	r := NewRunner(database, registry, engine, log)
	r.SetClock(clock.Now)
	return &testRunner{Runner: r, db: database, engine: engine, clock: clock, events: events}
}

func (tr *testRunner) start(t *testing.T, req StartRequest) *Run {
	t.Helper()
	started, err := tr.Start(context.Background(), req)
	require.NoError(t, err)
	require.False(t, started.Existing)
	return started.Run
}

func (tr *testRunner) eventTypes(t *testing.T, owner string) []event.Type {
	t.Helper()
	evs, err := tr.events.ForOwner(context.Background(), owner)
	require.NoError(t, err)
	out := make([]event.Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func constOp(out string) OperationFunc {
	return func(ctx context.Context, sc StepContext) (json.RawMessage, error) {
		return json.RawMessage(out), nil
	}
}

func failOp(err error) OperationFunc {
	return func(ctx context.Context, sc StepContext) (json.RawMessage, error) {
		return nil, err
	}
}

func stepStatuses(run *Run) []StepStatus {
	out := make([]StepStatus, 0, len(run.Steps))
	for _, st := range run.Steps {
		out = append(out, st.Status)
	}
	return out
}

func TestRunnerCompletesEverySplit(t *testing.T) {
	route := &Definition{
		Name:    "any-percent",
		Version: "1.0.0",
		Steps: []StepDef{
			{Name: "wrong-warp", Type: StepOperation, Operation: constOp(`{"frame":1042}`)},
			{Name: "verify", Type: StepCondition, Condition: func(ctx context.Context, sc StepContext) (bool, error) {
				var v struct{ Frame int }
				require.NoError(t, json.Unmarshal(sc.Outputs["wrong-warp"], &v))
				return v.Frame > 1000, nil
			}},
			{Name: "credits", Type: StepParallel, Branches: []Branch{
				{Name: "input-display", Run: constOp(`"A B A"`)},
				{Name: "timer", Run: constOp(`"4:57.3"`)},
			}},
		},
	}
	tr := newTestRunner(t, route)

	run := tr.start(t, StartRequest{Workflow: "any-percent", Params: json.RawMessage(`{"category":"glitched"}`)})

	assert.Equal(t, async.StatusCompleted, run.Status)
	assert.Equal(t, PolicyStop, run.FailurePolicy)
	assert.Equal(t, 3, run.StepsTotal)
	assert.Equal(t, 3, run.StepsCompleted)
	assert.Equal(t, []StepStatus{StepCompleted, StepCompleted, StepCompleted}, stepStatuses(run))
	assert.JSONEq(t, `{
		"wrong-warp": {"frame":1042},
		"verify": {"result":true},
		"credits": {"input-display":"A B A","timer":"4:57.3"}
	}`, string(run.Output))
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.CompletedAt)

	types := tr.eventTypes(t, run.ID)
	assert.Equal(t, event.RunCreated, types[0])
	assert.Equal(t, event.RunStarted, types[1])
	assert.Equal(t, event.RunCompleted, types[len(types)-1])
	assert.Contains(t, types, event.StepCompleted)
}

func TestFalseConditionSkipsRemainingSplits(t *testing.T) {
	var ran atomic.Bool
	route := &Definition{
		Name:    "skip-check",
		Version: "1.0.0",
		Steps: []StepDef{
			{Name: "verify", Type: StepCondition, Condition: func(ctx context.Context, sc StepContext) (bool, error) { return false, nil }},
			{Name: "ending", Type: StepOperation, Operation: func(ctx context.Context, sc StepContext) (json.RawMessage, error) {
				ran.Store(true)
				return nil, nil
			}},
			{Name: "credits", Type: StepOperation, Operation: constOp(`{}`)},
		},
	}
	tr := newTestRunner(t, route)

	run := tr.start(t, StartRequest{Workflow: "skip-check"})

	assert.Equal(t, async.StatusCompleted, run.Status, "skipped steps still count toward completion")
	assert.False(t, ran.Load())
	assert.Equal(t, []StepStatus{StepCompleted, StepSkipped, StepSkipped}, stepStatuses(run))
	assert.Equal(t, 1, run.StepsCompleted)
	assert.Equal(t, 2, run.StepsSkipped)
}

func TestStopPolicyResetsRunOnFailedSplit(t *testing.T) {
	route := &Definition{
		Name:    "reset-on-fail",
		Version: "1.0.0",
		Steps: []StepDef{
			{Name: "setup", Type: StepOperation, Operation: constOp(`1`)},
			{Name: "clip", Type: StepOperation, Operation: failOp(async.Permanent(errors.New("missed the clip")))},
			{Name: "finish", Type: StepOperation, Operation: constOp(`2`)},
		},
	}
	tr := newTestRunner(t, route)

	run := tr.start(t, StartRequest{Workflow: "reset-on-fail"})

	assert.Equal(t, async.StatusFailed, run.Status)
	assert.Equal(t, []StepStatus{StepCompleted, StepFailed, StepCancelled}, stepStatuses(run))
	assert.Contains(t, run.Error, "step clip")
	assert.Contains(t, run.Error, "missed the clip")
	assert.Equal(t, string(async.ErrorCodePermanent), run.ErrorCategory)
	assert.False(t, run.ErrorRetryable)
	assert.Equal(t, 1, run.StepsFailed)
	assert.Contains(t, tr.eventTypes(t, run.ID), event.RunFailed)
}

func TestContinuePolicyEatsTheTimeLoss(t *testing.T) {
	route := &Definition{
		Name:          "keep-going",
		Version:       "1.0.0",
		FailurePolicy: PolicyContinue,
		Steps: []StepDef{
			{Name: "clip", Type: StepOperation, Operation: failOp(async.Permanent(errors.New("bonk")))},
			{Name: "finish", Type: StepOperation, Operation: constOp(`"done"`)},
		},
	}
	tr := newTestRunner(t, route)

	run := tr.start(t, StartRequest{Workflow: "keep-going"})

	assert.Equal(t, async.StatusFailed, run.Status, "a failed step still fails the run")
	assert.Equal(t, []StepStatus{StepFailed, StepCompleted}, stepStatuses(run))
	assert.Equal(t, 1, run.StepsCompleted)
	assert.Equal(t, 1, run.StepsFailed)
	assert.JSONEq(t, `{"finish":"done"}`, string(run.Output))
}

func TestInlineSplitRetriesUntilMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	route := &Definition{
		Name:    "frame-perfect",
		Version: "1.0.0",
		Steps: []StepDef{{
			Name:        "trick",
			Type:        StepOperation,
			MaxAttempts: 3,
			Operation: func(ctx context.Context, sc StepContext) (json.RawMessage, error) {
				if calls.Add(1) < 3 {
					return nil, async.Retryable(errors.New("one frame late"))
				}
				return json.RawMessage(`"hit"`), nil
			},
		}},
	}
	tr := newTestRunner(t, route)

	run := tr.start(t, StartRequest{Workflow: "frame-perfect"})

	assert.Equal(t, async.StatusCompleted, run.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, run.Steps[0].Attempt)
}

func TestParallelBranchFailureFailsSplit(t *testing.T) {
	route := &Definition{
		Name:    "co-op",
		Version: "1.0.0",
		Steps: []StepDef{{
			Name: "both-players",
			Type: StepParallel,
			Branches: []Branch{
				{Name: "p1", Run: constOp(`"ok"`)},
				{Name: "p2", Run: failOp(async.Permanent(errors.New("desync")))},
			},
		}},
	}
	tr := newTestRunner(t, route)

	run := tr.start(t, StartRequest{Workflow: "co-op"})

	assert.Equal(t, async.StatusFailed, run.Status)
	assert.Contains(t, run.Steps[0].Error, "branch p2")
	assert.Contains(t, run.Steps[0].Error, "desync")
}

func TestPanickingSplitFailsPermanently(t *testing.T) {
	route := &Definition{
		Name:    "softlock",
		Version: "1.0.0",
		Steps: []StepDef{{
			Name:        "menu-glitch",
			Type:        StepOperation,
			MaxAttempts: 5,
			Operation: func(ctx context.Context, sc StepContext) (json.RawMessage, error) {
				panic("stack overflow in menu")
			},
		}},
	}
	tr := newTestRunner(t, route)

	run := tr.start(t, StartRequest{Workflow: "softlock"})

	assert.Equal(t, async.StatusFailed, run.Status)
	assert.Equal(t, 1, run.Steps[0].Attempt, "a panic is never retried")
}

func emulatorRoute(maxAttempts int) *Definition {
	return &Definition{
		Name:    "console-verified",
		Version: "1.0.0",
		Steps: []StepDef{
			{Name: "segment", Type: StepTask, MaxAttempts: maxAttempts, Task: &TaskSpec{Workflow: "emulate-segment"}},
			{Name: "submit-time", Type: StepOperation, Operation: func(ctx context.Context, sc StepContext) (json.RawMessage, error) {
				return sc.Outputs["segment"], nil
			}},
		},
	}
}

func TestTaskSplitWaitsForExecution(t *testing.T) {
	tr := newTestRunner(t, emulatorRoute(1))
	ctx := context.Background()

	run := tr.start(t, StartRequest{Workflow: "console-verified", Params: json.RawMessage(`{"segment":"world-1"}`)})
	assert.Equal(t, async.StatusRunning, run.Status)
	step := run.Steps[0]
	assert.Equal(t, StepRunning, step.Status)
	require.NotEmpty(t, step.ExecutionID)

	exec, err := tr.engine.Get(ctx, step.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, exec.ParentRunID)
	assert.Equal(t, async.TriggerParent, exec.Trigger)
	assert.Equal(t, 0, exec.MaxRetries)
	assert.JSONEq(t, `{"segment":"world-1"}`, string(exec.Params))

	claimed, err := tr.engine.Claim(ctx, async.ClaimRequest{WorkerID: "console"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = tr.engine.Complete(ctx, claimed.ID, json.RawMessage(`{"time":"12:01"}`))
	require.NoError(t, err)

	done, err := tr.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, async.StatusCompleted, done.Status)
	assert.JSONEq(t, `{"time":"12:01"}`, string(done.Steps[1].Output))
}

func TestTaskSplitFollowsRetryLineage(t *testing.T) {
	tr := newTestRunner(t, emulatorRoute(2))
	ctx := context.Background()

	run := tr.start(t, StartRequest{Workflow: "console-verified"})
	first := run.Steps[0].ExecutionID

	claimed, err := tr.engine.Claim(ctx, async.ClaimRequest{WorkerID: "console"})
	require.NoError(t, err)
	_, outcome, err := tr.engine.Fail(ctx, claimed.ID, errors.New("emulator desync"), true)
	require.NoError(t, err)
	require.NotNil(t, outcome.Retry)

	mid, err := tr.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, async.StatusRunning, mid.Status)
	assert.Equal(t, outcome.Retry.ID, mid.Steps[0].ExecutionID)
	assert.NotEqual(t, first, mid.Steps[0].ExecutionID)
	assert.Equal(t, 2, mid.Steps[0].Attempt)

	tr.clock.Advance(time.Minute)
	retry, err := tr.engine.Claim(ctx, async.ClaimRequest{WorkerID: "console"})
	require.NoError(t, err)
	require.NotNil(t, retry)
	_, err = tr.engine.Complete(ctx, retry.ID, json.RawMessage(`"clean"`))
	require.NoError(t, err)

	done, err := tr.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, async.StatusCompleted, done.Status)
}

func TestTaskSplitExhaustionFailsRun(t *testing.T) {
	tr := newTestRunner(t, emulatorRoute(1))
	ctx := context.Background()

	run := tr.start(t, StartRequest{Workflow: "console-verified"})
	claimed, err := tr.engine.Claim(ctx, async.ClaimRequest{WorkerID: "console"})
	require.NoError(t, err)
	_, outcome, err := tr.engine.Fail(ctx, claimed.ID, errors.New("emulator desync"), true)
	require.NoError(t, err)
	assert.True(t, outcome.Exhausted)

	done, err := tr.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, async.StatusFailed, done.Status)
	assert.Equal(t, []StepStatus{StepFailed, StepCancelled}, stepStatuses(done))
	assert.Contains(t, done.Error, "emulator desync")
}

func TestCancelRunStopsTaskExecution(t *testing.T) {
	tr := newTestRunner(t, emulatorRoute(1))
	ctx := context.Background()

	var finished []*Run
	var mu sync.Mutex
	tr.AddObserver(RunObserverFunc(func(ctx context.Context, run *Run) {
		mu.Lock()
		defer mu.Unlock()
		finished = append(finished, run)
	}))

	run := tr.start(t, StartRequest{Workflow: "console-verified"})
	execID := run.Steps[0].ExecutionID

	cancelled, err := tr.Cancel(ctx, run.ID, "runner gave up")
	require.NoError(t, err)
	assert.Equal(t, async.StatusCancelled, cancelled.Status)
	assert.Equal(t, []StepStatus{StepCancelled, StepCancelled}, stepStatuses(cancelled))

	exec, err := tr.engine.Get(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, async.StatusCancelled, exec.Status)

	again, err := tr.Cancel(ctx, run.ID, "twice")
	require.NoError(t, err, "cancel is idempotent")
	assert.Equal(t, async.StatusCancelled, again.Status)

	mu.Lock()
	assert.Len(t, finished, 1)
	mu.Unlock()
}

func TestRunCancelledDuringTaskSubmitCancelsTheExecution(t *testing.T) {
	tr := newTestRunner(t, emulatorRoute(1))
	ctx := context.Background()

	// the verifier disqualifies the run the moment its segment reaches the emulator
	_, err := tr.db.Exec(`
		CREATE TRIGGER disqualify AFTER INSERT ON executions
		WHEN NEW.parent_run_id IS NOT NULL
		BEGIN
			UPDATE steps SET status = 'cancelled' WHERE run_id = NEW.parent_run_id;
			UPDATE runs SET status = 'cancelled' WHERE id = NEW.parent_run_id;
		END`)
	require.NoError(t, err)

	type result struct {
		started *Started
		err     error
	}
	done := make(chan result, 1)
	go func() {
		started, err := tr.Start(ctx, StartRequest{Workflow: "console-verified"})
		done <- result{started, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after the run was cancelled mid-submit")
	}
	require.NoError(t, res.err)
	assert.Equal(t, async.StatusCancelled, res.started.Run.Status)

	page, err := tr.engine.List(ctx, async.Filter{Workflow: "emulate-segment"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, async.StatusCancelled, page.Items[0].Status, "the orphaned segment is cancelled")
	assert.Equal(t, res.started.Run.ID, page.Items[0].ParentRunID)
}

func TestCancelCompletedRunIsInvalid(t *testing.T) {
	tr := newTestRunner(t, &Definition{
		Name: "instant", Version: "1.0.0",
		Steps: []StepDef{{Name: "only", Type: StepOperation, Operation: constOp(`1`)}},
	})
	run := tr.start(t, StartRequest{Workflow: "instant"})

	_, err := tr.Cancel(context.Background(), run.ID, "late")
	assert.True(t, errors.IsConflictError(err))

	_, err = tr.Cancel(context.Background(), "RN-missing", "late")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStartDeduplicatesActiveRun(t *testing.T) {
	tr := newTestRunner(t, emulatorRoute(1))
	ctx := context.Background()

	first, err := tr.Start(ctx, StartRequest{Workflow: "console-verified", IdempotencyKey: "attempt-1"})
	require.NoError(t, err)
	second, err := tr.Start(ctx, StartRequest{Workflow: "console-verified", IdempotencyKey: "attempt-1"})
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.Run.ID, second.Run.ID)

	page, err := tr.List(ctx, Filter{Workflow: "console-verified"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestStartRejectsUnknownRoute(t *testing.T) {
	tr := newTestRunner(t)

	_, err := tr.Start(context.Background(), StartRequest{Workflow: "glitchless"})
	assert.True(t, errors.Is(err, errors.ErrUnknownWorkflow))

	_, err = tr.Start(context.Background(), StartRequest{})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestListRunsPaginates(t *testing.T) {
	tr := newTestRunner(t, &Definition{
		Name: "instant", Version: "1.0.0",
		Steps: []StepDef{{Name: "only", Type: StepOperation, Operation: constOp(`1`)}},
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tr.start(t, StartRequest{Workflow: "instant"})
		tr.clock.Advance(time.Second)
	}

	page, err := tr.List(ctx, Filter{Status: async.StatusCompleted, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	page, err = tr.List(ctx, Filter{Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)
}
