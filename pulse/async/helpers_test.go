package async

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	pulsetest "github.com/teranos/pulseline/internal/testing"
	"github.com/teranos/pulseline/pulse/event"
	"github.com/teranos/pulseline/pulse/lock"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type testEngine struct {
	*Engine
	clock    *pulsetest.Clock
	registry *Registry
	locks    *lock.Manager
	events   *event.Log
	log      *zap.SugaredLogger
}

// newTestEngine builds an engine over a fresh database with a frozen clock
// and deterministic backoff (base 10s, factor 2, no jitter).
func newTestEngine(t *testing.T, handlers ...Handler) *testEngine {
	t.Helper()
	database := pulsetest.CreateTestDB(t)
	clock := pulsetest.NewClock(epoch)
	log := zaptest.NewLogger(t).Sugar()

	registry := NewRegistry()
	for _, h := range handlers {
		registry.Register(h)
	}
	locks := lock.NewManager(database, lock.ConcurrencyLocks, log)
	locks.SetClock(clock.Now)
	events := event.NewLog(database, log)
	events.SetClock(clock.Now)

	e := NewEngine(database, registry, locks, events, log)
	e.SetClock(clock.Now)
	e.SetPolicy(Policy{
		MaxRetries: 2,
		Backoff:    BackoffPolicy{Base: 10 * time.Second, Factor: 2, Max: time.Hour},
		LeaseTTL:   time.Minute,
	})
	return &testEngine{Engine: e, clock: clock, registry: registry, locks: locks, events: events, log: log}
}

func (te *testEngine) submit(t *testing.T, req SubmitRequest) *Execution {
	t.Helper()
	sub, err := te.Submit(context.Background(), req)
	require.NoError(t, err)
	require.False(t, sub.Existing, "expected a new execution")
	return sub.Execution
}

func (te *testEngine) claim(t *testing.T, worker string) *Execution {
	t.Helper()
	exec, err := te.Claim(context.Background(), ClaimRequest{WorkerID: worker})
	require.NoError(t, err)
	return exec
}

func (te *testEngine) eventTypes(t *testing.T, owner string) []event.Type {
	t.Helper()
	evs, err := te.events.ForOwner(context.Background(), owner)
	require.NoError(t, err)
	out := make([]event.Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

// echo returns its params as result
func echo(name, version string) Handler {
	return NewHandler(name, version, func(ctx context.Context, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
		return params, nil
	})
}

// recordingObserver collects terminal transitions
type recordingObserver struct {
	mu       sync.Mutex
	finished []*Execution
	outcomes []Outcome
}

func (o *recordingObserver) ExecutionFinished(ctx context.Context, exec *Execution, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, exec)
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.finished)
}
