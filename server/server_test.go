package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pulseline/errors"
	pulsetest "github.com/teranos/pulseline/internal/testing"
	"github.com/teranos/pulseline/internal/util"
	"github.com/teranos/pulseline/pulse/alert"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/deadletter"
	"github.com/teranos/pulseline/pulse/event"
	"github.com/teranos/pulseline/pulse/lock"
	"github.com/teranos/pulseline/pulse/schedule"
	"github.com/teranos/pulseline/pulse/workflow"
)

// ============================================================================
// Post Office Test Universe
// ============================================================================
//
// Characters:
//   - The Counter: takes letters over HTTP and hands back a receipt
//   - The Sorting Office: the engine behind the counter
//   - Returned Mail: letters nobody could deliver, waiting for a clerk
//   - The Bell: rings the front desk when something goes wrong
//
// Theme: the counter never loses a letter and never accepts the same one
// twice; every receipt says plainly whether the letter is new.
// ============================================================================

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	*Server
	engine *async.Engine
	dlq    *deadletter.Manager
	alerts *alert.Dispatcher
	clock  *pulsetest.Clock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database := pulsetest.CreateTestDB(t)
	clock := pulsetest.NewClock(epoch)
	log := zaptest.NewLogger(t).Sugar()

	handlers := async.NewRegistry()
	handlers.Register(async.NewHandler("letter", "1.0.0", func(ctx context.Context, params json.RawMessage, ec async.ExecContext) (json.RawMessage, error) {
		return params, nil
	}))
	concurrency := lock.NewManager(database, lock.ConcurrencyLocks, log)
	concurrency.SetClock(clock.Now)
	events := event.NewLog(database, log)
	events.SetClock(clock.Now)
	engine := async.NewEngine(database, handlers, concurrency, events, log)
	engine.SetClock(clock.Now)
	engine.SetPolicy(async.Policy{
		MaxRetries: 2,
		Backoff:    async.BackoffPolicy{Base: 10 * time.Second, Factor: 2, Max: time.Hour},
		LeaseTTL:   time.Minute,
	})

	defs := workflow.NewRegistry()
	defs.Register(&workflow.Definition{
		Name:    "delivery-round",
		Version: "1.0.0",
		Steps: []workflow.StepDef{{
			Name: "stamp",
			Type: workflow.StepOperation,
			Operation: func(ctx context.Context, sc workflow.StepContext) (json.RawMessage, error) {
				return json.RawMessage(`{"stamped":true}`), nil
			},
		}},
	})
	runner := workflow.NewRunner(database, defs, engine, log)
	runner.SetClock(clock.Now)

	alerts := alert.NewDispatcher(database, events, log)
	alerts.SetClock(clock.Now)
	dlq := deadletter.NewManager(database, engine, alerts, log)
	dlq.SetClock(clock.Now)

	scheduleLocks := lock.NewManager(database, lock.ScheduleLocks, log)
	scheduleLocks.SetClock(clock.Now)
	scheduler := schedule.NewScheduler(database, engine, runner, scheduleLocks, alerts,
		schedule.Config{InstanceID: "counter-1", LockTTL: 30 * time.Second}, log)
	scheduler.SetClock(clock.Now)

	srv := New(Deps{
		DB:          database,
		Engine:      engine,
		Runner:      runner,
		Scheduler:   scheduler,
		DeadLetters: dlq,
		Alerts:      alerts,
		Locks:       concurrency,
	}, log)
	t.Cleanup(srv.cancel)

	return &testServer{Server: srv, engine: engine, dlq: dlq, alerts: alerts, clock: clock}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

// postLetter submits a letter through the engine, bypassing the counter.
func (ts *testServer) postLetter(t *testing.T, to string, maxRetries *int) *async.Execution {
	t.Helper()
	sub, err := ts.engine.Submit(context.Background(), async.SubmitRequest{
		Workflow:       "letter",
		Params:         json.RawMessage(`{"to":"` + to + `"}`),
		IdempotencyKey: "letter:" + to,
		MaxRetries:     maxRetries,
	})
	require.NoError(t, err)
	return sub.Execution
}

func TestCounterReceiptSaysWhetherLetterIsNew(t *testing.T) {
	ts := newTestServer(t)
	body := `{"workflow":"letter","params":{"to":"Ada"},"idempotency_key":"letter:ada"}`

	rec := ts.do(t, http.MethodPost, "/api/executions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first async.Submission
	decode(t, rec, &first)
	assert.False(t, first.Existing)
	assert.Equal(t, async.StatusPending, first.Execution.Status)
	assert.Equal(t, async.TriggerAPI, first.Execution.Trigger)

	rec = ts.do(t, http.MethodPost, "/api/executions", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var again async.Submission
	decode(t, rec, &again)
	assert.True(t, again.Existing)
	assert.Equal(t, first.Execution.ID, again.Execution.ID)

	rec = ts.do(t, http.MethodGet, "/api/executions/"+first.Execution.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/executions?status=pending&workflow=letter", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page async.Page
	decode(t, rec, &page)
	assert.Equal(t, 1, page.Total)
}

func TestDryRunIsNotStored(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/executions", `{"workflow":"letter","dry_run":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sub async.Submission
	decode(t, rec, &sub)
	assert.True(t, sub.DryRun)

	rec = ts.do(t, http.MethodGet, "/api/executions", "")
	var page async.Page
	decode(t, rec, &page)
	assert.Zero(t, page.Total)
}

func TestCounterMapsErrorsToStatusCodes(t *testing.T) {
	ts := newTestServer(t)
	pending := ts.postLetter(t, "Grace", nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown workflow", http.MethodPost, "/api/executions", `{"workflow":"parcel"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/executions", `{"workflow":"letter","stamp":"1st"}`, http.StatusBadRequest},
		{"broken json", http.MethodPost, "/api/executions", `{"workflow":`, http.StatusBadRequest},
		{"unknown status filter", http.MethodGet, "/api/executions?status=lost", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/executions?limit=many", "", http.StatusBadRequest},
		{"missing execution", http.MethodGet, "/api/executions/EXNOPE", "", http.StatusNotFound},
		{"retry of a pending letter", http.MethodPost, "/api/executions/" + pending.ID + "/retry", "", http.StatusConflict},
		{"missing schedule", http.MethodGet, "/api/schedules/nope", "", http.StatusNotFound},
		{"missing dead letter", http.MethodPost, "/api/dead-letters/DLNOPE/replay", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			var resp ErrorResponse
			decode(t, rec, &resp)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestStatusForSentinels(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(errors.NewNotFoundError("letter %s", "x")))
	assert.Equal(t, http.StatusBadRequest, statusFor(errors.Wrap(errors.ErrUnknownWorkflow, "parcel")))
	assert.Equal(t, http.StatusConflict, statusFor(errors.NewInvalidTransitionError("execution", "x", "completed", "cancelled")))
	assert.Equal(t, http.StatusConflict, statusFor(errors.Wrap(errors.ErrLockHeld, "sorting")))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errors.Wrap(errors.ErrServiceUnavailable, "closed")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("van broke down")))
}

func TestCancelledLetterRetriesIntoSameLineage(t *testing.T) {
	ts := newTestServer(t)
	letter := ts.postLetter(t, "Linus", nil)

	rec := ts.do(t, http.MethodPost, "/api/executions/"+letter.ID+"/cancel", `{"reason":"return to sender"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cancelled async.Execution
	decode(t, rec, &cancelled)
	assert.Equal(t, async.StatusCancelled, cancelled.Status)
	assert.Equal(t, "return to sender", cancelled.CancelReason)

	// cancelling twice is a no-op
	rec = ts.do(t, http.MethodPost, "/api/executions/"+letter.ID+"/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/executions/"+letter.ID+"/retry", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var retry async.Submission
	decode(t, rec, &retry)
	assert.Equal(t, letter.ID, retry.Execution.CausedBy)
	assert.Equal(t, letter.LineageID, retry.Execution.LineageID)

	rec = ts.do(t, http.MethodGet, "/api/executions/"+letter.ID+"/lineage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var lineage struct {
		LineageID  string            `json:"lineage_id"`
		Executions []*async.Execution `json:"executions"`
	}
	decode(t, rec, &lineage)
	assert.Equal(t, letter.LineageID, lineage.LineageID)
	assert.Len(t, lineage.Executions, 2)

	rec = ts.do(t, http.MethodGet, "/api/executions/"+letter.ID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var evs struct {
		Events []event.Event `json:"events"`
	}
	decode(t, rec, &evs)
	require.Len(t, evs.Events, 2)
	assert.Equal(t, event.ExecutionCreated, evs.Events[0].Type)
	assert.Equal(t, event.ExecutionCancelled, evs.Events[1].Type)
}

func TestDeliveryRoundRuns(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/runs", `{"workflow":"delivery-round","params":{"street":"Elm"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var started workflow.Started
	decode(t, rec, &started)
	require.NotNil(t, started.Run)
	assert.Equal(t, "delivery-round", started.Run.Workflow)

	rec = ts.do(t, http.MethodGet, "/api/runs/"+started.Run.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/runs?workflow=delivery-round", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page workflow.Page
	decode(t, rec, &page)
	assert.Equal(t, 1, page.Total)

	rec = ts.do(t, http.MethodPost, "/api/runs", `{"workflow":"night-round"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/schedules",
		`{"name":"morning-post","target_name":"letter","schedule_type":"interval","interval_seconds":600}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sc schedule.Schedule
	decode(t, rec, &sc)
	assert.Equal(t, 1, sc.Version)
	require.NotNil(t, sc.NextRunAt)
	assert.Equal(t, epoch.Add(10*time.Minute), sc.NextRunAt.UTC())

	rec = ts.do(t, http.MethodGet, "/api/schedules/morning-post", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("ETag"))

	rec = ts.do(t, http.MethodPatch, "/api/schedules/morning-post", `{"priority":5}`, "If-Match", `"7"`)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPatch, "/api/schedules/morning-post", `{"priority":5}`, "If-Match", `"1"`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &sc)
	assert.Equal(t, 2, sc.Version)
	assert.Equal(t, 5, sc.Priority)
	assert.Equal(t, "2", rec.Header().Get("ETag"))

	rec = ts.do(t, http.MethodPost, "/api/schedules/morning-post/trigger", `{"params":{"to":"Margaret"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var run schedule.Run
	decode(t, rec, &run)
	assert.Equal(t, sc.ID, run.ScheduleID)
	assert.NotEmpty(t, run.TargetID)

	rec = ts.do(t, http.MethodGet, "/api/schedules/morning-post/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Runs []*schedule.Run `json:"runs"`
	}
	decode(t, rec, &runs)
	assert.Len(t, runs.Runs, 1)

	rec = ts.do(t, http.MethodPost, "/api/schedules/morning-post/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &sc)
	assert.False(t, sc.Enabled)

	rec = ts.do(t, http.MethodGet, "/api/schedules?enabled=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page schedule.Page
	decode(t, rec, &page)
	assert.Zero(t, page.Total)

	rec = ts.do(t, http.MethodPost, "/api/schedules/morning-post/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &sc)
	assert.True(t, sc.Enabled)

	rec = ts.do(t, http.MethodDelete, "/api/schedules/morning-post", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/schedules/morning-post", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

const postRoundsTOML = `
[[schedules]]
name = "morning-post"
target_name = "letter"
schedule_type = "interval"
interval_seconds = 3600

[[schedules]]
name = "evening-round"
target_type = "run"
target_name = "delivery-round"
schedule_type = "cron"
cron_expression = "0 18 * * *"
`

func TestApplyScheduleFile(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/schedules/apply", postRoundsTOML, "Content-Type", "application/toml")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Results []schedule.Applied `json:"results"`
		Error   string             `json:"error"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "created", resp.Results[0].Action)
	assert.Equal(t, "created", resp.Results[1].Action)

	yamlFile := `
schedules:
  - name: morning-post
    target_name: letter
    schedule_type: interval
    interval_seconds: 1800
  - name: ghost-round
    target_name: ghost
    schedule_type: interval
    interval_seconds: 60
`
	rec = ts.do(t, http.MethodPost, "/api/schedules/apply?format=yaml", yamlFile, "Content-Type", "text/plain")
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	resp.Results, resp.Error = nil, ""
	decode(t, rec, &resp)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "updated", resp.Results[0].Action)
	assert.Equal(t, "failed", resp.Results[1].Action)
	assert.Contains(t, resp.Error, "1 of 2 schedules failed")

	rec = ts.do(t, http.MethodPost, "/api/schedules/apply", postRoundsTOML, "Content-Type", "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var er ErrorResponse
	decode(t, rec, &er)
	assert.Contains(t, er.Hint, "application/toml")
}

func TestReturnedMailReplayThenResolve(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ts.postLetter(t, "Barbara", util.Ptr(0))
	ts.clock.Advance(time.Second)
	claimed, err := ts.engine.Claim(ctx, async.ClaimRequest{WorkerID: "postie-1"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, outcome, err := ts.engine.Fail(ctx, claimed.ID, errors.New("no such address"), true)
	require.NoError(t, err)
	require.True(t, outcome.Exhausted)

	rec := ts.do(t, http.MethodGet, "/api/dead-letters?unresolved=true&workflow=letter", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page deadletter.Page
	decode(t, rec, &page)
	require.Equal(t, 1, page.Total)
	parked := page.Items[0]
	assert.Equal(t, claimed.ID, parked.ExecutionID)

	rec = ts.do(t, http.MethodPost, "/api/dead-letters/"+parked.ID+"/replay", `{"actor":"clerk"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sub async.Submission
	decode(t, rec, &sub)
	assert.Equal(t, async.TriggerReplay, sub.Execution.Trigger)

	rec = ts.do(t, http.MethodPost, "/api/dead-letters/"+parked.ID+"/resolve", `{"actor":"clerk","note":"hand delivered"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resolved deadletter.DeadLetter
	decode(t, rec, &resolved)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, "clerk", resolved.ResolvedBy)
	assert.Equal(t, "hand delivered", resolved.ResolutionNote)

	rec = ts.do(t, http.MethodPost, "/api/dead-letters/"+parked.ID+"/replay", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/dead-letters/"+parked.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBellRingsFrontDesk(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/alert-channels", `{"name":"front-desk","channel_type":"pigeon"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var er ErrorResponse
	decode(t, rec, &er)
	assert.Contains(t, er.Hint, "log")

	rec = ts.do(t, http.MethodPost, "/api/alert-channels", `{"name":"front-desk","channel_type":"log"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ch alert.Channel
	decode(t, rec, &ch)
	assert.Equal(t, alert.SeverityWarning, ch.MinSeverity)

	rec = ts.do(t, http.MethodGet, "/api/alert-channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Channels []*alert.Channel `json:"channels"`
		Types    []string         `json:"types"`
	}
	decode(t, rec, &listed)
	assert.Len(t, listed.Channels, 1)
	assert.Contains(t, listed.Types, "log")

	bell := `{"severity":"error","title":"Sorting machine jammed","dedup_key":"sorter"}`
	rec = ts.do(t, http.MethodPost, "/api/alerts", bell)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var raised alert.Alert
	decode(t, rec, &raised)
	assert.False(t, raised.Suppressed)
	assert.Equal(t, "api", raised.Source)

	rec = ts.do(t, http.MethodGet, "/api/alerts/"+raised.ID+"/deliveries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var deliveries struct {
		Deliveries []*alert.Delivery `json:"deliveries"`
	}
	decode(t, rec, &deliveries)
	require.Len(t, deliveries.Deliveries, 1)
	assert.Equal(t, alert.DeliverySent, deliveries.Deliveries[0].Status)

	// same dedup key inside the throttle window
	rec = ts.do(t, http.MethodPost, "/api/alerts", bell)
	require.Equal(t, http.StatusCreated, rec.Code)
	var again alert.Alert
	decode(t, rec, &again)
	assert.True(t, again.Suppressed)

	rec = ts.do(t, http.MethodGet, "/api/alerts?suppressed=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page alert.Page
	decode(t, rec, &page)
	assert.Equal(t, 1, page.Total)

	rec = ts.do(t, http.MethodGet, "/api/alerts/ALNOPE/deliveries", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/alert-channels/front-desk", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestEventPagesFollowSeq(t *testing.T) {
	ts := newTestServer(t)
	ts.postLetter(t, "Ken", nil)
	ts.postLetter(t, "Dennis", nil)

	rec := ts.do(t, http.MethodGet, "/api/events?type=execution.created&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var first EventsResponse
	decode(t, rec, &first)
	require.Len(t, first.Events, 1)
	assert.Equal(t, first.Events[0].Seq, first.NextSeq)

	rec = ts.do(t, http.MethodGet, "/api/events?type=execution.created&after_seq="+itoa(first.NextSeq), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var second EventsResponse
	decode(t, rec, &second)
	require.Len(t, second.Events, 1)
	assert.Greater(t, second.Events[0].Seq, first.NextSeq)

	rec = ts.do(t, http.MethodGet, "/api/events?after_seq="+itoa(second.NextSeq), "")
	var empty EventsResponse
	decode(t, rec, &empty)
	assert.Empty(t, empty.Events)
	assert.Equal(t, second.NextSeq, empty.NextSeq)

	rec = ts.do(t, http.MethodGet, "/api/events?after_seq=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestEventStreamSendsBacklogThenLive(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ts.Run()
	go ts.events.Tail(ctx, 20*time.Millisecond)

	ts.postLetter(t, "Alan", nil)
	second := ts.postLetter(t, "Edsger", nil)

	httpSrv := httptest.NewServer(ts.Handler())
	defer httpSrv.Close()

	first := ts.do(t, http.MethodGet, "/api/events?type=execution.created&limit=1", "")
	var page EventsResponse
	decode(t, first, &page)
	require.Len(t, page.Events, 1)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") +
		"/api/events/stream?type=execution.created&after_seq=" + itoa(page.NextSeq)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "hello", msg.Type)
	assert.NotEmpty(t, msg.ClientID)

	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "event", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, second.ID, msg.Event.OwnerID, "backlog first")

	third := ts.postLetter(t, "Barbara", nil)
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Event)
	assert.Equal(t, third.ID, msg.Event.OwnerID, "then live")
	assert.Equal(t, event.ExecutionCreated, msg.Event.Type)

	require.Eventually(t, func() bool { return ts.clientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHealthReportsEngineAndDrains(t *testing.T) {
	ts := newTestServer(t)
	ts.postLetter(t, "Frances", nil)

	rec := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	decode(t, rec, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "running", health["state"])
	assert.Contains(t, health, "executions")
	assert.Contains(t, health, "version")

	ts.setState(ServerStateDraining)
	rec = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	decode(t, rec, &health)
	assert.Equal(t, "draining", health["status"])
}

func TestLocksAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.postLetter(t, "John", nil)
	ts.clock.Advance(time.Second)
	_, err := ts.engine.Claim(context.Background(), async.ClaimRequest{WorkerID: "postie-1"})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/locks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var locks struct {
		Locks []struct {
			Lock    lock.Lock `json:"lock"`
			Expired bool      `json:"expired"`
		} `json:"locks"`
	}
	decode(t, rec, &locks)
	require.Len(t, locks.Locks, 1)
	assert.Contains(t, locks.Locks[0].Lock.Holder, "EX")

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pulseline_http_requests_total")
	assert.Contains(t, rec.Body.String(), "pulseline_executions_submitted_total")
}

func TestCORSOnlyForAllowedOrigins(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodOptions, "/api/executions", "", "Origin", "http://localhost:5173")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = ts.do(t, http.MethodGet, "/api/executions", "", "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
