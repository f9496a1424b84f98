package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/internal/httpclient"
	pulsetest "github.com/teranos/pulseline/internal/testing"
	"github.com/teranos/pulseline/internal/util"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/event"
)

// ============================================================================
// Lighthouse Test Universe
// ============================================================================
//
// Characters:
//   - The Keeper: raises alerts when a ship is in trouble
//   - The Foghorn, the Lamp, the Radio: channels with different reach
//
// Theme: the Keeper does not sound the foghorn twice for the same ship
// inside one watch. A radio that keeps failing is left to cool down before
// anyone tries it again.
// ============================================================================

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type testDispatcher struct {
	*Dispatcher
	clock  *pulsetest.Clock
	events *event.Log
}

func newTestDispatcher(t *testing.T) *testDispatcher {
	t.Helper()
	database := pulsetest.CreateTestDB(t)
	clock := pulsetest.NewClock(epoch)
	log := zaptest.NewLogger(t).Sugar()

	events := event.NewLog(database, log)
	events.SetClock(clock.Now)
	d := NewDispatcher(database, events, log)
	d.SetClock(clock.Now)
	d.SetPolicy(Policy{
		DefaultThrottle: 10 * time.Minute,
		MaxAttempts:     3,
		Backoff:         async.BackoffPolicy{Base: 30 * time.Second, Factor: 2, Max: time.Hour},
		SendTimeout:     5 * time.Second,
	})
	return &testDispatcher{Dispatcher: d, clock: clock, events: events}
}

// radio is a sender whose failures are scripted.
type radio struct {
	mu    sync.Mutex
	fail  bool
	calls int
	seen  []string
}

func (r *radio) Type() string                   { return "radio" }
func (r *radio) Validate(json.RawMessage) error { return nil }
func (r *radio) Send(ctx context.Context, ch *Channel, a *Alert) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.seen = append(r.seen, a.Title)
	if r.fail {
		return "static", errors.New("no carrier")
	}
	return "copy that", nil
}

func (r *radio) setFail(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = v
}

func (r *radio) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (td *testDispatcher) channel(t *testing.T, in ChannelInput) *Channel {
	t.Helper()
	ch, err := td.RegisterChannel(context.Background(), in)
	require.NoError(t, err)
	return ch
}

func (td *testDispatcher) raise(t *testing.T, in Input) *Alert {
	t.Helper()
	if in.Source == "" {
		in.Source = "keeper"
	}
	if in.Severity == "" {
		in.Severity = SeverityError
	}
	a, err := td.Raise(context.Background(), in)
	require.NoError(t, err)
	return a
}

func (td *testDispatcher) deliveries(t *testing.T, alertID string) []*Delivery {
	t.Helper()
	ds, err := td.ListDeliveries(context.Background(), alertID)
	require.NoError(t, err)
	return ds
}

func TestKeeperSuppressesRepeatWithinWatch(t *testing.T) {
	td := newTestDispatcher(t)
	td.channel(t, ChannelInput{Name: "foghorn", Type: "log"})

	first := td.raise(t, Input{Title: "ship on the rocks", DedupKey: "ship:argo"})
	td.clock.Advance(2 * time.Minute)
	second := td.raise(t, Input{Title: "ship on the rocks", DedupKey: "ship:argo"})

	assert.False(t, first.Suppressed)
	assert.True(t, second.Suppressed)
	assert.Len(t, td.deliveries(t, first.ID), 1)
	assert.Empty(t, td.deliveries(t, second.ID), "suppressed alerts are stored but never delivered")

	count, err := td.ThrottleCount(context.Background(), "ship:argo")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	td.clock.Advance(10 * time.Minute)
	third := td.raise(t, Input{Title: "ship on the rocks", DedupKey: "ship:argo"})
	assert.False(t, third.Suppressed, "a new watch opens after the window")
	assert.Len(t, td.deliveries(t, third.ID), 1)

	stored, err := td.GetAlert(context.Background(), second.ID)
	require.NoError(t, err)
	assert.True(t, stored.Suppressed)

	evs, err := td.events.ForOwner(context.Background(), second.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.AlertSuppressed, evs[0].Type)
}

func TestFanOutHonoursSeverityAndDomain(t *testing.T) {
	td := newTestDispatcher(t)
	foghorn := td.channel(t, ChannelInput{Name: "foghorn", Type: "log", MinSeverity: SeverityWarning})
	td.channel(t, ChannelInput{Name: "lamp", Type: "log", MinSeverity: SeverityCritical})
	td.channel(t, ChannelInput{Name: "harbour", Type: "log", DomainFilter: "harbour"})
	disabled := false
	td.channel(t, ChannelInput{Name: "retired", Type: "log", Enabled: &disabled})

	a := td.raise(t, Input{Severity: SeverityError, Title: "fog rolling in", Domain: "open-sea"})

	ds := td.deliveries(t, a.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, foghorn.ID, ds[0].ChannelID)
	assert.Equal(t, DeliverySent, ds[0].Status)
	assert.Equal(t, 1, ds[0].Attempt)
	assert.Equal(t, "logged", ds[0].Response)

	b := td.raise(t, Input{Severity: SeverityCritical, Title: "lamp out", Domain: "harbour"})
	assert.Len(t, td.deliveries(t, b.ID), 3)

	info := td.raise(t, Input{Severity: SeverityInfo, Title: "calm seas"})
	assert.Empty(t, td.deliveries(t, info.ID))
}

func TestWebhookDelivery(t *testing.T) {
	var got payload
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		header = r.Header.Get("X-Keeper")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	td := newTestDispatcher(t)
	td.RegisterSender(NewWebhookSender(httpclient.Wrap(srv.Client())))
	ch := td.channel(t, ChannelInput{
		Name:   "radio-tower",
		Type:   "webhook",
		Config: json.RawMessage(`{"url":"` + srv.URL + `","headers":{"X-Keeper":"on-watch"}}`),
	})

	a := td.raise(t, Input{Title: "mayday", Message: "taking on water", ExecutionID: "EX-argo"})

	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "mayday", got.Title)
	assert.Equal(t, "EX-argo", got.ExecutionID)
	assert.Equal(t, "radio-tower", got.Channel)
	assert.Equal(t, "on-watch", header)

	ds := td.deliveries(t, a.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, DeliverySent, ds[0].Status)
	assert.Equal(t, "202 ok", ds[0].Response)

	stored, err := td.GetChannel(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastSuccessAt)
	assert.Equal(t, 0, stored.ConsecutiveFailures)
}

func TestFailedDeliveryRetriesAsNewAttempts(t *testing.T) {
	td := newTestDispatcher(t)
	r := &radio{fail: true}
	td.RegisterSender(r)
	ch := td.channel(t, ChannelInput{Name: "radio", Type: "radio"})
	ctx := context.Background()

	a := td.raise(t, Input{Title: "mayday"})
	ds := td.deliveries(t, a.ID)
	require.Len(t, ds, 1)
	first := ds[0]
	assert.Equal(t, DeliveryFailed, first.Status)
	assert.Equal(t, "no carrier", first.Error)
	require.NotNil(t, first.NextRetryAt)
	assert.Equal(t, epoch.Add(30*time.Second), first.NextRetryAt.UTC())

	made, err := td.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, made, "nothing is due yet")

	td.clock.Advance(31 * time.Second)
	made, err = td.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, made)

	ds = td.deliveries(t, a.ID)
	require.Len(t, ds, 2)
	assert.Equal(t, first.ID, ds[0].ID)
	assert.Equal(t, DeliveryFailed, ds[0].Status, "prior attempts are never rewritten")
	assert.Equal(t, 2, ds[1].Attempt)
	require.NotNil(t, ds[1].NextRetryAt)
	assert.True(t, ds[1].NextRetryAt.After(*first.NextRetryAt), "retry times strictly increase")

	made, err = td.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, made, "a retried attempt is not picked up twice")

	r.setFail(false)
	td.clock.Advance(2 * time.Minute)
	made, err = td.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, made)

	ds = td.deliveries(t, a.ID)
	require.Len(t, ds, 3)
	assert.Equal(t, DeliverySent, ds[2].Status)
	assert.Equal(t, 3, ds[2].Attempt)

	stored, err := td.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ConsecutiveFailures, "a success resets the failure streak")
	assert.NotNil(t, stored.LastFailureAt)
	assert.NotNil(t, stored.LastSuccessAt)
}

func TestLastAttemptSchedulesNoRetry(t *testing.T) {
	td := newTestDispatcher(t)
	p := td.Policy()
	p.MaxAttempts = 1
	td.SetPolicy(p)
	td.RegisterSender(&radio{fail: true})
	td.channel(t, ChannelInput{Name: "radio", Type: "radio"})

	a := td.raise(t, Input{Title: "mayday"})
	ds := td.deliveries(t, a.ID)
	require.Len(t, ds, 1)
	assert.Nil(t, ds[0].NextRetryAt)
}

// pendingAttempt records an attempt that was never settled, as a crash
// between writing the row and sending would leave it.
func (td *testDispatcher) pendingAttempt(t *testing.T, a *Alert, ch *Channel) *Delivery {
	t.Helper()
	del := &Delivery{
		ID:          "lost-signal",
		AlertID:     a.ID,
		ChannelID:   ch.ID,
		Attempt:     1,
		MaxAttempts: td.Policy().MaxAttempts,
		Status:      DeliveryPending,
		CreatedAt:   td.clock.Now().UTC(),
	}
	ok, err := td.store.InsertDelivery(context.Background(), td.db, del)
	require.NoError(t, err)
	require.True(t, ok)
	return del
}

func TestUnsettledAttemptRejoinsRetryQueue(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()
	a := td.raise(t, Input{Title: "mayday"})
	r := &radio{}
	td.RegisterSender(r)
	ch := td.channel(t, ChannelInput{Name: "radio", Type: "radio"})
	td.pendingAttempt(t, a, ch)

	made, err := td.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, made, "a fresh pending attempt may still be in flight")
	assert.Equal(t, DeliveryPending, td.deliveries(t, a.ID)[0].Status)

	td.clock.Advance(2 * time.Minute)
	made, err = td.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, made)

	ds := td.deliveries(t, a.ID)
	require.Len(t, ds, 2)
	assert.Equal(t, DeliveryFailed, ds[0].Status)
	assert.Contains(t, ds[0].Error, "abandoned")
	assert.Equal(t, DeliverySent, ds[1].Status)
	assert.Equal(t, 2, ds[1].Attempt)
	assert.Equal(t, 1, r.callCount())
}

func TestAbandonedAttemptIsDueForRetry(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()
	a := td.raise(t, Input{Title: "mayday"})
	td.RegisterSender(&radio{})
	ch := td.channel(t, ChannelInput{Name: "radio", Type: "radio"})
	del := td.pendingAttempt(t, a, ch)

	cause := errors.New("database is locked")
	err := td.abandon(ctx, a, ch, del, cause)
	assert.True(t, errors.Is(err, cause))

	ds := td.deliveries(t, a.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, DeliveryFailed, ds[0].Status)
	assert.Contains(t, ds[0].Error, "database is locked")
	require.NotNil(t, ds[0].NextRetryAt)
	assert.Equal(t, epoch.Add(30*time.Second), ds[0].NextRetryAt.UTC())

	td.clock.Advance(31 * time.Second)
	made, err := td.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, made)
	assert.Equal(t, DeliverySent, td.deliveries(t, a.ID)[1].Status)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	td := newTestDispatcher(t)
	p := td.Policy()
	p.CircuitThreshold = 2
	p.CircuitCooldown = 5 * time.Minute
	p.CircuitMaxCooldown = time.Hour
	td.SetPolicy(p)
	r := &radio{fail: true}
	td.RegisterSender(r)
	ch := td.channel(t, ChannelInput{Name: "radio", Type: "radio"})
	ctx := context.Background()

	td.raise(t, Input{Title: "first"})
	td.raise(t, Input{Title: "second"})
	assert.Equal(t, 2, r.callCount())

	stored, err := td.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ConsecutiveFailures)
	require.NotNil(t, stored.CircuitOpenUntil)
	assert.Equal(t, epoch.Add(5*time.Minute), stored.CircuitOpenUntil.UTC())

	third := td.raise(t, Input{Title: "third"})
	assert.Equal(t, 2, r.callCount(), "an open circuit is not dialled")
	ds := td.deliveries(t, third.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, DeliveryFailed, ds[0].Status)
	assert.Contains(t, ds[0].Error, "circuit open")
	require.NotNil(t, ds[0].NextRetryAt)
	assert.True(t, stored.CircuitOpenUntil.Equal(*ds[0].NextRetryAt), "retry waits for the circuit to close")

	r.setFail(false)
	td.clock.Advance(6 * time.Minute)
	td.raise(t, Input{Title: "all clear"})
	assert.Equal(t, 3, r.callCount())

	stored, err = td.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ConsecutiveFailures)
	assert.Nil(t, stored.CircuitOpenUntil, "a successful half-open attempt closes the circuit")
}

func TestCooldownDoublesPastThreshold(t *testing.T) {
	p := Policy{CircuitThreshold: 3, CircuitCooldown: time.Minute, CircuitMaxCooldown: 5 * time.Minute}
	assert.Equal(t, time.Minute, p.cooldown(3))
	assert.Equal(t, 2*time.Minute, p.cooldown(4))
	assert.Equal(t, 4*time.Minute, p.cooldown(5))
	assert.Equal(t, 5*time.Minute, p.cooldown(6))
	assert.Equal(t, 5*time.Minute, p.cooldown(60))
}

func TestSendRateLimitThrottles(t *testing.T) {
	td := newTestDispatcher(t)
	p := td.Policy()
	p.SendsPerMinute = 1
	td.SetPolicy(p)
	r := &radio{}
	td.RegisterSender(r)
	td.channel(t, ChannelInput{Name: "radio", Type: "radio"})

	td.raise(t, Input{Title: "first"})
	second := td.raise(t, Input{Title: "second"})

	assert.Equal(t, 1, r.callCount())
	ds := td.deliveries(t, second.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, DeliveryThrottled, ds[0].Status)
	require.NotNil(t, ds[0].NextRetryAt)

	td.clock.Advance(time.Minute)
	made, err := td.RetrySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, made)
	assert.Equal(t, []string{"first", "second"}, r.seen)
}

func TestChannelThrottleWindow(t *testing.T) {
	td := newTestDispatcher(t)
	r := &radio{}
	td.RegisterSender(r)
	td.channel(t, ChannelInput{Name: "radio", Type: "radio", ThrottleMinutes: 30})

	td.raise(t, Input{Title: "ship adrift", DedupKey: "ship:argo", ThrottleMinutes: util.Ptr(0)})
	td.clock.Advance(time.Minute)
	again := td.raise(t, Input{Title: "ship adrift", DedupKey: "ship:argo", ThrottleMinutes: util.Ptr(0)})

	assert.False(t, again.Suppressed)
	assert.Equal(t, 1, r.callCount())
	ds := td.deliveries(t, again.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, DeliveryThrottled, ds[0].Status)
	assert.Nil(t, ds[0].NextRetryAt)
}

func TestRaiseValidation(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()

	_, err := td.Raise(ctx, Input{Severity: "apocalyptic", Title: "x", Source: "keeper"})
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = td.Raise(ctx, Input{Severity: SeverityInfo, Source: "keeper"})
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = td.Raise(ctx, Input{Severity: SeverityInfo, Title: "x"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestChannelAPI(t *testing.T) {
	td := newTestDispatcher(t)
	td.RegisterSender(NewWebhookSender(httpclient.New(time.Second, httpclient.Options{})))
	ctx := context.Background()

	_, err := td.RegisterChannel(ctx, ChannelInput{Name: "pigeon", Type: "carrier-pigeon"})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = td.RegisterChannel(ctx, ChannelInput{Name: "tower", Type: "webhook", Config: json.RawMessage(`{}`)})
	assert.True(t, errors.IsInvalidRequestError(err), "webhook requires a url")

	_, err = td.RegisterChannel(ctx, ChannelInput{Name: "tower", Type: "webhook", Config: json.RawMessage(`{"url":"http://127.0.0.1/hook"}`)})
	assert.True(t, errors.IsInvalidRequestError(err), "egress policy applies to channel config")

	ch := td.channel(t, ChannelInput{Name: "foghorn", Type: "log"})
	assert.Equal(t, SeverityWarning, ch.MinSeverity)
	assert.True(t, ch.Enabled)

	_, err = td.RegisterChannel(ctx, ChannelInput{Name: "foghorn", Type: "log"})
	assert.True(t, errors.IsConflictError(err))

	off := false
	updated, err := td.UpdateChannel(ctx, "foghorn", ChannelInput{MinSeverity: SeverityCritical, Enabled: &off})
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, updated.MinSeverity)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "log", updated.Type)

	list, err := td.ListChannels(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, td.DeleteChannel(ctx, ch.ID))
	assert.True(t, errors.IsNotFoundError(td.DeleteChannel(ctx, ch.ID)))
	assert.Equal(t, []string{"log", "webhook"}, td.ChannelTypes())
}

func TestListAlerts(t *testing.T) {
	td := newTestDispatcher(t)
	td.raise(t, Input{Title: "a", DedupKey: "k"})
	td.raise(t, Input{Title: "b", DedupKey: "k"})
	td.raise(t, Input{Title: "c", Severity: SeverityCritical})

	page, err := td.ListAlerts(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	suppressed := true
	page, err = td.ListAlerts(context.Background(), Filter{Suppressed: &suppressed})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "b", page.Items[0].Title)

	page, err = td.ListAlerts(context.Background(), Filter{Severity: SeverityCritical})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestEmailSender(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	sender := NewEmailSender(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	})

	cfg := json.RawMessage(`{"host":"mail.lighthouse","port":587,"from":"keeper@lighthouse","to":["harbour@port","coast@guard"]}`)
	require.NoError(t, sender.Validate(cfg))
	assert.Error(t, sender.Validate(json.RawMessage(`{"host":"mail","port":25,"from":"keeper","to":["a@b"]}`)))

	resp, err := sender.Send(context.Background(), &Channel{Name: "mail", Config: cfg}, &Alert{
		ID: "AL1", Severity: SeverityCritical, Title: "lamp out", Message: "the lamp is dark", Source: "keeper",
	})
	require.NoError(t, err)
	assert.Equal(t, "accepted for 2 recipient(s)", resp)
	assert.Equal(t, "mail.lighthouse:587", gotAddr)
	assert.Equal(t, "keeper@lighthouse", gotFrom)
	assert.Equal(t, []string{"harbour@port", "coast@guard"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: [CRITICAL] lamp out\r\n")
	assert.True(t, strings.Contains(gotMsg, "the lamp is dark"))
}

func TestEmailSenderRespectsDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sender := NewEmailSender(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		<-release
		return nil
	})
	cfg := json.RawMessage(`{"host":"mail","port":25,"from":"k@l","to":["h@p"]}`)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sender.Send(ctx, &Channel{Config: cfg}, &Alert{Severity: SeverityInfo, Title: "t"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
