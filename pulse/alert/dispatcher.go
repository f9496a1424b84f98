package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	id "github.com/teranos/vanity-id"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/pulseline/am"
	"github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/internal/util"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/event"
	"github.com/teranos/pulseline/pulse/metrics"
)

// Policy tunes deduplication, delivery retry and channel health.
type Policy struct {
	DefaultThrottle    time.Duration
	MaxAttempts        int
	Backoff            async.BackoffPolicy
	CircuitThreshold   int // consecutive failures that open a channel's circuit; 0 disables
	CircuitCooldown    time.Duration
	CircuitMaxCooldown time.Duration
	SendsPerMinute     int // per channel; 0 is unlimited
	SendTimeout        time.Duration
}

// staleAfter is how long an attempt may stay PENDING before the retry sweep
// treats it as abandoned.
func (p Policy) staleAfter() time.Duration {
	if d := 2 * p.SendTimeout; d > time.Minute {
		return d
	}
	return time.Minute
}

// DefaultPolicy is used until SetPolicy is called.
var DefaultPolicy = Policy{
	DefaultThrottle:    15 * time.Minute,
	MaxAttempts:        5,
	Backoff:            async.BackoffPolicy{Base: 30 * time.Second, Factor: 2, Max: time.Hour},
	CircuitThreshold:   5,
	CircuitCooldown:    time.Minute,
	CircuitMaxCooldown: time.Hour,
	SendTimeout:        10 * time.Second,
}

// PolicyFromConfig reads the alerts section.
func PolicyFromConfig(cfg *am.Config) Policy {
	a := cfg.Alerts
	return Policy{
		DefaultThrottle:    time.Duration(a.DefaultThrottleMinutes) * time.Minute,
		MaxAttempts:        a.MaxAttempts,
		Backoff:            async.BackoffPolicy{Base: a.RetryBase(), Factor: a.RetryFactor, Max: a.RetryMax()},
		CircuitThreshold:   a.CircuitThreshold,
		CircuitCooldown:    a.CircuitCooldown(),
		CircuitMaxCooldown: a.CircuitMaxCooldown(),
		SendsPerMinute:     a.SendsPerMinute,
		SendTimeout:        a.SendTimeout(),
	}
}

// cooldown is the circuit-open period after failures consecutive failures:
// it doubles with every failure past the threshold.
func (p Policy) cooldown(failures int) time.Duration {
	d := p.CircuitCooldown
	for i := p.CircuitThreshold; i < failures; i++ {
		d *= 2
		if p.CircuitMaxCooldown > 0 && d >= p.CircuitMaxCooldown {
			return p.CircuitMaxCooldown
		}
	}
	return d
}

// Dispatcher raises alerts and delivers them to channels.
type Dispatcher struct {
	db     *sql.DB
	store  Store
	events *event.Log
	logger *zap.SugaredLogger
	now    func() time.Time

	mu       sync.RWMutex
	policy   Policy
	senders  map[string]Sender
	limiters map[string]*rate.Limiter
}

// NewDispatcher creates a dispatcher with the log sender registered.
func NewDispatcher(database *sql.DB, events *event.Log, log *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{
		db:       database,
		events:   events,
		logger:   logger.AddAlertSymbol(log.Named("alert")),
		now:      time.Now,
		policy:   DefaultPolicy,
		senders:  make(map[string]Sender),
		limiters: make(map[string]*rate.Limiter),
	}
	d.RegisterSender(NewLogSender(log))
	return d
}

// SetClock replaces the time source. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// SetPolicy replaces the dispatch policy. Rate limiters are rebuilt lazily.
func (d *Dispatcher) SetPolicy(p Policy) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policy = p
	d.limiters = make(map[string]*rate.Limiter)
}

// Policy returns the current dispatch policy.
func (d *Dispatcher) Policy() Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policy
}

// RegisterSender adds or replaces the sender for its channel type.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Type()] = s
}

// ChannelTypes lists the registered sender types.
func (d *Dispatcher) ChannelTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.senders))
	for t := range d.senders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) sender(channelType string) (Sender, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.senders[channelType]
	return s, ok
}

// limiter returns the send limiter of a channel, nil when unlimited.
func (d *Dispatcher) limiter(channelID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.policy.SendsPerMinute <= 0 {
		return nil
	}
	l, ok := d.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(d.policy.SendsPerMinute)), d.policy.SendsPerMinute)
		d.limiters[channelID] = l
	}
	return l
}

// Raise persists an alert and delivers it to every matching channel. An
// alert whose dedup key is inside its throttle window is stored with
// suppressed set and not delivered.
func (d *Dispatcher) Raise(ctx context.Context, in Input) (*Alert, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := in.validate(); err != nil {
		return nil, err
	}
	policy := d.Policy()
	window := policy.DefaultThrottle
	if in.ThrottleMinutes != nil {
		window = time.Duration(*in.ThrottleMinutes) * time.Minute
	}

	now := d.now().UTC()
	a := &Alert{
		ID:            id.GenerateASIDSimple("AL", string(in.Severity), in.Source),
		Severity:      in.Severity,
		Title:         in.Title,
		Message:       util.FirstNonEmpty(in.Message, in.Title),
		Source:        in.Source,
		Domain:        in.Domain,
		ExecutionID:   in.ExecutionID,
		RunID:         in.RunID,
		Metadata:      in.Metadata,
		ErrorCategory: in.ErrorCategory,
		DedupKey:      strings.TrimSpace(in.DedupKey),
		CreatedAt:     now,
	}

	err := db.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		if a.DedupKey != "" {
			suppressed, err := d.store.Throttle(ctx, tx, a.DedupKey, window, now)
			if err != nil {
				return err
			}
			a.Suppressed = suppressed
		}
		if err := d.store.InsertAlert(ctx, tx, a); err != nil {
			return err
		}
		typ := event.AlertRaised
		if a.Suppressed {
			typ = event.AlertSuppressed
		}
		_, err := d.events.Append(ctx, tx, event.New(a.ID, typ, map[string]interface{}{
			"severity":     a.Severity,
			"title":        a.Title,
			"source":       a.Source,
			"dedup_key":    a.DedupKey,
			"execution_id": a.ExecutionID,
		}))
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordAlert(string(a.Severity), a.Suppressed)
	if a.Suppressed {
		d.logger.Debugw("Alert suppressed by throttle window",
			logger.FieldAlertID, a.ID, logger.FieldDedupKey, a.DedupKey)
		return a, nil
	}
	d.logger.Infow("Alert raised",
		logger.FieldAlertID, a.ID,
		"severity", a.Severity,
		"title", a.Title,
		"source", a.Source)

	channels, err := d.store.ListChannels(ctx, d.db, true)
	if err != nil {
		return a, err
	}
	for _, ch := range channels {
		if !ch.Accepts(a) {
			continue
		}
		if err := d.attempt(ctx, a, ch, 1); err != nil {
			d.logger.Warnw("Delivery attempt could not be recorded",
				logger.FieldAlertID, a.ID, logger.FieldChannel, ch.Name, logger.FieldError, err)
		}
	}
	return a, nil
}

// attempt records and performs delivery attempt n of a to ch. Losing the
// insert race on (alert, channel, attempt) means another sweeper owns it.
func (d *Dispatcher) attempt(ctx context.Context, a *Alert, ch *Channel, n int) error {
	policy := d.Policy()
	now := d.now().UTC()
	del := &Delivery{
		ID:          uuid.NewString(),
		AlertID:     a.ID,
		ChannelID:   ch.ID,
		Attempt:     n,
		MaxAttempts: policy.MaxAttempts,
		Status:      DeliveryPending,
		CreatedAt:   now,
	}
	inserted, err := d.store.InsertDelivery(ctx, d.db, del)
	if err != nil || !inserted {
		return err
	}
	del.AttemptedAt = &now

	log := d.logger.With(logger.FieldAlertID, a.ID, logger.FieldChannel, ch.Name, logger.FieldAttempt, n)

	if ch.CircuitOpen(now) {
		del.Status = DeliveryFailed
		del.Error = "circuit open until " + ch.CircuitOpenUntil.UTC().Format(time.RFC3339)
		if n < del.MaxAttempts {
			del.NextRetryAt = ch.CircuitOpenUntil
		}
		log.Debugw("Channel circuit open, deferring delivery")
		return d.settle(ctx, a, ch, del, false)
	}

	if a.DedupKey != "" && ch.ThrottleMinutes > 0 {
		recent, err := d.store.SentRecently(ctx, d.db, ch.ID, a.DedupKey, now.Add(-time.Duration(ch.ThrottleMinutes)*time.Minute))
		if err != nil {
			return d.abandon(ctx, a, ch, del, err)
		}
		if recent {
			del.Status = DeliveryThrottled
			del.Error = "channel throttle window"
			return d.settle(ctx, a, ch, del, false)
		}
	}

	if l := d.limiter(ch.ID); l != nil && !l.AllowN(now, 1) {
		del.Status = DeliveryThrottled
		del.Error = "channel send rate exceeded"
		if n < del.MaxAttempts {
			next := now.Add(time.Minute / time.Duration(policy.SendsPerMinute))
			del.NextRetryAt = &next
		}
		return d.settle(ctx, a, ch, del, false)
	}

	s, ok := d.sender(ch.Type)
	if !ok {
		del.Status = DeliveryFailed
		del.Error = "no sender for channel type " + ch.Type
		return d.settle(ctx, a, ch, del, false)
	}

	sendCtx := ctx
	if policy.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, policy.SendTimeout)
		defer cancel()
	}
	resp, sendErr := s.Send(sendCtx, ch, a)
	done := d.now().UTC()
	del.Response = util.Truncate(resp, 1024)
	if sendErr == nil {
		del.Status = DeliverySent
		del.DeliveredAt = &done
		log.Debugw("Alert delivered")
		return d.settle(ctx, a, ch, del, true)
	}

	del.Status = DeliveryFailed
	del.Error = util.Truncate(sendErr.Error(), 1024)
	if n < del.MaxAttempts {
		next := done.Add(policy.Backoff.Delay(n - 1))
		del.NextRetryAt = &next
	}
	log.Warnw("Alert delivery failed", logger.FieldError, sendErr, "next_retry_at", del.NextRetryAt)
	return d.settle(ctx, a, ch, del, true)
}

// abandon settles an attempt that never reached its channel as FAILED, due
// for retry while it has budget left, and returns cause.
func (d *Dispatcher) abandon(ctx context.Context, a *Alert, ch *Channel, del *Delivery, cause error) error {
	now := d.now().UTC()
	del.Status = DeliveryFailed
	del.AttemptedAt = &now
	del.Error = util.Truncate("attempt abandoned: "+cause.Error(), 1024)
	if del.Attempt < del.MaxAttempts {
		next := now.Add(d.Policy().Backoff.Delay(del.Attempt - 1))
		del.NextRetryAt = &next
	}
	if err := d.settle(ctx, a, ch, del, false); err != nil {
		return errors.WithSecondaryError(cause, err)
	}
	return cause
}

// settle writes the attempt outcome. Only attempts that reached the sender
// move the channel's health counters.
func (d *Dispatcher) settle(ctx context.Context, a *Alert, ch *Channel, del *Delivery, reached bool) error {
	policy := d.Policy()
	now := d.now().UTC()
	err := db.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		if err := d.store.FinishDelivery(ctx, tx, del); err != nil {
			return err
		}
		if reached {
			if del.Status == DeliverySent {
				if err := d.store.RecordChannelSuccess(ctx, tx, ch.ID, now); err != nil {
					return err
				}
			} else {
				failures, err := d.store.RecordChannelFailure(ctx, tx, ch.ID, now)
				if err != nil {
					return err
				}
				if policy.CircuitThreshold > 0 && failures >= policy.CircuitThreshold {
					until := now.Add(policy.cooldown(failures))
					if err := d.store.OpenCircuit(ctx, tx, ch.ID, until); err != nil {
						return err
					}
					d.logger.Warnw("Channel circuit opened",
						logger.FieldChannel, ch.Name,
						"consecutive_failures", failures,
						"until", until)
				}
			}
		}

		typ := event.AlertDelivered
		if del.Status != DeliverySent {
			typ = event.AlertDeliveryFailed
		}
		_, err := d.events.Append(ctx, tx, event.New(a.ID, typ, map[string]interface{}{
			"channel":       ch.Name,
			"attempt":       del.Attempt,
			"status":        del.Status,
			"error":         del.Error,
			"next_retry_at": del.NextRetryAt,
		}).WithKey(string(typ)+":"+a.ID+":"+del.ID))
		return err
	})
	if err != nil {
		return err
	}
	metrics.RecordDelivery(ch.Type, string(del.Status))
	return nil
}

// RetrySweep re-attempts every due FAILED or THROTTLED delivery as a new
// attempt row. Returns the number of attempts made.
func (d *Dispatcher) RetrySweep(ctx context.Context) (int, error) {
	now := d.now().UTC()
	// attempts left PENDING by a crash or a failed settle rejoin the retry queue
	stale, err := d.store.FailStalePending(ctx, d.db, now.Add(-d.Policy().staleAfter()), now)
	if err != nil {
		return 0, err
	}
	if stale > 0 {
		d.logger.Warnw("Recovered unsettled delivery attempts", logger.FieldCount, stale)
	}

	due, err := d.store.DueRetries(ctx, d.db, now, 100)
	if err != nil {
		return 0, err
	}
	made := 0
	for _, prev := range due {
		if ctx.Err() != nil {
			return made, ctx.Err()
		}
		a, err := d.store.GetAlert(ctx, d.db, prev.AlertID)
		if err != nil {
			return made, err
		}
		ch, err := d.store.GetChannel(ctx, d.db, prev.ChannelID)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return made, err
		}
		if !ch.Enabled {
			continue
		}
		if err := d.attempt(ctx, a, ch, prev.Attempt+1); err != nil {
			d.logger.Warnw("Retry attempt could not be recorded",
				logger.FieldAlertID, a.ID, logger.FieldChannel, ch.Name, logger.FieldError, err)
			continue
		}
		made++
	}
	if made > 0 {
		d.logger.Infow("Delivery retry sweep", logger.FieldCount, made)
	}
	return made, nil
}

// Run sweeps for due retries every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RetrySweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warnw("Delivery retry sweep failed", logger.FieldError, err)
			}
		}
	}
}

// RegisterChannel validates and stores a new channel.
func (d *Dispatcher) RegisterChannel(ctx context.Context, in ChannelInput) (*Channel, error) {
	now := d.now().UTC()
	ch := &Channel{
		ID:        id.GenerateASIDSimple("CH", in.Name, in.Type),
		Enabled:   true,
		CreatedAt: now,
	}
	if err := d.applyInput(ch, in, now); err != nil {
		return nil, err
	}
	if err := d.store.InsertChannel(ctx, d.db, ch); err != nil {
		return nil, err
	}
	d.logger.Infow("Alert channel registered", logger.FieldChannel, ch.Name, "type", ch.Type)
	return ch, nil
}

// UpdateChannel replaces the configuration of an existing channel. Health
// counters are kept.
func (d *Dispatcher) UpdateChannel(ctx context.Context, idOrName string, in ChannelInput) (*Channel, error) {
	ch, err := d.store.GetChannel(ctx, d.db, idOrName)
	if err != nil {
		return nil, err
	}
	if in.Name == "" {
		in.Name = ch.Name
	}
	if in.Type == "" {
		in.Type = ch.Type
	}
	if len(in.Config) == 0 {
		in.Config = ch.Config
	}
	if err := d.applyInput(ch, in, d.now().UTC()); err != nil {
		return nil, err
	}
	if err := d.store.UpdateChannel(ctx, d.db, ch); err != nil {
		return nil, err
	}
	d.mu.Lock()
	delete(d.limiters, ch.ID)
	d.mu.Unlock()
	return d.store.GetChannel(ctx, d.db, ch.ID)
}

// DeleteChannel removes a channel and its delivery history.
func (d *Dispatcher) DeleteChannel(ctx context.Context, idOrName string) error {
	ch, err := d.store.GetChannel(ctx, d.db, idOrName)
	if err != nil {
		return err
	}
	return d.store.DeleteChannel(ctx, d.db, ch.ID)
}

// GetChannel returns a channel by id or name.
func (d *Dispatcher) GetChannel(ctx context.Context, idOrName string) (*Channel, error) {
	return d.store.GetChannel(ctx, d.db, idOrName)
}

// ListChannels returns every channel.
func (d *Dispatcher) ListChannels(ctx context.Context) ([]*Channel, error) {
	return d.store.ListChannels(ctx, d.db, false)
}

// GetAlert returns one alert.
func (d *Dispatcher) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	return d.store.GetAlert(ctx, d.db, alertID)
}

// ListAlerts returns one page of alerts.
func (d *Dispatcher) ListAlerts(ctx context.Context, f Filter) (*Page, error) {
	return d.store.ListAlerts(ctx, d.db, f)
}

// ListDeliveries returns the full attempt history of an alert.
func (d *Dispatcher) ListDeliveries(ctx context.Context, alertID string) ([]*Delivery, error) {
	if _, err := d.store.GetAlert(ctx, d.db, alertID); err != nil {
		return nil, err
	}
	return d.store.ListDeliveries(ctx, d.db, alertID)
}

// ThrottleCount returns how often dedupKey was raised in its current window.
func (d *Dispatcher) ThrottleCount(ctx context.Context, dedupKey string) (int, error) {
	return d.store.ThrottleCount(ctx, d.db, dedupKey)
}

func (d *Dispatcher) applyInput(ch *Channel, in ChannelInput, now time.Time) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return errors.NewInvalidRequestError("channel name is required")
	}
	s, ok := d.sender(in.Type)
	if !ok {
		err := errors.NewInvalidRequestError("unknown channel type %q", in.Type)
		return errors.WithHintf(err, "Known types: %s", strings.Join(d.ChannelTypes(), ", "))
	}
	config := in.Config
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	if err := s.Validate(config); err != nil {
		return err
	}
	minSeverity := in.MinSeverity
	if minSeverity == "" {
		minSeverity = SeverityWarning
	}
	if _, ok := severityRank[minSeverity]; !ok {
		return errors.NewInvalidRequestError("unknown min_severity %q", minSeverity)
	}
	if in.ThrottleMinutes < 0 {
		return errors.NewInvalidRequestError("throttle_minutes must be >= 0")
	}

	ch.Name = name
	ch.Type = in.Type
	ch.Config = config
	ch.MinSeverity = minSeverity
	ch.DomainFilter = strings.TrimSpace(in.DomainFilter)
	if in.Enabled != nil {
		ch.Enabled = *in.Enabled
	}
	ch.ThrottleMinutes = in.ThrottleMinutes
	ch.UpdatedAt = now
	return nil
}
