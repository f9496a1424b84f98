package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/sym"
)

// Ticker drives a Scheduler on a fixed interval.
type Ticker struct {
	scheduler  *Scheduler
	workerPool *async.WorkerPool // for system metrics in the tick line; may be nil
	interval   time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	pulseLog   *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	firedSinceStart int64
	lastActiveWork  int
}

// TickerConfig configures the poll loop.
type TickerConfig struct {
	Interval time.Duration // how often due schedules are evaluated (default: 1 second)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 1 * time.Second,
	}
}

// NewTicker creates a ticker bound to ctx. workerPool may be nil.
func NewTicker(ctx context.Context, scheduler *Scheduler, workerPool *async.WorkerPool, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		scheduler:  scheduler,
		workerPool: workerPool,
		interval:   cfg.Interval,
		ctx:        tickerCtx,
		cancel:     cancel,
		pulseLog:   logger.AddPulseSymbol(log.Named("pulse.ticker")),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval, logger.FieldInstanceID, t.scheduler.InstanceID())
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			tick := t.ticksSinceStart
			t.mu.Unlock()

			t.logNextScheduleInfo(tickTime)

			fired, err := t.scheduler.Tick(t.ctx)
			if err != nil && t.ctx.Err() == nil {
				// warn rather than error: a failed tick is retried on the next one
				t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", tick)
			}
			if fired > 0 {
				t.mu.Lock()
				t.firedSinceStart += int64(fired)
				t.mu.Unlock()
			}
		}
	}
}

// logNextScheduleInfo logs the next due schedule whenever the amount of
// active work changes.
func (t *Ticker) logNextScheduleInfo(now time.Time) {
	var m async.SystemMetrics
	if t.workerPool != nil {
		m = t.workerPool.GetSystemMetrics(t.ctx)
	}
	activeWork := m.ExecutionsPending + m.ExecutionsRunning

	t.mu.Lock()
	hasChanged := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()
	if !hasChanged {
		return
	}

	next, err := t.scheduler.Next(t.ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get next schedule", logger.FieldError, err)
		return
	}

	// one symbol per 5 active executions, capped at 60
	pulseIndicator := ""
	if activeWork > 0 {
		n := activeWork/5 + 1
		if n > 60 {
			n = 60
		}
		pulseIndicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", n)) + " "
	}

	if next == nil || next.NextRunAt == nil {
		if activeWork > 0 {
			t.pulseLog.Infow(fmt.Sprintf("%sPulse - no scheduled fires, %d executions active", pulseIndicator, activeWork))
		} else {
			t.pulseLog.Infow("Pulse - no scheduled fires")
		}
		return
	}

	timeUntil := next.NextRunAt.Sub(now)
	if timeUntil < 0 {
		timeUntil = 0
	}
	msg := fmt.Sprintf("%sPulse - next fire '%s' in %s", pulseIndicator, next.Name, timeUntil.Round(time.Second))
	if activeWork > 0 {
		msg += fmt.Sprintf(", %d executions active", activeWork)
	}
	if t.workerPool != nil {
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			m.WorkersActive, m.WorkersTotal, m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	}
	t.pulseLog.Infow(msg)
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"fired_since_start": t.firedSinceStart,
		"interval":          t.interval.String(),
		"instance_id":       t.scheduler.InstanceID(),
	}
}
