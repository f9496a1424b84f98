package async

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/event"
	"github.com/teranos/pulseline/pulse/metrics"
)

// ReapFunc is told about each execution the reaper failed.
type ReapFunc func(ctx context.Context, exec *Execution, reason string)

// Reaper fails RUNNING executions whose holder is presumed dead: their
// concurrency lock expired, or their lease did.
type Reaper struct {
	engine *Engine
	logger *zap.SugaredLogger
	onReap []ReapFunc
}

// NewReaper creates a reaper for engine.
func NewReaper(engine *Engine, log *zap.SugaredLogger) *Reaper {
	return &Reaper{
		engine: engine,
		logger: logger.AddLockSymbol(log.Named("pulse.reaper")),
	}
}

// OnReap registers fn for every reaped execution.
func (r *Reaper) OnReap(fn ReapFunc) {
	r.onReap = append(r.onReap, fn)
}

// Sweep runs one reaping pass and returns how many executions it failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.engine.locks.Sweep(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	swept := make(map[string]bool, len(expired))
	for _, l := range expired {
		swept[l.Holder] = true
		if r.reap(ctx, l.Holder, "lock expired", l.Key) {
			reaped++
		}
	}

	leases, err := r.engine.store.ListExpiredLeases(ctx, r.engine.db, r.engine.now().UTC())
	if err != nil {
		return reaped, err
	}
	for _, e := range leases {
		// a dead holder usually lost lock and lease together
		if swept[e.ID] {
			continue
		}
		if r.reap(ctx, e.ID, "lease expired", e.LogicalKey) {
			reaped++
		}
	}

	metrics.RecordLocksReaped(reaped)
	if reaped > 0 {
		r.logger.Warnw("Reaped executions of presumed dead workers", logger.FieldCount, reaped)
	}
	return reaped, nil
}

func (r *Reaper) reap(ctx context.Context, id, reason, lockKey string) bool {
	marker := event.New(id, event.ExecutionLockExpired, map[string]interface{}{
		"reason":   reason,
		"lock_key": lockKey,
	})
	exec, _, err := r.engine.fail(ctx, id, ErrLockExpired, true, marker)
	if err != nil {
		if errors.IsConflictError(err) || errors.IsNotFoundError(err) {
			// the holder finished or was cancelled after its lock or lease lapsed
			r.logger.Debugw("Skipped reaping", logger.FieldExecutionID, id, "reason", err)
			return false
		}
		r.logger.Errorw("Failed to reap execution", logger.FieldExecutionID, id, logger.FieldError, err)
		return false
	}

	r.logger.Warnw("Execution reaped",
		logger.FieldExecutionID, id,
		logger.FieldWorkflow, exec.Workflow,
		logger.FieldLockKey, lockKey,
		"reason", reason)
	for _, fn := range r.onReap {
		fn(ctx, exec, reason)
	}
	return true
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Errorw("Reaper sweep failed", logger.FieldError, err)
			}
		}
	}
}
