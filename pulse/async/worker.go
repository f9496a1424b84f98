package async

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulseline/am"
	pdb "github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/metrics"
	"github.com/teranos/pulseline/sym"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers           int           `json:"workers"`            // Number of concurrent workers
	Lanes             []string      `json:"lanes"`              // Lanes to claim from; empty means all
	InstanceID        string        `json:"instance_id"`        // Prefix of worker ids
	PollInterval      time.Duration `json:"poll_interval"`      // How often an idle worker claims
	HeartbeatInterval time.Duration `json:"heartbeat_interval"` // Lease renewal and cancellation check
	ShutdownGrace     time.Duration `json:"shutdown_grace"`     // How long Stop waits for workers
	MaxMemoryPercent  float64       `json:"max_memory_percent"` // Stop claiming above this; 0 disables
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:           2,
		PollInterval:      time.Second,
		HeartbeatInterval: 10 * time.Second,
		ShutdownGrace:     30 * time.Second,
		MaxMemoryPercent:  90,
	}
}

// WorkerPoolConfigFromAM reads the worker section.
func WorkerPoolConfigFromAM(cfg *am.Config) WorkerPoolConfig {
	pc := DefaultWorkerPoolConfig()
	pc.Workers = cfg.Worker.Workers
	pc.Lanes = cfg.Worker.Lanes
	pc.InstanceID = cfg.Scheduler.InstanceID
	if d := cfg.Worker.PollInterval(); d > 0 {
		pc.PollInterval = d
	}
	if lease := cfg.Worker.Lease(); lease > 0 {
		// renew three times per lease
		pc.HeartbeatInterval = lease / 3
	}
	if d := cfg.Worker.ShutdownGrace(); d > 0 {
		pc.ShutdownGrace = d
	}
	pc.MaxMemoryPercent = cfg.Worker.MaxMemoryPercent
	return pc
}

// DefaultInstanceID is host:pid.
func DefaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pulseline"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// WorkerPool runs N workers that claim executions, run their handler and
// record the outcome.
type WorkerPool struct {
	engine        *Engine
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context // Parent context from which worker context is derived
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	processed     int
	activeWorkers int
	startTime     time.Time
	logger        pulseLogger
	mu            sync.Mutex

	memoryStats func() (total, available uint64, err error)
}

// NewWorkerPool creates a worker pool. Cancelling ctx stops the workers;
// executions they were running are failed as retryable.
func NewWorkerPool(ctx context.Context, engine *Engine, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if poolCfg.InstanceID == "" {
		poolCfg.InstanceID = DefaultInstanceID()
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = time.Second
	}
	if poolCfg.HeartbeatInterval <= 0 {
		poolCfg.HeartbeatInterval = 10 * time.Second
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		engine:      engine,
		poolConfig:  poolCfg,
		workers:     poolCfg.Workers,
		parentCtx:   ctx,
		ctx:         workerCtx,
		cancel:      cancel,
		logger:      pulseLogger{logger.AddPulseSymbol(log.Named("pulse.worker"))},
		memoryStats: hostMemory,
	}
}

// Start begins processing executions
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.processed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	wp.logger.Starting("Worker pool starting",
		"workers", wp.workers,
		"lanes", wp.poolConfig.Lanes,
		logger.FieldInstanceID, wp.poolConfig.InstanceID)
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, fmt.Sprintf("%s/w%d", wp.poolConfig.InstanceID, i))
	}
}

// Stop cancels the workers and waits up to the shutdown grace for them.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := wp.poolConfig.ShutdownGrace
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
		wp.logger.Pulse(sym.PulseClose + " WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be running handlers", "timeout", timeout)
	}
}

// worker claims and runs executions until ctx is done
func (wp *WorkerPool) worker(ctx context.Context, workerID string) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := wp.drain(ctx, workerID)
			if err == nil {
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						logger.FieldWorkerID, workerID,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
				continue
			}

			if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || pdb.IsDatabaseClosed(err) {
				return
			}
			errorCount++
			wp.logger.Errorw("Worker error processing execution",
				logger.FieldWorkerID, workerID,
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off due to consecutive errors",
					logger.FieldWorkerID, workerID,
					"backoff", backoffDuration,
					"consecutive_errors", errorCount)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffDuration):
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
		}
	}
}

// drain processes executions until none is claimable.
func (wp *WorkerPool) drain(ctx context.Context, workerID string) error {
	for ctx.Err() == nil {
		ran, err := wp.ProcessNext(ctx, workerID)
		if err != nil || !ran {
			return err
		}
	}
	return nil
}

// ProcessNext claims one execution and runs it to a terminal status. It
// reports whether anything was claimed.
func (wp *WorkerPool) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	if wp.memoryPressureHigh() {
		wp.logger.Debugw("Memory above threshold, not claiming", logger.FieldWorkerID, workerID)
		return false, nil
	}

	exec, err := wp.engine.Claim(ctx, ClaimRequest{WorkerID: workerID, Lanes: wp.poolConfig.Lanes})
	if err != nil {
		return false, errors.Wrap(err, "failed to claim execution")
	}
	if exec == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.processed++
	wp.activeWorkers++
	wp.mu.Unlock()
	metrics.WorkerBusy(1)
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
		metrics.WorkerBusy(-1)
	}()

	return true, wp.run(ctx, workerID, exec)
}

func (wp *WorkerPool) run(ctx context.Context, workerID string, exec *Execution) error {
	log := pulseLogger{wp.logger.With(logger.FieldExecutionID, exec.ID, logger.FieldWorkflow, exec.Workflow, logger.FieldWorkerID, workerID)}

	// outcome writes must land even when the pool is shutting down
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer finishCancel()

	h, err := wp.engine.registry.Resolve(exec.Workflow, exec.WorkflowVersion)
	if err != nil {
		_, _, err = wp.engine.Fail(finishCtx, exec.ID, Permanent(err), false)
		return err
	}

	execCtx, cancel := context.WithCancel(logger.WithExecutionID(ctx, exec.ID))
	defer cancel()

	var hbMu sync.Mutex
	var stopped Status
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(wp.poolConfig.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				status, err := wp.engine.Heartbeat(execCtx, exec.ID, workerID)
				if err != nil {
					if execCtx.Err() == nil {
						log.Warnw("Heartbeat failed", logger.FieldError, err)
					}
					continue
				}
				if status != StatusRunning {
					hbMu.Lock()
					stopped = status
					hbMu.Unlock()
					cancel()
					return
				}
			}
		}
	}()

	log.Debugw("Executing", logger.FieldAttempt, exec.Attempt())
	result, execErr := safeExecute(execCtx, h, exec)
	cancel()
	<-hbDone

	hbMu.Lock()
	externallyStopped := stopped
	hbMu.Unlock()
	if externallyStopped != "" {
		log.Infow("Execution stopped externally, discarding handler outcome", logger.FieldStatus, externallyStopped)
		return nil
	}

	if execErr == nil {
		if _, err := wp.engine.Complete(finishCtx, exec.ID, result); err != nil {
			if errors.IsConflictError(err) {
				log.Infow("Execution left RUNNING before completion was recorded", logger.FieldError, err)
				return nil
			}
			return err
		}
		return nil
	}

	retryable := IsRetryable(execErr)
	if ctx.Err() != nil {
		log.Closing("Execution interrupted by shutdown, scheduling retry")
		execErr = Retryable(errors.Wrap(execErr, "worker shutting down"))
		retryable = true
	}
	if _, _, err := wp.engine.Fail(finishCtx, exec.ID, execErr, retryable); err != nil {
		if errors.IsConflictError(err) {
			log.Infow("Execution left RUNNING before failure was recorded", logger.FieldError, err)
			return nil
		}
		return err
	}
	return nil
}

// safeExecute turns a handler panic into a permanent failure.
func safeExecute(ctx context.Context, h Handler, exec *Execution) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(errors.WithDetail(errors.Newf("handler panicked: %v", r), string(debug.Stack())))
		}
	}()
	return h.Execute(ctx, exec.Params, ExecContext{
		ExecutionID: exec.ID,
		LogicalKey:  exec.LogicalKey,
		LineageID:   exec.LineageID,
		Attempt:     exec.Attempt(),
		Lane:        exec.Lane,
		Workflow:    exec.Workflow,
		Version:     exec.WorkflowVersion,
		ParentRunID: exec.ParentRunID,
	})
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Processed returns how many executions this pool has claimed since Start.
func (wp *WorkerPool) Processed() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.processed
}
