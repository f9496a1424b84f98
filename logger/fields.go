package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings to keep log queries stable.
const (
	// Identity
	FieldExecutionID = "execution_id"
	FieldRunID       = "run_id"
	FieldStepID      = "step_id"
	FieldScheduleID  = "schedule_id"
	FieldDeadLetter  = "dead_letter_id"
	FieldAlertID     = "alert_id"
	FieldChannel     = "channel"
	FieldLineageID   = "lineage_id"
	FieldWorkerID    = "worker_id"
	FieldInstanceID  = "instance_id"
	FieldRequestID   = "request_id"

	// Work
	FieldWorkflow = "workflow"
	FieldVersion  = "version"
	FieldLane     = "lane"
	FieldLockKey  = "lock_key"
	FieldAttempt  = "attempt"
	FieldDedupKey = "dedup_key"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldNextRunAt  = "next_run_at"

	// Errors
	FieldError     = "error"
	FieldRetryable = "retryable"

	// Counts
	FieldCount = "count"

	// Status
	FieldStatus = "status"

	// Symbol marker (꩜, ✿, ❀, ...)
	FieldSymbol = "symbol"
)

type contextKey string

const (
	executionIDKey contextKey = "logger_execution_id"
	requestIDKey   contextKey = "logger_request_id"
	componentKey   contextKey = "logger_component"
)

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key/value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(executionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldExecutionID, id)
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, FieldRequestID, id)
	}
	if c, ok := ctx.Value(componentKey).(string); ok && c != "" {
		fields = append(fields, FieldComponent, c)
	}

	return fields
}

// LoggerFromContext returns the global logger with context fields attached.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
//	pool := async.NewWorkerPool(engine, cfg, logger.ComponentLogger("pulse.worker"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
