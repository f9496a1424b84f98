package async

import (
	"context"
	"strings"

	"github.com/teranos/pulseline/errors"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeNotFound        ErrorCode = "not_found"
	ErrorCodeParseError      ErrorCode = "parse_error"
	ErrorCodeNetworkError    ErrorCode = "network_error"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeCancelled       ErrorCode = "cancelled"
	ErrorCodeLockExpired     ErrorCode = "lock_expired"
	ErrorCodePermanent       ErrorCode = "permanent"
	ErrorCodeTransient       ErrorCode = "transient"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext provides structured error information for execution failures
type ErrorContext struct {
	Stage       string    // Where the error occurred
	Code        ErrorCode // Error classification
	Message     string    // Human-readable message
	Retryable   bool      // Would another attempt plausibly succeed?
	Recoverable bool      // Can the worker keep processing other executions?
}

var (
	errPermanent = errors.New("permanent failure")
	errRetryable = errors.New("retryable failure")

	// ErrLockExpired is the failure recorded for executions whose lock or
	// lease ran out while RUNNING.
	ErrLockExpired = errors.New("lock expired, presumed dead worker")
)

// Permanent marks err so it is never retried, whatever its message says.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errPermanent)
}

// Retryable marks err as transient so it is retried while budget remains.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errRetryable)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, errPermanent)
}

// IsRetryable reports whether a handler error should be retried: explicit
// marks win, then message-pattern classification.
func IsRetryable(err error) bool {
	return ClassifyError("execute", err).Retryable
}

// ClassifyError categorizes an error based on its marks, its cause chain,
// and finally its message.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{
			Stage:       stage,
			Code:        ErrorCodeUnknown,
			Message:     "unknown error",
			Retryable:   false,
			Recoverable: false,
		}
	}

	errMsg := err.Error()
	errLower := strings.ToLower(errMsg)

	ctx := ErrorContext{
		Stage:       stage,
		Message:     errMsg,
		Recoverable: true,
	}

	switch {
	case errors.Is(err, errPermanent):
		ctx.Code = ErrorCodePermanent
		ctx.Retryable = false
		return ctx
	case errors.Is(err, ErrLockExpired):
		ctx.Code = ErrorCodeLockExpired
		ctx.Retryable = true
		return ctx
	case errors.Is(err, errRetryable):
		ctx.Code = ErrorCodeTransient
		ctx.Retryable = true
		return ctx
	case errors.Is(err, context.Canceled):
		ctx.Code = ErrorCodeCancelled
		ctx.Retryable = false
		return ctx
	case errors.Is(err, context.DeadlineExceeded):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true
		return ctx
	case errors.IsInvalidRequestError(err):
		ctx.Code = ErrorCodeValidationError
		ctx.Retryable = false
		return ctx
	case errors.IsNotFoundError(err):
		ctx.Code = ErrorCodeNotFound
		ctx.Retryable = false
		return ctx
	}

	// Classify based on error message patterns
	switch {
	case strings.Contains(errLower, "no such file") || strings.Contains(errLower, "not found"):
		ctx.Code = ErrorCodeNotFound
		ctx.Retryable = false

	case strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out"):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true

	case strings.Contains(errLower, "parse") || strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "invalid json"):
		ctx.Code = ErrorCodeParseError
		ctx.Retryable = false

	case strings.Contains(errLower, "network") || strings.Contains(errLower, "connection") || strings.Contains(errLower, "timeout"):
		ctx.Code = ErrorCodeNetworkError
		ctx.Retryable = true

	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		ctx.Code = ErrorCodeDatabaseError
		ctx.Retryable = true
		ctx.Recoverable = false

	case strings.Contains(errLower, "validation") || strings.Contains(errLower, "invalid"):
		ctx.Code = ErrorCodeValidationError
		ctx.Retryable = false

	default:
		ctx.Code = ErrorCodeUnknown
		ctx.Retryable = true
		ctx.Recoverable = false
	}

	return ctx
}
