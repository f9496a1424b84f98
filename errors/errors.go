// Package errors provides error handling for pulseline.
//
// This package re-exports github.com/cockroachdb/errors so every component
// gets stack traces, wrapping, details and hints from a single import.
//
// Usage:
//
//	if err := store.Create(ctx, exec); err != nil {
//	    err = errors.Wrap(err, "failed to create execution")
//	    return errors.WithDetail(err, fmt.Sprintf("Workflow: %s", exec.Workflow))
//	}
//
//	if errors.Is(err, errors.ErrLockHeld) {
//	    // contention, not a failure
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
	Mark           = crdb.Mark
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors shared across packages. Wrap them to add context; match
// them with errors.Is.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input (admission error)
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a concurrent modification or duplicate key
	ErrConflict = New("resource conflict")

	// ErrServiceUnavailable indicates a required dependency is down
	ErrServiceUnavailable = New("service unavailable")

	// ErrLockHeld is returned when a live lock exists for the requested key
	ErrLockHeld = New("lock held")

	// ErrInvalidTransition is returned when a state change is not legal
	// from the record's current status
	ErrInvalidTransition = New("invalid state transition")

	// ErrUnknownWorkflow is returned when no handler is registered for a
	// workflow name and version
	ErrUnknownWorkflow = New("unknown workflow")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest.
// Unknown workflows are admission errors too.
func IsInvalidRequestError(err error) bool {
	return err != nil && IsAny(err, ErrInvalidRequest, ErrUnknownWorkflow)
}

// IsConflictError checks if an error is or wraps ErrConflict or ErrInvalidTransition
func IsConflictError(err error) bool {
	return err != nil && IsAny(err, ErrConflict, ErrInvalidTransition)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}

// NewInvalidTransitionError reports an illegal status change
func NewInvalidTransitionError(entity, id, from, to string) error {
	err := Wrapf(ErrInvalidTransition, "%s %s cannot move from %s to %s", entity, id, from, to)
	return WithDetail(err, "Legal transitions: pending -> running -> completed|failed|cancelled")
}
