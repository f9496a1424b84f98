// Package async is the execution engine: admission, claiming under a
// concurrency lock, terminal transitions, automatic retry with backoff, and
// the worker pool and reaper that drive them.
package async

import (
	"encoding/json"
	"time"

	id "github.com/teranos/vanity-id"

	"github.com/teranos/pulseline/errors"
)

// Status is the lifecycle state of an Execution
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus validates a status string
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), nil
	default:
		return "", errors.NewInvalidRequestError("unknown execution status %q", s)
	}
}

// TriggerSource records who asked for an execution
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerAPI       TriggerSource = "api"
	TriggerScheduler TriggerSource = "scheduler"
	TriggerParent    TriggerSource = "parent"
	TriggerRetry     TriggerSource = "retry"
	TriggerReplay    TriggerSource = "replay"
)

// DefaultLane is used when a submission names no lane.
const DefaultLane = "default"

// Execution is one attempt to run a workflow with given params.
//
// A retry never mutates a failed Execution; it creates a new one with the
// same idempotency key and lineage, caused_by pointing at the failure.
type Execution struct {
	ID                string          `json:"id"`
	Workflow          string          `json:"workflow"`
	WorkflowVersion   string          `json:"workflow_version,omitempty"`
	Params            json.RawMessage `json:"params"`
	Lane              string          `json:"lane"`
	Priority          int             `json:"priority"`
	Trigger           TriggerSource   `json:"trigger_source"`
	LogicalKey        string          `json:"logical_key"`
	IdempotencyKey    string          `json:"idempotency_key"`
	Status            Status          `json:"status"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	ParentRunID       string          `json:"parent_run_id,omitempty"`
	LineageID         string          `json:"lineage_id"`
	CausedBy          string          `json:"caused_by,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	ErrorRetryable    bool            `json:"error_retryable,omitempty"`
	ErrorCategory     string          `json:"error_category,omitempty"`
	CancelReason      string          `json:"cancel_reason,omitempty"`
	LockedBy          string          `json:"locked_by,omitempty"`
	AvailableAt       time.Time       `json:"available_at"`
	LeaseExpiresAt    *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Attempt is the 1-based attempt number within the lineage's retry budget.
func (e *Execution) Attempt() int {
	return e.RetryCount + 1
}

// RetriesLeft reports whether a retryable failure would be retried.
func (e *Execution) RetriesLeft() bool {
	return e.RetryCount < e.MaxRetries
}

// Duration returns claim-to-finish time, zero if it never ran to the end.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// newExecutionID returns an ID such as "EX3AINGES9FEXECUTE1ADEFAU27C1SCH".
func newExecutionID(workflow, lane string, trigger TriggerSource) string {
	v, err := id.GenerateASIDWithPrefix("EX", workflow, "execute", lane, string(trigger))
	if err != nil {
		return id.GenerateASIDSimple("EX", workflow, lane)
	}
	return v
}

// SubmitRequest asks for a new execution.
type SubmitRequest struct {
	Workflow          string          `json:"workflow"`
	Version           string          `json:"version,omitempty"` // exact version or semver constraint; empty = latest
	Params            json.RawMessage `json:"params,omitempty"`
	Lane              string          `json:"lane,omitempty"`
	Priority          int             `json:"priority,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	Trigger           TriggerSource   `json:"trigger_source,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	ParentRunID       string          `json:"parent_run_id,omitempty"`
	CausedBy          string          `json:"caused_by,omitempty"` // joins the lineage of this execution
	MaxRetries        *int            `json:"max_retries,omitempty"`
	NotBefore         *time.Time      `json:"not_before,omitempty"`
	DryRun            bool            `json:"dry_run,omitempty"`
}

// Submission is the outcome of Submit.
type Submission struct {
	Execution *Execution `json:"execution"`
	Existing  bool       `json:"existing"` // an active execution already held the idempotency key
	DryRun    bool       `json:"dry_run,omitempty"`
}

// Filter selects executions for List.
type Filter struct {
	Status    Status
	Workflow  string
	Lane      string
	LineageID string
	From      time.Time
	To        time.Time
	Offset    int
	Limit     int
}

// Page is one page of a List result
type Page struct {
	Items   []*Execution `json:"items"`
	Total   int          `json:"total"`
	Offset  int          `json:"offset"`
	Limit   int          `json:"limit"`
	HasMore bool         `json:"has_more"`
}

const (
	// DefaultPageSize applies when Filter.Limit is zero.
	DefaultPageSize = 50
	// MaxPageSize caps Filter.Limit.
	MaxPageSize = 500
)

// NormalizePage clamps offset and limit.
func NormalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return offset, limit
}
