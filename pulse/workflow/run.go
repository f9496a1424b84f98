package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	id "github.com/teranos/vanity-id"

	"github.com/teranos/pulseline/pulse/async"
)

// StepStatus is the lifecycle of one step
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Settled reports whether the step will not change again.
func (s StepStatus) Settled() bool {
	return s != StepPending && s != StepRunning
}

// Run is one invocation of a workflow definition. Runs share the execution
// status set.
type Run struct {
	ID              string              `json:"id"`
	Workflow        string              `json:"workflow"`
	WorkflowVersion string              `json:"workflow_version"`
	Params          json.RawMessage     `json:"params"`
	Lane            string              `json:"lane"`
	Priority        int                 `json:"priority"`
	Trigger         async.TriggerSource `json:"trigger_source"`
	IdempotencyKey  string              `json:"idempotency_key"`
	FailurePolicy   FailurePolicy       `json:"failure_policy"`
	Status          async.Status        `json:"status"`
	Output          json.RawMessage     `json:"output,omitempty"`
	Error           string              `json:"error,omitempty"`
	ErrorRetryable  bool                `json:"error_retryable,omitempty"`
	ErrorCategory   string              `json:"error_category,omitempty"`
	StepsTotal      int                 `json:"steps_total"`
	StepsCompleted  int                 `json:"steps_completed"`
	StepsFailed     int                 `json:"steps_failed"`
	StepsSkipped    int                 `json:"steps_skipped"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`

	Steps []*Step `json:"steps,omitempty"`
}

// Step is the persisted state of one StepDef within a run.
type Step struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Name        string          `json:"name"`
	Type        StepType        `json:"step_type"`
	Order       int             `json:"step_order"`
	Status      StepStatus      `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StartRequest asks for a new run.
type StartRequest struct {
	Workflow       string              `json:"workflow"`
	Version        string              `json:"version,omitempty"`
	Params         json.RawMessage     `json:"params,omitempty"`
	Lane           string              `json:"lane,omitempty"`
	Priority       int                 `json:"priority,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Trigger        async.TriggerSource `json:"trigger_source,omitempty"`
}

// Started is the result of Start.
type Started struct {
	Run      *Run `json:"run"`
	Existing bool `json:"existing"`
}

// Filter narrows List.
type Filter struct {
	Status   async.Status
	Workflow string
	From     time.Time
	To       time.Time
	Offset   int
	Limit    int
}

// Page is one page of runs.
type Page struct {
	Items   []*Run `json:"items"`
	Total   int    `json:"total"`
	Offset  int    `json:"offset"`
	Limit   int    `json:"limit"`
	HasMore bool   `json:"has_more"`
}

func newRunID(workflow, lane string) string {
	return id.GenerateASIDSimple("RN", workflow, lane)
}

func newStepID() string {
	return uuid.NewString()
}
