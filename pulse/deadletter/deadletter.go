// Package deadletter parks executions whose automatic retries are exhausted
// and lets an operator replay or resolve them. Dead letters are never
// deleted and never retried automatically.
package deadletter

import (
	"encoding/json"
	"time"
)

// DeadLetter is one parked lineage. A lineage that fails again after a
// replay bumps RetryCount on the same row and reopens it.
type DeadLetter struct {
	ID                string          `json:"id"`
	ExecutionID       string          `json:"execution_id"`
	LineageID         string          `json:"lineage_id"`
	Workflow          string          `json:"workflow"`
	WorkflowVersion   string          `json:"workflow_version,omitempty"`
	Params            json.RawMessage `json:"params"`
	Lane              string          `json:"lane"`
	Error             string          `json:"error,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	ReplayExecutionID string          `json:"replay_execution_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	LastRetryAt       *time.Time      `json:"last_retry_at,omitempty"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy        string          `json:"resolved_by,omitempty"`
	ResolutionNote    string          `json:"resolution_note,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Resolved reports whether an operator or a successful replay closed it.
func (d *DeadLetter) Resolved() bool {
	return d.ResolvedAt != nil
}

// Filter narrows List.
type Filter struct {
	Workflow   string
	Unresolved bool
	Offset     int
	Limit      int
}

// Page is one page of dead letters.
type Page struct {
	Items   []*DeadLetter `json:"items"`
	Total   int           `json:"total"`
	Offset  int           `json:"offset"`
	Limit   int           `json:"limit"`
	HasMore bool          `json:"has_more"`
}
