// Package event is the append-only log of engine state transitions.
//
// Every component appends inside the same transaction as the transition it
// records, so the log never disagrees with the rows it describes. Appends are
// idempotent on the event's idempotency key; a replayed transition returns the
// stored event instead of writing a second one.
package event

import (
	"encoding/json"
	"time"
)

// Type names a state transition.
type Type string

const (
	ExecutionCreated        Type = "execution.created"
	ExecutionStarted        Type = "execution.started"
	ExecutionCompleted      Type = "execution.completed"
	ExecutionFailed         Type = "execution.failed"
	ExecutionCancelled      Type = "execution.cancelled"
	ExecutionRetryScheduled Type = "execution.retry_scheduled"
	ExecutionLockExpired    Type = "execution.lock_expired"

	RunCreated   Type = "run.created"
	RunStarted   Type = "run.started"
	RunCompleted Type = "run.completed"
	RunFailed    Type = "run.failed"
	RunCancelled Type = "run.cancelled"

	StepStarted   Type = "step.started"
	StepCompleted Type = "step.completed"
	StepFailed    Type = "step.failed"
	StepSkipped   Type = "step.skipped"
	StepCancelled Type = "step.cancelled"

	ScheduleFired   Type = "schedule.fired"
	ScheduleMissed  Type = "schedule.missed"
	ScheduleSkipped Type = "schedule.skipped"

	DeadLetterParked   Type = "deadletter.parked"
	DeadLetterReplayed Type = "deadletter.replayed"
	DeadLetterResolved Type = "deadletter.resolved"

	AlertRaised         Type = "alert.raised"
	AlertSuppressed     Type = "alert.suppressed"
	AlertDelivered      Type = "alert.delivered"
	AlertDeliveryFailed Type = "alert.delivery_failed"
)

// Event is an immutable fact about an owner (execution, run, schedule,
// dead letter or alert).
type Event struct {
	Seq            int64           `json:"seq"`
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	StepID         string          `json:"step_id,omitempty"`
	Type           Type            `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

// New builds an event for owner. payload is marshalled to JSON; nil leaves
// the payload empty.
func New(owner string, typ Type, payload interface{}) Event {
	ev := Event{OwnerID: owner, Type: typ}
	if payload != nil {
		if raw, ok := payload.(json.RawMessage); ok {
			ev.Payload = raw
		} else if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

// ForStep sets the step id.
func (e Event) ForStep(stepID string) Event {
	e.StepID = stepID
	return e
}

// WithKey overrides the idempotency key.
func (e Event) WithKey(key string) Event {
	e.IdempotencyKey = key
	return e
}

// defaultKey identifies a transition that happens at most once per owner
// (and step).
func (e Event) defaultKey() string {
	if e.StepID != "" {
		return string(e.Type) + ":" + e.OwnerID + ":" + e.StepID
	}
	return string(e.Type) + ":" + e.OwnerID
}

// Filter selects events for List.
type Filter struct {
	OwnerID  string
	Types    []Type
	Since    time.Time
	AfterSeq int64
	Limit    int
}
