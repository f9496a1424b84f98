package schedule

import (
	"time"

	id "github.com/teranos/vanity-id"

	"github.com/teranos/pulseline/pulse/async"
)

// RunStatus is the outcome of one schedule fire.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
	RunMissed    RunStatus = "missed"
)

// Terminal reports whether the run will not change again.
func (s RunStatus) Terminal() bool {
	return s != RunPending && s != RunRunning
}

// Run records one evaluation of a due schedule: a fire that submitted a
// target, a skip at the max_instances cap, or a miss past the grace window.
type Run struct {
	ID          string     `json:"id"`
	ScheduleID  string     `json:"schedule_id"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      RunStatus  `json:"status"`
	TargetID    string     `json:"target_id,omitempty"` // execution lineage or run id
	Error       string     `json:"error,omitempty"`
	SkipReason  string     `json:"skip_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func newRunID(scheduleID string) string {
	return id.GenerateASIDSimple("SR", scheduleID, "fire")
}

// statusOf maps an execution or workflow run status onto a schedule run.
func statusOf(s async.Status) RunStatus {
	switch s {
	case async.StatusRunning:
		return RunRunning
	case async.StatusCompleted:
		return RunCompleted
	case async.StatusFailed, async.StatusCancelled:
		return RunFailed
	default:
		return RunPending
	}
}
