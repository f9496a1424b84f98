// Package schedule fires executions and workflow runs on cron, interval and
// one-time schedules. Scheduler instances coordinate only through the
// schedule lock table; every fire is recorded as a ScheduleRun.
package schedule

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/pulse/async"
)

// Type is how a schedule computes its fire times.
type Type string

const (
	TypeCron     Type = "cron"
	TypeInterval Type = "interval"
	TypeOneTime  Type = "one_time"
)

// TargetType is what a fire submits.
type TargetType string

const (
	TargetExecution TargetType = "execution"
	TargetRun       TargetType = "run"
)

// DefaultMisfireGrace is used when a schedule does not set its own.
const DefaultMisfireGrace = 60

// cronParser accepts 5-field expressions, an optional leading seconds field
// and descriptors such as @hourly.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a persisted schedule definition.
type Schedule struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	TargetType          TargetType      `json:"target_type"`
	TargetName          string          `json:"target_name"`
	TargetVersion       string          `json:"target_version,omitempty"`
	DefaultParams       json.RawMessage `json:"default_params"`
	Lane                string          `json:"lane"`
	Priority            int             `json:"priority"`
	Type                Type            `json:"schedule_type"`
	CronExpression      string          `json:"cron_expression,omitempty"`
	IntervalSeconds     int             `json:"interval_seconds,omitempty"`
	RunAt               *time.Time      `json:"run_at,omitempty"`
	Timezone            string          `json:"timezone"`
	Enabled             bool            `json:"enabled"`
	MaxInstances        int             `json:"max_instances"`
	MisfireGraceSeconds int             `json:"misfire_grace_seconds"`
	LastRunAt           *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time      `json:"next_run_at,omitempty"`
	Version             int             `json:"version"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// MisfireGrace is how late a fire may still be submitted.
func (s *Schedule) MisfireGrace() time.Duration {
	return time.Duration(s.MisfireGraceSeconds) * time.Second
}

func (s *Schedule) location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, errors.NewInvalidRequestError("unknown timezone %q", s.Timezone)
	}
	return loc, nil
}

// validate checks that exactly the timing field of the schedule type is set.
func (s *Schedule) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.NewInvalidRequestError("schedule name is required")
	}
	if strings.TrimSpace(s.TargetName) == "" {
		return errors.NewInvalidRequestError("schedule %s: target_name is required", s.Name)
	}
	switch s.TargetType {
	case TargetExecution, TargetRun:
	default:
		return errors.NewInvalidRequestError("schedule %s: unknown target_type %q", s.Name, s.TargetType)
	}
	if s.MaxInstances < 1 {
		return errors.NewInvalidRequestError("schedule %s: max_instances must be >= 1", s.Name)
	}
	if s.MisfireGraceSeconds < 0 {
		return errors.NewInvalidRequestError("schedule %s: misfire_grace_seconds must be >= 0", s.Name)
	}
	if _, err := s.location(); err != nil {
		return err
	}
	if _, err := async.NormalizeParams(s.DefaultParams); err != nil {
		return err
	}

	switch s.Type {
	case TypeCron:
		if s.CronExpression == "" || s.IntervalSeconds != 0 || s.RunAt != nil {
			return errors.NewInvalidRequestError("schedule %s: cron schedules set only cron_expression", s.Name)
		}
		if _, err := cronParser.Parse(s.CronExpression); err != nil {
			return errors.NewInvalidRequestError("schedule %s: invalid cron expression %q: %v", s.Name, s.CronExpression, err)
		}
	case TypeInterval:
		if s.IntervalSeconds <= 0 || s.CronExpression != "" || s.RunAt != nil {
			return errors.NewInvalidRequestError("schedule %s: interval schedules set only a positive interval_seconds", s.Name)
		}
	case TypeOneTime:
		if s.RunAt == nil || s.CronExpression != "" || s.IntervalSeconds != 0 {
			return errors.NewInvalidRequestError("schedule %s: one_time schedules set only run_at", s.Name)
		}
	default:
		return errors.NewInvalidRequestError("schedule %s: unknown schedule_type %q", s.Name, s.Type)
	}
	return nil
}

// NextFire returns the first fire time strictly after after, or nil when the
// schedule will not fire again.
func NextFire(s *Schedule, after time.Time) (*time.Time, error) {
	var next time.Time
	switch s.Type {
	case TypeCron:
		sched, err := cronParser.Parse(s.CronExpression)
		if err != nil {
			return nil, errors.NewInvalidRequestError("invalid cron expression %q: %v", s.CronExpression, err)
		}
		loc, err := s.location()
		if err != nil {
			return nil, err
		}
		next = sched.Next(after.In(loc))
		if next.IsZero() {
			return nil, nil
		}
	case TypeInterval:
		next = after.Add(time.Duration(s.IntervalSeconds) * time.Second)
	case TypeOneTime:
		if s.RunAt == nil || !s.RunAt.After(after) {
			return nil, nil
		}
		next = *s.RunAt
	default:
		return nil, errors.NewInvalidRequestError("unknown schedule_type %q", s.Type)
	}
	next = next.UTC()
	return &next, nil
}

// following returns the fire after the one scheduled at scheduledAt. Slots
// that already lie in the past at now are skipped rather than replayed.
func following(s *Schedule, scheduledAt, now time.Time) (*time.Time, error) {
	if s.Type == TypeOneTime {
		return nil, nil
	}
	if s.Type == TypeInterval {
		step := time.Duration(s.IntervalSeconds) * time.Second
		next := scheduledAt.Add(step)
		if next.Before(now) {
			behind := (now.Sub(next) + step - 1) / step
			next = next.Add(time.Duration(behind) * step)
		}
		next = next.UTC()
		return &next, nil
	}
	from := scheduledAt
	if now.After(from) {
		from = now
	}
	return NextFire(s, from)
}

// Input creates or updates a schedule. On update, zero values keep the
// current setting; setting Type replaces all timing fields.
type Input struct {
	Name                string          `json:"name"`
	TargetType          TargetType      `json:"target_type,omitempty"`
	TargetName          string          `json:"target_name,omitempty"`
	TargetVersion       string          `json:"target_version,omitempty"`
	DefaultParams       json.RawMessage `json:"default_params,omitempty"`
	Lane                string          `json:"lane,omitempty"`
	Priority            *int            `json:"priority,omitempty"`
	Type                Type            `json:"schedule_type,omitempty"`
	CronExpression      string          `json:"cron_expression,omitempty"`
	IntervalSeconds     int             `json:"interval_seconds,omitempty"`
	RunAt               *time.Time      `json:"run_at,omitempty"`
	Timezone            string          `json:"timezone,omitempty"`
	Enabled             *bool           `json:"enabled,omitempty"`
	MaxInstances        *int            `json:"max_instances,omitempty"`
	MisfireGraceSeconds *int            `json:"misfire_grace_seconds,omitempty"`
	// Version must match the stored version on update.
	Version int `json:"version,omitempty"`
}

// apply copies the set fields of in onto s and reports whether a timing
// field changed.
func (in Input) apply(s *Schedule) (timingChanged bool) {
	if in.Name != "" {
		s.Name = strings.TrimSpace(in.Name)
	}
	if in.TargetType != "" {
		s.TargetType = in.TargetType
	}
	if in.TargetName != "" {
		s.TargetName = strings.TrimSpace(in.TargetName)
	}
	if in.TargetVersion != "" {
		s.TargetVersion = strings.TrimSpace(in.TargetVersion)
	}
	if len(in.DefaultParams) > 0 {
		s.DefaultParams = in.DefaultParams
	}
	if in.Lane != "" {
		s.Lane = in.Lane
	}
	if in.Priority != nil {
		s.Priority = *in.Priority
	}
	if in.Type != "" {
		var runAt *time.Time
		if in.RunAt != nil {
			at := in.RunAt.UTC()
			runAt = &at
		}
		timingChanged = in.Type != s.Type || in.CronExpression != s.CronExpression ||
			in.IntervalSeconds != s.IntervalSeconds || !sameInstant(runAt, s.RunAt)
		s.Type = in.Type
		s.CronExpression = in.CronExpression
		s.IntervalSeconds = in.IntervalSeconds
		s.RunAt = runAt
	}
	if in.Timezone != "" && in.Timezone != s.Timezone {
		s.Timezone = in.Timezone
		timingChanged = true
	}
	if in.Enabled != nil {
		s.Enabled = *in.Enabled
	}
	if in.MaxInstances != nil {
		s.MaxInstances = *in.MaxInstances
	}
	if in.MisfireGraceSeconds != nil {
		s.MisfireGraceSeconds = *in.MisfireGraceSeconds
	}
	return timingChanged
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Filter narrows List.
type Filter struct {
	Enabled *bool
	Offset  int
	Limit   int
}

// Page is one page of schedules.
type Page struct {
	Items   []*Schedule `json:"items"`
	Total   int         `json:"total"`
	Offset  int         `json:"offset"`
	Limit   int         `json:"limit"`
	HasMore bool        `json:"has_more"`
}
