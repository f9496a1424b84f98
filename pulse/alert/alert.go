// Package alert persists alerts, suppresses repeats by dedup key, and
// delivers them to channels with per-attempt history, retry and channel
// health tracking.
package alert

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/pulseline/errors"
)

// Severity orders alerts: info < warning < error < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// ParseSeverity validates s.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; !ok {
		return "", errors.NewInvalidRequestError("unknown severity %q", s)
	}
	return sev, nil
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// DeliveryStatus is the outcome of one delivery attempt
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryThrottled DeliveryStatus = "throttled"
)

// Alert is a persisted notification. Suppressed alerts are kept for audit
// but never delivered.
type Alert struct {
	ID            string                 `json:"id"`
	Severity      Severity               `json:"severity"`
	Title         string                 `json:"title"`
	Message       string                 `json:"message"`
	Source        string                 `json:"source"`
	Domain        string                 `json:"domain,omitempty"`
	ExecutionID   string                 `json:"execution_id,omitempty"`
	RunID         string                 `json:"run_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	ErrorCategory string                 `json:"error_category,omitempty"`
	DedupKey      string                 `json:"dedup_key,omitempty"`
	Suppressed    bool                   `json:"suppressed"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Input is what a caller raises.
type Input struct {
	Severity        Severity               `json:"severity"`
	Title           string                 `json:"title"`
	Message         string                 `json:"message"`
	Source          string                 `json:"source"`
	Domain          string                 `json:"domain,omitempty"`
	ExecutionID     string                 `json:"execution_id,omitempty"`
	RunID           string                 `json:"run_id,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ErrorCategory   string                 `json:"error_category,omitempty"`
	DedupKey        string                 `json:"dedup_key,omitempty"`
	ThrottleMinutes *int                   `json:"throttle_minutes,omitempty"` // nil uses the dispatcher default
}

func (in Input) validate() error {
	if _, ok := severityRank[in.Severity]; !ok {
		return errors.NewInvalidRequestError("unknown severity %q", in.Severity)
	}
	if strings.TrimSpace(in.Title) == "" {
		return errors.NewInvalidRequestError("alert title is required")
	}
	if strings.TrimSpace(in.Source) == "" {
		return errors.NewInvalidRequestError("alert source is required")
	}
	if in.ThrottleMinutes != nil && *in.ThrottleMinutes < 0 {
		return errors.NewInvalidRequestError("throttle_minutes must be >= 0")
	}
	return nil
}

// Channel is a delivery destination with its health counters.
type Channel struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Type                string          `json:"channel_type"`
	Config              json.RawMessage `json:"config"`
	MinSeverity         Severity        `json:"min_severity"`
	DomainFilter        string          `json:"domain_filter,omitempty"`
	Enabled             bool            `json:"enabled"`
	ThrottleMinutes     int             `json:"throttle_minutes"`
	LastSuccessAt       *time.Time      `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time      `json:"last_failure_at,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	CircuitOpenUntil    *time.Time      `json:"circuit_open_until,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Accepts reports whether a should be delivered to c.
func (c *Channel) Accepts(a *Alert) bool {
	if !c.Enabled || !a.Severity.AtLeast(c.MinSeverity) {
		return false
	}
	return c.DomainFilter == "" || c.DomainFilter == a.Domain
}

// CircuitOpen reports whether the channel is cooling down at now.
func (c *Channel) CircuitOpen(now time.Time) bool {
	return c.CircuitOpenUntil != nil && c.CircuitOpenUntil.After(now)
}

// ChannelInput registers or updates a channel.
type ChannelInput struct {
	Name            string          `json:"name" yaml:"name" toml:"name"`
	Type            string          `json:"channel_type" yaml:"channel_type" toml:"channel_type"`
	Config          json.RawMessage `json:"config,omitempty" yaml:"-" toml:"-"`
	MinSeverity     Severity        `json:"min_severity,omitempty" yaml:"min_severity" toml:"min_severity"`
	DomainFilter    string          `json:"domain_filter,omitempty" yaml:"domain_filter" toml:"domain_filter"`
	Enabled         *bool           `json:"enabled,omitempty" yaml:"enabled" toml:"enabled"`
	ThrottleMinutes int             `json:"throttle_minutes,omitempty" yaml:"throttle_minutes" toml:"throttle_minutes"`
}

// Delivery is one attempt to deliver one alert to one channel. Rows are
// never rewritten once settled; a retry is a new row with attempt+1.
type Delivery struct {
	ID          string         `json:"id"`
	AlertID     string         `json:"alert_id"`
	ChannelID   string         `json:"channel_id"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	Status      DeliveryStatus `json:"status"`
	AttemptedAt *time.Time     `json:"attempted_at,omitempty"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	Response    string         `json:"response,omitempty"`
	Error       string         `json:"error,omitempty"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Filter narrows ListAlerts.
type Filter struct {
	Severity   Severity
	Source     string
	DedupKey   string
	Suppressed *bool
	Since      time.Time
	Offset     int
	Limit      int
}

// Page is one page of alerts.
type Page struct {
	Items   []*Alert `json:"items"`
	Total   int      `json:"total"`
	Offset  int      `json:"offset"`
	Limit   int      `json:"limit"`
	HasMore bool     `json:"has_more"`
}
