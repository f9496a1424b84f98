package am

import "time"

// Config is the pulseline engine configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Worker    WorkerConfig    `mapstructure:"worker" toml:"worker"`
	Retry     RetryConfig     `mapstructure:"retry" toml:"retry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Alerts    AlertsConfig    `mapstructure:"alerts" toml:"alerts"`
	Locks     LocksConfig     `mapstructure:"locks" toml:"locks"`
}

// DatabaseConfig configures the SQLite record store
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           *int     `mapstructure:"port" toml:"port"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// DefaultServerPort is the API port when server.port is omitted.
const DefaultServerPort = 8790

// WorkerConfig configures the execution worker pool
type WorkerConfig struct {
	Workers              int      `mapstructure:"workers" toml:"workers"` // 0 = no background workers
	Lanes                []string `mapstructure:"lanes" toml:"lanes"`     // empty = all lanes
	PollIntervalMS       int      `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`
	LeaseSeconds         int      `mapstructure:"lease_seconds" toml:"lease_seconds"` // lock TTL, doubles as execution timeout
	ShutdownGraceSeconds int      `mapstructure:"shutdown_grace_seconds" toml:"shutdown_grace_seconds"`
	MaxMemoryPercent     float64  `mapstructure:"max_memory_percent" toml:"max_memory_percent"` // 0 = no memory gate
}

// RetryConfig is the in-execution retry policy
type RetryConfig struct {
	MaxRetries  int     `mapstructure:"max_retries" toml:"max_retries"`
	BaseSeconds float64 `mapstructure:"base_seconds" toml:"base_seconds"`
	Factor      float64 `mapstructure:"factor" toml:"factor"`
	MaxSeconds  float64 `mapstructure:"max_seconds" toml:"max_seconds"`
	Jitter      float64 `mapstructure:"jitter" toml:"jitter"` // fraction of the delay, 0..1
}

// SchedulerConfig configures the schedule ticker
type SchedulerConfig struct {
	Enabled             bool   `mapstructure:"enabled" toml:"enabled"`
	InstanceID          string `mapstructure:"instance_id" toml:"instance_id"` // empty = hostname-pid
	TickIntervalSeconds int    `mapstructure:"tick_interval_seconds" toml:"tick_interval_seconds"`
	LockTTLSeconds      int    `mapstructure:"lock_ttl_seconds" toml:"lock_ttl_seconds"`
	MisfireGraceSeconds int    `mapstructure:"misfire_grace_seconds" toml:"misfire_grace_seconds"` // default for new schedules
}

// AlertsConfig is the alert dispatch policy
type AlertsConfig struct {
	DefaultThrottleMinutes    int     `mapstructure:"default_throttle_minutes" toml:"default_throttle_minutes"`
	MaxAttempts               int     `mapstructure:"max_attempts" toml:"max_attempts"`
	RetryBaseSeconds          float64 `mapstructure:"retry_base_seconds" toml:"retry_base_seconds"`
	RetryFactor               float64 `mapstructure:"retry_factor" toml:"retry_factor"`
	RetryMaxSeconds           float64 `mapstructure:"retry_max_seconds" toml:"retry_max_seconds"`
	CircuitThreshold          int     `mapstructure:"circuit_threshold" toml:"circuit_threshold"` // 0 = breaker disabled
	CircuitCooldownSeconds    float64 `mapstructure:"circuit_cooldown_seconds" toml:"circuit_cooldown_seconds"`
	CircuitMaxCooldownSeconds float64 `mapstructure:"circuit_max_cooldown_seconds" toml:"circuit_max_cooldown_seconds"`
	SendsPerMinute            int     `mapstructure:"sends_per_minute" toml:"sends_per_minute"` // per channel, 0 = unlimited
	SweepIntervalSeconds      int     `mapstructure:"sweep_interval_seconds" toml:"sweep_interval_seconds"`
	SendTimeoutSeconds        int     `mapstructure:"send_timeout_seconds" toml:"send_timeout_seconds"`
}

// LocksConfig configures the lock reaper
type LocksConfig struct {
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds" toml:"sweep_interval_seconds"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// PollInterval returns the worker poll interval.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// Lease returns the lock TTL a worker claims with.
func (w WorkerConfig) Lease() time.Duration {
	return time.Duration(w.LeaseSeconds) * time.Second
}

// ShutdownGrace returns how long shutdown waits for in-flight executions.
func (w WorkerConfig) ShutdownGrace() time.Duration {
	return time.Duration(w.ShutdownGraceSeconds) * time.Second
}

// Base returns the first retry delay.
func (r RetryConfig) Base() time.Duration { return seconds(r.BaseSeconds) }

// Max returns the retry delay cap.
func (r RetryConfig) Max() time.Duration { return seconds(r.MaxSeconds) }

// TickInterval returns the scheduler poll interval.
func (s SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

// LockTTL returns the ScheduleLock TTL.
func (s SchedulerConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLSeconds) * time.Second
}

// RetryBase returns the first delivery retry delay.
func (a AlertsConfig) RetryBase() time.Duration { return seconds(a.RetryBaseSeconds) }

// RetryMax returns the delivery retry delay cap.
func (a AlertsConfig) RetryMax() time.Duration { return seconds(a.RetryMaxSeconds) }

// CircuitCooldown returns the first circuit-open period.
func (a AlertsConfig) CircuitCooldown() time.Duration { return seconds(a.CircuitCooldownSeconds) }

// CircuitMaxCooldown returns the longest circuit-open period.
func (a AlertsConfig) CircuitMaxCooldown() time.Duration {
	return seconds(a.CircuitMaxCooldownSeconds)
}

// SweepInterval returns the delivery retry sweep period.
func (a AlertsConfig) SweepInterval() time.Duration {
	return time.Duration(a.SweepIntervalSeconds) * time.Second
}

// SendTimeout bounds a single channel send.
func (a AlertsConfig) SendTimeout() time.Duration {
	return time.Duration(a.SendTimeoutSeconds) * time.Second
}

// SweepInterval returns the lock reaper period.
func (l LocksConfig) SweepInterval() time.Duration {
	return time.Duration(l.SweepIntervalSeconds) * time.Second
}
