package am

import (
	"time"

	"github.com/teranos/pulseline/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port != nil && *c.Server.Port <= 0 {
		return errors.Newf("server.port must be positive, got %d (omit for default port %d)", *c.Server.Port, DefaultServerPort)
	}

	// Workers: 0 = API-only node, negative = invalid
	if c.Worker.Workers < 0 {
		return errors.Newf("worker.workers must be >= 0, got %d", c.Worker.Workers)
	}
	if c.Worker.Workers > 0 {
		if c.Worker.PollIntervalMS <= 0 {
			return errors.Newf("worker.poll_interval_ms must be > 0, got %d", c.Worker.PollIntervalMS)
		}
		if c.Worker.LeaseSeconds <= 0 {
			return errors.Newf("worker.lease_seconds must be > 0, got %d", c.Worker.LeaseSeconds)
		}
	}
	if c.Worker.MaxMemoryPercent < 0 || c.Worker.MaxMemoryPercent > 100 {
		return errors.Newf("worker.max_memory_percent must be within 0..100, got %g", c.Worker.MaxMemoryPercent)
	}

	if c.Retry.MaxRetries < 0 {
		return errors.Newf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if err := validateBackoff("retry.", c.Retry.BaseSeconds, c.Retry.Factor, c.Retry.MaxSeconds); err != nil {
		return err
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.Newf("retry.jitter must be within 0..1, got %g", c.Retry.Jitter)
	}

	if c.Scheduler.Enabled {
		if c.Scheduler.TickIntervalSeconds <= 0 {
			return errors.Newf("scheduler.tick_interval_seconds must be > 0, got %d", c.Scheduler.TickIntervalSeconds)
		}
		if c.Scheduler.LockTTLSeconds <= 0 {
			return errors.Newf("scheduler.lock_ttl_seconds must be > 0, got %d", c.Scheduler.LockTTLSeconds)
		}
	}
	if c.Scheduler.MisfireGraceSeconds < 0 {
		return errors.Newf("scheduler.misfire_grace_seconds must be >= 0, got %d", c.Scheduler.MisfireGraceSeconds)
	}

	if c.Alerts.DefaultThrottleMinutes < 0 {
		return errors.Newf("alerts.default_throttle_minutes must be >= 0, got %d", c.Alerts.DefaultThrottleMinutes)
	}
	if c.Alerts.MaxAttempts < 1 {
		return errors.Newf("alerts.max_attempts must be >= 1, got %d", c.Alerts.MaxAttempts)
	}
	if err := validateBackoff("alerts.retry_", c.Alerts.RetryBaseSeconds, c.Alerts.RetryFactor, c.Alerts.RetryMaxSeconds); err != nil {
		return err
	}
	if c.Alerts.CircuitThreshold < 0 {
		return errors.Newf("alerts.circuit_threshold must be >= 0, got %d", c.Alerts.CircuitThreshold)
	}
	if c.Alerts.CircuitThreshold > 0 && c.Alerts.CircuitCooldownSeconds <= 0 {
		return errors.Newf("alerts.circuit_cooldown_seconds must be > 0 when the breaker is enabled, got %g", c.Alerts.CircuitCooldownSeconds)
	}
	if c.Alerts.SendsPerMinute < 0 {
		return errors.Newf("alerts.sends_per_minute must be >= 0, got %d", c.Alerts.SendsPerMinute)
	}

	if c.Locks.SweepIntervalSeconds < 0 {
		return errors.Newf("locks.sweep_interval_seconds must be >= 0, got %d", c.Locks.SweepIntervalSeconds)
	}

	// A lease shorter than one sweep means every long execution is reaped late.
	if c.Worker.Workers > 0 && c.Locks.SweepIntervalSeconds > 0 &&
		time.Duration(c.Locks.SweepIntervalSeconds)*time.Second > c.Worker.Lease() {
		return errors.WithHint(
			errors.Newf("locks.sweep_interval_seconds (%d) exceeds worker.lease_seconds (%d)", c.Locks.SweepIntervalSeconds, c.Worker.LeaseSeconds),
			"expired leases are only detected once per sweep")
	}

	return nil
}

func validateBackoff(prefix string, base, factor, max float64) error {
	if base <= 0 {
		return errors.Newf("%sbase_seconds must be > 0, got %g", prefix, base)
	}
	if factor < 1 {
		return errors.Newf("%sfactor must be >= 1, got %g", prefix, factor)
	}
	if max < base {
		return errors.Newf("%smax_seconds (%g) must be >= %sbase_seconds (%g)", prefix, max, prefix, base)
	}
	return nil
}
