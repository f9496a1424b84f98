package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "pulseline.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})

	v.SetDefault("worker.workers", 2)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.lease_seconds", 300)
	v.SetDefault("worker.shutdown_grace_seconds", 30)
	v.SetDefault("worker.max_memory_percent", 90.0)

	// 5s, 10s, 20s ... capped at 10 minutes
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_seconds", 5.0)
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.max_seconds", 600.0)
	v.SetDefault("retry.jitter", 0.1)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval_seconds", 1)
	v.SetDefault("scheduler.lock_ttl_seconds", 30)
	v.SetDefault("scheduler.misfire_grace_seconds", 60)

	v.SetDefault("alerts.default_throttle_minutes", 15)
	v.SetDefault("alerts.max_attempts", 5)
	v.SetDefault("alerts.retry_base_seconds", 30.0)
	v.SetDefault("alerts.retry_factor", 2.0)
	v.SetDefault("alerts.retry_max_seconds", 3600.0)
	v.SetDefault("alerts.circuit_threshold", 5)
	v.SetDefault("alerts.circuit_cooldown_seconds", 60.0)
	v.SetDefault("alerts.circuit_max_cooldown_seconds", 1800.0)
	v.SetDefault("alerts.sends_per_minute", 30)
	v.SetDefault("alerts.sweep_interval_seconds", 15)
	v.SetDefault("alerts.send_timeout_seconds", 10)

	v.SetDefault("locks.sweep_interval_seconds", 10)
}

// BindSensitiveEnvVars explicitly binds values commonly injected by deployments
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "PULSELINE_DATABASE_PATH")
	v.BindEnv("scheduler.instance_id", "PULSELINE_INSTANCE_ID")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "pulseline.db"
	}
	return c.Database.Path
}

// GetServerPort returns server.port or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Workers: %d, Retry: {Max: %d}, Scheduler: {Enabled: %t}}",
		c.Database.Path, c.Worker.Workers, c.Retry.MaxRetries, c.Scheduler.Enabled)
}
