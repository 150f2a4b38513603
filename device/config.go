// Package device tracks connected-device presence and routes directed
// remote commands such as playback handoff.
package device

import (
	"time"
)

// Config holds device registry and command routing configuration.
type Config struct {
	// How recently a device must have heartbeated to count as active
	// (default: 2 minutes)
	FreshnessWindow time.Duration `json:"freshness_window"`

	// Devices silent for longer than this are pruned from the registry
	// (default: 30 days)
	PruneAfter time.Duration `json:"prune_after"`

	// How often the stale-device sweep runs (default: 1 minute)
	SweepInterval time.Duration `json:"sweep_interval"`

	// Bounded timeout for delivering a command to a live connection; on
	// expiry the command is persisted as pending and a negative ack is
	// returned (default: 5 seconds)
	DeliveryTimeout time.Duration `json:"delivery_timeout"`

	// Redelivery policy for pending commands. Attempts beyond the maximum
	// drop the command with a log line rather than retrying forever.
	RedeliveryMaxAttempts     int           `json:"redelivery_max_attempts"`
	RedeliveryInitialInterval time.Duration `json:"redelivery_initial_interval"`
	RedeliveryMaxInterval     time.Duration `json:"redelivery_max_interval"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FreshnessWindow:           2 * time.Minute,
		PruneAfter:                30 * 24 * time.Hour,
		SweepInterval:             1 * time.Minute,
		DeliveryTimeout:           5 * time.Second,
		RedeliveryMaxAttempts:     5,
		RedeliveryInitialInterval: 500 * time.Millisecond,
		RedeliveryMaxInterval:     10 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.FreshnessWindow <= 0 {
		return &ConfigError{"freshness_window must be positive"}
	}
	if c.SweepInterval <= 0 {
		return &ConfigError{"sweep_interval must be positive"}
	}
	if c.DeliveryTimeout <= 0 {
		return &ConfigError{"delivery_timeout must be positive"}
	}
	if c.RedeliveryMaxAttempts <= 0 {
		return &ConfigError{"redelivery_max_attempts must be positive"}
	}
	return nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "device config error: " + e.Message
}
