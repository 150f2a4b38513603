package sync

import (
	"time"
)

// Config holds the sync engine configuration.
type Config struct {
	// Unique identifier for this device (auto-generated if empty)
	DeviceID string `json:"device_id"`

	// Bounded timeout for a single publish attempt; on expiry the operation
	// is enqueued, never dropped (default: 2 seconds)
	PublishTimeout time.Duration `json:"publish_timeout"`

	// Maximum operations drained per replay batch (default: 100)
	ReplayBatchSize int `json:"replay_batch_size"`

	// Buffer size of the async publish channel (default: 256)
	DispatchBuffer int `json:"dispatch_buffer"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		PublishTimeout:  2 * time.Second,
		ReplayBatchSize: 100,
		DispatchBuffer:  256,
	}
}

// Validate validates the configuration and fills generated fields.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		c.DeviceID = GenerateDeviceID()
	}
	if c.PublishTimeout <= 0 {
		return &ConfigError{"publish_timeout must be positive"}
	}
	if c.ReplayBatchSize <= 0 {
		return &ConfigError{"replay_batch_size must be positive"}
	}
	if c.DispatchBuffer <= 0 {
		return &ConfigError{"dispatch_buffer must be positive"}
	}
	return nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "sync config error: " + e.Message
}
