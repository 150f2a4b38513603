// Package config loads the server configuration from a JSON file and
// watches it for changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/casey/viewsync/device"
	"github.com/casey/viewsync/sync"
)

// Config is the top-level server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address (default: ":8080")
	ListenAddr string `json:"listen_addr"`

	// DataDir is where the bbolt database lives (default: ~/.viewsync)
	DataDir string `json:"data_dir,omitempty"`

	// Sync configures the sync engine
	Sync *sync.Config `json:"sync"`

	// Device configures the device registry and command router
	Device *device.Config `json:"device"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		Sync:       sync.DefaultConfig(),
		Device:     device.DefaultConfig(),
	}
}

// Load reads a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// A json null knocks a section out entirely; restore defaults so
	// callers can rely on the pointers.
	if cfg.Sync == nil {
		cfg.Sync = sync.DefaultConfig()
	}
	if cfg.Device == nil {
		cfg.Device = device.DefaultConfig()
	}

	return cfg, nil
}

// LoadOrCreate reads a config file, writing defaults first if it does not
// exist. The second return reports whether the file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return nil, false, err
		}
		return cfg, true, nil
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// Save writes a config file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr required")
	}
	if c.Sync == nil {
		return fmt.Errorf("sync section required")
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	if c.Device == nil {
		return fmt.Errorf("device section required")
	}
	if err := c.Device.Validate(); err != nil {
		return err
	}
	return nil
}
