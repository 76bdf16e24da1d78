package avrprog

import (
	"fmt"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	DefaultMaxRetries   = 8
	DefaultRetryBackoff = 50 * time.Millisecond
	MaxRetryBackoff     = 5 * time.Second
)

// Settings for a programming session. Anything not set in a config file
// keeps the value from DefaultConfig.
type Config struct {
	Port     string `toml:"port"`
	BaudRate int    `toml:"baud"`
	// Transport fault recoveries allowed per page. Negative means retry
	// forever (the operator is expected to power cycle a dead board).
	MaxRetries int `toml:"max_retries"`
	// Wait before the first retry of a page; doubles for each further retry
	RetryBackoffMs int             `toml:"retry_backoff_ms"`
	Device         string          `toml:"device"`
	Profiles       []DeviceProfile `toml:"profile"`
}

func DefaultConfig() Config {
	return Config{
		Port:           "any",
		BaudRate:       DefaultBaudRate,
		MaxRetries:     DefaultMaxRetries,
		RetryBackoffMs: int(DefaultRetryBackoff / time.Millisecond),
		Device:         ATmega162.Name,
	}
}

// Load config from the given toml file. An empty path is just the defaults
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	tree, err := toml.LoadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config %s: %w", path, err)
	}
	var file Config
	if err := tree.Unmarshal(&file); err != nil {
		return config, fmt.Errorf("parse config %s: %w", path, err)
	}
	if tree.Has("port") {
		config.Port = file.Port
	}
	if tree.Has("baud") {
		config.BaudRate = file.BaudRate
	}
	if tree.Has("max_retries") {
		config.MaxRetries = file.MaxRetries
	}
	if tree.Has("retry_backoff_ms") {
		config.RetryBackoffMs = file.RetryBackoffMs
	}
	if tree.Has("device") {
		config.Device = file.Device
	}
	config.Profiles = file.Profiles
	for i := range config.Profiles {
		if err := config.Profiles[i].Validate(); err != nil {
			return config, fmt.Errorf("config %s: %w", path, err)
		}
	}
	return config, nil
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// The profile named by Device, from the config's own profiles or the table
func (c *Config) Profile() (DeviceProfile, error) {
	if c.Device == "" {
		return ATmega162, nil
	}
	return FindProfile(c.Device, c.Profiles)
}
