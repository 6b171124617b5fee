package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate for out-of-range settings.
var ErrInvalidConfig = errors.New("invalid scheduler configuration")

// Config holds pool sizing for both schedulers. It is loaded once per
// process before the schedulers are initialized.
type Config struct {
	// Global scheduler pools
	LocalPoolSize     int `yaml:"local_pool_size"`
	LocalQueueSize    int `yaml:"local_queue_size"`
	RemotePoolSize    int `yaml:"remote_pool_size"`
	RemotePoolMaxSize int `yaml:"remote_pool_max_size"`
	RemoteQueueSize   int `yaml:"remote_queue_size"`
	LimitedPoolSize   int `yaml:"limited_pool_size"`
	LimitedQueueSize  int `yaml:"limited_queue_size"`

	// Per workload group scheduler
	GroupThreadCount   int `yaml:"group_thread_count"`
	GroupQueueCapacity int `yaml:"group_queue_capacity"`

	// Scanner context defaults
	DefaultMaxConcurrency int `yaml:"default_max_concurrency"`
	OutputQueueCapacity   int `yaml:"output_queue_capacity"`

	Log LogConfig `yaml:"log"`
}

// LogConfig mirrors log.Config in file form.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration sized for the current machine.
func Default() *Config {
	cores := runtime.NumCPU()
	return &Config{
		LocalPoolSize:         cores,
		LocalQueueSize:        102400,
		RemotePoolSize:        cores,
		RemotePoolMaxSize:     max(512, cores*10),
		RemoteQueueSize:       102400,
		LimitedPoolSize:       cores,
		LimitedQueueSize:      102400,
		GroupThreadCount:      cores,
		GroupQueueCapacity:    102400,
		DefaultMaxConcurrency: cores,
		OutputQueueCapacity:   64,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file on top of Default. Keys missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every pool and queue size is positive.
func (c *Config) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"local_pool_size", c.LocalPoolSize},
		{"local_queue_size", c.LocalQueueSize},
		{"remote_pool_size", c.RemotePoolSize},
		{"remote_pool_max_size", c.RemotePoolMaxSize},
		{"remote_queue_size", c.RemoteQueueSize},
		{"limited_pool_size", c.LimitedPoolSize},
		{"limited_queue_size", c.LimitedQueueSize},
		{"group_thread_count", c.GroupThreadCount},
		{"group_queue_capacity", c.GroupQueueCapacity},
		{"default_max_concurrency", c.DefaultMaxConcurrency},
		{"output_queue_capacity", c.OutputQueueCapacity},
	}
	for _, check := range checks {
		if check.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, check.name, check.value)
		}
	}
	if c.RemotePoolSize > c.RemotePoolMaxSize {
		return fmt.Errorf("%w: remote_pool_size %d exceeds remote_pool_max_size %d",
			ErrInvalidConfig, c.RemotePoolSize, c.RemotePoolMaxSize)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
