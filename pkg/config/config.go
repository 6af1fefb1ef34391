// Package config loads and validates the daemon configuration.
// A Config value is an immutable snapshot: reload builds a fresh one
// from defaults plus the file and swaps it in; it never mutates the
// snapshot workers captured at spawn time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the daemon.
type Config struct {
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// QueueConfig holds the remote queue endpoint and timing knobs.
type QueueConfig struct {
	// Addr is the Redis endpoint backing the queue ("host:port"). Required.
	Addr string `yaml:"addr"`

	// Name is the queue name; keys are derived from it.
	Name string `yaml:"name"`

	// VisibilityTimeout hides a received message from other consumers.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	// RetryVisibilityTimeout is applied when a message is deferred
	// (admission denial) rather than processed. Defaults to
	// VisibilityTimeout; keeping the two equal also keeps the
	// idempotency claim TTL aligned with redelivery.
	RetryVisibilityTimeout time.Duration `yaml:"retry_visibility_timeout"`
}

// WorkerConfig holds poll loop and worker pool settings.
type WorkerConfig struct {
	// MaxChildren bounds concurrently running workers.
	MaxChildren int `yaml:"max_children"`

	// PollInterval is the base sleep after an empty poll.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxSleepPeriod caps the backoff sleep during idle periods.
	MaxSleepPeriod time.Duration `yaml:"max_sleep_period"`
}

// UnmarshalYAML decodes queue settings, accepting durations either as
// Go duration strings ("90s") or as bare seconds (90). Absent keys
// keep the values already in place, so unmarshalling over Default()
// merges rather than replaces.
func (q *QueueConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Addr                   string `yaml:"addr"`
		Name                   string `yaml:"name"`
		VisibilityTimeout      string `yaml:"visibility_timeout"`
		RetryVisibilityTimeout string `yaml:"retry_visibility_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Addr != "" {
		q.Addr = raw.Addr
	}
	if raw.Name != "" {
		q.Name = raw.Name
	}
	if err := setDuration(&q.VisibilityTimeout, raw.VisibilityTimeout, "queue.visibility_timeout"); err != nil {
		return err
	}
	return setDuration(&q.RetryVisibilityTimeout, raw.RetryVisibilityTimeout, "queue.retry_visibility_timeout")
}

// UnmarshalYAML decodes worker settings with the same duration and
// merge rules as QueueConfig.
func (w *WorkerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxChildren    *int   `yaml:"max_children"`
		PollInterval   string `yaml:"poll_interval"`
		MaxSleepPeriod string `yaml:"max_sleep_period"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.MaxChildren != nil {
		w.MaxChildren = *raw.MaxChildren
	}
	if err := setDuration(&w.PollInterval, raw.PollInterval, "worker.poll_interval"); err != nil {
		return err
	}
	return setDuration(&w.MaxSleepPeriod, raw.MaxSleepPeriod, "worker.max_sleep_period")
}

// setDuration parses s into dst. Empty leaves dst alone; a bare number
// is taken as seconds.
func setDuration(dst *time.Duration, s, key string) error {
	if s == "" {
		return nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		*dst = d
		return nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	return fmt.Errorf("%s: invalid duration %q", key, s)
}

// IdempotencyConfig holds the optional duplicate-suppression store.
type IdempotencyConfig struct {
	// Addr is the Redis endpoint for claims; empty disables the guard.
	Addr string `yaml:"addr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // empty = stdout/stderr
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the metrics server
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Name:              "default",
			VisibilityTimeout: 60 * time.Second,
		},
		Worker: WorkerConfig{
			MaxChildren:    5,
			PollInterval:   2 * time.Second,
			MaxSleepPeriod: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":8080",
		},
	}
}

// Load reads path and merges it over the defaults. An empty path
// returns the defaults unchanged. The returned snapshot is normalized
// but not validated; call Validate before use.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Queue.RetryVisibilityTimeout == 0 {
		c.Queue.RetryVisibilityTimeout = c.Queue.VisibilityTimeout
	}
}

// Validate reports the first fatal configuration error.
func (c *Config) Validate() error {
	if c.Queue.Addr == "" {
		return fmt.Errorf("queue.addr is required")
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name must not be empty")
	}
	if c.Worker.MaxChildren < 1 {
		return fmt.Errorf("worker.max_children must be at least 1, got %d", c.Worker.MaxChildren)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive, got %v", c.Worker.PollInterval)
	}
	if c.Worker.MaxSleepPeriod < c.Worker.PollInterval {
		return fmt.Errorf("worker.max_sleep_period (%v) must not be below worker.poll_interval (%v)",
			c.Worker.MaxSleepPeriod, c.Worker.PollInterval)
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibility_timeout must be positive, got %v", c.Queue.VisibilityTimeout)
	}
	return nil
}

// TimeoutsDiverge reports whether the retry visibility timeout differs
// from the primary one. The two are intended to be equal so the
// idempotency claim expires on the same boundary as redelivery;
// divergence is worth a startup warning but is not fatal.
func (c *Config) TimeoutsDiverge() bool {
	return c.Queue.RetryVisibilityTimeout != c.Queue.VisibilityTimeout
}
