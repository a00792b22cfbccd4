// Package config loads the daemon configuration. Values come from three
// layers, later layers winning: built-in defaults, an optional YAML file,
// and CASCADE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/cascade/engine/policy"
)

// Config is the daemon configuration.
type Config struct {
	// BindAddress is the gRPC listen address.
	BindAddress string `yaml:"bind_address"`
	// HistoryStorage selects the history store: "memory", "redis://..." or
	// "mongodb://...".
	HistoryStorage string `yaml:"history_storage"`
	// VisibilityStorage selects the visibility store: "memory",
	// "mongodb://..." or "" to disable listing.
	VisibilityStorage string `yaml:"visibility_storage"`
	// TaskPollTimeout caps worker long polls.
	TaskPollTimeout time.Duration `yaml:"task_poll_timeout"`
	// StickyTTL is how long workflow tasks wait for their sticky worker.
	StickyTTL time.Duration `yaml:"sticky_ttl"`
	// DispatchRate throttles task deliveries per second. Zero disables.
	DispatchRate float64 `yaml:"dispatch_rate"`
	// DispatchBurst is the dispatch limiter burst.
	DispatchBurst int `yaml:"dispatch_burst"`
	// TimerShards is the number of timer wheel shards.
	TimerShards int `yaml:"timer_shards"`
	// DefaultWorkflowTimeouts fill omitted start request timeouts.
	DefaultWorkflowTimeouts policy.WorkflowTimeouts `yaml:"default_workflow_timeouts"`
	// DefaultActivityTimeouts fill omitted activity schedule timeouts.
	DefaultActivityTimeouts policy.ActivityTimeouts `yaml:"default_activity_timeouts"`
	// DefaultRetryPolicy fills omitted activity retry policies.
	DefaultRetryPolicy policy.Retry `yaml:"default_retry_policy"`
	// HistoryRetention is how long closed histories are kept. Zero keeps
	// them forever.
	HistoryRetention time.Duration `yaml:"history_retention"`
	// MaxHistoryEvents caps history length in events. Zero is unbounded.
	MaxHistoryEvents int64 `yaml:"max_history_size_events"`
	// MaxHistoryBytes caps history size in encoded bytes. Zero is unbounded.
	MaxHistoryBytes int64 `yaml:"max_history_size_bytes"`
	// StuckThreshold is the consecutive workflow task failure count after
	// which a run stops scheduling tasks.
	StuckThreshold int `yaml:"stuck_threshold"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BindAddress:       ":7833",
		HistoryStorage:    "memory",
		VisibilityStorage: "memory",
		TaskPollTimeout:   60 * time.Second,
		StickyTTL:         10 * time.Second,
		TimerShards:       4,
		DefaultWorkflowTimeouts: policy.WorkflowTimeouts{
			Task: 10 * time.Second,
		},
		DefaultActivityTimeouts: policy.ActivityTimeouts{
			StartToClose: time.Minute,
		},
		DefaultRetryPolicy: policy.DefaultRetry(),
		StuckThreshold:     5,
	}
}

// Load builds the configuration from defaults, the YAML file at path when
// path is non-empty, and CASCADE_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("bind_address is required")
	}
	if c.HistoryStorage == "" {
		return fmt.Errorf("history_storage is required")
	}
	if c.TaskPollTimeout <= 0 {
		return fmt.Errorf("task_poll_timeout must be positive, got %s", c.TaskPollTimeout)
	}
	if c.StickyTTL < 0 {
		return fmt.Errorf("sticky_ttl must not be negative, got %s", c.StickyTTL)
	}
	if c.DispatchRate < 0 {
		return fmt.Errorf("dispatch_rate must not be negative, got %g", c.DispatchRate)
	}
	if c.TimerShards <= 0 {
		return fmt.Errorf("timer_shards must be positive, got %d", c.TimerShards)
	}
	if c.StuckThreshold <= 0 {
		return fmt.Errorf("stuck_threshold must be positive, got %d", c.StuckThreshold)
	}
	if c.HistoryRetention < 0 {
		return fmt.Errorf("history_retention must not be negative, got %s", c.HistoryRetention)
	}
	if c.MaxHistoryEvents < 0 || c.MaxHistoryBytes < 0 {
		return fmt.Errorf("history size limits must not be negative")
	}
	return nil
}

// envPrefix namespaces environment overrides.
const envPrefix = "CASCADE_"

// applyEnv overrides scalar fields from CASCADE_* variables. Compound
// fields like the timeout defaults are file-only.
func (c *Config) applyEnv() error {
	for _, ov := range []struct {
		name  string
		apply func(string) error
	}{
		{"BIND_ADDRESS", func(v string) error { c.BindAddress = v; return nil }},
		{"HISTORY_STORAGE", func(v string) error { c.HistoryStorage = v; return nil }},
		{"VISIBILITY_STORAGE", func(v string) error { c.VisibilityStorage = v; return nil }},
		{"TASK_POLL_TIMEOUT", durEnv(&c.TaskPollTimeout)},
		{"STICKY_TTL", durEnv(&c.StickyTTL)},
		{"DISPATCH_RATE", func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			c.DispatchRate = f
			return nil
		}},
		{"DISPATCH_BURST", intEnv(&c.DispatchBurst)},
		{"TIMER_SHARDS", intEnv(&c.TimerShards)},
		{"HISTORY_RETENTION", durEnv(&c.HistoryRetention)},
		{"MAX_HISTORY_SIZE_EVENTS", int64Env(&c.MaxHistoryEvents)},
		{"MAX_HISTORY_SIZE_BYTES", int64Env(&c.MaxHistoryBytes)},
		{"STUCK_THRESHOLD", intEnv(&c.StuckThreshold)},
		{"DEBUG", func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			c.Debug = b
			return nil
		}},
	} {
		v, ok := os.LookupEnv(envPrefix + ov.name)
		if !ok {
			continue
		}
		if err := ov.apply(v); err != nil {
			return fmt.Errorf("invalid %s%s value %q: %w", envPrefix, ov.name, v, err)
		}
	}
	return nil
}

func durEnv(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func intEnv(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func int64Env(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}
