package refsender

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// Default configuration values
	defaultMaxBatchSize    = 1000
	defaultMaxQueueLength  = 10000
	defaultSendPeriod      = 30 * time.Second
	defaultReadInterval    = time.Second
	defaultAsyncWorkers    = 1 // sequential writes, in key order
	defaultMaxRetries      = 3
	defaultSinkTimeout     = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultRateWindow      = time.Minute

	// EnvPrefix prefixes environment overrides, e.g. REFSENDER_SEND_PERIOD=10s
	EnvPrefix = "REFSENDER"
)

// SinkConfig configures one target. Targets are broadcast to: every target
// receives every upsert.
type SinkConfig struct {
	// Type is a registered sink name: "stdout", "webhook", "kafka", "kinesis", "pubsub"
	Type string `json:"type" mapstructure:"type"`

	// Destination identifies where the sink writes, e.g. a namespace id
	Destination string `json:"destination" mapstructure:"destination"`

	// Config holds sink-specific configuration
	Config map[string]any `json:"config" mapstructure:"config"`
}

// ReaderConfig configures one reader. Readers are polled in configuration order.
type ReaderConfig struct {
	Type   string         `json:"type" mapstructure:"type"`
	Name   string         `json:"name" mapstructure:"name"`
	Config map[string]any `json:"config" mapstructure:"config"`
}

// Config holds the sender configuration
type Config struct {
	Sinks   []SinkConfig   `json:"sinks" mapstructure:"sinks"`
	Readers []ReaderConfig `json:"readers" mapstructure:"readers"`

	// ReadInterval is the pause between live reading passes (default: 1s)
	ReadInterval time.Duration `json:"read_interval" mapstructure:"read_interval"`

	// BackfillStart and BackfillEnd bound the historical window. Backfill is
	// skipped when BackfillStart is zero or not before BackfillEnd.
	BackfillStart time.Time `json:"backfill_start" mapstructure:"backfill_start"`
	BackfillEnd   time.Time `json:"backfill_end" mapstructure:"backfill_end"`

	// SendPeriod is the longest time queued records wait for a live dispatch (default: 30s)
	SendPeriod time.Duration `json:"send_period" mapstructure:"send_period"`

	// MaxBatchSize is the number of records drained per dispatch (default: 1000)
	MaxBatchSize int `json:"max_batch_size" mapstructure:"max_batch_size"`

	// MaxQueueLength bounds the queue; the oldest records are dropped beyond it (default: 10000)
	MaxQueueLength int `json:"max_queue_length" mapstructure:"max_queue_length"`

	// AsyncWorkers controls concurrent sink writes within a dispatch (default: 1)
	AsyncWorkers int `json:"async_workers" mapstructure:"async_workers"`

	// MaxRetries per sink write (default: 3, negative disables retries)
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`

	// SinkTimeout bounds a single sink write attempt (default: 10s)
	SinkTimeout time.Duration `json:"sink_timeout" mapstructure:"sink_timeout"`

	// ShutdownTimeout bounds the final flush on shutdown (default: 5s)
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	// ContinueOnSinkError logs failed dispatches instead of stopping the sender
	ContinueOnSinkError bool `json:"continue_on_sink_error" mapstructure:"continue_on_sink_error"`

	// FlushAfterBackfill dispatches whatever the backfill left queued before live reading
	FlushAfterBackfill bool `json:"flush_after_backfill" mapstructure:"flush_after_backfill"`

	// SkipFinalFlush drops queued records on shutdown instead of sending them
	SkipFinalFlush bool `json:"skip_final_flush" mapstructure:"skip_final_flush"`

	// RateWindow is the averaging window of the sent values rate (default: 1m)
	RateWindow time.Duration `json:"rate_window" mapstructure:"rate_window"`

	// MetricsAddr serves prometheus metrics when set, e.g. ":9090"
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`
}

// applyDefaults fills unset fields
func (c *Config) applyDefaults() {
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout", Destination: "default"}}
	}
	if c.ReadInterval <= 0 {
		c.ReadInterval = defaultReadInterval
	}
	if c.SendPeriod <= 0 {
		c.SendPeriod = defaultSendPeriod
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = defaultMaxQueueLength
	}
	if c.AsyncWorkers <= 0 {
		c.AsyncWorkers = defaultAsyncWorkers
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
}

func (c *Config) validate() error {
	for i, s := range c.Sinks {
		if s.Type == "" {
			return fmt.Errorf("sinks[%d]: type is required", i)
		}
	}
	for i, r := range c.Readers {
		if r.Type == "" {
			return fmt.Errorf("readers[%d]: type is required", i)
		}
	}
	return nil
}

// hasBackfillWindow reports whether the backfill window is non-empty
func (c *Config) hasBackfillWindow() bool {
	return !c.BackfillStart.IsZero() && c.BackfillStart.Before(c.BackfillEnd)
}

// configKeys are the top-level keys that can be overridden from the environment
var configKeys = []string{
	"read_interval", "backfill_start", "backfill_end", "send_period",
	"max_batch_size", "max_queue_length", "async_workers", "max_retries",
	"sink_timeout", "shutdown_timeout", "continue_on_sink_error",
	"flush_after_backfill", "skip_final_flush", "rate_window", "metrics_addr",
}

// LoadConfig reads a JSON or YAML config file, applies REFSENDER_* environment
// overrides and decodes the result. An empty path reads the environment only.
// Durations use Go syntax ("30s") and times RFC3339.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}
