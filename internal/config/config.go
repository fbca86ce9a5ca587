// Package config loads the engine's runtime configuration from an optional
// YAML file plus CORTEX_* environment overrides, with defaults in code.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RuntimeConfig is the fully resolved engine configuration.
type RuntimeConfig struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// SchedulerConfig tunes the in-memory job scheduler.
type SchedulerConfig struct {
	// MaxConcurrency caps jobs running across all queues at once.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// RetryBaseDelay seeds the attempt-scaled backoff.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// RetryMaxDelay caps the backoff regardless of attempt count.
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
}

// PoolConfig tunes the worker process pool.
type PoolConfig struct {
	MinWorkers int `mapstructure:"min_workers"`
	MaxWorkers int `mapstructure:"max_workers"`
	// HeartbeatInterval is how often a worker emits its liveness signal.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// HeartbeatTimeout is the silence after which a worker is declared dead.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// HeartbeatGrace delays the watchdog after a worker first reports alive.
	HeartbeatGrace time.Duration `mapstructure:"heartbeat_grace"`
	// SpawnTimeout bounds the wait for a new worker's first alive signal.
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout"`
	// KillGrace is the window between graceful and forced termination.
	KillGrace time.Duration `mapstructure:"kill_grace"`
	// WorkerCommand is the executable spawned for each worker. Empty means
	// run workers in-process, which the in-memory store requires.
	WorkerCommand string `mapstructure:"worker_command"`
}

// EngineConfig tunes the mental-process state machine.
type EngineConfig struct {
	// MaxChainedTransitions is the hard ceiling for executeNow chains within
	// one main cycle.
	MaxChainedTransitions int `mapstructure:"max_chained_transitions"`
	// MainCycleAttempts is the retry budget for a main-cycle job.
	MainCycleAttempts int `mapstructure:"main_cycle_attempts"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig enables the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// TracingConfig enables distributed tracing.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Exporter selects the span exporter: otlp or zipkin.
	Exporter       string  `mapstructure:"exporter"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
	ServiceName    string  `mapstructure:"service_name"`
}

// Load reads configuration from the given file path (optional, "" for none)
// and the environment, applying defaults for everything unset.
func Load(path string) (RuntimeConfig, error) {
	v := viper.New()

	v.SetDefault("scheduler.max_concurrency", 20)
	v.SetDefault("scheduler.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("scheduler.retry_max_delay", 30*time.Second)

	v.SetDefault("pool.min_workers", 2)
	v.SetDefault("pool.max_workers", 5)
	v.SetDefault("pool.heartbeat_interval", 300*time.Millisecond)
	v.SetDefault("pool.heartbeat_timeout", 6*time.Second)
	v.SetDefault("pool.heartbeat_grace", 2*time.Second)
	v.SetDefault("pool.spawn_timeout", 10*time.Second)
	v.SetDefault("pool.kill_grace", 500*time.Millisecond)
	v.SetDefault("pool.worker_command", "")

	v.SetDefault("engine.max_chained_transitions", 10)
	v.SetDefault("engine.main_cycle_attempts", 3)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.prometheus_port", 9464)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "cortex")

	v.SetEnvPrefix("CORTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return RuntimeConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg RuntimeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c RuntimeConfig) Validate() error {
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be positive, got %d", c.Scheduler.MaxConcurrency)
	}
	if c.Pool.MinWorkers < 0 {
		return fmt.Errorf("pool.min_workers must be non-negative, got %d", c.Pool.MinWorkers)
	}
	if c.Pool.MaxWorkers < 1 || c.Pool.MaxWorkers < c.Pool.MinWorkers {
		return fmt.Errorf("pool.max_workers must be >= max(1, min_workers), got %d", c.Pool.MaxWorkers)
	}
	if c.Pool.HeartbeatTimeout <= c.Pool.HeartbeatInterval {
		return fmt.Errorf("pool.heartbeat_timeout must exceed pool.heartbeat_interval")
	}
	if c.Engine.MaxChainedTransitions < 1 {
		return fmt.Errorf("engine.max_chained_transitions must be positive, got %d", c.Engine.MaxChainedTransitions)
	}
	return nil
}
