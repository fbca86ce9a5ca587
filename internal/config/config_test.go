package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxConcurrency != 20 {
		t.Errorf("scheduler.max_concurrency = %d, want 20", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.Pool.MinWorkers != 2 || cfg.Pool.MaxWorkers != 5 {
		t.Errorf("pool bounds = %d..%d, want 2..5", cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers)
	}
	if cfg.Pool.HeartbeatTimeout != 6*time.Second {
		t.Errorf("heartbeat_timeout = %v, want 6s", cfg.Pool.HeartbeatTimeout)
	}
	if cfg.Engine.MaxChainedTransitions != 10 {
		t.Errorf("max_chained_transitions = %d, want 10", cfg.Engine.MaxChainedTransitions)
	}
	if cfg.Engine.MainCycleAttempts != 3 {
		t.Errorf("main_cycle_attempts = %d, want 3", cfg.Engine.MainCycleAttempts)
	}
	if cfg.Pool.WorkerCommand != "" {
		t.Errorf("worker_command = %q, want in-process default", cfg.Pool.WorkerCommand)
	}
	if cfg.Tracing.Enabled {
		t.Error("tracing should default to disabled")
	}
	if cfg.Tracing.Exporter != "otlp" || cfg.Tracing.SampleRate != 1.0 {
		t.Errorf("tracing defaults = %q/%v, want otlp/1.0", cfg.Tracing.Exporter, cfg.Tracing.SampleRate)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cortex.yaml")
	body := []byte("scheduler:\n  max_concurrency: 7\npool:\n  min_workers: 1\n  max_workers: 3\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxConcurrency != 7 {
		t.Errorf("scheduler.max_concurrency = %d, want 7", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.Pool.MinWorkers != 1 || cfg.Pool.MaxWorkers != 3 {
		t.Errorf("pool bounds = %d..%d, want 1..3", cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers)
	}
	// Untouched keys keep their defaults.
	if cfg.Engine.MaxChainedTransitions != 10 {
		t.Errorf("max_chained_transitions = %d, want default 10", cfg.Engine.MaxChainedTransitions)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("CORTEX_SCHEDULER_MAX_CONCURRENCY", "4")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxConcurrency != 4 {
		t.Errorf("scheduler.max_concurrency = %d, want 4 from env", cfg.Scheduler.MaxConcurrency)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load should fail on a missing explicit config file")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*RuntimeConfig)
	}{
		{"zero concurrency", func(c *RuntimeConfig) { c.Scheduler.MaxConcurrency = 0 }},
		{"negative min workers", func(c *RuntimeConfig) { c.Pool.MinWorkers = -1 }},
		{"max below min", func(c *RuntimeConfig) { c.Pool.MinWorkers = 4; c.Pool.MaxWorkers = 2 }},
		{"timeout below interval", func(c *RuntimeConfig) {
			c.Pool.HeartbeatInterval = time.Second
			c.Pool.HeartbeatTimeout = 500 * time.Millisecond
		}},
		{"zero chain ceiling", func(c *RuntimeConfig) { c.Engine.MaxChainedTransitions = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted a bad config")
			}
		})
	}
}
