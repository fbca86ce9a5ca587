// Command cortex runs the subroutine engine: a supervisor that schedules
// per-session cognitive cycles onto a pool of isolated worker processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"cortex/internal/async"
	"cortex/internal/config"
	"cortex/internal/engine"
	"cortex/internal/eventlog"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/scheduler"
	"cortex/internal/session"
	"cortex/internal/supervisor"
	"cortex/internal/worker"
	"cortex/internal/workerd"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "cortex",
		Short: "Stateful subroutine engine",
		Long: `Cortex executes stateful agent subroutines: perceptions stream in,
per-session mental processes run on isolated worker processes, and
working-memory commits stream back out.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newWorkerCommand())
	return rootCmd
}

// newServeCommand runs the supervisor with an in-process worker pool.
func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			obs := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Output: os.Stderr,
			})
			metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
				Enabled:        cfg.Metrics.Enabled,
				PrometheusPort: cfg.Metrics.PrometheusPort,
			})
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}
			tracer, err := observability.NewTracerProvider(observability.TracingConfig{
				Enabled:        cfg.Tracing.Enabled,
				Exporter:       cfg.Tracing.Exporter,
				OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
				ZipkinEndpoint: cfg.Tracing.ZipkinEndpoint,
				SampleRate:     cfg.Tracing.SampleRate,
				ServiceName:    cfg.Tracing.ServiceName,
			})
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}

			store := session.NewMemoryStore()
			events := eventlog.NewMemoryLog()
			registry := engine.NewRegistry()
			if err := registerBuiltinBlueprints(registry); err != nil {
				return err
			}

			spawner, err := buildSpawner(cfg, obs, store, events, registry)
			if err != nil {
				return err
			}

			sched := scheduler.New(scheduler.Config{
				MaxConcurrency: cfg.Scheduler.MaxConcurrency,
				RetryBaseDelay: cfg.Scheduler.RetryBaseDelay,
				RetryMaxDelay:  cfg.Scheduler.RetryMaxDelay,
			}, logging.FromObservability(obs, "scheduler"), metrics)

			pool := worker.NewPool(worker.PoolConfig{
				Min:          cfg.Pool.MinWorkers,
				Max:          cfg.Pool.MaxWorkers,
				SpawnTimeout: cfg.Pool.SpawnTimeout,
				Health: worker.HealthConfig{
					HeartbeatTimeout: cfg.Pool.HeartbeatTimeout,
					HeartbeatGrace:   cfg.Pool.HeartbeatGrace,
					KillGrace:        cfg.Pool.KillGrace,
				},
			}, spawner, logging.FromObservability(obs, "pool"), metrics)

			host := supervisor.New(cfg, sched, pool, store, events,
				logging.FromObservability(obs, "supervisor"), metrics, tracer)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := host.Start(ctx); err != nil {
				return fmt.Errorf("start supervisor: %w", err)
			}
			if cfg.Metrics.Enabled {
				async.Go(logging.FromObservability(obs, "metrics"), "metrics.serve", func() {
					if err := metrics.Serve(); err != nil {
						obs.Error("metrics endpoint failed", "error", err)
					}
				})
			}
			obs.Info("supervisor running",
				"min_workers", cfg.Pool.MinWorkers,
				"max_workers", cfg.Pool.MaxWorkers,
				"max_concurrency", cfg.Scheduler.MaxConcurrency)

			<-ctx.Done()
			obs.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.SpawnTimeout)
			defer cancel()
			if err := host.Stop(shutdownCtx); err != nil {
				obs.Warn("shutdown incomplete", "error", err)
			}
			_ = metrics.Shutdown(shutdownCtx)
			_ = tracer.Shutdown(shutdownCtx)
			return nil
		},
	}
}

// newWorkerCommand is the entry point the pool's exec spawner launches. A
// spawned worker needs a session store shared with the supervisor; nothing in
// this binary provides one, so the command refuses to start instead of
// serving cycles it can never resolve. Deployments that embed the runtime
// wire their own store and worker main.
func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker process over stdio",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return errors.New("worker: no shared session store is available in this binary; leave pool.worker_command empty to run workers in-process")
		},
	}
}

func buildSpawner(cfg config.RuntimeConfig, obs *observability.Logger, store session.Store, events eventlog.Log, registry *engine.Registry) (worker.Spawner, error) {
	if cfg.Pool.WorkerCommand == "" {
		return &workerd.LoopbackSpawner{
			Config: workerd.Config{
				HeartbeatInterval: cfg.Pool.HeartbeatInterval,
				Engine:            engine.Config{MaxChainedTransitions: cfg.Engine.MaxChainedTransitions},
			},
			Store:      store,
			Events:     events,
			Blueprints: registry,
			Logger:     logging.FromObservability(obs, "worker"),
		}, nil
	}
	parts := strings.Fields(cfg.Pool.WorkerCommand)
	return &worker.ExecSpawner{
		Command: parts[0],
		Args:    parts[1:],
		Logger:  logging.FromObservability(obs, "spawner"),
	}, nil
}

// registerBuiltinBlueprints installs the echo blueprint the binary ships
// with. Real deployments register their own blueprints and link their own
// main package.
func registerBuiltinBlueprints(registry *engine.Registry) error {
	return registry.Register(&engine.Blueprint{
		Name:         "echo",
		EntryProcess: "respond",
		Processes: map[string]engine.MentalProcess{
			"respond": func(ctx context.Context, step *engine.Step) (any, error) {
				last := ""
				if step.Perception != nil {
					last = step.Perception.Content
				}
				return step.Memory.Append(session.Memory{
					Role:    "assistant",
					Content: "echo: " + last,
				}), nil
			},
		},
	})
}
