package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages engine metrics: scheduler throughput, worker pool
// churn, and main-cycle latency. When disabled every record call is a no-op.
type MetricsCollector struct {
	meter metric.Meter

	jobsStarted  metric.Int64Counter
	jobsRetried  metric.Int64Counter
	jobsFailed   metric.Int64Counter
	queueDepth   metric.Int64UpDownCounter
	workersAlive metric.Int64UpDownCounter
	workersDied  metric.Int64Counter
	cycleLatency metric.Float64Histogram

	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool
	PrometheusPort int
}

// NewMetricsCollector creates a new metrics collector backed by the
// Prometheus exporter.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	mc := &MetricsCollector{meter: provider.Meter("cortex")}

	if mc.jobsStarted, err = mc.meter.Int64Counter("cortex_jobs_started_total",
		metric.WithDescription("Jobs admitted to a queue and started")); err != nil {
		return nil, err
	}
	if mc.jobsRetried, err = mc.meter.Int64Counter("cortex_jobs_retried_total",
		metric.WithDescription("Job attempts retried after failure")); err != nil {
		return nil, err
	}
	if mc.jobsFailed, err = mc.meter.Int64Counter("cortex_jobs_failed_total",
		metric.WithDescription("Jobs that exhausted their attempt budget")); err != nil {
		return nil, err
	}
	if mc.queueDepth, err = mc.meter.Int64UpDownCounter("cortex_queue_depth",
		metric.WithDescription("Pending jobs across all queues")); err != nil {
		return nil, err
	}
	if mc.workersAlive, err = mc.meter.Int64UpDownCounter("cortex_workers_alive",
		metric.WithDescription("Worker processes currently alive")); err != nil {
		return nil, err
	}
	if mc.workersDied, err = mc.meter.Int64Counter("cortex_workers_died_total",
		metric.WithDescription("Workers declared dead by the heartbeat watchdog")); err != nil {
		return nil, err
	}
	if mc.cycleLatency, err = mc.meter.Float64Histogram("cortex_main_cycle_seconds",
		metric.WithDescription("Wall time of one main-cycle execution")); err != nil {
		return nil, err
	}

	if config.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promclient.Handler())
		mc.prometheusServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", config.PrometheusPort),
			Handler: mux,
		}
	}

	return mc, nil
}

// Serve starts the Prometheus scrape endpoint. Blocks until the server stops.
func (mc *MetricsCollector) Serve() error {
	if mc.prometheusServer == nil {
		return nil
	}
	if err := mc.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the Prometheus scrape endpoint.
func (mc *MetricsCollector) Shutdown(ctx context.Context) error {
	if mc.prometheusServer == nil {
		return nil
	}
	return mc.prometheusServer.Shutdown(ctx)
}

// RecordJobStarted counts a job admission for the given task name.
func (mc *MetricsCollector) RecordJobStarted(ctx context.Context, task string) {
	if mc.jobsStarted == nil {
		return
	}
	mc.jobsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
}

// RecordJobRetried counts a retried attempt for the given task name.
func (mc *MetricsCollector) RecordJobRetried(ctx context.Context, task string) {
	if mc.jobsRetried == nil {
		return
	}
	mc.jobsRetried.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
}

// RecordJobFailed counts a job that exhausted its attempts.
func (mc *MetricsCollector) RecordJobFailed(ctx context.Context, task string) {
	if mc.jobsFailed == nil {
		return
	}
	mc.jobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
}

// AddQueueDepth adjusts the pending-job gauge by delta.
func (mc *MetricsCollector) AddQueueDepth(ctx context.Context, delta int64) {
	if mc.queueDepth == nil {
		return
	}
	mc.queueDepth.Add(ctx, delta)
}

// AddWorkersAlive adjusts the live-worker gauge by delta.
func (mc *MetricsCollector) AddWorkersAlive(ctx context.Context, delta int64) {
	if mc.workersAlive == nil {
		return
	}
	mc.workersAlive.Add(ctx, delta)
}

// RecordWorkerDied counts a watchdog-declared worker death.
func (mc *MetricsCollector) RecordWorkerDied(ctx context.Context) {
	if mc.workersDied == nil {
		return
	}
	mc.workersDied.Add(ctx, 1)
}

// RecordCycleLatency records the wall time of one main cycle.
func (mc *MetricsCollector) RecordCycleLatency(ctx context.Context, d time.Duration) {
	if mc.cycleLatency == nil {
		return
	}
	mc.cycleLatency.Record(ctx, d.Seconds())
}
