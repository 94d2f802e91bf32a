// Package metrics defines the Prometheus collectors for workflow
// execution and request admission.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors for the runner.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	BlocksTotal        *prometheus.CounterVec
	BlockDuration      *prometheus.HistogramVec
	RetriesTotal       *prometheus.CounterVec
	RateLimitRejects   prometheus.Counter
	RequestSizeRejects prometheus.Counter
}

// NewMetrics creates the collector set.
func NewMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_runs_total",
				Help: "Total workflow runs by outcome",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "workflow_run_duration_seconds",
				Help:    "Wall-clock duration of workflow runs",
				Buckets: prometheus.DefBuckets,
			},
		),
		BlocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_blocks_total",
				Help: "Total block executions by type and outcome",
			},
			[]string{"block_type", "status"},
		),
		BlockDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_block_duration_seconds",
				Help:    "Duration of block executions by type",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"block_type"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_block_retries_total",
				Help: "Total transient-failure retries by block type",
			},
			[]string{"block_type"},
		),
		RateLimitRejects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "workflow_rate_limit_rejects_total",
				Help: "Requests rejected by the per-client rate limit",
			},
		),
		RequestSizeRejects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "workflow_request_size_rejects_total",
				Help: "Requests rejected by the request size cap",
			},
		),
	}
}

// Register registers all collectors with a registry.
func (m *Metrics) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.RunsTotal,
		m.RunDuration,
		m.BlocksTotal,
		m.BlockDuration,
		m.RetriesTotal,
		m.RateLimitRejects,
		m.RequestSizeRejects,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRun records a completed run.
func (m *Metrics) ObserveRun(success bool, duration time.Duration) {
	m.RunsTotal.WithLabelValues(statusLabel(success)).Inc()
	m.RunDuration.Observe(duration.Seconds())
}

// ObserveBlock implements the executor's metrics recorder contract.
func (m *Metrics) ObserveBlock(blockType string, success bool, duration time.Duration) {
	m.BlocksTotal.WithLabelValues(blockType, statusLabel(success)).Inc()
	m.BlockDuration.WithLabelValues(blockType).Observe(duration.Seconds())
}

// ObserveRetry implements the executor's metrics recorder contract.
func (m *Metrics) ObserveRetry(blockType string) {
	m.RetriesTotal.WithLabelValues(blockType).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
