// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the extraction pipeline.
type Metrics struct {
	// Locator metrics
	BlocksScanned prometheus.Counter
	BlocksSkipped prometheus.Counter
	JobsLocated   prometheus.Counter

	// Scheduler metrics
	JobsAdmitted  prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    *prometheus.CounterVec
	JobRetries    prometheus.Counter
	JobsInFlight  prometheus.Gauge
	JobDuration   prometheus.Histogram

	// Replay metrics
	ReplayLatency prometheus.Histogram
	TraceCacheHit prometheus.Counter

	// Sink metrics
	RowsWritten   *prometheus.CounterVec
	FlushDuration prometheus.Histogram
	FlushErrors   prometheus.Counter
	PendingRows   prometheus.Gauge

	// RPC metrics
	RPCCallLatency *prometheus.HistogramVec
	RPCRetries     *prometheus.CounterVec

	// Run metrics
	RunsTotal        *prometheus.CounterVec
	LastBlockScanned prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "univ3_pool_states"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		BlocksScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "locator",
			Name:      "blocks_scanned_total",
			Help:      "Total number of blocks whose receipts were scanned",
		}),
		BlocksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "locator",
			Name:      "blocks_skipped_total",
			Help:      "Total number of blocks skipped because receipts were unavailable",
		}),
		JobsLocated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "locator",
			Name:      "jobs_located_total",
			Help:      "Total number of extraction jobs emitted",
		}),

		JobsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_admitted_total",
			Help:      "Total number of jobs admitted past the concurrency ceiling",
		}),
		JobsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_succeeded_total",
			Help:      "Total number of jobs whose rows were durably written",
		}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that failed terminally by error category",
		}, []string{"category"}),
		JobRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_retries_total",
			Help:      "Total number of job retries after transient errors",
		}),
		JobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_in_flight",
			Help:      "Number of extraction jobs currently executing",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Job duration from admission to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		ReplayLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "latency_seconds",
			Help:      "Time to obtain a post-transaction state view",
			Buckets:   prometheus.DefBuckets,
		}),
		TraceCacheHit: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "trace_cache_hits_total",
			Help:      "Total number of block traces served from cache",
		}),

		RowsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "rows_written_total",
			Help:      "Total number of rows written by table",
		}, []string{"table"}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "flush_duration_seconds",
			Help:      "Batch flush duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		FlushErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "flush_errors_total",
			Help:      "Total number of failed flush attempts",
		}),
		PendingRows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "pending_rows",
			Help:      "Rows buffered in the open batch",
		}),

		RPCCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ethereum",
			Name:      "rpc_call_latency_seconds",
			Help:      "Ethereum RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ethereum",
			Name:      "rpc_retries_total",
			Help:      "Total number of retried RPC calls",
		}, []string{"method"}),

		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by status",
		}, []string{"status"}),
		LastBlockScanned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "last_block_scanned",
			Help:      "Highest block number scanned by the locator",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewNop returns metrics registered with a throwaway registry.
// Used by tests and components constructed without metrics.
func NewNop() *Metrics {
	return NewMetrics("", prometheus.NewRegistry())
}
