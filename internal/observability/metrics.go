package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route/method/status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration observes HTTP request latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// TradesIngestedTotal counts pipeline entries by outcome.
	TradesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trades_ingested_total",
			Help: "Total number of trade capture requests processed by outcome",
		},
		[]string{"outcome"},
	)
	// PipelineDuration observes end-to-end pipeline latency per outcome.
	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_duration_seconds",
			Help:    "Pipeline processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"outcome"},
	)

	// SequenceBufferDepth tracks buffered out-of-order messages per partition.
	SequenceBufferDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sequence_buffer_depth",
			Help: "Number of buffered out-of-order messages per partition",
		},
		[]string{"partition_key"},
	)
	// SequenceSweepsTotal counts timeout sweeps that dead-lettered buffers.
	SequenceSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequence_sweeps_total",
			Help: "Total number of sequence buffer timeout sweeps that evicted messages",
		},
	)

	// RateLimitDecisionsTotal counts admission decisions by level and result.
	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Token bucket decisions by level and result",
		},
		[]string{"level", "result"},
	)

	// LockAcquisitionsTotal counts partition lock outcomes.
	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partition_lock_acquisitions_total",
			Help: "Partition lock acquisition outcomes",
		},
		[]string{"result"},
	)

	// DeadlockRetriesTotal counts deadlock-victim retries.
	DeadlockRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deadlock_retries_total",
			Help: "Total number of deadlock-victim retries in fresh transactions",
		},
	)

	// PublishTotal counts publisher deliveries per subscriber and result.
	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publish_total",
			Help: "Blotter deliveries per subscriber and result",
		},
		[]string{"subscriber", "result"},
	)

	// DLQEmittedTotal counts dead-letter emissions by stage.
	DLQEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_emitted_total",
			Help: "Dead-letter emissions by failure stage",
		},
		[]string{"stage"},
	)

	// ConsumerLag is the sampled total lag of the consumer group.
	ConsumerLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consumer_group_lag",
			Help: "Summed consumer group lag across assigned partitions",
		},
	)
	// ConsumerPaused is 1 while lag-driven backpressure holds the group.
	ConsumerPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consumer_paused",
			Help: "1 when the consumer group is paused by lag backpressure",
		},
	)
	// ConsumerInflight tracks in-flight pipeline tasks per worker instance.
	ConsumerInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consumer_inflight_tasks",
			Help: "Number of in-flight pipeline tasks",
		},
	)

	// JobsTotal counts job lifecycle transitions.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Job lifecycle transitions by status",
		},
		[]string{"status"},
	)

	// EnrichmentTotal counts enrichment outcomes per dependency.
	EnrichmentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_total",
			Help: "Reference data lookups by dependency and result",
		},
		[]string{"dependency", "result"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all metric vectors with the default registry. Safe
// to call from both binaries.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			TradesIngestedTotal,
			PipelineDuration,
			SequenceBufferDepth,
			SequenceSweepsTotal,
			RateLimitDecisionsTotal,
			LockAcquisitionsTotal,
			DeadlockRetriesTotal,
			PublishTotal,
			DLQEmittedTotal,
			ConsumerLag,
			ConsumerPaused,
			ConsumerInflight,
			JobsTotal,
			EnrichmentTotal,
		)
	})
}
