package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline holds the Prometheus collectors for the ingestion pipeline.
type Pipeline struct {
	ItemsEnqueued    *prometheus.CounterVec
	ItemsProcessed   *prometheus.CounterVec
	BatchesStarted   prometheus.Counter
	AILatency        prometheus.Histogram
	MessageDuration  prometheus.Histogram
	RetriesTriggered prometheus.Counter
}

func NewPipeline(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)

	return &Pipeline{
		ItemsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_items_enqueued_total",
			Help: "Batch items classified at enqueue time, by outcome",
		}, []string{"outcome", "source"}),
		ItemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_items_processed_total",
			Help: "Queue messages finished by the worker, by terminal status",
		}, []string{"status"}),
		BatchesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_batches_started_total",
			Help: "Batches accepted by the enqueuer",
		}),
		AILatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_ai_call_duration_seconds",
			Help:    "Latency of vision model calls",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		MessageDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_message_duration_seconds",
			Help:    "End-to-end processing time per queue message",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		RetriesTriggered: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_retries_total",
			Help: "Delivery attempts beyond the first",
		}),
	}
}
