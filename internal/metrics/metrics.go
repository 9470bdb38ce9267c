// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts requests per endpoint and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoryrag_http_requests_total",
		Help: "HTTP requests handled, by path and status code.",
	}, []string{"path", "code"})

	// RetrieveDuration observes end-to-end /retrieve latency.
	RetrieveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memoryrag_retrieve_duration_seconds",
		Help:    "End-to-end retrieval latency.",
		Buckets: prometheus.DefBuckets,
	})

	// EmbedDuration observes embedding call latency, cache hits included.
	EmbedDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memoryrag_embed_duration_seconds",
		Help:    "Embedding generation latency.",
		Buckets: prometheus.DefBuckets,
	})

	// IngestEvents counts CDC events by outcome: processed, skipped,
	// malformed, error.
	IngestEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoryrag_ingest_events_total",
		Help: "CDC events consumed, by outcome.",
	}, []string{"result"})

	// IndexVectors tracks the live vector count in the in-memory index.
	IndexVectors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memoryrag_index_vectors",
		Help: "Vectors currently held in the in-memory index.",
	})
)
