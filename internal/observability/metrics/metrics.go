// Package metrics exposes Prometheus metrics for taskmarketd: HTTP traffic,
// registry operations, escrow state, event relay throughput and the chain
// mirror's progress.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskmarket"

// HTTPRequests counts API requests by route pattern, method and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "http_requests_total",
	Help:      "Total HTTP requests handled by the API.",
}, []string{"handler", "method", "code"})

// HTTPErrors counts API responses with a 5xx status.
var HTTPErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "http_request_errors_total",
	Help:      "Total HTTP requests that ended with a server error.",
}, []string{"handler", "method"})

// HTTPLatency tracks API request duration in seconds.
var HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "http_request_duration_seconds",
	Help:      "HTTP request duration in seconds.",
	Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
}, []string{"handler", "method"})

// RegistryOperations counts registry calls by operation and result code.
var RegistryOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "registry_operations_total",
	Help:      "Registry operations by result code (OK on success).",
}, []string{"op", "code"})

// RegistryLatency tracks registry call duration, storage commit included.
var RegistryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "registry_operation_duration_seconds",
	Help:      "Registry operation duration in seconds.",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
}, []string{"op"})

// EventsPublished counts lifecycle events delivered by the relay.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "events_published_total",
	Help:      "Lifecycle events delivered to the event bus.",
}, []string{"kind"})

// RelayAlerts counts alerts raised by the relay after exhausting retries.
var RelayAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "relay_alerts_total",
	Help:      "Alerts raised by the event relay.",
}, []string{"code"})

// MirrorLastSeq is the last event sequence folded into the chain mirror.
var MirrorLastSeq = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "mirror_last_seq",
	Help:      "Last contract event folded into the chain mirror.",
})

// MirrorLastBlock is the block of the last contract log seen by the mirror.
var MirrorLastBlock = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "mirror_last_block",
	Help:      "Block number of the last contract log processed by the mirror.",
})
