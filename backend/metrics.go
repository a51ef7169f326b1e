package backend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the scheduling core. Registered on the default
// registry; cmd/ serves them over /metrics.
var (
	metricQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tgi",
		Name:      "queue_size",
		Help:      "Number of requests waiting for admission.",
	})
	metricBatchCurrentSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tgi",
		Name:      "batch_current_size",
		Help:      "Number of requests in the running batch.",
	})
	metricBatchCurrentMaxTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tgi",
		Name:      "batch_current_max_tokens",
		Help:      "Committed token footprint of the running batch.",
	})
	metricBlocksFree = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tgi",
		Name:      "cache_blocks_free",
		Help:      "Cache blocks currently in the free pool.",
	})
	metricRequestCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tgi",
		Name:      "request_count",
		Help:      "Requests submitted to the backend.",
	})
	metricRequestSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tgi",
		Name:      "request_success",
		Help:      "Requests that finished successfully.",
	})
	metricRequestFailure = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tgi",
		Name:      "request_failure",
		Help:      "Requests that failed, by reason.",
	}, []string{"reason"})
	metricBatchConcat = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tgi",
		Name:      "batch_concat",
		Help:      "Times a freshly prefilled batch was concatenated into the running batch.",
	})
)
