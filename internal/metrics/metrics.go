package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InstructionsDispatched counts terminal per-instruction outcomes,
	// labeled success/failed.
	InstructionsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batch_dispatch",
		Name:      "instructions_dispatched_total",
		Help:      "Terminal instruction outcomes per dispatch run.",
	}, []string{"outcome"})

	// RailRetries counts requeues caused by retryable rail failures.
	RailRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "batch_dispatch",
		Name:      "rail_retries_total",
		Help:      "Instruction submissions retried after a transient rail error.",
	})

	// InFlight tracks instructions currently in the processing state.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "batch_dispatch",
		Name:      "instructions_in_flight",
		Help:      "Instructions currently being submitted to the rail.",
	})

	// RailRequestDuration observes the latency of transfer rail calls.
	RailRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "batch_dispatch",
		Name:      "rail_request_duration_seconds",
		Help:      "Latency of outbound transfer rail requests.",
		Buckets:   prometheus.DefBuckets,
	})

	// ReceiptsPublished counts receipt requests handed to the queue.
	ReceiptsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "batch_dispatch",
		Name:      "receipts_published_total",
		Help:      "Receipt generation requests published to the queue.",
	})
)
