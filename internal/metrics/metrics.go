// Package metrics exposes the gateway's prometheus counters/gauges, mirroring
// the shape of spec §4.1/§4.6's own inspection helpers (connected runner
// count, pending batch-queue depth) as scrapeable series instead of polled
// calls.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RunnersConnected tracks the live size of the registry.
	RunnersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "runners_connected",
		Help:      "Number of runners currently connected to the control channel.",
	})

	// RequestsRouted counts successful and failed routing decisions by model.
	RequestsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "requests_routed_total",
		Help:      "Requests routed to a runner, labeled by model and outcome.",
	}, []string{"model", "outcome"})

	// BatchQueueDepth reports the pending request count per model at the
	// moment it is last sampled by the dispatcher loop.
	BatchQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "batch_queue_depth",
		Help:      "Pending requests per model in the batch queue.",
	}, []string{"model"})

	// BatchesDispatched counts batches taken from the queue for dispatch, by
	// model; it is incremented before the batch is forwarded.
	BatchesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "batches_dispatched_total",
		Help:      "Batches dispatched to runners, labeled by model.",
	}, []string{"model"})

	// WakeAttempts counts wake-on-LAN attempts by outcome.
	WakeAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "wake_attempts_total",
		Help:      "Wake-on-LAN attempts, labeled by outcome (success/failure).",
	}, []string{"outcome"})
)

// Register adds every collector to reg. Called once at startup with
// prometheus.DefaultRegisterer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(RunnersConnected, RequestsRouted, BatchQueueDepth, BatchesDispatched, WakeAttempts)
}
