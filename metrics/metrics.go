package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aggrelayer"

var (
	ClientUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_updates_total",
		Help:      "Number of successful light client updates.",
	}, []string{"chain_id", "client_type"})

	HandshakeSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_steps_total",
		Help:      "Number of committed handshake steps.",
	}, []string{"kind", "step"})

	IntentsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intents_relayed_total",
		Help:      "Number of transaction intents confirmed submitted.",
	}, []string{"target_chain"})

	IntentsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intents_dropped_total",
		Help:      "Number of transaction intents dropped after exhausting retries or on permanent failure.",
	}, []string{"target_chain", "reason"})

	PendingIntents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_intents",
		Help:      "Size of the scheduler's pending intent pool.",
	})

	SchedulerCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_cycles_total",
		Help:      "Number of completed scheduling cycles.",
	})

	SchedulerCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduler_cycle_seconds",
		Help:      "Duration of scheduling cycles.",
		Buckets:   prometheus.DefBuckets,
	})
)

// ServeMetrics exposes the prometheus endpoint on addr. It blocks; run it in
// its own goroutine. An empty addr disables the exporter.
func ServeMetrics(addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
