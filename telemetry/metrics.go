package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwatch",
			Name:      "probes_total",
			Help:      "Total number of reachability probes by result.",
		},
		[]string{"result"},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "peerwatch",
			Name:      "probe_duration_seconds",
			Help:      "Latency of reachability probes.",
			// 1ms .. ~8s, covers the default connect timeout.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	ProbesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peerwatch",
			Name:      "probes_in_flight",
			Help:      "Current number of running probes.",
		},
	)

	EvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peerwatch",
			Name:      "evictions_total",
			Help:      "Peers evicted after a failed probe.",
		},
	)

	StaleWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peerwatch",
			Name:      "stale_warnings_total",
			Help:      "Peers found without a successful verification for longer than the activity threshold.",
		},
	)

	TrackedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peerwatch",
			Name:      "tracked_peers",
			Help:      "Number of peers currently in the registry.",
		},
	)

	LoopsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peerwatch",
			Name:      "loops_running",
			Help:      "1 while the validation and watchdog loops are scheduled, 0 otherwise.",
		},
	)
)

func init() {
	Registry.MustRegister(ProbesTotal, ProbeDuration, ProbesInFlight, EvictionsTotal, StaleWarningsTotal, TrackedPeers, LoopsRunning)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
