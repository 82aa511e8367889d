package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileStalePayouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast",
		Subsystem: "reconciliation",
		Name:      "stale_payouts",
		Help:      "Number of stale payout intents found in the last reconciliation run.",
	})

	reconcileResumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "holdfast",
		Subsystem: "reconciliation",
		Name:      "resumed_total",
		Help:      "Payouts completed by reconciliation, by kind.",
	}, []string{"kind"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "holdfast",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "holdfast",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileStalePayouts,
		reconcileResumed,
		reconcileDuration,
		reconcileErrors,
	)
}
