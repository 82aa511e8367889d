package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts simulated ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "ledger_operations_total",
			Help:      "Total simulated ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "holdfast",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Simulated ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerBalanceHeld tracks the sum of all open holds.
	LedgerBalanceHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "holdfast",
			Name:      "ledger_balance_held_total",
			Help:      "Sum of all funds held for open escrows, in smallest units.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerBalanceHeld,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(op EntryType) func() {
	LedgerOpsTotal.WithLabelValues(string(op)).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}
}
