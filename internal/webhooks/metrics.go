package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "holdfast",
		Subsystem: "webhooks",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by final outcome.",
	}, []string{"outcome"})

	droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "holdfast",
		Subsystem: "webhooks",
		Name:      "dropped_events_total",
		Help:      "Escrow events dropped because the delivery queue was full.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast",
		Subsystem: "webhooks",
		Name:      "queue_depth",
		Help:      "Escrow events waiting for a delivery worker.",
	})

	deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "holdfast",
		Subsystem: "webhooks",
		Name:      "delivery_duration_seconds",
		Help:      "Time to deliver one event to one subscription, retries included.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(deliveries, droppedEvents, queueDepth, deliveryDuration)
}
