package dispatch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	opsTotal   *prometheus.CounterVec
	opLatency  *prometheus.HistogramVec
	malformed  prometheus.Counter
	missing    prometheus.Counter
	redelivery prometheus.Counter
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		opsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invq",
			Name:      "operations_total",
			Help:      "Total number of dispatch operations.",
		}, []string{"op", "result"}),
		opLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "invq",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for dispatch operations.",
			Buckets: []float64{
				0.001, 0.002, 0.005,
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10,
			},
		}, []string{"op", "result"}),
		malformed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "invq",
			Name:      "malformed_messages_total",
			Help:      "Messages whose body did not parse as an invocation identifier.",
		}),
		missing: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "invq",
			Name:      "missing_records_total",
			Help:      "Messages received for invocations with no durable record.",
		}),
		redelivery: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "invq",
			Name:      "redeliveries_total",
			Help:      "Deliveries of a message that had been received before.",
		}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
