package worker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	handled *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		handled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invq",
			Subsystem: "worker",
			Name:      "handled_total",
			Help:      "Deliveries handled by workers, by outcome.",
		}, []string{"outcome"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
