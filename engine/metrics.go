package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	retries     *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rental_transitions_total",
				Help: "Total number of checkout and return attempts by outcome",
			},
			[]string{"op", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rental_transition_duration_seconds",
				Help:    "Checkout and return duration in seconds, including lock waits and retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rental_transition_retries_total",
				Help: "Total number of transitions retried after lock contention",
			},
			[]string{"op"},
		),
	}
}

func (m *metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.transitions, m.duration, m.retries)
}
