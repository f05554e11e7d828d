package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Acquire outcomes as recorded in gate_acquire_total.
const (
	outcomeAdmitted = "admitted"
	outcomeTimeout  = "timeout"
	outcomeCanceled = "canceled"
)

// Metrics exports limiter activity to Prometheus.
type Metrics struct {
	acquires  *prometheus.CounterVec
	waits     *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// NewMetrics creates the limiter collectors and registers them with reg.
// A nil reg leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_acquire_total",
			Help: "Acquire calls by rate group and outcome (admitted, timeout, canceled)",
		}, []string{"group", "outcome"}),
		waits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gate_acquire_wait_seconds",
			Help:    "Time spent inside Acquire before admission",
			Buckets: []float64{0, .005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"group"}),
		throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_throttled_total",
			Help: "Server-side throttling signals fed back via OnThrottled",
		}, []string{"group"}),
	}
	if reg != nil {
		reg.MustRegister(m.acquires, m.waits, m.throttles)
	}
	return m
}

func (m *Metrics) observeAcquire(group, outcome string, waitedSeconds float64) {
	if m == nil {
		return
	}
	m.acquires.WithLabelValues(group, outcome).Inc()
	if outcome == outcomeAdmitted {
		m.waits.WithLabelValues(group).Observe(waitedSeconds)
	}
}

func (m *Metrics) observeThrottle(group string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(group).Inc()
}
