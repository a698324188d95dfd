package fetch

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts intercepted requests by strategy and outcome. A nil
// *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vybbi_edge",
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Intercepted requests by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests)
	}
	return m
}

func (m *Metrics) observe(strategy Strategy, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(strategy), outcome).Inc()
}
