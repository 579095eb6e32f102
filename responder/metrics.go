package responder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of counters/gauges a connection served with
// WithMetrics records into, grounded in the teacher's adminMetrics
// pattern in metrics.go. Unlike the teacher, these are registered
// against a caller-supplied prometheus.Registerer rather than the global
// default, so tests can create many collectors without colliding on
// metric names.
type Metrics struct {
	recordsTotal      *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	connectionsActive prometheus.Gauge
}

const (
	metricsNamespace = "fcgiresponder"
	metricsSubsystem = "responder"
)

// NewMetrics registers the responder's counters against reg and returns
// a Metrics ready to pass to WithMetrics. reg must not be nil; use
// NewNopMetrics for a disabled collector instead of passing nil here.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		recordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "records_total",
			Help:      "Count of FastCGI records processed, by record type.",
		}, []string{"type"}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_total",
			Help:      "Count of FastCGI requests processed, by outcome (complete or error).",
		}, []string{"status"}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections_active",
			Help:      "Number of FastCGI connections currently being served.",
		}),
	}
}

// NewNopMetrics returns a nil *Metrics, whose methods are safe to call but
// record nothing and register nothing, for callers that don't want
// Prometheus wired in at all.
func NewNopMetrics() *Metrics {
	return nil
}

func (m *Metrics) recordDecoded(typ string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(typ).Inc()
}

func (m *Metrics) requestCompleted(status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}
