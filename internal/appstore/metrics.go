package appstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts façade operations by outcome.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	sessionBound      prometheus.Gauge
	invalidations     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appstore_operations_total",
		Help: "AppStore operations by name and result",
	}, []string{"op", "result"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appstore_operation_duration_seconds",
		Help:    "Latency of AppStore operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	bound := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "appstore_session_bound",
		Help: "1 when a contract session is bound, 0 otherwise",
	})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appstore_session_invalidations_total",
		Help: "Session invalidations by wallet event",
	}, []string{"event"})

	if reg != nil {
		reg.MustRegister(ops, duration, bound, invalidations)
	}

	return &Metrics{
		operationsTotal:   ops,
		operationDuration: duration,
		sessionBound:      bound,
		invalidations:     invalidations,
	}
}

func (m *Metrics) observe(op, result string, started time.Time) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(op, result).Inc()
	m.operationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) setBound(bound bool) {
	if m == nil {
		return
	}
	if bound {
		m.sessionBound.Set(1)
		return
	}
	m.sessionBound.Set(0)
}

func (m *Metrics) incInvalidation(event string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(event).Inc()
}
