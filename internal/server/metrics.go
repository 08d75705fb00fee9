package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	submissionsTotal *prometheus.CounterVec
	rateLimitedTotal prometheus.Counter
}

func newMetricsRegistry(r *prometheus.Registry) *metricsRegistry {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appstore_http_requests_total",
		Help: "HTTP requests served, by route pattern and status code",
	}, []string{"route", "code"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appstore_submissions_total",
		Help: "Sell and buy submissions by outcome",
	}, []string{"op", "status"})

	limited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appstore_rate_limited_total",
		Help: "Submissions rejected by the rate limiter",
	})

	r.MustRegister(requests, submissions, limited)

	return &metricsRegistry{
		registry:         r,
		requestsTotal:    requests,
		submissionsTotal: submissions,
		rateLimitedTotal: limited,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRequest(route string, code int) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *metricsRegistry) incSubmission(op, status string) {
	m.submissionsTotal.WithLabelValues(op, status).Inc()
}

func (m *metricsRegistry) incRateLimited() {
	m.rateLimitedTotal.Inc()
}
