// Package metrics holds the Prometheus collectors shared by the store, the
// question-answering layer and the HTTP API.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hyperjump/kbase/internal/apperr"
)

// Metrics is a registry plus the collectors kbase records into. A nil *Metrics
// records nothing.
type Metrics struct {
	Registry     *prometheus.Registry
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	documents    prometheus.Gauge
}

// New creates a registry with Go and process collectors and the kbase metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbase",
			Name:      "operations_total",
			Help:      "Knowledge base operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kbase",
			Name:      "operation_duration_seconds",
			Help:      "Knowledge base operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"operation"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbase",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		documents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kbase",
			Name:      "documents",
			Help:      "Documents in the store.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations, m.duration, m.httpRequests, m.documents,
	)
	return m
}

// Observe records one operation that started at start and ended with err.
func (m *Metrics) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, Outcome(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// HTTPRequest counts one served request.
func (m *Metrics) HTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, httpCode(code)).Inc()
}

// SetDocuments sets the document gauge.
func (m *Metrics) SetDocuments(n int64) {
	if m == nil {
		return
	}
	m.documents.Set(float64(n))
}

// Outcome labels err: "ok", "canceled" or the error kind.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	if k := apperr.KindOf(err); k != nil {
		return k.Error()
	}
	return "error"
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}
