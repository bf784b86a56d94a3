// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Submission metrics
	SubmissionsTotal    *prometheus.CounterVec
	TokensMinted        prometheus.Counter
	InflightSubmissions prometheus.Gauge

	// Latency metrics
	ExternalCallDuration *prometheus.HistogramVec

	// Storage and fan-out metrics
	LedgerAppendErrors prometheus.Counter
	PublishErrors      *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered on reg.
// A nil reg registers on the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "proofmint"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "submissions_total",
			Help:      "Total number of submissions by outcome and reason",
		}, []string{"outcome", "reason"}),
		TokensMinted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "tokens_minted_total",
			Help:      "Total tokens minted, in display units",
		}),
		InflightSubmissions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "inflight_submissions",
			Help:      "Number of submissions currently being processed",
		}),

		ExternalCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "call_duration_seconds",
			Help:      "Duration of OCR, estimator and mint calls",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"call", "status"}),

		LedgerAppendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "append_errors_total",
			Help:      "Total number of failed ledger appends",
		}),
		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "errors_total",
			Help:      "Total number of failed record publications by publisher",
		}, []string{"publisher"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint of g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordSubmission counts a finished submission.
func (m *Metrics) RecordSubmission(outcome, reason string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(outcome, reason).Inc()
}

// RecordMinted adds a minted amount.
func (m *Metrics) RecordMinted(amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.TokensMinted.Add(amount.InexactFloat64())
}

// RecordExternalCall observes the latency of an OCR, estimate or mint call.
func (m *Metrics) RecordExternalCall(call string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ExternalCallDuration.WithLabelValues(call, status).Observe(d.Seconds())
}

// RecordAppendError counts a failed ledger append.
func (m *Metrics) RecordAppendError() {
	if m == nil {
		return
	}
	m.LedgerAppendErrors.Inc()
}

// RecordPublishError counts a failed publication.
func (m *Metrics) RecordPublishError(publisher string) {
	if m == nil {
		return
	}
	m.PublishErrors.WithLabelValues(publisher).Inc()
}

// TrackInflight increments the in-flight gauge and returns its decrement.
func (m *Metrics) TrackInflight() func() {
	if m == nil {
		return func() {}
	}
	m.InflightSubmissions.Inc()
	return m.InflightSubmissions.Dec
}
