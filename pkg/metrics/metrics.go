// Package metrics holds the Prometheus instrumentation for the platform.
// Everything registers on a private registry so tests can create instances
// freely.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Live session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	AudioBytesTotal *prometheus.CounterVec

	// Decision loop metrics
	EvaluationsTotal      *prometheus.CounterVec
	EvaluationDuration    prometheus.Histogram
	FragmentsDroppedTotal prometheus.Counter

	// Token ledger metrics
	TokensLockedTotal   prometheus.Counter
	TokensDeductedTotal prometheus.Counter
	TokensRefundedTotal prometheus.Counter

	// Provider metrics
	ProviderErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxprep"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live practice sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions by terminal status",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{30, 60, 300, 600, 1200, 1800, 3600},
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes processed",
		},
		[]string{"direction"},
	)

	evaluationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Decision cycles by resulting action",
		},
		[]string{"action"},
	)

	evaluationDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Decision provider round-trip in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	fragmentsDroppedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_dropped_total",
			Help:      "Final transcript fragments dropped from a full evaluation queue",
		},
	)

	tokensLockedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_locked_total",
			Help:      "Tokens locked for sessions",
		},
	)

	tokensDeductedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_deducted_total",
			Help:      "Tokens deducted on completion",
		},
	)

	tokensRefundedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_refunded_total",
			Help:      "Tokens refunded on abandon or failure",
		},
	)

	providerErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider failures",
		},
		[]string{"provider"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytesTotal,
		evaluationsTotal,
		evaluationDuration,
		fragmentsDroppedTotal,
		tokensLockedTotal,
		tokensDeductedTotal,
		tokensRefundedTotal,
		providerErrorsTotal,
	)

	return &Metrics{
		registry:              registry,
		SessionsActive:        sessionsActive,
		SessionsTotal:         sessionsTotal,
		SessionDuration:       sessionDuration,
		AudioBytesTotal:       audioBytesTotal,
		EvaluationsTotal:      evaluationsTotal,
		EvaluationDuration:    evaluationDuration,
		FragmentsDroppedTotal: fragmentsDroppedTotal,
		TokensLockedTotal:     tokensLockedTotal,
		TokensDeductedTotal:   tokensDeductedTotal,
		TokensRefundedTotal:   tokensRefundedTotal,
		ProviderErrorsTotal:   providerErrorsTotal,
	}
}

// Handler returns the /metrics endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart marks a session connection going live.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd marks a session connection closing.
func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	if status != "" {
		m.SessionsTotal.WithLabelValues(status).Inc()
	}
	if duration > 0 {
		m.SessionDuration.Observe(duration.Seconds())
	}
}

// RecordAudio counts processed audio bytes.
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordEvaluation records one decision cycle.
func (m *Metrics) RecordEvaluation(action string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(action).Inc()
	m.EvaluationDuration.Observe(duration.Seconds())
}

// RecordFragmentDropped counts a fragment lost to queue overflow.
func (m *Metrics) RecordFragmentDropped() {
	if m == nil {
		return
	}
	m.FragmentsDroppedTotal.Inc()
}

// RecordTokens records ledger movement.
func (m *Metrics) RecordTokens(kind string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	switch kind {
	case "locked":
		m.TokensLockedTotal.Add(float64(amount))
	case "deducted":
		m.TokensDeductedTotal.Add(float64(amount))
	case "refunded":
		m.TokensRefundedTotal.Add(float64(amount))
	}
}

// RecordProviderError counts an upstream failure.
func (m *Metrics) RecordProviderError(provider string) {
	if m == nil {
		return
	}
	m.ProviderErrorsTotal.WithLabelValues(provider).Inc()
}
