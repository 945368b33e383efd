// Package metrics exposes Prometheus instruments for apply outcomes, store
// update attempts and generation calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "anchoredit"

// Metrics holds every instrument. Create one per registry with New.
type Metrics struct {
	registry *prometheus.Registry

	// ApplyTotal counts apply results by decision, outcome and error kind.
	ApplyTotal *prometheus.CounterVec
	// ApplyDuration measures end-to-end apply latency by outcome.
	ApplyDuration *prometheus.HistogramVec
	// StoreAttempts counts annotation store update attempts by result.
	StoreAttempts *prometheus.CounterVec
	// GenerateTotal counts generation calls by result.
	GenerateTotal *prometheus.CounterVec
	// Inconsistent counts documents left needing manual review.
	Inconsistent prometheus.Counter
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ApplyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "results_total",
				Help:      "Apply results by decision, outcome and error kind",
			},
			[]string{"decision", "outcome", "kind"},
		),
		ApplyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "duration_seconds",
				Help:      "Apply duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"outcome"},
		),
		StoreAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "update_attempts_total",
				Help:      "Annotation store update attempts by result",
			},
			[]string{"result"},
		),
		GenerateTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generate",
				Name:      "calls_total",
				Help:      "Text generation calls by result",
			},
			[]string{"result"},
		),
		Inconsistent: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "inconsistent_documents_total",
				Help:      "Applies whose rollback could not restore the document",
			},
		),
	}
}

// ObserveApply records one apply result.
func (m *Metrics) ObserveApply(decision, outcome, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ApplyTotal.WithLabelValues(decision, outcome, kind).Inc()
	m.ApplyDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if kind == "DOCUMENT_INCONSISTENT" {
		m.Inconsistent.Inc()
	}
}

// StoreAttemptHook matches annotation.WithAttemptHook.
func (m *Metrics) StoreAttemptHook(_ int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreAttempts.WithLabelValues(result).Inc()
}

// ObserveGenerate records one generation call.
func (m *Metrics) ObserveGenerate(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.GenerateTotal.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
