package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the Prometheus namespace for all engine metrics
const Namespace = "cardstream"

// Metrics contains all engine-level metrics (not component-specific)
type Metrics struct {
	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	ChunksReceived    *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	SectionsCompleted *prometheus.CounterVec

	// Parse metrics
	ParseDuration *prometheus.HistogramVec

	// Transport metrics
	ReconnectsTotal *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all engine metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "session",
				Name:      "active",
				Help:      "Number of streaming sessions currently active",
			},
		),

		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "session",
				Name:      "total",
				Help:      "Total streaming sessions by terminal outcome",
			},
			[]string{"outcome"},
		),

		ChunksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "transport",
				Name:      "chunks_received_total",
				Help:      "Total chunks received by protocol",
			},
			[]string{"protocol"},
		),

		BytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "transport",
				Name:      "bytes_received_total",
				Help:      "Total bytes received by protocol",
			},
			[]string{"protocol"},
		),

		SectionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "parser",
				Name:      "sections_completed_total",
				Help:      "Total card sections completed during parsing",
			},
			[]string{"session"},
		),

		ParseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "parser",
				Name:      "duration_seconds",
				Help:      "Incremental parse feed duration in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"operation"},
		),

		ReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "transport",
				Name:      "reconnects_total",
				Help:      "Total reconnection attempts by protocol",
			},
			[]string{"protocol"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total errors by component and kind",
			},
			[]string{"component", "kind"},
		),
	}
}
