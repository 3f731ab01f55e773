package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains pipeline-level metrics shared by every component
type Metrics struct {
	// Data plane metrics
	DatumsSensed   *prometheus.CounterVec
	MetricsDerived *prometheus.CounterVec
	DatumsStored   *prometheus.CounterVec
	DatumsWrapped  *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec

	// Broker metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		DatumsSensed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vitalstream",
				Subsystem: "sense",
				Name:      "datums_total",
				Help:      "Total datums produced by sense listeners",
			},
			[]string{"listener", "transport"},
		),

		MetricsDerived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vitalstream",
				Subsystem: "analyze",
				Name:      "metrics_total",
				Help:      "Total derived metrics emitted by analyze engines",
			},
			[]string{"engine", "metric_type"},
		),

		DatumsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vitalstream",
				Subsystem: "store",
				Name:      "datums_total",
				Help:      "Total datums moved through the broker",
			},
			[]string{"direction"},
		),

		DatumsWrapped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vitalstream",
				Subsystem: "sense",
				Name:      "wrapped_total",
				Help:      "Non-conforming inputs wrapped into synthetic samples",
			},
			[]string{"listener"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vitalstream",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vitalstream",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vitalstream",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total NATS reconnections",
			},
		),
	}
}
