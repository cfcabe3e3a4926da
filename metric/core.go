package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every ScanFetch metric name.
const Namespace = "scanfetch"

// Service status values reported through ServiceStatus.
const (
	StatusStopped  = 0
	StatusStarting = 1
	StatusRunning  = 2
	StatusStopping = 3
	StatusFailed   = 4
)

// Metrics contains the pipeline-wide metrics shared by all components
type Metrics struct {
	ServiceStatus *prometheus.GaugeVec

	// Ingestion
	ScansReceived    *prometheus.CounterVec
	ScansAdmitted    *prometheus.CounterVec
	ScansSuppressed  *prometheus.CounterVec
	ScansRejected    *prometheus.CounterVec
	ScannerConnected *prometheus.GaugeVec
	ScannerErrors    *prometheus.CounterVec

	// Delivery
	SinkDeliveries *prometheus.CounterVec
	SinkDuration   *prometheus.HistogramVec

	// Events
	EventsPublished *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),

		ScansReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "scans",
				Name:      "received_total",
				Help:      "Records framed from scanner streams",
			},
			[]string{"scanner", "termination"},
		),

		ScansAdmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "scans",
				Name:      "admitted_total",
				Help:      "Scans admitted by the dedup cache and forwarded to sinks",
			},
			[]string{"scanner"},
		),

		ScansSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "scans",
				Name:      "suppressed_total",
				Help:      "Scans suppressed as duplicates within the retention window",
			},
			[]string{"scanner"},
		),

		ScansRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "scans",
				Name:      "rejected_total",
				Help:      "Scans rejected before dedup (blank, no-read, prefix filter)",
			},
			[]string{"scanner", "reason"},
		),

		ScannerConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "scanner",
				Name:      "connected",
				Help:      "Whether a scanner currently has an active stream (1) or not (0)",
			},
			[]string{"scanner"},
		),

		ScannerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "scanner",
				Name:      "errors_total",
				Help:      "Scanner connection and stream errors",
			},
			[]string{"scanner", "kind"},
		),

		SinkDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "sink",
				Name:      "deliveries_total",
				Help:      "Scan deliveries per sink",
			},
			[]string{"sink", "status"},
		),

		SinkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "sink",
				Name:      "duration_seconds",
				Help:      "Time spent delivering one scan to a sink",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sink"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Scanner events published on the event bus",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ServiceStatus,
		m.ScansReceived,
		m.ScansAdmitted,
		m.ScansSuppressed,
		m.ScansRejected,
		m.ScannerConnected,
		m.ScannerErrors,
		m.SinkDeliveries,
		m.SinkDuration,
		m.EventsPublished,
	}
}

// RecordServiceStatus sets the status gauge for a service. Safe on nil.
func (m *Metrics) RecordServiceStatus(service string, status int) {
	if m == nil {
		return
	}
	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}
