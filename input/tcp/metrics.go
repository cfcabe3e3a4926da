package tcp

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NetCVGuy/ScanFetch/metric"
)

// Metrics holds Prometheus metrics for one scanner input
type Metrics struct {
	bytesReceived  prometheus.Counter
	reads          prometheus.Counter
	timeoutFlushes prometheus.Counter
	peersAccepted  prometheus.Counter
	connectErrors  prometheus.Counter
	lastActivity   prometheus.Gauge
}

// newMetrics creates and registers input metrics. A nil registry returns nil.
func newMetrics(registry *metric.MetricsRegistry, scanner string) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"scanner": scanner}
	m := &Metrics{
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "tcp",
			Name:        "bytes_received_total",
			ConstLabels: labels,
			Help:        "Bytes read from scanner streams",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "tcp",
			Name:        "reads_total",
			ConstLabels: labels,
			Help:        "Non-empty reads from scanner streams",
		}),
		timeoutFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "tcp",
			Name:        "timeout_flushes_total",
			ConstLabels: labels,
			Help:        "Records released by the idle flush timeout",
		}),
		peersAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "tcp",
			Name:        "streams_opened_total",
			ConstLabels: labels,
			Help:        "Streams opened (client connects and accepted server peers)",
		}),
		connectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "tcp",
			Name:        "open_errors_total",
			ConstLabels: labels,
			Help:        "Failed connect or listen attempts",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "tcp",
			Name:        "last_activity_timestamp",
			ConstLabels: labels,
			Help:        "Unix timestamp of the last byte received",
		}),
	}

	service := "tcp_" + scanner
	if err := registry.RegisterCounter(service, "bytes_received", m.bytesReceived); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "reads", m.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "timeout_flushes", m.timeoutFlushes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "streams_opened", m.peersAccepted); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "open_errors", m.connectErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(service, "last_activity", m.lastActivity); err != nil {
		return nil, err
	}

	return m, nil
}
