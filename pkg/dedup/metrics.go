package dedup

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NetCVGuy/ScanFetch/metric"
)

type cacheMetrics struct {
	admitted   prometheus.Counter
	suppressed prometheus.Counter
	pruned     prometheus.Counter
	size       prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &cacheMetrics{
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "dedup",
			Name:        "admitted_total",
			ConstLabels: labels,
			Help:        "Codes admitted through the dedup gate",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "dedup",
			Name:        "suppressed_total",
			ConstLabels: labels,
			Help:        "Codes suppressed within the retention window",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "dedup",
			Name:        "pruned_total",
			ConstLabels: labels,
			Help:        "Expired entries removed by lazy pruning",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "dedup",
			Name:        "entries",
			ConstLabels: labels,
			Help:        "Codes currently remembered",
		}),
	}

	if err := registry.RegisterCounter(prefix, "dedup_admitted", m.admitted); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "dedup_suppressed", m.suppressed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "dedup_pruned", m.pruned); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "dedup_entries", m.size); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *cacheMetrics) record(removed, size int) {
	m.size.Set(float64(size))
	if removed > 0 {
		m.pruned.Add(float64(removed))
	}
}

func (m *cacheMetrics) decision(admitted bool) {
	if admitted {
		m.admitted.Inc()
	} else {
		m.suppressed.Inc()
	}
}
