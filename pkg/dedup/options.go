package dedup

import (
	"time"

	"github.com/NetCVGuy/ScanFetch/metric"
)

// Option configures a Cache.
type Option func(*cacheOptions)

type cacheOptions struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	pruneInterval time.Duration
	pruneCallback func(removed int)
}

// WithMetrics exports cache statistics through the registry. Nil is ignored.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(opts *cacheOptions) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithPruneInterval overrides the max(retention, MinPruneInterval) throttle.
func WithPruneInterval(d time.Duration) Option {
	return func(opts *cacheOptions) {
		if d > 0 {
			opts.pruneInterval = d
		}
	}
}

// WithPruneCallback is invoked outside the lock after a sweep removed entries.
func WithPruneCallback(fn func(removed int)) Option {
	return func(opts *cacheOptions) {
		opts.pruneCallback = fn
	}
}

func applyOptions(options ...Option) *cacheOptions {
	opts := &cacheOptions{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
