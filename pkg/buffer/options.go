package buffer

import (
	"github.com/NetCVGuy/ScanFetch/metric"
)

// Option configures buffer behavior using the functional options pattern.
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]

	// growth enables doubling the ring when full; maxCapacity bounds it (0 = unbounded)
	growth      bool
	maxCapacity int

	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.overflowPolicy = policy
	}
}

// WithGrowth lets the ring double its capacity when full instead of applying
// the overflow policy, until maxCapacity is reached. A maxCapacity of 0
// never stops growing.
func WithGrowth[T any](maxCapacity int) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.growth = true
		if maxCapacity > 0 {
			opts.maxCapacity = maxCapacity
		}
	}
}

// WithMetrics enables Prometheus metrics export. A nil registry is ignored.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(opts *bufferOptions[T]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithDropCallback sets a callback invoked for every dropped item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.dropCallback = callback
	}
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{
		overflowPolicy: DropOldest,
	}

	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	return opts
}
