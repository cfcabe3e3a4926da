package buffer

import (
	"sync"

	"github.com/NetCVGuy/ScanFetch/errors"
)

// ring is a thread-safe circular buffer.
type ring[T any] struct {
	mu      sync.RWMutex
	items   []T
	size    int
	head    int // next write position
	tail    int // next read position
	stats   *Statistics
	metrics *bufferMetrics
	opts    *bufferOptions[T]
	closed  bool
}

func newRing[T any](capacity int, opts *bufferOptions[T]) (*ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}
	if opts.growth && opts.maxCapacity > 0 && capacity > opts.maxCapacity {
		capacity = opts.maxCapacity
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newRing", "metrics registration")
		}
	}

	return &ring[T]{
		items:   make([]T, capacity),
		stats:   NewStatistics(),
		metrics: metrics,
		opts:    opts,
	}, nil
}

// Write adds an item according to the growth and overflow settings.
func (r *ring[T]) Write(item T) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}

	if r.size == len(r.items) && r.canGrow() {
		r.grow()
	}

	var dropped []T
	if r.size == len(r.items) {
		r.stats.Overflow()
		r.stats.Drop()
		if r.metrics != nil {
			r.metrics.recordDrop()
		}

		if r.opts.overflowPolicy == DropNewest {
			r.mu.Unlock()
			if r.opts.dropCallback != nil {
				r.opts.dropCallback(item)
			}
			return nil
		}

		dropped = append(dropped, r.items[r.tail])
		r.tail = (r.tail + 1) % len(r.items)
		r.size--
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	r.size++

	r.stats.Write()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordWrite(r.size, len(r.items))
	}
	r.mu.Unlock()

	// Callback runs outside the lock so it may touch the buffer
	if r.opts.dropCallback != nil {
		for _, d := range dropped {
			r.opts.dropCallback(d)
		}
	}
	return nil
}

func (r *ring[T]) canGrow() bool {
	if !r.opts.growth {
		return false
	}
	return r.opts.maxCapacity == 0 || len(r.items) < r.opts.maxCapacity
}

// grow doubles the backing slice, relinearizing items oldest first. Caller holds mu.
func (r *ring[T]) grow() {
	newCap := len(r.items) * 2
	if r.opts.maxCapacity > 0 && newCap > r.opts.maxCapacity {
		newCap = r.opts.maxCapacity
	}
	items := make([]T, newCap)
	for i := 0; i < r.size; i++ {
		items[i] = r.items[(r.tail+i)%len(r.items)]
	}
	r.items = items
	r.tail = 0
	r.head = r.size % newCap
}

// Read retrieves and removes the oldest item.
func (r *ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % len(r.items)
	r.size--

	r.stats.Read()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.updateSize(r.size, len(r.items))
	}

	return item, true
}

// ReadBatch retrieves and removes up to max of the oldest items.
func (r *ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	count := max
	if count > r.size {
		count = r.size
	}

	var zero T
	result := make([]T, count)
	for i := 0; i < count; i++ {
		result[i] = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % len(r.items)
		r.size--
		r.stats.Read()
	}

	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.updateSize(r.size, len(r.items))
	}

	return result
}

// Snapshot copies every item, oldest first.
func (r *ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		result[i] = r.items[(r.tail+i)%len(r.items)]
	}
	return result
}

// Newest walks from the most recent item backwards.
func (r *ring[T]) Newest(limit int, keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > r.size {
		limit = r.size
	}

	result := make([]T, 0, limit)
	for i := r.size - 1; i >= 0 && len(result) < limit; i-- {
		item := r.items[(r.tail+i)%len(r.items)]
		if keep == nil || keep(item) {
			result = append(result, item)
		}
	}
	return result
}

func (r *ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *ring[T]) Capacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Clear removes all items without invoking the drop callback.
func (r *ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.tail, r.size = 0, 0, 0

	r.stats.UpdateSize(0)
	if r.metrics != nil {
		r.metrics.updateSize(0, len(r.items))
	}
}

func (r *ring[T]) Stats() *Statistics {
	return r.stats
}

// Close rejects further writes. Buffered items stay readable.
func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
