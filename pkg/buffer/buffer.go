// Package buffer provides a generic, thread-safe ring buffer with overflow
// policies, optional growth and always-on statistics.
//
// The event bus keeps its bounded history in a fixed ring with DropOldest and
// uses growable rings as per-subscriber delivery queues.
package buffer

// Buffer represents a generic FIFO buffer parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item. Behavior on a full buffer depends on the overflow policy.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes and returns up to max of the oldest items.
	ReadBatch(max int) []T

	// Snapshot returns every item, oldest first, without removing them.
	Snapshot() []T

	// Newest returns up to limit items, newest first, that satisfy keep.
	// A nil keep accepts everything; limit <= 0 means no limit.
	Newest(limit int, keep func(T) bool) []T

	Size() int
	Capacity() int
	Clear()
	Stats() *Statistics
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped by the overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring buffer with the given initial capacity.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newRing(capacity, opts)
}
