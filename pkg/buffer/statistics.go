package buffer

import (
	"sync"
	"sync/atomic"
)

// Statistics tracks buffer activity. Always collected.
type Statistics struct {
	writes    int64
	reads     int64
	overflows int64
	drops     int64

	mu          sync.RWMutex
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) Write()    { atomic.AddInt64(&s.writes, 1) }
func (s *Statistics) Read()     { atomic.AddInt64(&s.reads, 1) }
func (s *Statistics) Overflow() { atomic.AddInt64(&s.overflows, 1) }
func (s *Statistics) Drop()     { atomic.AddInt64(&s.drops, 1) }

// UpdateSize updates the current size and the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

func (s *Statistics) Writes() int64    { return atomic.LoadInt64(&s.writes) }
func (s *Statistics) Reads() int64     { return atomic.LoadInt64(&s.reads) }
func (s *Statistics) Overflows() int64 { return atomic.LoadInt64(&s.overflows) }
func (s *Statistics) Drops() int64     { return atomic.LoadInt64(&s.drops) }

// CurrentSize returns the current number of items in the buffer.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the largest number of items the buffer has held.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}
