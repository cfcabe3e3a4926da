package dedup

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks admission decisions.
type Statistics struct {
	admitted   int64
	suppressed int64
	pruned     int64
	sweeps     int64

	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) Admit()    { atomic.AddInt64(&s.admitted, 1) }
func (s *Statistics) Suppress() { atomic.AddInt64(&s.suppressed, 1) }

// Prune records one sweep that removed n entries.
func (s *Statistics) Prune(n int64) {
	atomic.AddInt64(&s.sweeps, 1)
	atomic.AddInt64(&s.pruned, n)
}

// UpdateSize records the current number of entries.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

func (s *Statistics) Admitted() int64   { return atomic.LoadInt64(&s.admitted) }
func (s *Statistics) Suppressed() int64 { return atomic.LoadInt64(&s.suppressed) }
func (s *Statistics) Pruned() int64     { return atomic.LoadInt64(&s.pruned) }
func (s *Statistics) Sweeps() int64     { return atomic.LoadInt64(&s.sweeps) }

// SuppressionRate returns suppressed / (admitted + suppressed).
func (s *Statistics) SuppressionRate() float64 {
	admitted, suppressed := s.Admitted(), s.Suppressed()
	total := admitted + suppressed
	if total == 0 {
		return 0.0
	}
	return float64(suppressed) / float64(total)
}

// StatsSummary is a point-in-time copy of the statistics.
type StatsSummary struct {
	Admitted        int64         `json:"admitted"`
	Suppressed      int64         `json:"suppressed"`
	Pruned          int64         `json:"pruned"`
	Sweeps          int64         `json:"sweeps"`
	CurrentSize     int64         `json:"current_size"`
	MaxSize         int64         `json:"max_size"`
	SuppressionRate float64       `json:"suppression_rate"`
	Uptime          time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	s.mu.RLock()
	size, maxSize, uptime := s.currentSize, s.maxSize, time.Since(s.startTime)
	s.mu.RUnlock()

	return StatsSummary{
		Admitted:        s.Admitted(),
		Suppressed:      s.Suppressed(),
		Pruned:          s.Pruned(),
		Sweeps:          s.Sweeps(),
		CurrentSize:     size,
		MaxSize:         maxSize,
		SuppressionRate: s.SuppressionRate(),
		Uptime:          uptime,
	}
}
