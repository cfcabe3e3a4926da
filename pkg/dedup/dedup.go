// Package dedup implements the time-windowed admission gate that suppresses
// repeated scan codes.
//
// A code is admitted when it has not been admitted within the retention
// window. Entries are pruned lazily: an Admit call more than the prune
// interval after the previous prune sweeps every expired entry. Admission and
// pruning share one lock, so two racing scans of the same code can never both
// be admitted.
package dedup

import (
	"sync"
	"time"

	"github.com/NetCVGuy/ScanFetch/errors"
)

// MinPruneInterval is the floor applied to the prune throttle.
const MinPruneInterval = 60 * time.Second

// DefaultRetention matches the default cache_retention_seconds setting.
const DefaultRetention = 180 * time.Second

// Cache is the dedup admission gate.
type Cache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	pruneInt  time.Duration
	lastPrune time.Time

	stats   *Statistics
	metrics *cacheMetrics
	onPrune func(removed int)
}

// New creates a Cache with the given retention window. A zero or negative
// retention disables suppression.
func New(retention time.Duration, options ...Option) (*Cache, error) {
	opts := applyOptions(options...)

	pruneInt := retention
	if pruneInt < MinPruneInterval {
		pruneInt = MinPruneInterval
	}
	if opts.pruneInterval > 0 {
		pruneInt = opts.pruneInterval
	}

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "dedup", "New", "metrics registration")
		}
	}

	return &Cache{
		seen:      make(map[string]time.Time),
		retention: retention,
		pruneInt:  pruneInt,
		stats:     NewStatistics(),
		metrics:   metrics,
		onPrune:   opts.pruneCallback,
	}, nil
}

// Admit reports whether code should be forwarded at now. An admitted code is
// remembered with now as its last-admit time; a suppressed code keeps its
// original time, so a steady stream of repeats is let through once per window.
func (c *Cache) Admit(code string, now time.Time) bool {
	c.mu.Lock()

	removed := 0
	if c.lastPrune.IsZero() {
		c.lastPrune = now
	} else if now.Sub(c.lastPrune) > c.pruneInt {
		removed = c.pruneLocked(now)
	}

	last, ok := c.seen[code]
	admitted := !ok || now.Sub(last) >= c.retention
	if admitted {
		c.seen[code] = now
	}
	size := len(c.seen)
	c.mu.Unlock()

	if admitted {
		c.stats.Admit()
	} else {
		c.stats.Suppress()
	}
	c.stats.UpdateSize(int64(size))

	if c.metrics != nil {
		c.metrics.decision(admitted)
		c.metrics.record(removed, size)
	}
	if removed > 0 && c.onPrune != nil {
		c.onPrune(removed)
	}

	return admitted
}

// Prune removes every entry older than the retention window and returns how
// many were removed.
func (c *Cache) Prune(now time.Time) int {
	c.mu.Lock()
	removed := c.pruneLocked(now)
	size := len(c.seen)
	c.mu.Unlock()

	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.record(removed, size)
	}
	return removed
}

func (c *Cache) pruneLocked(now time.Time) int {
	removed := 0
	for code, last := range c.seen {
		if now.Sub(last) >= c.retention {
			delete(c.seen, code)
			removed++
		}
	}
	c.lastPrune = now
	c.stats.Prune(int64(removed))
	return removed
}

// Len returns the number of remembered codes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Retention returns the configured window.
func (c *Cache) Retention() time.Duration {
	return c.retention
}

// Stats returns the cache statistics.
func (c *Cache) Stats() *Statistics {
	return c.stats
}
