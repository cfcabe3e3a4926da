// Package eventbus is the in-process broadcast of scanner lifecycle, error
// and scan events, with a bounded newest-first history.
//
// Publish never blocks: every subscriber owns a growable queue drained by its
// own goroutine, so a slow consumer only delays itself. Events reach each
// subscriber in publish order.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/metric"
	"github.com/NetCVGuy/ScanFetch/pkg/buffer"
)

// DefaultHistorySize is the number of events kept for History.
const DefaultHistorySize = 100

// Config configures a Bus.
type Config struct {
	// HistorySize caps the history ring. Defaults to DefaultHistorySize.
	HistorySize int `json:"history_size"`

	// MaxPending caps each subscriber's undelivered queue; the oldest event
	// is dropped when exceeded. 0 means unbounded.
	MaxPending int `json:"max_pending"`
}

// Deps holds runtime dependencies for the bus.
type Deps struct {
	Config          Config
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry // optional
}

// Bus is a multi-producer, multi-consumer event broadcaster.
type Bus struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.RWMutex
	seq     uint64
	history buffer.Buffer[Event]
	subs    map[uint64]*Subscription
	nextSub uint64
	closed  bool

	now func() time.Time
}

// New creates a Bus.
func New(deps Deps) (*Bus, error) {
	cfg := deps.Config
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.MaxPending < 0 {
		cfg.MaxPending = 0
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	history, err := buffer.NewCircularBuffer[Event](cfg.HistorySize,
		buffer.WithOverflowPolicy[Event](buffer.DropOldest),
		buffer.WithMetrics[Event](deps.MetricsRegistry, "event_history"))
	if err != nil {
		return nil, errors.Wrap(err, "eventbus", "New", "create history buffer")
	}

	return &Bus{
		cfg:     cfg,
		logger:  logger.With("component", "eventbus"),
		metrics: deps.MetricsRegistry.CoreMetrics(),
		history: history,
		subs:    make(map[uint64]*Subscription),
		now:     time.Now,
	}, nil
}

// Publish stamps ev, appends it to history and queues it for every current
// subscriber. It returns the stamped event. Publishing on a closed bus is a
// no-op apart from the returned stamp.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	b.seq++
	ev.ID = b.seq
	ev.Timestamp = b.now().UTC()
	if b.closed {
		b.mu.Unlock()
		return ev
	}

	_ = b.history.Write(ev)
	// Enqueue under the lock so concurrent publishers land in the same order
	// for every subscriber; delivery itself happens on the subscriber goroutine.
	for _, sub := range b.subs {
		sub.enqueue(ev)
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	}
	return ev
}

// Subscribe returns a subscription that observes every event published after
// this call. Callers must Close it when done.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "eventbus", "Subscribe", "bus closed")
	}

	b.nextSub++
	sub, err := newSubscription(b, b.nextSub, b.cfg.MaxPending)
	if err != nil {
		return nil, errors.Wrap(err, "eventbus", "Subscribe", "create subscriber queue")
	}
	b.subs[sub.id] = sub
	go sub.pump()

	b.logger.Debug("Subscriber added", "subscriber", sub.id, "subscribers", len(b.subs))
	return sub, nil
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	remaining := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug("Subscriber removed", "subscriber", id, "subscribers", remaining)
}

// History returns up to limit of the most recent events, newest first,
// restricted to kinds when any are given. limit <= 0 returns everything kept.
func (b *Bus) History(kinds []Kind, limit int) []Event {
	var keep func(Event) bool
	if len(kinds) > 0 {
		keep = func(ev Event) bool {
			for _, k := range kinds {
				if ev.Kind == k {
					return true
				}
			}
			return false
		}
	}
	return b.history.Newest(limit, keep)
}

// Errors returns the most recent Error and Disconnected events, newest first.
func (b *Bus) Errors(limit int) []Event {
	return b.History([]Kind{KindError, KindDisconnected}, limit)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// HistoryCapacity returns the configured history cap.
func (b *Bus) HistoryCapacity() int {
	return b.cfg.HistorySize
}

// Close ends every subscription. History stays readable.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
