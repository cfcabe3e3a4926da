// Package dispatch gates scan records through the dedup cache and fans the
// admitted ones out to the configured sinks.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NetCVGuy/ScanFetch/component"
	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/eventbus"
	"github.com/NetCVGuy/ScanFetch/metric"
	"github.com/NetCVGuy/ScanFetch/pkg/dedup"
	"github.com/NetCVGuy/ScanFetch/pkg/worker"
	"github.com/NetCVGuy/ScanFetch/scan"
)

// Sink receives every admitted scan. Sinks run on their own worker and never
// see each other's failures.
type Sink interface {
	Name() string
	ProcessScan(ctx context.Context, rec scan.Record) error
}

// Defaults for Config.
const (
	DefaultQueueSize   = 1024
	DefaultStopTimeout = 10 * time.Second
)

// Config configures the dispatcher.
type Config struct {
	// QueueSize bounds each sink's pending scans.
	QueueSize int `json:"queue_size"`
	// StopTimeout bounds how long Run waits for sink queues to drain.
	StopTimeout time.Duration `json:"stop_timeout"`
}

// Deps holds runtime dependencies for the dispatcher
type Deps struct {
	Config          Config
	Cache           *dedup.Cache
	Sinks           []Sink
	Bus             *eventbus.Bus           // optional
	Logger          *slog.Logger            // optional
	MetricsRegistry *metric.MetricsRegistry // optional
}

type sinkQueue struct {
	sink Sink
	pool *worker.Pool[scan.Record]
}

// Dispatcher consumes the records channel. Sink queues cannot be restarted,
// so Run may be called only once.
type Dispatcher struct {
	cfg     Config
	cache   *dedup.Cache
	bus     *eventbus.Bus
	logger  *slog.Logger
	metrics *metric.Metrics
	queues  []sinkQueue

	mu        sync.Mutex
	running   bool
	used      bool
	startTime time.Time

	received   atomic.Int64
	admitted   atomic.Int64
	suppressed atomic.Int64
	rejected   atomic.Int64
	sinkErrors atomic.Int64
	lastScan   atomic.Value // time.Time
	lastError  atomic.Value // string
}

var _ component.Discoverable = (*Dispatcher)(nil)

// New creates a dispatcher with one single-worker queue per sink.
func New(deps Deps) (*Dispatcher, error) {
	if deps.Cache == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: nil dedup cache", errors.ErrMissingConfig),
			"dispatcher", "New", "cache validation")
	}

	cfg := deps.Config
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		cfg:     cfg,
		cache:   deps.Cache,
		bus:     deps.Bus,
		logger:  logger.With("component", "dispatcher"),
		metrics: deps.MetricsRegistry.CoreMetrics(),
	}
	d.lastScan.Store(time.Time{})
	d.lastError.Store("")

	seen := make(map[string]bool, len(deps.Sinks))
	for _, sink := range deps.Sinks {
		name := sink.Name()
		if seen[name] {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: duplicate sink %q", errors.ErrInvalidConfig, name),
				"dispatcher", "New", "sink validation")
		}
		seen[name] = true

		pool, err := worker.NewPool(1, cfg.QueueSize, d.deliverer(sink),
			worker.WithMetricsRegistry[scan.Record](deps.MetricsRegistry, "sink_"+name),
			worker.WithErrorHandler(d.onSinkError(sink)),
		)
		if err != nil {
			return nil, errors.Wrap(err, "dispatcher", "New", "create queue for sink "+name)
		}
		d.queues = append(d.queues, sinkQueue{sink: sink, pool: pool})
	}

	return d, nil
}

// Run handles records until in is closed, then drains the sink queues.
// Cancelling ctx does not stop consumption: records framed before shutdown
// are still delivered. ctx is passed to the sinks.
func (d *Dispatcher) Run(ctx context.Context, in <-chan scan.Record) error {
	d.mu.Lock()
	if d.used {
		d.mu.Unlock()
		return errors.WrapFatal(errors.ErrAlreadyStarted, "dispatcher", "Run", "check running state")
	}
	d.used = true
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	// Sinks outlive ctx so queued scans can finish during shutdown.
	sinkCtx, cancelSinks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSinks()

	for _, q := range d.queues {
		if err := q.pool.Start(sinkCtx); err != nil {
			return errors.Wrap(err, "dispatcher", "Run", "start queue for sink "+q.sink.Name())
		}
	}
	d.logger.Info("Dispatcher started", "sinks", len(d.queues), "retention", d.cache.Retention())

	for rec := range in {
		d.Handle(rec)
	}

	d.logger.Info("Record stream closed, draining sink queues", "timeout", d.cfg.StopTimeout)
	var firstErr error
	for _, q := range d.queues {
		if err := q.pool.Stop(d.cfg.StopTimeout); err != nil {
			d.logger.Warn("Sink queue did not drain in time", "sink", q.sink.Name(),
				"pending", q.pool.Stats().QueueDepth, "error", err)
			if firstErr == nil {
				firstErr = errors.WrapTransient(err, "dispatcher", "Run", "drain sink "+q.sink.Name())
			}
		}
	}
	return firstErr
}

// Handle runs one record through reject, dedup and fan-out. It reports
// whether the record was admitted.
func (d *Dispatcher) Handle(rec scan.Record) bool {
	d.received.Add(1)

	if reason := scan.Reject(rec.Code); reason != scan.RejectNone {
		d.rejected.Add(1)
		if d.metrics != nil {
			d.metrics.ScansRejected.WithLabelValues(rec.Source, string(reason)).Inc()
		}
		d.logger.Debug("Scan rejected", "scanner", rec.Source, "code", rec.Code, "reason", string(reason))
		return false
	}

	now := rec.ObservedAt
	if now.IsZero() {
		now = time.Now()
	}
	if !d.cache.Admit(rec.Code, now) {
		d.suppressed.Add(1)
		if d.metrics != nil {
			d.metrics.ScansSuppressed.WithLabelValues(rec.Source).Inc()
		}
		d.logger.Debug("Duplicate scan suppressed", "scanner", rec.Source, "code", rec.Code)
		return false
	}

	d.admitted.Add(1)
	d.lastScan.Store(time.Now())
	if d.metrics != nil {
		d.metrics.ScansAdmitted.WithLabelValues(rec.Source).Inc()
	}
	d.logger.Info("Scan received", "scanner", rec.Source, "code", rec.Code,
		"remote", rec.SourceEndpoint, "termination", string(rec.Termination))
	if d.bus != nil {
		d.bus.Publish(eventbus.ScanReceived(rec.Source, rec.SourceEndpoint, rec.Code))
	}

	for _, q := range d.queues {
		if err := q.pool.Submit(rec); err != nil {
			d.sinkErrors.Add(1)
			if d.metrics != nil {
				d.metrics.SinkDeliveries.WithLabelValues(q.sink.Name(), "dropped").Inc()
			}
			d.logger.Warn("Scan dropped for sink", "sink", q.sink.Name(), "code", rec.Code, "error", err)
		}
	}
	return true
}

func (d *Dispatcher) deliverer(sink Sink) func(context.Context, scan.Record) error {
	name := sink.Name()
	return func(ctx context.Context, rec scan.Record) error {
		start := time.Now()
		err := sink.ProcessScan(ctx, rec)
		if d.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			d.metrics.SinkDeliveries.WithLabelValues(name, status).Inc()
			d.metrics.SinkDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
		return err
	}
}

func (d *Dispatcher) onSinkError(sink Sink) func(scan.Record, error) {
	return func(rec scan.Record, err error) {
		d.sinkErrors.Add(1)
		d.lastError.Store(fmt.Sprintf("%s: %v", sink.Name(), err))
		d.logger.Error("Sink failed to process scan", "sink", sink.Name(), "code", rec.Code,
			"scanner", rec.Source, "transient", errors.IsTransient(err), "error", err)
		if d.bus != nil {
			d.bus.Publish(eventbus.Failure(rec.Source, rec.SourceEndpoint,
				fmt.Sprintf("sink %s failed", sink.Name()), err))
		}
	}
}

// SinkStatus is the queue state of one sink.
type SinkStatus struct {
	Name  string           `json:"name"`
	Queue worker.PoolStats `json:"queue"`
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Received   int64              `json:"received"`
	Admitted   int64              `json:"admitted"`
	Suppressed int64              `json:"suppressed"`
	Rejected   int64              `json:"rejected"`
	SinkErrors int64              `json:"sink_errors"`
	CacheSize  int                `json:"cache_size"`
	Cache      dedup.StatsSummary `json:"cache"`
	Sinks      []SinkStatus       `json:"sinks"`
}

// Stats returns the dispatcher counters and per-sink queue state.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Received:   d.received.Load(),
		Admitted:   d.admitted.Load(),
		Suppressed: d.suppressed.Load(),
		Rejected:   d.rejected.Load(),
		SinkErrors: d.sinkErrors.Load(),
		CacheSize:  d.cache.Len(),
		Cache:      d.cache.Stats().Summary(),
	}
	for _, q := range d.queues {
		s.Sinks = append(s.Sinks, SinkStatus{Name: q.sink.Name(), Queue: q.pool.Stats()})
	}
	return s
}

// Meta returns the component metadata
func (d *Dispatcher) Meta() component.Metadata {
	return component.Metadata{
		Name:        "dispatcher",
		Type:        "processor",
		Description: fmt.Sprintf("Dedup gate (%v) fanning out to %d sinks", d.cache.Retention(), len(d.queues)),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (d *Dispatcher) Health() component.HealthStatus {
	d.mu.Lock()
	running, start := d.running, d.startTime
	d.mu.Unlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(start)
	}
	lastErr, _ := d.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(d.sinkErrors.Load()),
		LastError:  lastErr,
		Uptime:     uptime,
	}
}

// DataFlow returns the current data flow metrics
func (d *Dispatcher) DataFlow() component.FlowMetrics {
	d.mu.Lock()
	start := d.startTime
	d.mu.Unlock()

	admitted := d.admitted.Load()
	var errorRate float64
	if admitted > 0 {
		errorRate = float64(d.sinkErrors.Load()) / float64(admitted)
	}
	last, _ := d.lastScan.Load().(time.Time)
	return component.FlowMetrics{
		MessagesPerSecond: component.RateSince(d.received.Load(), start),
		ErrorRate:         errorRate,
		LastActivity:      last,
	}
}
