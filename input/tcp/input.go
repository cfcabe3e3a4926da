// Package tcp provides the scanner input: one TCP connection per configured
// scanner, in client or server role, framed into scan records.
package tcp

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
	"github.com/NetCVGuy/ScanFetch/pkg/framing"
	"github.com/NetCVGuy/ScanFetch/scan"
)

// Input is one scanner connection. Run performs a single connect-and-serve
// cycle; Start/Stop wrap Run for callers that want the component lifecycle.
type Input struct {
	cfg    Config
	delim  framing.Delimiter
	bus    *eventbus.Bus
	logger *slog.Logger
	lister InterfaceLister
	output chan<- scan.Record

	metrics *Metrics
	core    *metric.Metrics
	loop    *Loop

	mu          sync.RWMutex
	endpoint    Endpoint
	initialized bool
	cancel      context.CancelFunc
	done        chan struct{}
	running     atomic.Bool
	startTime   time.Time
	openErrors  atomic.Int64
	lastOpenErr atomic.Value // string
}

// Ensure Input implements all required interfaces
var _ component.LifecycleComponent = (*Input)(nil)

// InputDeps holds runtime dependencies for a scanner input
type InputDeps struct {
	Config          Config
	Bus             *eventbus.Bus
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry // optional
	Lister          InterfaceLister         // optional, server role only
	Output          chan<- scan.Record      // used by Start; Run takes its own
}

// NewInput creates a scanner input. Call Initialize before Run or Start.
func NewInput(deps InputDeps) (*Input, error) {
	cfg := deps.Config.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tcp-input", "scanner", cfg.Name, "role", string(cfg.Role))

	metrics, err := newMetrics(deps.MetricsRegistry, cfg.Name)
	if err != nil {
		return nil, errors.Wrap(err, "tcp-input", "NewInput", "register metrics")
	}

	in := &Input{
		cfg:     cfg,
		bus:     deps.Bus,
		logger:  logger,
		lister:  deps.Lister,
		output:  deps.Output,
		metrics: metrics,
		core:    deps.MetricsRegistry.CoreMetrics(),
	}
	in.lastOpenErr.Store("")
	return in, nil
}

// Name returns the scanner name.
func (in *Input) Name() string {
	return in.cfg.Name
}

// Config returns the resolved connection configuration.
func (in *Input) Config() Config {
	return in.cfg
}

// Initialize validates the configuration and resolves the delimiter. A
// malformed hex delimiter is logged and used literally.
func (in *Input) Initialize() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.cfg.Validate(); err != nil {
		return err
	}
	if in.bus == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: nil event bus", errors.ErrMissingConfig),
			"tcp-input", "Initialize", "event bus validation")
	}

	delim, err := framing.ParseDelimiter(in.cfg.Delimiter)
	if err != nil {
		in.logger.Warn("Delimiter is not valid hex, using it literally",
			"delimiter", in.cfg.Delimiter, "error", err)
	}
	in.delim = delim

	in.loop = NewLoop(LoopDeps{
		Config:    in.cfg,
		Delimiter: delim,
		Bus:       in.bus,
		Logger:    in.logger,
		Metrics:   in.metrics,
		Core:      in.core,
	})
	in.initialized = true
	return nil
}

// Run opens the endpoint and serves it until the loop ends or ctx is done.
// Client role returns after its single stream; server role returns only on
// cancellation or listener failure. Open failures are returned unchanged so
// the caller can decide whether to retry.
func (in *Input) Run(ctx context.Context, out chan<- scan.Record) error {
	ep, err := in.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return in.Serve(ctx, ep, out)
}

// Open connects to the scanner (client role) or binds the listener (server
// role). A failure is counted, logged and published before it is returned.
// The endpoint must be handed to Serve or closed.
func (in *Input) Open(ctx context.Context) (Endpoint, error) {
	in.mu.Lock()
	if !in.initialized {
		in.mu.Unlock()
		return nil, errors.WrapFatal(errors.ErrNotStarted, "tcp-input", "Open", "initialize check")
	}
	ep := NewEndpoint(in.cfg, in.logger, in.lister)
	in.endpoint = ep
	if in.startTime.IsZero() {
		in.startTime = time.Now()
	}
	in.mu.Unlock()

	if in.cfg.Role == RoleClient {
		in.logger.Info("Connecting to scanner", "address", in.cfg.Address, "port", in.cfg.Port,
			"timeout", in.cfg.ConnectTimeout)
	}
	if err := ep.Open(ctx); err != nil {
		_ = ep.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		in.openErrors.Add(1)
		in.lastOpenErr.Store(err.Error())
		if in.metrics != nil {
			in.metrics.connectErrors.Inc()
		}
		if in.core != nil {
			in.core.ScannerErrors.WithLabelValues(in.cfg.Name, "open").Inc()
		}
		in.logger.Error("Failed to open scanner connection", "error", err)
		in.bus.Publish(eventbus.Failure(in.cfg.Name, "", "connection failed", err))
		return nil, err
	}
	return ep, nil
}

// Serve runs the ingestion loop on an opened endpoint and closes it on return.
func (in *Input) Serve(ctx context.Context, ep Endpoint, out chan<- scan.Record) error {
	defer func() {
		_ = ep.Close()
	}()

	in.mu.RLock()
	loop := in.loop
	in.mu.RUnlock()
	return loop.Serve(ctx, ep, out)
}

// Start runs the input in the background until ctx ends or Stop is called,
// sending records to the configured output channel.
func (in *Input) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.initialized {
		return errors.WrapFatal(errors.ErrNotStarted, "tcp-input", "Start", "initialize check")
	}
	if in.output == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: nil output channel", errors.ErrMissingConfig),
			"tcp-input", "Start", "output validation")
	}
	if in.running.Load() {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	in.cancel = cancel
	in.done = make(chan struct{})
	in.running.Store(true)

	done := in.done
	go func() {
		defer close(done)
		defer in.running.Store(false)
		if err := in.Run(runCtx, in.output); err != nil {
			in.logger.Warn("Scanner input stopped", "error", err)
		}
	}()
	return nil
}

// Stop cancels a Start-ed input and waits for it to finish.
func (in *Input) Stop(timeout time.Duration) error {
	in.mu.Lock()
	cancel, done := in.cancel, in.done
	in.cancel = nil
	in.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"tcp-input", "Stop", "graceful shutdown")
	}
}

// State returns the current endpoint state.
func (in *Input) State() ConnState {
	in.mu.RLock()
	ep := in.endpoint
	in.mu.RUnlock()
	if ep == nil {
		return ConnState{Phase: PhaseIdle}
	}
	return ep.State()
}

// LocalAddr returns the bound or dialing local address, empty when idle.
func (in *Input) LocalAddr() string {
	in.mu.RLock()
	ep := in.endpoint
	in.mu.RUnlock()
	if ep == nil {
		return ""
	}
	return ep.LocalAddr()
}

// Status is the per-scanner view served by the monitoring API.
type Status struct {
	Name           string    `json:"name"`
	Role           Role      `json:"role"`
	Address        string    `json:"address"`
	Port           int       `json:"port"`
	Phase          string    `json:"state"`
	Connected      bool      `json:"connected"`
	RemoteEndpoint string    `json:"remote,omitempty"`
	Delimiter      string    `json:"delimiter"`
	Records        int64     `json:"records"`
	Errors         int64     `json:"errors"`
	LastActivity   time.Time `json:"last_activity,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Status returns a snapshot for monitoring.
func (in *Input) Status() Status {
	st := in.State()
	in.mu.RLock()
	loop, delim := in.loop, in.delim
	in.mu.RUnlock()

	s := Status{
		Name:           in.cfg.Name,
		Role:           in.cfg.Role,
		Address:        in.cfg.Address,
		Port:           in.cfg.Port,
		Phase:          st.Phase.String(),
		Connected:      st.Phase == PhaseActive,
		RemoteEndpoint: st.RemoteEndpoint,
		Delimiter:      delim.String(),
		Errors:         in.openErrors.Load(),
	}
	s.LastError, _ = in.lastOpenErr.Load().(string)
	if loop != nil {
		ls := loop.Stats()
		s.Records = ls.Records
		s.Errors += ls.StreamErrors
		s.LastActivity = ls.LastActivity
		if ls.LastError != "" {
			s.LastError = ls.LastError
		}
	}
	return s
}

// Meta returns the component metadata
func (in *Input) Meta() component.Metadata {
	return component.Metadata{
		Name:        in.cfg.Name,
		Type:        "input",
		Description: fmt.Sprintf("Scanner %s (%s) at %s:%d", in.cfg.Name, in.cfg.Role, in.cfg.Address, in.cfg.Port),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (in *Input) Health() component.HealthStatus {
	s := in.Status()
	var uptime time.Duration
	in.mu.RLock()
	if !in.startTime.IsZero() {
		uptime = time.Since(in.startTime)
	}
	in.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    s.Connected || s.Phase == PhaseListening.String(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.Errors),
		LastError:  s.LastError,
		Uptime:     uptime,
	}
}

// DataFlow returns the current data flow metrics
func (in *Input) DataFlow() component.FlowMetrics {
	in.mu.RLock()
	start, loop := in.startTime, in.loop
	in.mu.RUnlock()

	if loop == nil {
		return component.FlowMetrics{}
	}
	ls := loop.Stats()
	var errorRate float64
	if ls.Records > 0 {
		errorRate = float64(ls.StreamErrors) / float64(ls.Records)
	}
	return component.FlowMetrics{
		MessagesPerSecond: component.RateSince(ls.Records, start),
		BytesPerSecond:    component.RateSince(ls.Bytes, start),
		ErrorRate:         errorRate,
		LastActivity:      ls.LastActivity,
	}
}
