package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NetCVGuy/ScanFetch/component"
	"github.com/NetCVGuy/ScanFetch/config"
	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/eventbus"
	gatewayhttp "github.com/NetCVGuy/ScanFetch/gateway/http"
	"github.com/NetCVGuy/ScanFetch/health"
	"github.com/NetCVGuy/ScanFetch/input/tcp"
	"github.com/NetCVGuy/ScanFetch/metric"
	"github.com/NetCVGuy/ScanFetch/natsclient"
	"github.com/NetCVGuy/ScanFetch/output/file"
	"github.com/NetCVGuy/ScanFetch/output/httppost"
	natsout "github.com/NetCVGuy/ScanFetch/output/nats"
	"github.com/NetCVGuy/ScanFetch/pkg/dedup"
	"github.com/NetCVGuy/ScanFetch/processor/dispatch"
	"github.com/NetCVGuy/ScanFetch/scan"
)

// AppName is the service name used for events, health and metrics.
const AppName = "scanfetch"

// DefaultRecordBuffer sizes the channel between the inputs and the dispatcher.
const DefaultRecordBuffer = 256

// natsCloseTimeout bounds the NATS drain on shutdown.
const natsCloseTimeout = 5 * time.Second

// Status represents the current status of the application
type Status int32

// Possible application statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) gauge() int {
	switch s {
	case StatusStarting:
		return metric.StatusStarting
	case StatusRunning:
		return metric.StatusRunning
	case StatusStopping:
		return metric.StatusStopping
	case StatusFailed:
		return metric.StatusFailed
	default:
		return metric.StatusStopped
	}
}

// Deps holds runtime dependencies for the application
type Deps struct {
	Config          *config.Config
	Logger          *slog.Logger            // optional
	MetricsRegistry *metric.MetricsRegistry // optional
	Lister          tcp.InterfaceLister     // optional
	HTTPClient      *http.Client            // optional, webhook sink
	// APIListener replaces the listener the monitoring API would open.
	APIListener net.Listener
}

// App is the whole ingestion service: supervisor, dispatcher, sinks, event
// bus and, when enabled, the monitoring API and the NATS connection.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	core   *metric.Metrics

	bus        *eventbus.Bus
	cache      *dedup.Cache
	supervisor *Supervisor
	dispatcher *dispatch.Dispatcher
	monitor    *health.Monitor
	api        *gatewayhttp.Server
	apiLn      net.Listener
	sinks      []dispatch.Sink

	natsClient *natsclient.Client
	natsSink   *natsout.Output
	bridge     *natsout.Bridge

	mu        sync.Mutex
	used      bool
	startTime time.Time
	status    atomic.Int32
}

var _ component.Discoverable = (*App)(nil)

// NewApp builds every component from cfg. Nothing connects or listens until
// Run.
func NewApp(deps Deps) (*App, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: nil config", errors.ErrMissingConfig),
			"app", "NewApp", "config validation")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		cfg:     cfg,
		logger:  logger.With("component", "app"),
		core:    deps.MetricsRegistry.CoreMetrics(),
		monitor: health.NewMonitor(),
		apiLn:   deps.APIListener,
	}

	bus, err := eventbus.New(eventbus.Deps{
		Config:          eventbus.Config{HistorySize: cfg.MonitoringAPI.EventHistory},
		Logger:          logger,
		MetricsRegistry: deps.MetricsRegistry,
	})
	if err != nil {
		return nil, errors.Wrap(err, "app", "NewApp", "create event bus")
	}
	a.bus = bus

	a.cache, err = dedup.New(cfg.Output.CacheRetention.Duration(), dedup.WithMetrics(deps.MetricsRegistry, "dedup"))
	if err != nil {
		return nil, errors.Wrap(err, "app", "NewApp", "create dedup cache")
	}

	if err := a.buildSinks(deps, logger); err != nil {
		return nil, err
	}

	a.dispatcher, err = dispatch.New(dispatch.Deps{
		Cache:           a.cache,
		Sinks:           a.sinks,
		Bus:             bus,
		Logger:          logger,
		MetricsRegistry: deps.MetricsRegistry,
	})
	if err != nil {
		return nil, errors.Wrap(err, "app", "NewApp", "create dispatcher")
	}
	a.monitor.Register("dispatcher", a.dispatcher)

	a.supervisor, err = NewSupervisor(SupervisorDeps{
		Config:          cfg,
		Bus:             bus,
		Logger:          logger,
		MetricsRegistry: deps.MetricsRegistry,
		Lister:          deps.Lister,
	})
	if err != nil {
		return nil, err
	}
	for _, in := range a.supervisor.Inputs() {
		a.monitor.Register("scanner:"+in.Name(), in)
	}

	if cfg.MonitoringAPI.Enabled {
		a.api, err = gatewayhttp.NewServer(gatewayhttp.Deps{
			Config:          gatewayhttp.Config{Port: cfg.MonitoringAPI.Port},
			Bus:             bus,
			Scanners:        a.supervisor.Scanners,
			Pipeline:        a.dispatcher.Stats,
			Monitor:         a.monitor,
			MetricsRegistry: deps.MetricsRegistry,
			Logger:          logger,
		})
		if err != nil {
			return nil, errors.Wrap(err, "app", "NewApp", "create monitoring API")
		}
	}
	return a, nil
}

// buildSinks creates the enabled sinks. An enabled sink without its target
// setting is skipped with a warning.
func (a *App) buildSinks(deps Deps, logger *slog.Logger) error {
	out := a.cfg.Output

	switch {
	case !out.EnableFileOutput:
	case out.OutputPath == "":
		a.logger.Warn("File output enabled without output_path, skipping file sink")
	default:
		f, err := file.NewOutput(file.Deps{
			Config: file.Config{
				Directory: out.OutputPath,
				Prefix:    out.FilePrefix,
				Suffix:    out.FileSuffix,
				Format:    out.FileFormat,
			},
			Logger: logger,
		})
		if err != nil {
			return errors.Wrap(err, "app", "buildSinks", "create file sink")
		}
		if err := f.Initialize(); err != nil {
			return err
		}
		a.addSink(f)
	}

	switch {
	case !out.EnableWebhook:
	case out.WebhookURL == "":
		a.logger.Warn("Webhook enabled without webhook_url, skipping webhook sink")
	default:
		h, err := httppost.NewOutput(httppost.Deps{
			Config: httppost.Config{
				URL:       out.WebhookURL,
				RateLimit: a.cfg.Webhook.RateLimitPerSecond,
				Burst:     a.cfg.Webhook.Burst,
			},
			Logger:          logger,
			MetricsRegistry: deps.MetricsRegistry,
			HTTPClient:      deps.HTTPClient,
		})
		if err != nil {
			return errors.Wrap(err, "app", "buildSinks", "create webhook sink")
		}
		a.addSink(h)
	}

	if !a.cfg.NATS.Enabled {
		return nil
	}
	opts := []natsclient.ClientOption{
		natsclient.WithName(AppName),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(deps.MetricsRegistry),
		natsclient.WithReconnectWait(a.cfg.System.RetryDelay.Duration()),
		natsclient.WithMaxReconnects(a.cfg.NATS.MaxReconnects),
		natsclient.WithCircuitBreakerThreshold(a.cfg.NATS.CircuitThreshold),
		natsclient.WithMaxBackoff(a.cfg.NATS.MaxBackoff.Duration()),
		natsclient.WithDrainTimeout(natsCloseTimeout),
		natsclient.WithDisconnectCallback(func(err error) {
			a.bus.Publish(eventbus.Log("nats", fmt.Sprintf("connection lost: %v", err)))
		}),
		natsclient.WithReconnectCallback(func() {
			a.bus.Publish(eventbus.Log("nats", "connection restored"))
		}),
	}
	if n := a.cfg.NATS; n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	} else if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	client, err := natsclient.NewClient(a.cfg.NATS.URL, opts...)
	if err != nil {
		return errors.Wrap(err, "app", "buildSinks", "create NATS client")
	}
	natsCfg := natsout.Config{SubjectPrefix: a.cfg.NATS.SubjectPrefix, Stream: a.cfg.NATS.Stream}
	sink, err := natsout.NewOutput(natsout.Deps{Config: natsCfg, Client: client, Logger: logger})
	if err != nil {
		return errors.Wrap(err, "app", "buildSinks", "create NATS sink")
	}
	a.natsClient = client
	a.natsSink = sink
	if a.cfg.NATS.ForwardEvents {
		a.bridge = natsout.NewBridge(natsCfg, a.bus, client, logger)
	}
	a.addSink(sink)
	return nil
}

func (a *App) addSink(s dispatch.Sink) {
	a.sinks = append(a.sinks, s)
	if d, ok := s.(component.Discoverable); ok {
		a.monitor.Register("sink:"+s.Name(), d)
	}
}

// Bus returns the event bus.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// Supervisor returns the scanner supervisor.
func (a *App) Supervisor() *Supervisor { return a.supervisor }

// Dispatcher returns the dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Monitor returns the health monitor.
func (a *App) Monitor() *health.Monitor { return a.monitor }

// API returns the monitoring API server, nil when disabled.
func (a *App) API() *gatewayhttp.Server { return a.api }

// Sinks returns the configured sinks.
func (a *App) Sinks() []dispatch.Sink { return append([]dispatch.Sink(nil), a.sinks...) }

// Status returns the current lifecycle status.
func (a *App) Status() Status { return Status(a.status.Load()) }

func (a *App) setStatus(s Status) {
	a.status.Store(int32(s))
	a.core.RecordServiceStatus(AppName, s.gauge())
}

// Run starts everything and blocks until ctx is done or the supervisor gives
// up. Records already framed are delivered before Run returns. An App runs
// once.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.used {
		a.mu.Unlock()
		return errors.WrapFatal(errors.ErrAlreadyStarted, "app", "Run", "check running state")
	}
	a.used = true
	a.startTime = time.Now()
	a.mu.Unlock()

	a.setStatus(StatusStarting)
	defer a.bus.Close()

	if err := a.connectNATS(ctx); err != nil {
		a.setStatus(StatusFailed)
		return err
	}
	if a.natsClient != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), natsCloseTimeout)
			defer cancel()
			if err := a.natsClient.Close(closeCtx); err != nil {
				a.logger.Warn("NATS close failed", "error", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	// Subscribe before AppStarted is published.
	logSub, err := a.bus.Subscribe()
	if err != nil {
		return errors.Wrap(err, "app", "Run", "subscribe event log")
	}
	var bridgeSub *eventbus.Subscription
	if a.bridge != nil {
		if bridgeSub, err = a.bus.Subscribe(); err != nil {
			logSub.Close()
			return errors.Wrap(err, "app", "Run", "subscribe NATS bridge")
		}
	}

	g.Go(func() error { return eventbus.LogSubscription(gctx, logSub, a.logger) })
	if bridgeSub != nil {
		g.Go(func() error { return a.bridge.Forward(gctx, bridgeSub) })
	}
	if a.api != nil {
		g.Go(func() error {
			if a.apiLn != nil {
				return a.api.Serve(gctx, a.apiLn)
			}
			return a.api.Run(gctx)
		})
	}

	records := make(chan scan.Record, DefaultRecordBuffer)
	dispatched := make(chan error, 1)
	go func() {
		dispatched <- a.dispatcher.Run(context.WithoutCancel(ctx), records)
	}()

	a.setStatus(StatusRunning)
	a.bus.Publish(eventbus.Event{
		Kind:    eventbus.KindAppStarted,
		Source:  AppName,
		Message: fmt.Sprintf("started with %d scanner(s) and %d sink(s)", len(a.supervisor.Inputs()), len(a.sinks)),
	})
	a.logger.Info("ScanFetch started", "scanners", len(a.supervisor.Inputs()), "sinks", len(a.sinks),
		"api", a.api != nil)

	supErr := a.supervisor.Run(gctx, records)

	a.setStatus(StatusStopping)
	close(records)
	dispErr := <-dispatched

	a.bus.Publish(eventbus.Event{Kind: eventbus.KindAppStopped, Source: AppName, Message: "stopped"})
	cancel()
	bgErr := g.Wait()

	if runErr := errors.Join(supErr, dispErr, bgErr); runErr != nil {
		a.setStatus(StatusFailed)
		a.logger.Error("ScanFetch stopped with errors", "error", runErr)
		return runErr
	}
	a.setStatus(StatusStopped)
	a.logger.Info("ScanFetch stopped")
	return nil
}

func (a *App) connectNATS(ctx context.Context) error {
	if a.natsClient == nil {
		return nil
	}
	if err := a.natsClient.Connect(ctx); err != nil {
		return errors.Wrap(err, "app", "connectNATS", "connect to "+a.natsClient.URL())
	}
	if err := a.natsSink.Initialize(ctx); err != nil {
		return err
	}
	return nil
}

// Meta returns the component metadata
func (a *App) Meta() component.Metadata {
	return component.Metadata{
		Name:        AppName,
		Type:        "service",
		Description: "Barcode scanner ingestion service",
		Version:     "1.0.0",
	}
}

// Health aggregates the registered components.
func (a *App) Health() component.HealthStatus {
	st := a.monitor.Check(AppName)
	a.mu.Lock()
	start := a.startTime
	a.mu.Unlock()
	var uptime time.Duration
	if !start.IsZero() {
		uptime = time.Since(start)
	}
	return component.HealthStatus{
		Healthy:   a.Status() == StatusRunning && st.IsHealthy(),
		LastCheck: time.Now(),
		LastError: st.Message,
		Uptime:    uptime,
	}
}

// DataFlow reports the dispatcher's flow.
func (a *App) DataFlow() component.FlowMetrics {
	return a.dispatcher.DataFlow()
}
