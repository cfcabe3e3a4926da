// Package http serves the monitoring API: scanner status, the event history
// and error feed, live event streams over SSE and WebSocket, Prometheus
// metrics and aggregated health.
package http

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NetCVGuy/ScanFetch/component"
	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/eventbus"
	"github.com/NetCVGuy/ScanFetch/health"
	"github.com/NetCVGuy/ScanFetch/metric"
	"github.com/NetCVGuy/ScanFetch/processor/dispatch"
)

// Defaults for Config and the list endpoints.
const (
	DefaultPort            = 8080
	DefaultPingInterval    = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultErrorCount      = 20
	DefaultHistoryCount    = 50

	requestIDHeader = "X-Request-ID"
)

// Config configures the monitoring API.
type Config struct {
	// Host to bind, empty for every interface.
	Host string `json:"host,omitempty"`
	Port int    `json:"port"`

	// PingInterval paces keepalives on the SSE and WebSocket streams.
	PingInterval    time.Duration `json:"ping_interval"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Address returns the listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ScannerStatus is one entry of /api/status.
type ScannerStatus struct {
	Name           string    `json:"name"`
	Enabled        bool      `json:"enabled"`
	Connected      bool      `json:"connected"`
	Role           string    `json:"role"`
	IP             string    `json:"ip"`
	Port           int       `json:"port"`
	RemoteEndpoint string    `json:"remote_endpoint,omitempty"`
	Phase          string    `json:"phase"`
	Records        int64     `json:"records"`
	Errors         int64     `json:"errors"`
	LastActivity   time.Time `json:"last_activity,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Deps holds runtime dependencies for the API server
type Deps struct {
	Config          Config
	Bus             *eventbus.Bus
	Scanners        func() []ScannerStatus  // optional
	Pipeline        func() dispatch.Stats   // optional
	Monitor         *health.Monitor         // optional
	MetricsRegistry *metric.MetricsRegistry // optional, also served on /metrics
	Logger          *slog.Logger            // optional
	InstanceID      string                  // optional, generated when empty
}

// Server is the monitoring API.
type Server struct {
	cfg        Config
	bus        *eventbus.Bus
	scanners   func() []ScannerStatus
	pipeline   func() dispatch.Stats
	monitor    *health.Monitor
	registry   *metric.MetricsRegistry
	logger     *slog.Logger
	instanceID string
	handler    http.Handler
	requests   *prometheus.CounterVec

	mu        sync.Mutex
	srv       *http.Server
	addr      string
	startTime time.Time
	closing   chan struct{}
	closeOnce sync.Once

	running       atomic.Bool
	requestsTotal atomic.Int64
	requestErrors atomic.Int64
	streams       atomic.Int64
	lastActivity  atomic.Value // time.Time
}

var _ component.Discoverable = (*Server)(nil)

// NewServer builds the API server. It does not listen until Run or Serve.
func NewServer(deps Deps) (*Server, error) {
	if deps.Bus == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: event bus is required", errors.ErrMissingConfig),
			"monitoring-api", "NewServer", "dependency validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instanceID := deps.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	s := &Server{
		cfg:        deps.Config.withDefaults(),
		bus:        deps.Bus,
		scanners:   deps.Scanners,
		pipeline:   deps.Pipeline,
		monitor:    deps.Monitor,
		registry:   deps.MetricsRegistry,
		logger:     logger.With("component", "monitoring-api"),
		instanceID: instanceID,
		closing:    make(chan struct{}),
	}
	s.lastActivity.Store(time.Time{})

	if deps.MetricsRegistry != nil {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Monitoring API requests by route and status code",
		}, []string{"route", "code"})
		if err := deps.MetricsRegistry.RegisterCounterVec("monitoring_api", "requests", s.requests); err != nil {
			return nil, errors.Wrap(err, "monitoring-api", "NewServer", "register metrics")
		}
	}

	s.handler = s.routes()
	return s, nil
}

// Handler returns the API's root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// InstanceID identifies this process run in /api/status.
func (s *Server) InstanceID() string {
	return s.instanceID
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /api/status", "status", s.handleStatus)
	s.handle(mux, "GET /api/pipeline", "pipeline", s.handlePipeline)
	s.handle(mux, "GET /api/errors", "errors", s.handleErrors)
	s.handle(mux, "GET /api/history", "history", s.handleHistory)
	s.handle(mux, "GET /api/events", "events", s.handleSSE)
	s.handle(mux, "GET /api/ws", "ws", s.handleWebSocket)
	s.handle(mux, "GET /health", "health", s.handleHealth)
	mux.Handle("GET /metrics", metric.Handler(s.registry))
	s.handle(mux, "GET /{$}", "index", s.handleIndex)
	return s.withRequestID(s.withCORS(mux))
}

// handle registers fn under pattern and counts its responses.
func (s *Server) handle(mux *http.ServeMux, pattern, route string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		s.requestsTotal.Add(1)
		s.lastActivity.Store(time.Now())

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)

		if rec.status >= http.StatusBadRequest {
			s.requestErrors.Add(1)
		}
		if s.requests != nil {
			s.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
	})
}

type requestIDKey struct{}

// RequestID returns the request ID attached by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID echoes X-Request-ID or mints one.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// withCORS allows any origin; preflights end here.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestIDHeader)
		h.Set("Access-Control-Expose-Headers", requestIDHeader)
		h.Set("Access-Control-Max-Age", "3600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address())
	if err != nil {
		return errors.WrapFatal(err, "monitoring-api", "Run", "listen on "+s.cfg.Address())
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down within the configured
// timeout. Live streams are told to finish first.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	srv.RegisterOnShutdown(s.closeStreams)

	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.WrapFatal(errors.ErrAlreadyStarted, "monitoring-api", "Serve", "check running state")
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.startTime = time.Now()
	s.mu.Unlock()

	s.running.Store(true)
	defer s.running.Store(false)
	s.logger.Info("Monitoring API listening", "address", s.addr, "instance", s.instanceID)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.closeStreams()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WrapTransient(err, "monitoring-api", "Serve", "serve http")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		s.logger.Warn("Monitoring API shutdown timed out", "error", err)
	}
	<-errCh
	s.logger.Info("Monitoring API stopped")
	return nil
}

// Addr returns the bound address, empty before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// writeJSON encodes v with status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", "error", err)
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}

// statusRecorder keeps the response code while still exposing the flusher
// and hijacker the streaming handlers need.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Meta returns component metadata
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        "monitoring-api",
		Type:        "gateway",
		Description: "Monitoring API on " + s.cfg.Address(),
		Version:     "1.0.0",
	}
}

// Health returns the current health status
func (s *Server) Health() component.HealthStatus {
	s.mu.Lock()
	start := s.startTime
	s.mu.Unlock()

	running := s.running.Load()
	var uptime time.Duration
	if running {
		uptime = time.Since(start)
	}
	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(s.requestErrors.Load()),
		Uptime:     uptime,
	}
}

// DataFlow returns current data flow metrics
func (s *Server) DataFlow() component.FlowMetrics {
	s.mu.Lock()
	start := s.startTime
	s.mu.Unlock()

	total := s.requestsTotal.Load()
	var errorRate float64
	if total > 0 {
		errorRate = float64(s.requestErrors.Load()) / float64(total)
	}
	last, _ := s.lastActivity.Load().(time.Time)
	return component.FlowMetrics{
		MessagesPerSecond: component.RateSince(total, start),
		ErrorRate:         errorRate,
		LastActivity:      last,
	}
}
