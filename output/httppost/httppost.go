// Package httppost provides the webhook sink that POSTs every admitted scan
// as JSON.
package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/NetCVGuy/ScanFetch/component"
	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/metric"
	"github.com/NetCVGuy/ScanFetch/pkg/retry"
	"github.com/NetCVGuy/ScanFetch/scan"
)

// Defaults for Config.
const (
	DefaultTimeout      = 35 * time.Second
	DefaultMaxAttempts  = 2
	DefaultTimeoutDelay = 2 * time.Second
	DefaultRetryDelay   = 1 * time.Second
)

// Config holds configuration for the webhook sink
type Config struct {
	URL     string            `json:"webhook_url"`
	Headers map[string]string `json:"headers,omitempty"`

	// Timeout bounds one attempt.
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"`
	// TimeoutDelay is waited after an attempt that timed out, RetryDelay
	// after any other failure.
	TimeoutDelay time.Duration `json:"timeout_delay"`
	RetryDelay   time.Duration `json:"retry_delay"`

	// RateLimit caps requests per second; 0 disables the limiter.
	RateLimit float64 `json:"rate_limit_per_second"`
	Burst     int     `json:"burst"`
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "httppost", "Validate", "webhook_url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapInvalid(err, "httppost", "Validate", "invalid webhook_url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "httppost", "Validate",
			fmt.Sprintf("webhook_url scheme %q must be http or https", u.Scheme))
	}
	if c.RateLimit < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "httppost", "Validate",
			"rate_limit_per_second cannot be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.TimeoutDelay <= 0 {
		c.TimeoutDelay = DefaultTimeoutDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RateLimit > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Deps holds runtime dependencies for the webhook sink
type Deps struct {
	Config          Config
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry // optional
	HTTPClient      *http.Client            // optional
}

// Payload is the JSON body of each request.
type Payload struct {
	Code    string `json:"code"`
	Scanner string `json:"scanner"`
	Remote  string `json:"remote"`
}

// Output sends scans to a webhook.
type Output struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *webhookMetrics

	mu           sync.RWMutex
	startTime    time.Time
	lastActivity time.Time
	lastError    string

	sent    atomic.Int64
	retried atomic.Int64
	errors  atomic.Int64
}

var _ component.Discoverable = (*Output)(nil)

type webhookMetrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewOutput creates a webhook sink.
func NewOutput(deps Deps) (*Output, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := deps.Config.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := deps.HTTPClient
	if client == nil {
		// Per-attempt timeouts come from the request context.
		client = &http.Client{}
	}

	h := &Output{
		cfg:        cfg,
		logger:     logger.With("component", "webhook-sink"),
		httpClient: client,
		startTime:  time.Now(),
	}
	if cfg.RateLimit > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}

	if deps.MetricsRegistry != nil {
		m, err := newWebhookMetrics(deps.MetricsRegistry)
		if err != nil {
			return nil, errors.WrapTransient(err, "httppost", "NewOutput", "metrics registration")
		}
		h.metrics = m
	}
	return h, nil
}

func newWebhookMetrics(registry *metric.MetricsRegistry) (*webhookMetrics, error) {
	m := &webhookMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Webhook attempts by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "webhook",
			Name:      "request_duration_seconds",
			Help:      "Duration of one webhook attempt",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 35},
		}),
	}
	if err := registry.RegisterCounterVec("webhook", "requests", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("webhook", "request_duration", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

// Name returns the sink name.
func (h *Output) Name() string {
	return "webhook"
}

// ProcessScan POSTs rec, retrying once by default.
func (h *Output) ProcessScan(ctx context.Context, rec scan.Record) error {
	body, err := json.Marshal(Payload{Code: rec.Code, Scanner: rec.Source, Remote: rec.SourceEndpoint})
	if err != nil {
		return h.fail(errors.WrapInvalid(err, "httppost", "ProcessScan", "encode payload"))
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return h.fail(errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrRateLimited, err),
				"httppost", "ProcessScan", "wait for rate limiter"))
		}
	}

	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()

	attempt := 0
	policy := retry.Config{
		MaxAttempts:  h.cfg.MaxAttempts,
		InitialDelay: h.cfg.RetryDelay,
		MaxDelay:     h.cfg.TimeoutDelay + h.cfg.RetryDelay,
		Multiplier:   1.0,
		Delay: func(n int, err error) time.Duration {
			if errors.IsTimeout(err) {
				h.logger.Warn("Webhook timed out, retrying", "attempt", n, "max", h.cfg.MaxAttempts,
					"delay", h.cfg.TimeoutDelay, "code", rec.Code)
				return h.cfg.TimeoutDelay
			}
			h.logger.Warn("Webhook failed, retrying", "attempt", n, "max", h.cfg.MaxAttempts,
				"delay", h.cfg.RetryDelay, "code", rec.Code, "error", err)
			return h.cfg.RetryDelay
		},
	}
	err = retry.Do(ctx, policy, func() error {
		attempt++
		if attempt > 1 {
			h.retried.Add(1)
		}
		return h.post(ctx, body)
	})
	if retry.IsNonRetryable(err) {
		return h.fail(errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrSinkFailed, err),
			"httppost", "ProcessScan", "build request for "+rec.Code))
	}
	if err != nil {
		return h.fail(errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSinkFailed, err),
			"httppost", "ProcessScan", "deliver scan "+rec.Code))
	}

	h.sent.Add(1)
	return nil
}

// post sends one attempt. Non-2xx responses are failures.
func (h *Output) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.cfg.Headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.observe("error", start)
		return err
	}
	defer resp.Body.Close()

	// Drain so the connection is reused.
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.observe("rejected", start)
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	h.observe("success", start)
	h.logger.Debug("Webhook response", "status", resp.StatusCode, "body", string(reply))
	return nil
}

func (h *Output) observe(outcome string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.requests.WithLabelValues(outcome).Inc()
	h.metrics.duration.Observe(time.Since(start).Seconds())
}

func (h *Output) fail(err error) error {
	h.errors.Add(1)
	h.mu.Lock()
	h.lastError = err.Error()
	h.mu.Unlock()
	return err
}

// Meta returns component metadata
func (h *Output) Meta() component.Metadata {
	return component.Metadata{
		Name:        "webhook",
		Type:        "output",
		Description: "JSON webhook POST to " + h.cfg.URL,
		Version:     "1.0.0",
	}
}

// Health returns the current health status
func (h *Output) Health() component.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    true,
		LastCheck:  time.Now(),
		ErrorCount: int(h.errors.Load()),
		LastError:  h.lastError,
		Uptime:     time.Since(h.startTime),
	}
}

// DataFlow returns current data flow metrics
func (h *Output) DataFlow() component.FlowMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := h.sent.Load()
	errorCount := h.errors.Load()
	var errorRate float64
	if total := sent + errorCount; total > 0 {
		errorRate = float64(errorCount) / float64(total)
	}
	return component.FlowMetrics{
		MessagesPerSecond: component.RateSince(sent, h.startTime),
		ErrorRate:         errorRate,
		LastActivity:      h.lastActivity,
	}
}
