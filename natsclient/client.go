// Package natsclient manages the NATS connection used by the NATS sink and
// the event bridge, with a circuit breaker around connection attempts.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/NetCVGuy/ScanFetch/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = errors.New("not connected to NATS")
	ErrCircuitOpen  = errors.New("circuit breaker is open")
)

// Status holds runtime status information for the client
type Status struct {
	Status          string        `json:"status"`
	URL             string        `json:"url"`
	FailureCount    int32         `json:"failure_count"`
	LastFailureTime time.Time     `json:"last_failure_time,omitempty"`
	Reconnects      uint64        `json:"reconnects"`
	RTT             time.Duration `json:"rtt"`
}

// Client wraps one NATS connection.
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// Circuit breaker
	failures         atomic.Int32
	circuitFailures  atomic.Int32
	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string
	username      string
	password      string
	token         string

	metrics *clientMetrics

	onDisconnect func(error)
	onReconnect  func()

	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client for url. Connect must be called before use.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "natsclient", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient", "url", url)

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	s, _ := c.status.Load().(ConnectionStatus)
	return s
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(s)
	if c.metrics != nil {
		c.metrics.connected.Set(boolGauge(s == StatusConnected))
	}
}

// IsHealthy returns true if the connection is up.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Backoff returns the current circuit breaker backoff.
func (c *Client) Backoff() time.Duration {
	d, _ := c.backoff.Load().(time.Duration)
	return d
}

// recordFailure counts a failed connection attempt and opens the circuit
// once circuitThreshold failures accumulate.
func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	if c.circuitFailures.Add(1) < c.circuitThreshold {
		return
	}
	c.circuitFailures.Store(0)

	current := c.Backoff()
	next := current * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(next)

	prev := c.Status()
	if prev == StatusCircuitOpen {
		c.logger.Warn("Circuit breaker still open", "backoff", next)
		return
	}
	if c.status.CompareAndSwap(prev, StatusCircuitOpen) {
		c.logger.Warn("Circuit breaker opened", "threshold", c.circuitThreshold, "backoff", current)
		time.AfterFunc(current, c.halfOpen)
	}
}

// halfOpen lets the next Connect through after the backoff.
func (c *Client) halfOpen() {
	if c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		c.logger.Debug("Circuit breaker half-open")
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect dials the server. It fails fast with ErrCircuitOpen while the
// breaker is open.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "natsclient", "Connect", "client closed")
	}
	if c.Status() == StatusCircuitOpen {
		return errors.WrapTransient(ErrCircuitOpen, "natsclient", "Connect", "check circuit")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS")

	done := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			done <- err
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- err
			return
		}
		c.mu.Lock()
		c.conn, c.js = conn, js
		c.mu.Unlock()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			c.recordFailure()
			if c.Status() != StatusCircuitOpen {
				c.setStatus(StatusDisconnected)
			}
			return errors.WrapTransient(err, "natsclient", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "natsclient", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS")
	return nil
}

func (c *Client) connection() (*nats.Conn, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// Publish sends data on subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "natsclient", "Publish", "publish to "+subject)
	}
	if c.metrics != nil {
		c.metrics.published.Inc()
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
// Without a ctx deadline it waits at most the client's connect timeout.
func (c *Client) Flush(ctx context.Context) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "natsclient", "Flush", "flush connection")
	}
	return nil
}

// Subscribe delivers every message on subject to handler. Subscriptions end
// when the client is closed.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "natsclient", "Subscribe", "subscribe to "+subject)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// JetStream returns the JetStream context of the current connection.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

// EnsureStream creates or updates a stream.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "EnsureStream", "create stream "+cfg.Name)
	}
	return stream, nil
}

// PublishToStream publishes and waits for the stream's acknowledgement.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "natsclient", "PublishToStream", "publish to "+subject)
	}
	if c.metrics != nil {
		c.metrics.published.Inc()
	}
	return nil
}

// GetStatus returns a status snapshot for the monitoring API.
func (c *Client) GetStatus() Status {
	last, _ := c.lastFailure.Load().(time.Time)
	s := Status{
		Status:          c.Status().String(),
		URL:             c.url,
		FailureCount:    c.failures.Load(),
		LastFailureTime: last,
	}
	if conn, err := c.connection(); err == nil {
		s.Reconnects = conn.Stats().Reconnects
		if rtt, err := conn.RTT(); err == nil {
			s.RTT = rtt
		}
	}
	return s
}

// Close unsubscribes, drains the connection and closes it. Safe to call more
// than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	subs := c.subs
	c.conn, c.js, c.subs = nil, nil, nil
	c.username, c.password, c.token = "", "", ""
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}

	if conn != nil {
		timeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()
		select {
		case err := <-drained:
			if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		case <-time.After(timeout):
			errs = append(errs, fmt.Errorf("drain timeout after %v", timeout))
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		conn.Close()
	}

	c.setStatus(StatusDisconnected)
	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), "natsclient", "Close", "cleanup")
	}
	return nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
	if c.onDisconnect != nil {
		go c.onDisconnect(err)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("NATS reconnected")
	if c.onReconnect != nil {
		go c.onReconnect()
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS error", "error", err)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
