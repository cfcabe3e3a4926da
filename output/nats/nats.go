// Package nats publishes admitted scans and scanner events to NATS.
//
// Scans go to <prefix>.scans.<scanner>, events to <prefix>.events.<kind>.
// When a stream name is configured, scans are published through JetStream
// and acknowledged before ProcessScan returns.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/NetCVGuy/ScanFetch/component"
	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/eventbus"
	"github.com/NetCVGuy/ScanFetch/natsclient"
	"github.com/NetCVGuy/ScanFetch/scan"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "scanfetch"

// Config holds configuration for the NATS sink
type Config struct {
	SubjectPrefix string `json:"subject_prefix"`
	// Stream, when set, captures <prefix>.scans.> in a JetStream stream.
	Stream string `json:"stream,omitempty"`
}

func (c Config) prefix() string {
	if c.SubjectPrefix == "" {
		return DefaultSubjectPrefix
	}
	return strings.TrimSuffix(c.SubjectPrefix, ".")
}

// ScanSubject returns the subject for scans from scanner.
func (c Config) ScanSubject(scanner string) string {
	return c.prefix() + ".scans." + Token(scanner)
}

// EventSubject returns the subject for events of kind.
func (c Config) EventSubject(kind eventbus.Kind) string {
	return c.prefix() + ".events." + Token(string(kind))
}

// Token makes s usable as a single subject token.
func Token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Deps holds runtime dependencies for the NATS sink
type Deps struct {
	Config Config
	Client *natsclient.Client
	Logger *slog.Logger
}

// Output publishes scans.
type Output struct {
	cfg    Config
	client *natsclient.Client
	logger *slog.Logger

	mu           sync.RWMutex
	startTime    time.Time
	lastActivity time.Time
	lastError    string

	published atomic.Int64
	errors    atomic.Int64
}

var _ component.Discoverable = (*Output)(nil)

// NewOutput creates a NATS sink.
func NewOutput(deps Deps) (*Output, error) {
	if deps.Client == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: NATS client required", errors.ErrMissingConfig),
			"nats-sink", "NewOutput", "client validation")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Output{
		cfg:       deps.Config,
		client:    deps.Client,
		logger:    logger.With("component", "nats-sink"),
		startTime: time.Now(),
	}, nil
}

// Initialize creates the stream when one is configured. The client must be
// connected.
func (o *Output) Initialize(ctx context.Context) error {
	if o.cfg.Stream == "" {
		return nil
	}
	_, err := o.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     o.cfg.Stream,
		Subjects: []string{o.cfg.prefix() + ".scans.>"},
	})
	if err != nil {
		return errors.Wrap(err, "nats-sink", "Initialize", "ensure stream "+o.cfg.Stream)
	}
	o.logger.Info("Scan stream ready", "stream", o.cfg.Stream)
	return nil
}

// Name returns the sink name.
func (o *Output) Name() string {
	return "nats"
}

// ProcessScan publishes rec as JSON.
func (o *Output) ProcessScan(ctx context.Context, rec scan.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return o.fail(errors.WrapInvalid(err, "nats-sink", "ProcessScan", "encode scan"))
	}

	subject := o.cfg.ScanSubject(rec.Source)
	if o.cfg.Stream != "" {
		err = o.client.PublishToStream(ctx, subject, data)
	} else {
		err = o.client.Publish(ctx, subject, data)
	}
	if err != nil {
		return o.fail(errors.WrapTransient(err, "nats-sink", "ProcessScan", "publish "+subject))
	}

	o.published.Add(1)
	o.mu.Lock()
	o.lastActivity = time.Now()
	o.mu.Unlock()
	return nil
}

func (o *Output) fail(err error) error {
	o.errors.Add(1)
	o.mu.Lock()
	o.lastError = err.Error()
	o.mu.Unlock()
	return err
}

// Meta returns component metadata
func (o *Output) Meta() component.Metadata {
	return component.Metadata{
		Name:        "nats",
		Type:        "output",
		Description: "Publishes scans to " + o.cfg.prefix() + ".scans.*",
		Version:     "1.0.0",
	}
}

// Health follows the connection state.
func (o *Output) Health() component.HealthStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return component.HealthStatus{
		Healthy:    o.client.IsHealthy(),
		LastCheck:  time.Now(),
		ErrorCount: int(o.errors.Load()),
		LastError:  o.lastError,
		Uptime:     time.Since(o.startTime),
	}
}

// DataFlow returns current data flow metrics
func (o *Output) DataFlow() component.FlowMetrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	published := o.published.Load()
	errorCount := o.errors.Load()
	var errorRate float64
	if total := published + errorCount; total > 0 {
		errorRate = float64(errorCount) / float64(total)
	}
	return component.FlowMetrics{
		MessagesPerSecond: component.RateSince(published, o.startTime),
		ErrorRate:         errorRate,
		LastActivity:      o.lastActivity,
	}
}
