package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/eventbus"
	"github.com/NetCVGuy/ScanFetch/natsclient"
)

// Bridge forwards event bus traffic to NATS.
type Bridge struct {
	cfg    Config
	bus    *eventbus.Bus
	client *natsclient.Client
	logger *slog.Logger

	forwarded atomic.Int64
	failed    atomic.Int64
}

// NewBridge creates a bridge from bus to client.
func NewBridge(cfg Config, bus *eventbus.Bus, client *natsclient.Client, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg, bus: bus, client: client, logger: logger.With("component", "nats-bridge")}
}

// Run forwards events until ctx is done or the bus closes. Publish failures
// are logged and skipped.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.bus.Subscribe()
	if err != nil {
		return errors.Wrap(err, "nats-bridge", "Run", "subscribe to event bus")
	}
	return b.Forward(ctx, sub)
}

// Forward is Run over a subscription the caller opened. sub is closed on
// return.
func (b *Bridge) Forward(ctx context.Context, sub *eventbus.Subscription) error {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			b.forward(ctx, ev)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, ev eventbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.failed.Add(1)
		return
	}
	subject := b.cfg.EventSubject(ev.Kind)
	if err := b.client.Publish(ctx, subject, data); err != nil {
		// Only the first failure is loud; the rest follow the connection state.
		if b.failed.Add(1) == 1 {
			b.logger.Warn("Event forwarding failed", "subject", subject, "error", err)
		} else {
			b.logger.Debug("Event forwarding failed", "subject", subject, "error", err)
		}
		return
	}
	b.forwarded.Add(1)
}

// Stats returns forwarded and failed counts.
func (b *Bridge) Stats() (forwarded, failed int64) {
	return b.forwarded.Load(), b.failed.Load()
}
