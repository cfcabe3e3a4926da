package eventbus

import (
	"context"
	"log/slog"
)

// LogEvents writes every event to logger until ctx is done. Errors log at
// error level, disconnects at warn, scans at debug, everything else at info.
func LogEvents(ctx context.Context, bus *Bus, logger *slog.Logger) error {
	sub, err := bus.Subscribe()
	if err != nil {
		return err
	}
	return LogSubscription(ctx, sub, logger)
}

// LogSubscription is LogEvents over a subscription the caller opened, so no
// event published after Subscribe is missed. sub is closed on return.
func LogSubscription(ctx context.Context, sub *Subscription, logger *slog.Logger) error {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			logEvent(ctx, logger, ev)
		}
	}
}

func logEvent(ctx context.Context, logger *slog.Logger, ev Event) {
	level := slog.LevelInfo
	switch ev.Kind {
	case KindError:
		level = slog.LevelError
	case KindDisconnected:
		level = slog.LevelWarn
	case KindScanReceived:
		level = slog.LevelDebug
	}

	attrs := []any{"event", string(ev.Kind), "scanner", ev.Source}
	if ev.RemoteEndpoint != "" {
		attrs = append(attrs, "remote", ev.RemoteEndpoint)
	}
	if ev.Details != "" {
		attrs = append(attrs, "details", ev.Details)
	}
	logger.Log(ctx, level, ev.Message, attrs...)
}
