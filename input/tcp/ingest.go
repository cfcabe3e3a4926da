package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/eventbus"
	"github.com/NetCVGuy/ScanFetch/metric"
	"github.com/NetCVGuy/ScanFetch/pkg/framing"
	"github.com/NetCVGuy/ScanFetch/pkg/retry"
	"github.com/NetCVGuy/ScanFetch/scan"
)

// LevelTrace sits below debug and is used for per-record filter decisions.
const LevelTrace = slog.LevelDebug - 4

// acceptBackoff is the pause after a failed server-side accept.
const acceptBackoff = 250 * time.Millisecond

// Loop drives one endpoint's streams through a FrameBuffer and emits scan
// records. One Loop serves one endpoint; it is not safe to share.
type Loop struct {
	cfg    Config
	delim  framing.Delimiter
	bus    *eventbus.Bus
	logger *slog.Logger

	metrics *Metrics
	core    *metric.Metrics

	records      atomic.Int64
	bytes        atomic.Int64
	streamErrors atomic.Int64
	lastActivity atomic.Value // time.Time
	lastError    atomic.Value // string

	now func() time.Time
}

// LoopDeps holds the collaborators of a Loop.
type LoopDeps struct {
	Config    Config
	Delimiter framing.Delimiter
	Bus       *eventbus.Bus
	Logger    *slog.Logger
	Metrics   *Metrics        // optional
	Core      *metric.Metrics // optional
}

// NewLoop creates an ingestion loop.
func NewLoop(deps LoopDeps) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		cfg:     deps.Config.withDefaults(),
		delim:   deps.Delimiter,
		bus:     deps.Bus,
		logger:  logger,
		metrics: deps.Metrics,
		core:    deps.Core,
		now:     time.Now,
	}
	l.lastActivity.Store(time.Time{})
	l.lastError.Store("")
	return l
}

// Serve consumes streams from ep until the role says stop. Client role serves
// its single stream and returns: nil when the peer closed or ctx ended, an
// error when the stream failed. Server role keeps accepting peers until ctx
// ends or the listener dies; a failing peer only ends its own session.
//
// Records are sent on out with a blocking send, so a record already framed is
// never lost to cancellation. The consumer must drain out until it is closed.
func (l *Loop) Serve(ctx context.Context, ep Endpoint, out chan<- scan.Record) error {
	if ep.Role() == RoleClient {
		stream, err := ep.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		return l.serveStream(ctx, stream, out)
	}

	for {
		stream, err := ep.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errors.ErrStreamClosed) {
				return err
			}
			l.fail("", "accept failed", err)
			if sleepErr := retry.Sleep(ctx, acceptBackoff); sleepErr != nil {
				return nil
			}
			continue
		}

		if err := l.serveStream(ctx, stream, out); err != nil {
			l.logger.Debug("Peer session ended with error, accepting next peer", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// serveStream runs the read / frame / flush cycle over one stream.
func (l *Loop) serveStream(ctx context.Context, stream Stream, out chan<- scan.Record) error {
	remote := stream.Remote()
	fb := framing.New(l.delim)
	buf := make([]byte, l.cfg.ReadBufferSize)

	l.publish(eventbus.Connected(l.cfg.Name, remote))
	l.setConnected(true)
	if l.metrics != nil {
		l.metrics.peersAccepted.Inc()
	}
	l.logger.Info("Scanner stream opened", "remote", remote, "delimiter", l.delim.String())

	// Cancellation closes the stream, which unblocks any pending read or write.
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer func() {
		stop()
		_ = stream.Close()
		l.setConnected(false)
	}()

	client := l.cfg.Role == RoleClient
	for {
		if client {
			if _, err := stream.Write(TriggerCommand); err != nil {
				return l.streamEnded(ctx, fb, remote, "write trigger", err, out)
			}
		}

		_ = stream.SetReadDeadline(time.Time{})
		n, err := stream.Read(buf)
		if n > 0 {
			l.consume(fb, buf[:n], remote, out)
		}
		if err != nil {
			return l.streamEnded(ctx, fb, remote, "read", err, out)
		}

		// Wait for the rest of an unterminated record, then flush it.
		for fb.Pending() {
			_ = stream.SetReadDeadline(time.Now().Add(l.cfg.FlushTimeout))
			n, err = stream.Read(buf)
			if n > 0 {
				l.consume(fb, buf[:n], remote, out)
			}
			if err == nil {
				continue
			}
			if errors.IsTimeout(err) && ctx.Err() == nil {
				if rec, ok := fb.FlushTimeout(); ok {
					l.logger.Debug("Timeout flush", "remote", remote, "code", rec, "flush_timeout", l.cfg.FlushTimeout)
					if l.metrics != nil {
						l.metrics.timeoutFlushes.Inc()
					}
					l.emit(rec, remote, scan.TimeoutFlushed, out)
				}
				break
			}
			return l.streamEnded(ctx, fb, remote, "read", err, out)
		}

		if client {
			if err := retry.Sleep(ctx, l.cfg.RequestInterval); err != nil {
				return l.streamEnded(ctx, fb, remote, "wait", err, out)
			}
		}
	}
}

// streamEnded classifies how a stream finished and reports it.
func (l *Loop) streamEnded(ctx context.Context, fb *framing.FrameBuffer, remote, op string, err error, out chan<- scan.Record) error {
	switch {
	case ctx.Err() != nil:
		// Cancelled: an unflushed partial frame may be abandoned.
		l.publish(eventbus.Disconnected(l.cfg.Name, remote, "scanner stopped"))
		return nil

	case isStreamClosed(err):
		if rec, ok := fb.FlushTimeout(); ok {
			l.emit(rec, remote, scan.ClosedFlushed, out)
		}
		l.logger.Info("Scanner closed the stream", "remote", remote)
		l.publish(eventbus.Disconnected(l.cfg.Name, remote, ""))
		return nil

	default:
		l.fail(remote, fmt.Sprintf("stream %s failed", op), err)
		l.publish(eventbus.Disconnected(l.cfg.Name, remote, "stream error"))
		return errors.WrapTransient(err, "tcp-input", "serveStream", op)
	}
}

func (l *Loop) consume(fb *framing.FrameBuffer, chunk []byte, remote string, out chan<- scan.Record) {
	now := l.now()
	l.bytes.Add(int64(len(chunk)))
	l.lastActivity.Store(now)
	if l.metrics != nil {
		l.metrics.reads.Inc()
		l.metrics.bytesReceived.Add(float64(len(chunk)))
		l.metrics.lastActivity.Set(float64(now.Unix()))
	}

	fb.Append(chunk)
	for _, rec := range fb.DrainComplete() {
		l.emit(rec, remote, scan.Delimited, out)
	}
}

func (l *Loop) emit(code, remote string, term scan.Termination, out chan<- scan.Record) {
	if l.cfg.StartsWith != "" && !strings.HasPrefix(code, l.cfg.StartsWith) {
		l.logger.Log(context.Background(), LevelTrace, "Record dropped by prefix filter",
			"code", code, "prefix", l.cfg.StartsWith)
		if l.core != nil {
			l.core.ScansRejected.WithLabelValues(l.cfg.Name, "prefix").Inc()
		}
		return
	}

	l.records.Add(1)
	if l.core != nil {
		l.core.ScansReceived.WithLabelValues(l.cfg.Name, string(term)).Inc()
	}

	out <- scan.Record{
		Code:           code,
		Source:         l.cfg.Name,
		SourceEndpoint: remote,
		ObservedAt:     l.now().UTC(),
		Termination:    term,
	}
}

func (l *Loop) fail(remote, message string, err error) {
	l.streamErrors.Add(1)
	l.lastError.Store(err.Error())
	if l.core != nil {
		l.core.ScannerErrors.WithLabelValues(l.cfg.Name, "stream").Inc()
	}
	l.logger.Error("Scanner "+message, "remote", remote, "error", err)
	l.publish(eventbus.Failure(l.cfg.Name, remote, message, err))
}

func (l *Loop) publish(ev eventbus.Event) {
	if l.bus != nil {
		l.bus.Publish(ev)
	}
}

func (l *Loop) setConnected(connected bool) {
	if l.core == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	l.core.ScannerConnected.WithLabelValues(l.cfg.Name).Set(v)
}

// LoopStats is a snapshot of loop counters.
type LoopStats struct {
	Records      int64
	Bytes        int64
	StreamErrors int64
	LastActivity time.Time
	LastError    string
}

// Stats returns the loop counters.
func (l *Loop) Stats() LoopStats {
	last, _ := l.lastActivity.Load().(time.Time)
	lastErr, _ := l.lastError.Load().(string)
	return LoopStats{
		Records:      l.records.Load(),
		Bytes:        l.bytes.Load(),
		StreamErrors: l.streamErrors.Load(),
		LastActivity: last,
		LastError:    lastErr,
	}
}
