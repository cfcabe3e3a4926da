// Package service wires the scanner inputs, the dispatcher, the sinks and the
// monitoring API into one application, and supervises the scanner
// connections across reconnect cycles.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/NetCVGuy/ScanFetch/config"
	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/eventbus"
	gatewayhttp "github.com/NetCVGuy/ScanFetch/gateway/http"
	"github.com/NetCVGuy/ScanFetch/input/tcp"
	"github.com/NetCVGuy/ScanFetch/metric"
	"github.com/NetCVGuy/ScanFetch/pkg/retry"
	"github.com/NetCVGuy/ScanFetch/scan"
)

// supervisorSource is the event source of supervisor log messages.
const supervisorSource = "supervisor"

// SupervisorDeps holds runtime dependencies for the supervisor
type SupervisorDeps struct {
	Config          *config.Config
	Bus             *eventbus.Bus
	Logger          *slog.Logger            // optional
	MetricsRegistry *metric.MetricsRegistry // optional
	Lister          tcp.InterfaceLister     // optional, server role only
}

// Supervisor owns one tcp Input per enabled scanner and runs them in cycles.
//
// With cancel_on_any set, a cycle is all or nothing: every input must open,
// and the first one to fail or finish ends the cycle for all of them.
// Otherwise each scanner reconnects on its own.
type Supervisor struct {
	system   config.SystemConfig
	scanners []config.ScannerConfig
	inputs   []*tcp.Input
	byName   map[string]*tcp.Input
	bus      *eventbus.Bus
	logger   *slog.Logger

	cycles   atomic.Int64
	restarts atomic.Int64
}

// NewSupervisor builds and initializes an input for every enabled scanner.
// Inputs are reused by every cycle, so their metrics are registered once.
func NewSupervisor(deps SupervisorDeps) (*Supervisor, error) {
	if deps.Config == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: nil config", errors.ErrMissingConfig),
			"supervisor", "NewSupervisor", "config validation")
	}
	if deps.Bus == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: nil event bus", errors.ErrMissingConfig),
			"supervisor", "NewSupervisor", "event bus validation")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		system:   deps.Config.System,
		scanners: append([]config.ScannerConfig(nil), deps.Config.Scanners...),
		byName:   make(map[string]*tcp.Input),
		bus:      deps.Bus,
		logger:   logger.With("component", supervisorSource),
	}

	for _, sc := range deps.Config.EnabledScanners() {
		cfg, err := InputConfig(sc, deps.Config.System)
		if err != nil {
			return nil, err
		}
		in, err := tcp.NewInput(tcp.InputDeps{
			Config:          cfg,
			Bus:             deps.Bus,
			Logger:          logger,
			MetricsRegistry: deps.MetricsRegistry,
			Lister:          deps.Lister,
		})
		if err != nil {
			return nil, errors.Wrap(err, "supervisor", "NewSupervisor", "create input "+sc.Name)
		}
		if err := in.Initialize(); err != nil {
			return nil, errors.Wrap(err, "supervisor", "NewSupervisor", "initialize input "+sc.Name)
		}
		s.inputs = append(s.inputs, in)
		s.byName[strings.ToLower(sc.Name)] = in
	}
	return s, nil
}

// InputConfig resolves one scanner entry into a connection configuration.
func InputConfig(sc config.ScannerConfig, sys config.SystemConfig) (tcp.Config, error) {
	role, err := tcp.ParseRole(sc.Role)
	if err != nil {
		return tcp.Config{}, err
	}
	return tcp.Config{
		Name:            sc.Name,
		Role:            role,
		Address:         sc.IP,
		Port:            sc.Port,
		ListenInterface: sc.ListenInterface,
		Delimiter:       sc.Delimiter,
		StartsWith:      sc.StartsWithFilter,
		RequestInterval: sc.RequestInterval.Duration(),
		FlushTimeout:    sc.TimeoutFlush.Duration(),
		ConnectTimeout:  sys.ScannerTimeout.Duration(),
	}, nil
}

// Inputs returns the managed inputs in configuration order.
func (s *Supervisor) Inputs() []*tcp.Input {
	return append([]*tcp.Input(nil), s.inputs...)
}

// Cycles returns the number of cycles started so far.
func (s *Supervisor) Cycles() int64 {
	return s.cycles.Load()
}

// Run supervises the inputs until ctx is done, or until a cycle ends with
// auto retry disabled. Records from every scanner go to out; Run never
// closes it.
func (s *Supervisor) Run(ctx context.Context, out chan<- scan.Record) error {
	if len(s.inputs) == 0 {
		s.logger.Warn("No enabled scanners configured")
		s.log("no enabled scanners configured")
		<-ctx.Done()
		return nil
	}

	mode := "isolated"
	if s.system.CancelOnAny {
		mode = "cancel_on_any"
	}
	s.logger.Info("Supervisor started", "scanners", len(s.inputs), "mode", mode,
		"auto_retry", s.system.AutoRetryEnabled, "retry_delay", s.system.RetryDelay.Duration())
	s.log(fmt.Sprintf("supervising %d scanner(s), mode %s", len(s.inputs), mode))

	if s.system.CancelOnAny {
		return s.runLinked(ctx, out)
	}
	return s.runIsolated(ctx, out)
}

func (s *Supervisor) runLinked(ctx context.Context, out chan<- scan.Record) error {
	for {
		n := s.cycles.Add(1)
		err := s.cycle(ctx, n, out)
		if ctx.Err() != nil {
			return nil
		}
		if errors.IsFatal(err) {
			return err
		}
		if !s.system.AutoRetryEnabled {
			s.log("cycle ended, auto retry disabled")
			return err
		}
		if !s.waitRetry(ctx, "all scanners", err) {
			return nil
		}
	}
}

// cycle opens every input, then serves them until the first one ends.
func (s *Supervisor) cycle(ctx context.Context, n int64, out chan<- scan.Record) error {
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Debug("Cycle starting", "cycle", n)
	endpoints := make([]tcp.Endpoint, len(s.inputs))

	g, gctx := errgroup.WithContext(cycleCtx)
	for i, in := range s.inputs {
		g.Go(func() error {
			ep, err := in.Open(gctx)
			if err != nil {
				return fmt.Errorf("scanner %s: %w", in.Name(), err)
			}
			endpoints[i] = ep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, ep := range endpoints {
			if ep != nil {
				_ = ep.Close()
			}
		}
		return errors.WrapTransient(err, "supervisor", "cycle", "open scanners")
	}
	s.log(fmt.Sprintf("cycle %d: %d scanner(s) open", n, len(s.inputs)))

	sg, sctx := errgroup.WithContext(cycleCtx)
	for i, in := range s.inputs {
		sg.Go(func() error {
			// Any scanner ending ends the cycle.
			defer cancel()
			if err := in.Serve(sctx, endpoints[i], out); err != nil {
				return fmt.Errorf("scanner %s: %w", in.Name(), err)
			}
			if sctx.Err() == nil {
				s.logger.Info("Scanner session ended, closing cycle", "scanner", in.Name(), "cycle", n)
			}
			return nil
		})
	}
	if err := sg.Wait(); err != nil {
		return errors.WrapTransient(err, "supervisor", "cycle", "serve scanners")
	}
	return nil
}

func (s *Supervisor) runIsolated(ctx context.Context, out chan<- scan.Record) error {
	var g errgroup.Group
	for _, in := range s.inputs {
		g.Go(func() error {
			return s.runScanner(ctx, in, out)
		})
	}
	return g.Wait()
}

// runScanner is the reconnect loop of one scanner in isolated mode.
func (s *Supervisor) runScanner(ctx context.Context, in *tcp.Input, out chan<- scan.Record) error {
	for {
		s.cycles.Add(1)
		ep, err := in.Open(ctx)
		if err == nil {
			err = in.Serve(ctx, ep, out)
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.IsFatal(err) {
			return err
		}
		if !s.system.AutoRetryEnabled {
			s.log(fmt.Sprintf("scanner %s stopped, auto retry disabled", in.Name()))
			if err != nil {
				return errors.Wrap(err, "supervisor", "runScanner", "scanner "+in.Name())
			}
			return nil
		}
		if !s.waitRetry(ctx, in.Name(), err) {
			return nil
		}
	}
}

// waitRetry logs the restart and sleeps the retry delay. It reports false
// when ctx ended first.
func (s *Supervisor) waitRetry(ctx context.Context, target string, cause error) bool {
	delay := s.system.RetryDelay.Duration()
	s.restarts.Add(1)
	if cause != nil {
		s.logger.Warn("Restarting after failure", "target", target, "delay", delay,
			"class", errors.Classify(cause), "error", cause)
	} else {
		s.logger.Info("Restarting after session end", "target", target, "delay", delay)
	}
	s.log(fmt.Sprintf("restarting %s in %s", target, delay))
	return retry.Sleep(ctx, delay) == nil
}

func (s *Supervisor) log(message string) {
	s.bus.Publish(eventbus.Log(supervisorSource, message))
}

// Scanners reports every configured scanner, disabled ones included, in the
// shape the monitoring API serves.
func (s *Supervisor) Scanners() []gatewayhttp.ScannerStatus {
	out := make([]gatewayhttp.ScannerStatus, 0, len(s.scanners))
	for _, sc := range s.scanners {
		st := gatewayhttp.ScannerStatus{
			Name:    sc.Name,
			Enabled: sc.Enabled,
			Role:    strings.ToLower(sc.Role),
			IP:      sc.IP,
			Port:    sc.Port,
			Phase:   "disabled",
		}
		if in, ok := s.byName[strings.ToLower(sc.Name)]; ok && sc.Enabled {
			is := in.Status()
			st.Role = string(is.Role)
			st.Connected = is.Connected
			st.RemoteEndpoint = is.RemoteEndpoint
			st.Phase = is.Phase
			st.Records = is.Records
			st.Errors = is.Errors
			st.LastActivity = is.LastActivity
			st.LastError = is.LastError
		}
		out = append(out, st)
	}
	return out
}

