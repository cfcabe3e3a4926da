// Package emulator imitates a barcode scanner on a TCP socket. It backs the
// testscanner command and the loopback scanners used in tests.
package emulator

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/pkg/retry"
)

// Trigger is the poll command a client-role reader sends.
const Trigger = "TRG"

// Config describes what the emulated scanner sends.
type Config struct {
	// Codes are sent in order. When empty, Prefix plus six random digits is
	// generated forever.
	Codes  []string
	Prefix string

	// Terminator follows every code. Defaults to "\r\n".
	Terminator string

	// Push sends codes unsolicited every Interval instead of answering
	// triggers.
	Push     bool
	Interval time.Duration

	// CloseAfter hangs up once Codes are exhausted in answer mode. Push
	// mode always hangs up when it runs out.
	CloseAfter bool
}

func (c Config) terminator() string {
	if c.Terminator == "" {
		return "\r\n"
	}
	return c.Terminator
}

// source hands out codes to every connection from one shared sequence.
type source struct {
	mu     sync.Mutex
	codes  []string
	prefix string
	next   int
	rng    *rand.Rand
}

func newSource(cfg Config) *source {
	return &source{
		codes:  cfg.Codes,
		prefix: cfg.Prefix,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *source) take() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		return fmt.Sprintf("%s%06d", s.prefix, s.rng.Intn(1_000_000)), true
	}
	if s.next >= len(s.codes) {
		return "", false
	}
	code := s.codes[s.next]
	s.next++
	return code, true
}

// Server is a scanner that listens for readers, like a scanner configured
// for client-role ScanFetch connections.
type Server struct {
	cfg    Config
	ln     net.Listener
	src    *source
	logger *slog.Logger

	wg       sync.WaitGroup
	sent     atomic.Int64
	triggers atomic.Int64
	accepted atomic.Int64

	closeOnce sync.Once
}

// Listen binds addr ("127.0.0.1:0" picks a free port).
func Listen(addr string, cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WrapTransient(err, "emulator", "Listen", "bind "+addr)
	}
	return &Server{
		cfg:    cfg,
		ln:     ln,
		src:    newSource(cfg),
		logger: logger.With("component", "scanner-emulator"),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve accepts readers until ctx ends or Close is called. Each reader is
// served on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			cancel()
			s.wg.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.WrapTransient(err, "emulator", "Serve", "accept reader")
		}
		s.accepted.Add(1)
		s.logger.Info("Reader connected", "remote", conn.RemoteAddr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			context.AfterFunc(connCtx, func() { _ = conn.Close() })

			var err error
			if s.cfg.Push {
				err = s.push(connCtx, conn)
			} else {
				err = s.answer(conn)
			}
			if err != nil && connCtx.Err() == nil {
				s.logger.Debug("Reader session ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// answer replies to every trigger line with the next code.
func (s *Server) answer(conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if strings.TrimSpace(line) == Trigger {
			s.triggers.Add(1)
			code, ok := s.src.take()
			if !ok {
				if s.cfg.CloseAfter {
					return nil
				}
				continue
			}
			if _, werr := conn.Write([]byte(code + s.cfg.terminator())); werr != nil {
				return werr
			}
			s.sent.Add(1)
		}
		if err != nil {
			return err
		}
	}
}

// push writes codes on its own schedule.
func (s *Server) push(ctx context.Context, conn net.Conn) error {
	return sendCodes(ctx, conn, s.src, s.cfg, &s.sent)
}

// Close stops accepting and ends every session.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.ln.Close() })
	return err
}

// Stats returns counters for tests and the command's summary line.
func (s *Server) Stats() (accepted, triggers, sent int64) {
	return s.accepted.Load(), s.triggers.Load(), s.sent.Load()
}

// Dial connects to a server-role ScanFetch scanner and pushes codes every
// cfg.Interval until the codes run out or ctx ends. It returns the number of
// codes sent.
func Dial(ctx context.Context, addr string, cfg Config, logger *slog.Logger) (int64, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var conn net.Conn
	err := retry.Do(ctx, retry.Quick(), func() error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "emulator", "Dial", "connect "+addr)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger.Info("Connected to reader", "address", addr)
	var sent atomic.Int64
	err = sendCodes(ctx, conn, newSource(cfg), cfg, &sent)
	if ctx.Err() != nil {
		err = nil
	}
	return sent.Load(), err
}

func sendCodes(ctx context.Context, conn net.Conn, src *source, cfg Config, sent *atomic.Int64) error {
	for {
		code, ok := src.take()
		if !ok {
			return nil
		}
		if _, err := conn.Write([]byte(code + cfg.terminator())); err != nil {
			return err
		}
		sent.Add(1)
		if err := retry.Sleep(ctx, cfg.Interval); err != nil {
			return err
		}
	}
}
