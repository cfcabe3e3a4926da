package tcp

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/NetCVGuy/ScanFetch/errors"
)

// serverEndpoint listens for scanners that connect to us and serves them one
// at a time.
type serverEndpoint struct {
	phaseTracker

	cfg    Config
	logger *slog.Logger
	lister InterfaceLister

	mu     sync.Mutex
	ln     *net.TCPListener
	closed bool
}

func (s *serverEndpoint) Role() Role {
	return RoleServer
}

func (s *serverEndpoint) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapInvalid(errors.ErrStreamClosed, "tcp-server", "Open", "open closed endpoint")
	}
	if s.ln != nil {
		return nil
	}

	host, err := SelectListenAddress(s.cfg.ListenInterface, s.cfg.Address, s.lister, s.logger)
	if err != nil {
		return errors.WrapFatal(err, "tcp-server", "Open", "select listen interface")
	}

	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.WrapTransient(err, "tcp-server", "Open", "listen "+addr)
	}

	s.ln = ln.(*net.TCPListener)
	s.set(PhaseListening, "")
	s.logger.Info("Listening for scanner", "address", s.ln.Addr().String())
	return nil
}

func (s *serverEndpoint) Accept(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return nil, errors.WrapTransient(errors.ErrStreamClosed, "tcp-server", "Accept", "listener not open")
	}

	_ = ln.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		// Unblocks Accept; the deadline is reset on the next call.
		_ = ln.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isStreamClosed(err) {
			return nil, errors.WrapTransient(errors.ErrStreamClosed, "tcp-server", "Accept", "accept peer")
		}
		return nil, errors.WrapTransient(err, "tcp-server", "Accept", "accept peer")
	}

	remote := conn.RemoteAddr().String()
	s.set(PhaseActive, remote)
	return newConnStream(conn, func() {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.set(PhaseListening, "")
		}
	}), nil
}

func (s *serverEndpoint) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	s.set(PhaseClosed, "")
	return nil
}

func (s *serverEndpoint) LocalAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
