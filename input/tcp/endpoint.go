package tcp

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Phase is the connection lifecycle phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseListening
	PhaseActive
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseListening:
		return "listening"
	case PhaseActive:
		return "active"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnState is a snapshot of an endpoint's state.
type ConnState struct {
	Phase          Phase  `json:"phase"`
	RemoteEndpoint string `json:"remote_endpoint,omitempty"`
}

// Stream is one byte stream to a scanner.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	Remote() string
}

// Endpoint owns the socket side of one scanner connection. Client and server
// roles are the two implementations; the ingestion loop only sees this.
type Endpoint interface {
	// Open connects (client) or binds (server). Client open errors wrap
	// ErrConnectTimeout or ErrConnectFailed and are never retried here.
	Open(ctx context.Context) error

	// Accept returns the next stream. A client yields its single stream once;
	// a server blocks until a peer connects.
	Accept(ctx context.Context) (Stream, error)

	// Close tears everything down. Idempotent.
	Close() error

	State() ConnState
	Role() Role
	LocalAddr() string
}

// NewEndpoint returns the Endpoint variant for cfg.Role.
func NewEndpoint(cfg Config, logger *slog.Logger, lister InterfaceLister) Endpoint {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Role == RoleServer {
		if lister == nil {
			lister = SystemInterfaces
		}
		return &serverEndpoint{cfg: cfg, logger: logger, lister: lister}
	}
	return &clientEndpoint{cfg: cfg, logger: logger}
}

// phaseTracker is the state shared by both endpoint variants.
type phaseTracker struct {
	mu    sync.RWMutex
	state ConnState
}

func (p *phaseTracker) State() ConnState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *phaseTracker) set(phase Phase, remote string) {
	p.mu.Lock()
	p.state = ConnState{Phase: phase, RemoteEndpoint: remote}
	p.mu.Unlock()
}

// connStream adapts a net.Conn and reports its closing to the owning endpoint.
type connStream struct {
	net.Conn
	remote  string
	once    sync.Once
	onClose func()
}

func newConnStream(conn net.Conn, onClose func()) *connStream {
	return &connStream{Conn: conn, remote: conn.RemoteAddr().String(), onClose: onClose}
}

func (s *connStream) Remote() string {
	return s.remote
}

func (s *connStream) Close() error {
	err := net.ErrClosed
	s.once.Do(func() {
		err = s.Conn.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}

// isStreamClosed reports whether err is an orderly end of stream: the peer's
// zero-byte read or our own close. Resets and broken pipes are I/O failures.
func isStreamClosed(err error) bool {
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed)
}
