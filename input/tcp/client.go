package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/NetCVGuy/ScanFetch/errors"
)

// clientEndpoint dials a scanner that listens for us.
type clientEndpoint struct {
	phaseTracker

	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	handed bool
	closed bool
}

func (c *clientEndpoint) Role() Role {
	return RoleClient
}

func (c *clientEndpoint) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.WrapInvalid(errors.ErrStreamClosed, "tcp-client", "Open", "open closed endpoint")
	}
	if c.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(c.cfg.Address, strconv.Itoa(c.cfg.Port))
	c.set(PhaseConnecting, "")

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		c.set(PhaseIdle, "")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dialCtx.Err() != nil || errors.IsTimeout(err) {
			return errors.WrapTransient(
				fmt.Errorf("%w: %s after %v", errors.ErrConnectTimeout, addr, c.cfg.ConnectTimeout),
				"tcp-client", "Open", "dial scanner")
		}
		return errors.WrapTransient(fmt.Errorf("%w: %s: %v", errors.ErrConnectFailed, addr, err),
			"tcp-client", "Open", "dial scanner")
	}

	c.conn = conn
	c.handed = false
	c.set(PhaseActive, conn.RemoteAddr().String())
	c.logger.Debug("Connected to scanner", "address", addr, "local", conn.LocalAddr().String())
	return nil
}

func (c *clientEndpoint) Accept(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.handed {
		return nil, errors.WrapTransient(errors.ErrStreamClosed, "tcp-client", "Accept", "take stream")
	}
	c.handed = true

	conn := c.conn
	return newConnStream(conn, func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		c.set(PhaseClosed, "")
	}), nil
}

func (c *clientEndpoint) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.set(PhaseClosed, "")
	return nil
}

func (c *clientEndpoint) LocalAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.LocalAddr().String()
}
