package tcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/NetCVGuy/ScanFetch/errors"
)

// Role selects which side of the TCP session ScanFetch plays.
type Role string

const (
	// RoleClient dials the scanner and polls it with TriggerCommand.
	RoleClient Role = "client"
	// RoleServer listens and serves scanners that connect in, one at a time.
	RoleServer Role = "server"
)

// ParseRole accepts "client"/"server" in any case.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "client":
		return RoleClient, nil
	case "server":
		return RoleServer, nil
	}
	return "", errors.WrapInvalid(fmt.Errorf("%w: unknown role %q", errors.ErrInvalidConfig, s),
		"tcp-input", "ParseRole", "role validation")
}

// TriggerCommand is written by client-role connections before every read.
var TriggerCommand = []byte("TRG\r\n")

// Defaults applied by Config.withDefaults.
const (
	DefaultConnectTimeout = 20 * time.Second
	DefaultFlushTimeout   = 50 * time.Millisecond
	DefaultReadBufferSize = 1024
)

// Config is the fully resolved configuration of one scanner connection.
type Config struct {
	Name            string        `json:"name"`
	Role            Role          `json:"role"`
	Address         string        `json:"address"`
	Port            int           `json:"port"`
	ListenInterface string        `json:"listen_interface,omitempty"`
	Delimiter       string        `json:"delimiter,omitempty"`
	StartsWith      string        `json:"starts_with_filter,omitempty"`
	RequestInterval time.Duration `json:"request_interval"`
	FlushTimeout    time.Duration `json:"flush_timeout"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	ReadBufferSize  int           `json:"read_buffer_size,omitempty"`
}

// Validate checks the connection configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: scanner name is empty", errors.ErrInvalidConfig),
			"tcp-input", "Validate", "name validation")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: invalid port %d", errors.ErrInvalidConfig, c.Port),
			"tcp-input", "Validate", "port validation")
	}
	switch c.Role {
	case RoleClient:
		if c.Address == "" {
			return errors.WrapInvalid(fmt.Errorf("%w: client role needs an address", errors.ErrInvalidConfig),
				"tcp-input", "Validate", "address validation")
		}
		if c.Port == 0 {
			return errors.WrapInvalid(fmt.Errorf("%w: client role needs a port", errors.ErrInvalidConfig),
				"tcp-input", "Validate", "port validation")
		}
	case RoleServer:
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: unknown role %q", errors.ErrInvalidConfig, c.Role),
			"tcp-input", "Validate", "role validation")
	}
	if c.RequestInterval < 0 || c.FlushTimeout < 0 || c.ConnectTimeout < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative duration", errors.ErrInvalidConfig),
			"tcp-input", "Validate", "duration validation")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Role == "" {
		c.Role = RoleClient
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	return c
}
