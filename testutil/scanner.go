package testutil

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/NetCVGuy/ScanFetch/pkg/emulator"
)

// StubScanner is an emulated scanner on a loopback port, stopped when the
// test ends.
type StubScanner struct {
	*emulator.Server
	Host string
	Port int

	done chan struct{}
}

// StartStubScanner listens on 127.0.0.1 with a random port and serves in the
// background.
func StartStubScanner(t *testing.T, cfg emulator.Config) *StubScanner {
	t.Helper()

	srv, err := emulator.Listen("127.0.0.1:0", cfg, nil)
	if err != nil {
		t.Fatalf("start stub scanner: %v", err)
	}

	host, portStr, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("parse stub scanner address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse stub scanner port: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &StubScanner{Server: srv, Host: host, Port: port, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		_ = srv.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			t.Errorf("stub scanner did not stop")
		}
	})
	return s
}
