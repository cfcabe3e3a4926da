package tcp

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NetCVGuy/ScanFetch/eventbus"
	"github.com/NetCVGuy/ScanFetch/scan"
)

type readResult struct {
	data string
	err  error
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeStream replays scripted reads and honours read deadlines.
type fakeStream struct {
	remote string
	reads  chan readResult

	mu       sync.Mutex
	deadline time.Time
	written  bytes.Buffer

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream(remote string, script ...readResult) *fakeStream {
	s := &fakeStream{
		remote: remote,
		reads:  make(chan readResult, len(script)+8),
		closed: make(chan struct{}),
	}
	for _, r := range script {
		s.reads <- r
	}
	return s
}

func (s *fakeStream) push(r readResult) {
	s.reads <- r
}

func (s *fakeStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	deadline := s.deadline
	s.mu.Unlock()

	var timer <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, timeoutError{}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r := <-s.reads:
		n := copy(p, r.data)
		return n, r.err
	case <-timer:
		return 0, timeoutError{}
	case <-s.closed:
		return 0, net.ErrClosed
	}
}

func (s *fakeStream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, net.ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Write(p)
}

func (s *fakeStream) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

func (s *fakeStream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) Remote() string {
	return s.remote
}

// fakeEndpoint hands out queued streams.
type fakeEndpoint struct {
	role    Role
	streams chan Stream
	phaseTracker
}

func newFakeEndpoint(role Role, streams ...Stream) *fakeEndpoint {
	ep := &fakeEndpoint{role: role, streams: make(chan Stream, len(streams)+1)}
	for _, s := range streams {
		ep.streams <- s
	}
	return ep
}

func (e *fakeEndpoint) Open(context.Context) error { return nil }

func (e *fakeEndpoint) Accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-e.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *fakeEndpoint) Close() error      { return nil }
func (e *fakeEndpoint) Role() Role        { return e.role }
func (e *fakeEndpoint) LocalAddr() string { return "" }

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus, err := eventbus.New(eventbus.Deps{})
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func collect(t *testing.T, out <-chan scan.Record, n int) []scan.Record {
	t.Helper()
	var got []scan.Record
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case rec := <-out:
			got = append(got, rec)
		case <-timeout:
			t.Fatalf("received %d of %d records", len(got), n)
		}
	}
	return got
}

func codes(records []scan.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Code
	}
	return out
}

func hasEvent(events []eventbus.Event, kind eventbus.Kind) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}
