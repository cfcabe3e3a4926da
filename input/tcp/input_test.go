package tcp

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/eventbus"
	"github.com/NetCVGuy/ScanFetch/metric"
	"github.com/NetCVGuy/ScanFetch/scan"
)

func newTestInput(t *testing.T, cfg Config, bus *eventbus.Bus) *Input {
	t.Helper()
	in, err := NewInput(InputDeps{Config: cfg, Bus: bus, MetricsRegistry: metric.NewMetricsRegistry()})
	require.NoError(t, err)
	require.NoError(t, in.Initialize())
	return in
}

func listenerPort(t *testing.T, ln net.Listener) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestInput_ClientEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Answer the first trigger like a scanner. Hang up on the second one
		// once it has been read, so the close is a FIN and not a reset.
		trigger := make([]byte, len(TriggerCommand))
		if _, err := io.ReadFull(conn, trigger); err == nil {
			_, _ = conn.Write([]byte("ABC123\r\n"))
			_, _ = io.ReadFull(conn, trigger)
		}
		_ = conn.Close()
	}()

	bus := newTestBus(t)
	in := newTestInput(t, Config{
		Name:    "dock-1",
		Role:    RoleClient,
		Address: "127.0.0.1",
		Port:    listenerPort(t, ln),
	}, bus)

	out := make(chan scan.Record, 8)
	require.NoError(t, in.Run(context.Background(), out))

	require.Len(t, out, 1)
	rec := <-out
	assert.Equal(t, "ABC123", rec.Code)
	assert.Equal(t, "dock-1", rec.Source)

	events := bus.History(nil, 0)
	require.GreaterOrEqual(t, len(events), 2)
	// Newest first: the disconnect is the last thing published.
	assert.Equal(t, eventbus.KindDisconnected, events[0].Kind)
	assert.True(t, hasEvent(events, eventbus.KindConnected))
	assert.False(t, hasEvent(events, eventbus.KindError))
	assert.Equal(t, PhaseClosed, in.State().Phase)
	assert.Equal(t, int64(1), in.Status().Records)
}

func TestInput_ClientConnectFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listenerPort(t, ln)
	require.NoError(t, ln.Close())

	bus := newTestBus(t)
	in := newTestInput(t, Config{
		Name:           "dock-1",
		Role:           RoleClient,
		Address:        "127.0.0.1",
		Port:           port,
		ConnectTimeout: time.Second,
	}, bus)

	err = in.Run(context.Background(), make(chan scan.Record, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectFailed)
	assert.True(t, errors.IsTransient(err))

	errs := bus.History([]eventbus.Kind{eventbus.KindError}, 0)
	require.Len(t, errs, 1)
	assert.Equal(t, "connection failed", errs[0].Message)
	assert.Equal(t, int64(1), in.Status().Errors)
	assert.NotEmpty(t, in.Status().LastError)
}

func TestInput_ServerServesPeersSequentially(t *testing.T) {
	bus := newTestBus(t)
	in := newTestInput(t, Config{
		Name:            "dock-2",
		Role:            RoleServer,
		ListenInterface: "127.0.0.1",
	}, bus)

	out := make(chan scan.Record, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx, out) }()

	require.Eventually(t, func() bool { return in.LocalAddr() != "" }, 2*time.Second, 10*time.Millisecond)
	addr := in.LocalAddr()

	for _, payload := range []string{"P1\n", "P2\r\n"} {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		_, err = conn.Write([]byte(payload))
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	}

	got := collect(t, out, 2)
	assert.Equal(t, []string{"P1", "P2"}, codes(got))

	require.Eventually(t, func() bool {
		return in.State().Phase == PhaseListening
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, PhaseClosed, in.State().Phase)
}

func TestInput_ServerPeerResetIsAnError(t *testing.T) {
	bus := newTestBus(t)
	in := newTestInput(t, Config{
		Name:            "dock-2",
		Role:            RoleServer,
		ListenInterface: "127.0.0.1",
		FlushTimeout:    5 * time.Second,
	}, bus)

	out := make(chan scan.Record, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx, out) }()

	require.Eventually(t, func() bool { return in.LocalAddr() != "" }, 2*time.Second, 10*time.Millisecond)
	addr := in.LocalAddr()

	p1, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = p1.Write([]byte("P1CODE\r\nPART"))
	require.NoError(t, err)
	assert.Equal(t, []string{"P1CODE"}, codes(collect(t, out, 1)))

	// Linger 0 makes Close send RST instead of FIN.
	require.NoError(t, p1.(*net.TCPConn).SetLinger(0))
	require.NoError(t, p1.Close())

	require.Eventually(t, func() bool {
		return len(bus.History([]eventbus.Kind{eventbus.KindError}, 0)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	p2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = p2.Write([]byte("P2CODE\n"))
	require.NoError(t, err)
	require.NoError(t, p2.Close())

	got := collect(t, out, 1)
	assert.Equal(t, "P2CODE", got[0].Code)
	assert.Equal(t, scan.Delimited, got[0].Termination)
	assert.Empty(t, out)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestInput_StartStop(t *testing.T) {
	bus := newTestBus(t)
	out := make(chan scan.Record, 8)
	in, err := NewInput(InputDeps{
		Config: Config{Name: "dock-3", Role: RoleServer, ListenInterface: "127.0.0.1"},
		Bus:    bus,
		Output: out,
	})
	require.NoError(t, err)

	require.Error(t, in.Start(context.Background()), "start before initialize")
	require.NoError(t, in.Initialize())
	require.NoError(t, in.Start(context.Background()))

	require.Eventually(t, func() bool { return in.LocalAddr() != "" }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, in.Health().Healthy)

	conn, err := net.Dial("tcp", in.LocalAddr())
	require.NoError(t, err)
	_, _ = conn.Write([]byte("S1\n"))
	_ = conn.Close()
	assert.Equal(t, "S1", collect(t, out, 1)[0].Code)

	require.NoError(t, in.Stop(2*time.Second))
	require.NoError(t, in.Stop(time.Second), "second stop is a no-op")
}

func TestInput_Initialize(t *testing.T) {
	bus := newTestBus(t)

	in, err := NewInput(InputDeps{Config: Config{Role: RoleClient, Address: "10.0.0.1", Port: 2001}, Bus: bus})
	require.NoError(t, err)
	assert.Error(t, in.Initialize(), "missing name")

	in, err = NewInput(InputDeps{Config: Config{Name: "x", Role: RoleClient, Port: 2001}, Bus: bus})
	require.NoError(t, err)
	assert.Error(t, in.Initialize(), "client without address")

	in, err = NewInput(InputDeps{Config: Config{Name: "x", Role: RoleServer}})
	require.NoError(t, err)
	assert.Error(t, in.Initialize(), "missing bus")

	in, err = NewInput(InputDeps{Config: Config{Name: "x", Role: RoleServer, Delimiter: "0xZZ"}, Bus: bus})
	require.NoError(t, err)
	require.NoError(t, in.Initialize(), "malformed hex falls back to literal")
	assert.Equal(t, "0xZZ", in.Status().Delimiter)
}

func TestInput_DuplicateNameRejectedByRegistry(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	cfg := Config{Name: "dock-1", Role: RoleServer}
	_, err := NewInput(InputDeps{Config: cfg, MetricsRegistry: registry})
	require.NoError(t, err)
	_, err = NewInput(InputDeps{Config: cfg, MetricsRegistry: registry})
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("Server")
	require.NoError(t, err)
	assert.Equal(t, RoleServer, r)

	r, err = ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, RoleClient, r)

	_, err = ParseRole("peer")
	assert.Error(t, err)
}
