package service

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NetCVGuy/ScanFetch/config"
	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/eventbus"
	"github.com/NetCVGuy/ScanFetch/input/tcp"
	"github.com/NetCVGuy/ScanFetch/pkg/emulator"
	"github.com/NetCVGuy/ScanFetch/scan"
	"github.com/NetCVGuy/ScanFetch/testutil"
)

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus, err := eventbus.New(eventbus.Deps{})
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func clientScanner(name, host string, port int) config.ScannerConfig {
	return config.ScannerConfig{
		Name:         name,
		IP:           host,
		Port:         port,
		Enabled:      true,
		Role:         "client",
		TimeoutFlush: config.Millis(50 * time.Millisecond),
	}
}

// deadPort returns a loopback port nothing listens on.
func deadPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func testConfig(scanners ...config.ScannerConfig) *config.Config {
	cfg := config.Default()
	cfg.System.ScannerTimeout = config.Seconds(2 * time.Second)
	cfg.System.RetryDelay = config.Seconds(50 * time.Millisecond)
	cfg.Scanners = scanners
	return cfg
}

func collect(out <-chan scan.Record) []string {
	var codes []string
	for {
		select {
		case rec := <-out:
			codes = append(codes, rec.Code)
		default:
			return codes
		}
	}
}

func TestNewSupervisor_Validation(t *testing.T) {
	bus := newTestBus(t)

	_, err := NewSupervisor(SupervisorDeps{Bus: bus})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewSupervisor(SupervisorDeps{Config: testConfig()})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	bad := clientScanner("bad", "127.0.0.1", 1)
	bad.Role = "sideways"
	_, err = NewSupervisor(SupervisorDeps{Config: testConfig(bad), Bus: bus})
	require.Error(t, err)
}

func TestInputConfig(t *testing.T) {
	sc := clientScanner("dock-1", "10.0.0.5", 2001)
	sc.Role = "SERVER"
	sc.Delimiter = "0D0A"
	sc.StartsWithFilter = "AB"
	sc.RequestInterval = config.Millis(250 * time.Millisecond)
	sys := config.SystemConfig{ScannerTimeout: config.Seconds(7 * time.Second)}

	cfg, err := InputConfig(sc, sys)
	require.NoError(t, err)
	assert.Equal(t, tcp.RoleServer, cfg.Role)
	assert.Equal(t, "10.0.0.5", cfg.Address)
	assert.Equal(t, 2001, cfg.Port)
	assert.Equal(t, "0D0A", cfg.Delimiter)
	assert.Equal(t, "AB", cfg.StartsWith)
	assert.Equal(t, 250*time.Millisecond, cfg.RequestInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.FlushTimeout)
	assert.Equal(t, 7*time.Second, cfg.ConnectTimeout)
}

func TestSupervisor_LinkedCycleEndsWithoutRetry(t *testing.T) {
	stub := testutil.StartStubScanner(t, emulator.Config{
		Codes:      []string{"A1", "B2"},
		CloseAfter: true,
	})
	cfg := testConfig(clientScanner("dock", stub.Host, stub.Port))
	cfg.System.CancelOnAny = true
	cfg.System.AutoRetryEnabled = false

	bus := newTestBus(t)
	sup, err := NewSupervisor(SupervisorDeps{Config: cfg, Bus: bus})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := make(chan scan.Record, 16)
	require.NoError(t, sup.Run(ctx, out))

	assert.Equal(t, []string{"A1", "B2"}, collect(out))
	assert.Equal(t, int64(1), sup.Cycles())

	logs := bus.History([]eventbus.Kind{eventbus.KindLogMessage}, 0)
	require.NotEmpty(t, logs)
	for _, ev := range logs {
		assert.Equal(t, "supervisor", ev.Source)
	}
}

func TestSupervisor_LinkedOpenFailureCancelsCycle(t *testing.T) {
	stub := testutil.StartStubScanner(t, emulator.Config{Prefix: "LIVE"})
	cfg := testConfig(
		clientScanner("live", stub.Host, stub.Port),
		clientScanner("dead", "127.0.0.1", deadPort(t)),
	)
	cfg.System.CancelOnAny = true
	cfg.System.AutoRetryEnabled = false

	bus := newTestBus(t)
	sup, err := NewSupervisor(SupervisorDeps{Config: cfg, Bus: bus})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := make(chan scan.Record, 16)
	err = sup.Run(ctx, out)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Contains(t, err.Error(), "scanner dead")
	assert.Empty(t, collect(out))

	var sources []string
	for _, ev := range bus.Errors(10) {
		sources = append(sources, ev.Source)
	}
	assert.Contains(t, sources, "dead")
}

func TestSupervisor_LinkedRetriesUntilCancelled(t *testing.T) {
	cfg := testConfig(clientScanner("dead", "127.0.0.1", deadPort(t)))
	cfg.System.CancelOnAny = true
	cfg.System.AutoRetryEnabled = true

	sup, err := NewSupervisor(SupervisorDeps{Config: cfg, Bus: newTestBus(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, make(chan scan.Record, 1)) }()

	require.Eventually(t, func() bool { return sup.Cycles() >= 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisor_IsolatedFailureDoesNotStopOthers(t *testing.T) {
	stub := testutil.StartStubScanner(t, emulator.Config{Codes: []string{"X1", "X2"}})
	cfg := testConfig(
		clientScanner("live", stub.Host, stub.Port),
		clientScanner("dead", "127.0.0.1", deadPort(t)),
	)
	cfg.System.CancelOnAny = false
	cfg.System.AutoRetryEnabled = true

	sup, err := NewSupervisor(SupervisorDeps{Config: cfg, Bus: newTestBus(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan scan.Record, 16)
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, out) }()

	var codes []string
	require.Eventually(t, func() bool {
		codes = append(codes, collect(out)...)
		return len(codes) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"X1", "X2"}, codes)

	// The dead scanner keeps retrying while the live one stays connected.
	require.Eventually(t, func() bool { return sup.Cycles() >= 4 }, 5*time.Second, 10*time.Millisecond)
	statuses := sup.Scanners()
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Connected)
	assert.False(t, statuses[1].Connected)
	assert.Positive(t, statuses[1].Errors)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisor_IsolatedWithoutRetryReturnsError(t *testing.T) {
	cfg := testConfig(clientScanner("dead", "127.0.0.1", deadPort(t)))
	cfg.System.CancelOnAny = false
	cfg.System.AutoRetryEnabled = false

	sup, err := NewSupervisor(SupervisorDeps{Config: cfg, Bus: newTestBus(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = sup.Run(ctx, make(chan scan.Record, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanner dead")
	assert.Equal(t, int64(1), sup.Cycles())
}

func TestSupervisor_Scanners(t *testing.T) {
	enabled := clientScanner("front", "10.1.1.1", 2001)
	disabled := clientScanner("back", "10.1.1.2", 2002)
	disabled.Enabled = false

	sup, err := NewSupervisor(SupervisorDeps{Config: testConfig(enabled, disabled), Bus: newTestBus(t)})
	require.NoError(t, err)
	assert.Len(t, sup.Inputs(), 1)

	statuses := sup.Scanners()
	require.Len(t, statuses, 2)

	assert.Equal(t, "front", statuses[0].Name)
	assert.True(t, statuses[0].Enabled)
	assert.Equal(t, "client", statuses[0].Role)
	assert.Equal(t, "idle", statuses[0].Phase)
	assert.False(t, statuses[0].Connected)

	assert.Equal(t, "back", statuses[1].Name)
	assert.False(t, statuses[1].Enabled)
	assert.Equal(t, "disabled", statuses[1].Phase)
	assert.Equal(t, "10.1.1.2", statuses[1].IP)
	assert.Equal(t, 2002, statuses[1].Port)
}

func TestSupervisor_NoScannersWaitsForCancel(t *testing.T) {
	sup, err := NewSupervisor(SupervisorDeps{Config: testConfig(), Bus: newTestBus(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, sup.Run(ctx, make(chan scan.Record)))
}
