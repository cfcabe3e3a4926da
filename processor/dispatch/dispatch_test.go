package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NetCVGuy/ScanFetch/eventbus"
	"github.com/NetCVGuy/ScanFetch/metric"
	"github.com/NetCVGuy/ScanFetch/pkg/dedup"
	"github.com/NetCVGuy/ScanFetch/scan"
	"github.com/NetCVGuy/ScanFetch/testutil"
)

func newCache(t *testing.T, retention time.Duration) *dedup.Cache {
	t.Helper()
	c, err := dedup.New(retention)
	require.NoError(t, err)
	return c
}

func newBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus, err := eventbus.New(eventbus.Deps{})
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func record(code string, at time.Time) scan.Record {
	return scan.Record{Code: code, Source: "dock-1", SourceEndpoint: "10.0.0.5:2001", ObservedAt: at}
}

// runAll feeds recs through a fresh Run and waits for it to drain.
func runAll(t *testing.T, d *Dispatcher, recs ...scan.Record) {
	t.Helper()
	in := make(chan scan.Record, len(recs))
	for _, r := range recs {
		in <- r
	}
	close(in)
	require.NoError(t, d.Run(context.Background(), in))
}

func TestDispatcher_RejectsBlankAndNoRead(t *testing.T) {
	sink := testutil.NewMockSink("mock")
	d, err := New(Deps{Cache: newCache(t, time.Minute), Sinks: []Sink{sink}})
	require.NoError(t, err)

	now := time.Now()
	runAll(t, d, record("", now), record("   ", now), record("xNoReadx", now), record("OK1", now))

	assert.Equal(t, []string{"OK1"}, sink.Codes())
	stats := d.Stats()
	assert.Equal(t, int64(4), stats.Received)
	assert.Equal(t, int64(3), stats.Rejected)
	assert.Equal(t, int64(1), stats.Admitted)
	assert.Equal(t, 1, stats.CacheSize, "rejected codes never reach the cache")
}

func TestDispatcher_SuppressesDuplicatesWithinRetention(t *testing.T) {
	sink := testutil.NewMockSink("mock")
	d, err := New(Deps{Cache: newCache(t, 10*time.Second), Sinks: []Sink{sink}})
	require.NoError(t, err)

	base := time.Now()
	runAll(t, d,
		record("A", base),
		record("A", base.Add(5*time.Second)),
		record("B", base.Add(6*time.Second)),
		record("A", base.Add(11*time.Second)),
	)

	assert.Equal(t, []string{"A", "B", "A"}, sink.Codes())
	assert.Equal(t, int64(1), d.Stats().Suppressed)
	assert.Equal(t, int64(1), d.Stats().Cache.Suppressed)
}

func TestDispatcher_FanOutPreservesOrderPerSink(t *testing.T) {
	fast := testutil.NewMockSink("fast")
	slow := testutil.NewMockSink("slow")
	slow.Delay = 2 * time.Millisecond

	d, err := New(Deps{Cache: newCache(t, 0), Sinks: []Sink{fast, slow}})
	require.NoError(t, err)

	var recs []scan.Record
	var want []string
	now := time.Now()
	for i := 0; i < 20; i++ {
		code := fmt.Sprintf("C%02d", i)
		recs = append(recs, record(code, now))
		want = append(want, code)
	}
	runAll(t, d, recs...)

	assert.Equal(t, want, fast.Codes())
	assert.Equal(t, want, slow.Codes())
}

func TestDispatcher_FailingSinkIsIsolated(t *testing.T) {
	good := testutil.NewMockSink("good")
	bad := testutil.NewMockSink("bad")
	bad.ProcessFunc = func(context.Context, scan.Record) error { return testutil.ErrMockFailed }
	bus := newBus(t)

	d, err := New(Deps{Cache: newCache(t, time.Minute), Sinks: []Sink{bad, good}, Bus: bus})
	require.NoError(t, err)

	now := time.Now()
	runAll(t, d, record("X1", now), record("X2", now))

	assert.Equal(t, []string{"X1", "X2"}, good.Codes())
	assert.Equal(t, 2, bad.Calls())
	assert.Equal(t, int64(2), d.Stats().SinkErrors)

	errs := bus.Errors(0)
	require.Len(t, errs, 2)
	assert.Equal(t, "sink bad failed", errs[0].Message)
	assert.Equal(t, testutil.ErrMockFailed.Error(), errs[0].Details)
	assert.NotEmpty(t, d.Health().LastError)
}

func TestDispatcher_PublishesScanReceived(t *testing.T) {
	bus := newBus(t)
	d, err := New(Deps{Cache: newCache(t, time.Minute), Bus: bus})
	require.NoError(t, err)

	now := time.Now()
	runAll(t, d, record("S1", now), record("S1", now), record("NoRead", now))

	scans := bus.History([]eventbus.Kind{eventbus.KindScanReceived}, 0)
	require.Len(t, scans, 1)
	assert.Equal(t, "S1", scans[0].Message)
	assert.Equal(t, "dock-1", scans[0].Source)
	assert.Equal(t, "10.0.0.5:2001", scans[0].RemoteEndpoint)
}

func TestDispatcher_DrainsQueuedScansWhenInputCloses(t *testing.T) {
	sink := testutil.NewMockSink("slow")
	sink.Delay = 5 * time.Millisecond
	d, err := New(Deps{Cache: newCache(t, 0), Sinks: []Sink{sink}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan scan.Record)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, in) }()

	now := time.Now()
	for i := 0; i < 10; i++ {
		in <- record(fmt.Sprintf("D%d", i), now)
	}
	// Cancelling ctx alone must not lose anything already handed over.
	cancel()
	close(in)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Len(t, sink.Codes(), 10)
}

func TestDispatcher_FullQueueDropsForThatSinkOnly(t *testing.T) {
	release := make(chan struct{})
	blocked := testutil.NewMockSink("blocked")
	blocked.ProcessFunc = func(context.Context, scan.Record) error {
		<-release
		return nil
	}
	free := testutil.NewMockSink("free")

	d, err := New(Deps{
		Config: Config{QueueSize: 1},
		Cache:  newCache(t, 0),
		Sinks:  []Sink{blocked, free},
	})
	require.NoError(t, err)

	in := make(chan scan.Record)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), in) }()

	now := time.Now()
	in <- record("Q1", now)
	// Q1 is in flight on the blocked worker once its queue is empty again.
	require.Eventually(t, func() bool {
		return d.Stats().Sinks[0].Queue.InFlight == 1
	}, 2*time.Second, time.Millisecond)
	in <- record("Q2", now) // fills the queue
	in <- record("Q3", now) // dropped for "blocked"
	require.Eventually(t, func() bool {
		return d.Stats().Sinks[0].Queue.Dropped == 1
	}, 2*time.Second, time.Millisecond)

	close(release)
	close(in)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"Q1", "Q2"}, blocked.Codes())
	assert.Equal(t, []string{"Q1", "Q2", "Q3"}, free.Codes())
}

func TestDispatcher_RunIsSingleUse(t *testing.T) {
	d, err := New(Deps{Cache: newCache(t, 0)})
	require.NoError(t, err)
	runAll(t, d)

	in := make(chan scan.Record)
	close(in)
	assert.Error(t, d.Run(context.Background(), in))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err, "nil cache")

	_, err = New(Deps{
		Cache: newCache(t, 0),
		Sinks: []Sink{testutil.NewMockSink("dup"), testutil.NewMockSink("dup")},
	})
	assert.Error(t, err, "duplicate sink names")
}

func TestDispatcher_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	d, err := New(Deps{
		Cache:           newCache(t, time.Minute),
		Sinks:           []Sink{testutil.NewMockSink("mock")},
		MetricsRegistry: registry,
	})
	require.NoError(t, err)

	now := time.Now()
	runAll(t, d, record("M1", now), record("M1", now), record("", now))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["scanfetch_scans_admitted_total"])
	assert.True(t, names["scanfetch_scans_suppressed_total"])
	assert.True(t, names["scanfetch_worker_processed_total"])
}
