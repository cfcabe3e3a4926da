package http

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NetCVGuy/ScanFetch/component"
	"github.com/NetCVGuy/ScanFetch/eventbus"
	"github.com/NetCVGuy/ScanFetch/health"
	"github.com/NetCVGuy/ScanFetch/metric"
	"github.com/NetCVGuy/ScanFetch/pkg/dedup"
	"github.com/NetCVGuy/ScanFetch/processor/dispatch"
)

type testEnv struct {
	bus      *eventbus.Bus
	server   *Server
	registry *metric.MetricsRegistry
	http     *httptest.Server
}

func newTestEnv(t *testing.T, deps Deps) *testEnv {
	t.Helper()

	bus, err := eventbus.New(eventbus.Deps{})
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	registry := metric.NewMetricsRegistry()
	deps.Bus = bus
	deps.MetricsRegistry = registry
	if deps.InstanceID == "" {
		deps.InstanceID = "test-instance"
	}

	srv, err := NewServer(deps)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{bus: bus, server: srv, registry: registry, http: ts}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, Deps{
		Scanners: func() []ScannerStatus {
			return []ScannerStatus{{
				Name: "dock-1", Enabled: true, Connected: true, Role: "client",
				IP: "192.168.1.50", Port: 2001, RemoteEndpoint: "192.168.1.50:2001", Phase: "active",
			}}
		},
	})

	resp, body := env.get(t, "/api/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var got StatusResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "test-instance", got.Instance)
	assert.False(t, got.Timestamp.IsZero())
	require.Len(t, got.Scanners, 1)
	assert.Equal(t, "dock-1", got.Scanners[0].Name)
	assert.True(t, got.Scanners[0].Connected)
	assert.Equal(t, "192.168.1.50:2001", got.Scanners[0].RemoteEndpoint)
	assert.Contains(t, string(body), `"remote_endpoint"`)
}

func TestStatus_NoScanners(t *testing.T) {
	env := newTestEnv(t, Deps{})
	_, body := env.get(t, "/api/status")
	assert.Contains(t, string(body), `"scanners":[]`)
}

func TestPipeline(t *testing.T) {
	env := newTestEnv(t, Deps{
		Pipeline: func() dispatch.Stats {
			return dispatch.Stats{
				Received: 4, Admitted: 2, Suppressed: 2,
				Cache: dedup.StatsSummary{Admitted: 2, Suppressed: 2, SuppressionRate: 0.5, Sweeps: 1},
			}
		},
	})

	resp, body := env.get(t, "/api/pipeline")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got PipelineResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, int64(4), got.Pipeline.Received)
	assert.Equal(t, 0.5, got.Pipeline.Cache.SuppressionRate)
	assert.Equal(t, int64(1), got.Pipeline.Cache.Sweeps)
}

func TestPipeline_Unavailable(t *testing.T) {
	env := newTestEnv(t, Deps{})
	resp, _ := env.get(t, "/api/pipeline")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestID_Echoed(t *testing.T) {
	env := newTestEnv(t, Deps{})

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t, Deps{})

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/api/history", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestErrors(t *testing.T) {
	env := newTestEnv(t, Deps{})
	env.bus.Publish(eventbus.Connected("dock-1", "10.0.0.5:2001"))
	env.bus.Publish(eventbus.Failure("dock-1", "10.0.0.5:2001", "connection failed", io.ErrUnexpectedEOF))
	env.bus.Publish(eventbus.Disconnected("dock-2", "", ""))

	_, body := env.get(t, "/api/errors")
	var got ErrorsResponse
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Errors, 2)
	assert.Equal(t, eventbus.KindDisconnected, got.Errors[0].Kind, "newest first")
	assert.Equal(t, eventbus.KindError, got.Errors[1].Kind)
	assert.Equal(t, "unexpected EOF", got.Errors[1].Details)
	assert.Contains(t, string(body), `"type":"error"`)

	_, body = env.get(t, "/api/errors?count=1")
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Len(t, got.Errors, 1)
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, Deps{})
	for i := 0; i < 60; i++ {
		env.bus.Publish(eventbus.ScanReceived("dock-1", "", "C"))
	}
	env.bus.Publish(eventbus.Log("supervisor", "cycle started"))

	var got HistoryResponse
	_, body := env.get(t, "/api/history")
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Len(t, got.Events, DefaultHistoryCount)
	assert.Equal(t, eventbus.KindLogMessage, got.Events[0].Kind)

	_, body = env.get(t, "/api/history?type=LogMessage")
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Events, 1)
	assert.Equal(t, "cycle started", got.Events[0].Message)

	_, body = env.get(t, "/api/history?type=scan&count=5")
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Len(t, got.Events, 5)

	_, body = env.get(t, "/api/history?count=junk")
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Len(t, got.Events, DefaultHistoryCount)

	resp, _ := env.get(t, "/api/history?type=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSE(t *testing.T) {
	env := newTestEnv(t, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	r := bufio.NewReader(resp.Body)
	readLine := func() string {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimRight(line, "\n")
	}

	assert.Equal(t, "event: connected", readLine())
	assert.Equal(t, "id: 0", readLine())
	assert.Contains(t, readLine(), `"instance":"test-instance"`)
	assert.Equal(t, "", readLine())
	assert.Equal(t, "retry: 5000", readLine())
	assert.Equal(t, "", readLine())

	// The subscription exists before the connected event is written.
	ev := env.bus.Publish(eventbus.ScanReceived("dock-1", "10.0.0.5:2001", "ABC123"))

	assert.Equal(t, "event: scan", readLine())
	assert.Equal(t, "id: "+strconv.FormatUint(ev.ID, 10), readLine())
	data := strings.TrimPrefix(readLine(), "data: ")
	var got eventbus.Event
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "ABC123", got.Message)
	assert.Equal(t, "dock-1", got.Source)
	assert.Equal(t, "", readLine())

	assert.Equal(t, int64(1), env.server.Streams())
	cancel()
	require.Eventually(t, func() bool { return env.bus.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket(t *testing.T) {
	env := newTestEnv(t, Deps{})

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	require.Eventually(t, func() bool { return env.bus.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	env.bus.Publish(eventbus.Connected("dock-1", "10.0.0.5:2001"))
	env.bus.Publish(eventbus.ScanReceived("dock-1", "10.0.0.5:2001", "XYZ"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first, second eventbus.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, eventbus.KindConnected, first.Kind)
	assert.Equal(t, eventbus.KindScanReceived, second.Kind)
	assert.Equal(t, "XYZ", second.Message)
	assert.Less(t, first.ID, second.ID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.bus.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type stubComponent struct {
	name    string
	healthy bool
}

func (c stubComponent) Meta() component.Metadata { return component.Metadata{Name: c.name} }
func (c stubComponent) Health() component.HealthStatus {
	return component.HealthStatus{Healthy: c.healthy, LastError: "dial tcp 10.0.0.5:2001: refused"}
}
func (c stubComponent) DataFlow() component.FlowMetrics { return component.FlowMetrics{} }

func TestHealth(t *testing.T) {
	monitor := health.NewMonitor()
	monitor.Register("dispatcher", stubComponent{name: "dispatcher", healthy: true})
	env := newTestEnv(t, Deps{Monitor: monitor})

	resp, body := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got health.Status
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, health.StateHealthy, got.Status)

	monitor.Register("dispatcher", stubComponent{name: "dispatcher", healthy: false})
	resp, body = env.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, health.StateUnhealthy, got.Status)

	monitor.Register("webhook", stubComponent{name: "webhook", healthy: true})
	resp, body = env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, health.StateDegraded, got.Status)
}

func TestHealth_NoMonitor(t *testing.T) {
	env := newTestEnv(t, Deps{})
	resp, _ := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsAndIndex(t *testing.T) {
	env := newTestEnv(t, Deps{})

	resp, body := env.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/api/status")

	resp, _ = env.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = env.get(t, "/metrics")
	assert.Contains(t, string(body), "scanfetch_api_requests_total")
	assert.Contains(t, string(body), `route="index"`)
}

func TestServe_ShutdownEndsStreams(t *testing.T) {
	bus, err := eventbus.New(eventbus.Deps{})
	require.NoError(t, err)
	defer bus.Close()

	srv, err := NewServer(Deps{Bus: bus, Config: Config{ShutdownTimeout: 2 * time.Second}})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool { return srv.Health().Healthy }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ln.Addr().String(), srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.False(t, srv.Health().Healthy)

	err = srv.Serve(context.Background(), ln)
	assert.Error(t, err, "server is single-use")
}

func TestNewServer_RequiresBus(t *testing.T) {
	_, err := NewServer(Deps{})
	assert.Error(t, err)
}
