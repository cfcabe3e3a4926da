package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/NetCVGuy/ScanFetch/eventbus"
	"github.com/NetCVGuy/ScanFetch/health"
	"github.com/NetCVGuy/ScanFetch/processor/dispatch"
)

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	Timestamp time.Time       `json:"timestamp"`
	Instance  string          `json:"instance"`
	Scanners  []ScannerStatus `json:"scanners"`
}

// ErrorsResponse is the body of /api/errors.
type ErrorsResponse struct {
	Timestamp time.Time        `json:"timestamp"`
	Errors    []eventbus.Event `json:"errors"`
}

// HistoryResponse is the body of /api/history.
type HistoryResponse struct {
	Timestamp time.Time        `json:"timestamp"`
	Events    []eventbus.Event `json:"events"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	scanners := []ScannerStatus{}
	if s.scanners != nil {
		if list := s.scanners(); list != nil {
			scanners = list
		}
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Timestamp: time.Now().UTC(),
		Instance:  s.instanceID,
		Scanners:  scanners,
	})
}

// PipelineResponse is the body of /api/pipeline.
type PipelineResponse struct {
	Timestamp time.Time      `json:"timestamp"`
	Pipeline  dispatch.Stats `json:"pipeline"`
}

func (s *Server) handlePipeline(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline == nil {
		s.writeError(w, http.StatusNotFound, "pipeline statistics unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, PipelineResponse{Timestamp: time.Now().UTC(), Pipeline: s.pipeline()})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	count := s.countParam(r, DefaultErrorCount)
	events := s.bus.Errors(count)
	if events == nil {
		events = []eventbus.Event{}
	}
	s.writeJSON(w, http.StatusOK, ErrorsResponse{Timestamp: time.Now().UTC(), Errors: events})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	count := s.countParam(r, DefaultHistoryCount)

	var kinds []eventbus.Kind
	if name := r.URL.Query().Get("type"); name != "" {
		kind, ok := eventbus.ParseKind(name)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "unknown event type "+strconv.Quote(name))
			return
		}
		kinds = append(kinds, kind)
	}

	events := s.bus.History(kinds, count)
	if events == nil {
		events = []eventbus.Event{}
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{Timestamp: time.Now().UTC(), Events: events})
}

// countParam reads ?count=N. Missing or non-positive values fall back to def;
// the history cap bounds the rest.
func (s *Server) countParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil || n <= 0 {
		return def
	}
	if limit := s.bus.HistoryCapacity(); n > limit {
		return limit
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := health.Status{
		Component: "scanfetch",
		Healthy:   true,
		Status:    health.StateHealthy,
		Message:   "no components registered",
		Timestamp: time.Now(),
	}
	if s.monitor != nil && len(s.monitor.Names()) > 0 {
		status = s.monitor.Check("scanfetch")
	}

	code := http.StatusServiceUnavailable
	if status.IsHealthy() || status.IsDegraded() {
		code = http.StatusOK
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(indexPage))
}

const indexPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>ScanFetch Monitoring API</title></head>
<body>
<h1>ScanFetch Monitoring API</h1>
<ul>
<li><a href="/api/status">GET /api/status</a> - scanner connection state</li>
<li><a href="/api/errors">GET /api/errors?count=20</a> - recent errors and disconnects</li>
<li><a href="/api/history">GET /api/history?count=50&amp;type=scan</a> - recent events</li>
<li><a href="/api/events">GET /api/events</a> - live events (Server-Sent Events)</li>
<li>GET /api/ws - live events (WebSocket)</li>
<li><a href="/health">GET /health</a> - component health</li>
<li><a href="/metrics">GET /metrics</a> - Prometheus metrics</li>
</ul>
</body>
</html>
`
