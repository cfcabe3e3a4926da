// Package health turns component health into the aggregated document served
// on /health.
package health

import (
	"regexp"
	"time"

	"github.com/NetCVGuy/ScanFetch/component"
)

// Status values.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status represents the health state of a component or of the whole service
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related metrics
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// Sanitization patterns for error text exposed over HTTP. URLs go before
// paths since they contain paths.
var redactions = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?i)(password|token|secret)[^a-zA-Z]*[:=][^,\s}]+`), "[REDACTED]"},
	{regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`), "[URL]"},
	{regexp.MustCompile(`(?:/[a-zA-Z0-9_.-]+){2,}`), "[PATH]"},
	{regexp.MustCompile(`[A-Z]:\\[^:\s]+`), "[PATH]"},
}

// Sanitize strips credentials, URLs and file paths from an error message.
// Scanner addresses are kept: they are what an operator needs to see.
func Sanitize(msg string) string {
	for _, r := range redactions {
		msg = r.re.ReplaceAllString(msg, r.with)
	}
	return msg
}

// FromComponent reads the health of one component.
func FromComponent(name string, c component.Discoverable) Status {
	h := c.Health()
	flow := c.DataFlow()

	s := Status{
		Component: name,
		Healthy:   h.Healthy,
		Status:    StateUnhealthy,
		Message:   "not running",
		Timestamp: time.Now(),
		Metrics: &Metrics{
			Uptime:       h.Uptime,
			ErrorCount:   h.ErrorCount,
			LastActivity: flow.LastActivity,
		},
	}
	if h.Healthy {
		s.Status = StateHealthy
		s.Message = "ok"
	}
	if h.LastError != "" {
		s.Message = Sanitize(h.LastError)
	}
	return s
}

// Aggregate combines sub-statuses. All healthy is healthy, none healthy is
// unhealthy, anything in between is degraded.
func Aggregate(name string, subs []Status) Status {
	out := Status{
		Component:   name,
		Timestamp:   time.Now(),
		SubStatuses: append([]Status(nil), subs...),
	}
	if len(subs) == 0 {
		out.Healthy, out.Status, out.Message = true, StateHealthy, "no components"
		return out
	}

	healthy := 0
	for _, s := range subs {
		if s.IsHealthy() {
			healthy++
		}
	}
	switch {
	case healthy == len(subs):
		out.Healthy, out.Status, out.Message = true, StateHealthy, "all components healthy"
	case healthy == 0:
		out.Status, out.Message = StateUnhealthy, "no component is healthy"
	default:
		out.Status, out.Message = StateDegraded, "some components are unhealthy"
	}
	return out
}
