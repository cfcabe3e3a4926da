// Package config loads the ScanFetch settings file: JSON or YAML, layered
// over defaults, with SCANFETCH_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/NetCVGuy/ScanFetch/errors"
)

// Config represents the complete application configuration
type Config struct {
	System        SystemConfig        `json:"system"`
	Output        OutputConfig        `json:"output"`
	Scanners      []ScannerConfig     `json:"scanners"`
	MonitoringAPI MonitoringAPIConfig `json:"monitoring_api"`
	NATS          NATSConfig          `json:"nats"`
	Webhook       WebhookConfig       `json:"webhook"`
}

// SystemConfig controls the supervisor.
type SystemConfig struct {
	CancelOnAny      bool    `json:"cancel_on_any"`
	ScannerTimeout   Seconds `json:"scanner_timeout_seconds"`
	AutoRetryEnabled bool    `json:"auto_retry_enabled"`
	RetryDelay       Seconds `json:"retry_delay_seconds"`
	DebugMode        bool    `json:"debug_mode"`
}

// OutputConfig holds the dedup window and the file and webhook sinks.
type OutputConfig struct {
	WebhookURL       string  `json:"webhook_url"`
	CacheRetention   Seconds `json:"cache_retention_seconds"`
	EnableFileOutput bool    `json:"enable_file_output"`
	EnableWebhook    bool    `json:"enable_webhook"`
	OutputPath       string  `json:"output_path"`
	FilePrefix       string  `json:"file_prefix"`
	FileSuffix       string  `json:"file_suffix"`
	FileFormat       string  `json:"file_format"`
}

// ScannerConfig is one scanner entry.
type ScannerConfig struct {
	Name             string `json:"name"`
	IP               string `json:"ip"`
	Port             int    `json:"port"`
	Enabled          bool   `json:"enabled"`
	Role             string `json:"role"`
	ListenInterface  string `json:"listen_interface,omitempty"`
	Delimiter        string `json:"delimiter,omitempty"`
	StartsWithFilter string `json:"starts_with_filter,omitempty"`
	RequestInterval  Millis `json:"request_interval_ms"`
	TimeoutFlush     Millis `json:"timeout_flush_ms"`
}

// MonitoringAPIConfig configures the HTTP monitoring API.
type MonitoringAPIConfig struct {
	Enabled      bool `json:"enabled"`
	Port         int  `json:"port"`
	EventHistory int  `json:"event_history"`
}

// NATSConfig configures the optional NATS publisher.
type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
	// Stream, when set, publishes scans through a JetStream stream of that
	// name instead of core NATS.
	Stream   string `json:"stream,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	// ForwardEvents also publishes every bus event.
	ForwardEvents bool `json:"forward_events"`
	// MaxReconnects bounds client reconnects, -1 for unlimited.
	MaxReconnects int `json:"max_reconnects"`
	// CircuitThreshold failed connects open the circuit for up to MaxBackoff.
	CircuitThreshold int32   `json:"circuit_threshold"`
	MaxBackoff       Seconds `json:"max_backoff_seconds"`
}

// WebhookConfig tunes the webhook sink.
type WebhookConfig struct {
	RateLimitPerSecond float64 `json:"rate_limit_per_second"`
	Burst              int     `json:"burst"`
}

// Default returns the configuration used when a setting is absent.
func Default() *Config {
	return &Config{
		System: SystemConfig{
			CancelOnAny:      true,
			ScannerTimeout:   Seconds(20 * time.Second),
			AutoRetryEnabled: true,
			RetryDelay:       Seconds(5 * time.Second),
		},
		Output: OutputConfig{
			CacheRetention:   Seconds(180 * time.Second),
			EnableFileOutput: true,
			EnableWebhook:    true,
			OutputPath:       "scans",
		},
		MonitoringAPI: MonitoringAPIConfig{
			Port:         8080,
			EventHistory: 100,
		},
		NATS: NATSConfig{
			URL:              "nats://127.0.0.1:4222",
			SubjectPrefix:    "scanfetch",
			MaxReconnects:    -1,
			CircuitThreshold: 5,
			MaxBackoff:       Seconds(time.Minute),
		},
	}
}

// scannerDefaults fills an entry the way an absent field reads.
func scannerDefaults() map[string]any {
	return map[string]any{
		"enabled":             true,
		"role":                "client",
		"request_interval_ms": 0,
		"timeout_flush_ms":    50,
	}
}

// EnabledScanners returns the scanners with enabled set.
func (c *Config) EnabledScanners() []ScannerConfig {
	var out []ScannerConfig
	for _, s := range c.Scanners {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.System.ScannerTimeout < 0 || c.System.RetryDelay < 0 {
		return invalid("system: durations must not be negative")
	}
	if c.Output.CacheRetention < 0 {
		return invalid("output.cache_retention_seconds must not be negative")
	}

	seen := make(map[string]bool, len(c.Scanners))
	for i, s := range c.Scanners {
		if strings.TrimSpace(s.Name) == "" {
			return invalid(fmt.Sprintf("scanners[%d]: name is required", i))
		}
		key := strings.ToLower(s.Name)
		if seen[key] {
			return invalid(fmt.Sprintf("scanners[%d]: duplicate name %q", i, s.Name))
		}
		seen[key] = true
		if err := s.validate(); err != nil {
			return invalid(fmt.Sprintf("scanner %q: %v", s.Name, err))
		}
	}

	if c.Output.EnableWebhook && c.Output.WebhookURL != "" {
		if err := checkURL(c.Output.WebhookURL, "http", "https"); err != nil {
			return invalid("output.webhook_url: " + err.Error())
		}
	}
	if c.Webhook.RateLimitPerSecond < 0 || c.Webhook.Burst < 0 {
		return invalid("webhook: rate limit and burst must not be negative")
	}

	if c.MonitoringAPI.Enabled && (c.MonitoringAPI.Port <= 0 || c.MonitoringAPI.Port > 65535) {
		return invalid(fmt.Sprintf("monitoring_api.port %d out of range", c.MonitoringAPI.Port))
	}
	if c.MonitoringAPI.EventHistory < 0 {
		return invalid("monitoring_api.event_history must not be negative")
	}

	if c.NATS.Enabled {
		if err := checkURL(c.NATS.URL, "nats", "tls", "ws", "wss"); err != nil {
			return invalid("nats.url: " + err.Error())
		}
		if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
			return invalid(fmt.Sprintf("nats.subject_prefix %q is not a valid subject", c.NATS.SubjectPrefix))
		}
		if c.NATS.MaxReconnects < -1 {
			return invalid("nats.max_reconnects must be -1 or more")
		}
		if c.NATS.CircuitThreshold <= 0 || c.NATS.MaxBackoff <= 0 {
			return invalid("nats: circuit_threshold and max_backoff_seconds must be positive")
		}
	}
	return nil
}

func (s ScannerConfig) validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	switch strings.ToLower(strings.TrimSpace(s.Role)) {
	case "", "client":
		if s.Enabled && (s.IP == "" || s.Port == 0) {
			return fmt.Errorf("client role needs ip and port")
		}
	case "server":
	default:
		return fmt.Errorf("unknown role %q", s.Role)
	}
	if s.RequestInterval < 0 || s.TimeoutFlush < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be a %s URL", raw, strings.Join(schemes, "/"))
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg),
		"config", "Validate", "config validation")
}

// String returns a JSON representation of the config with credentials masked.
func (c *Config) String() string {
	masked := *c
	for _, p := range []*string{&masked.NATS.Password, &masked.NATS.Token} {
		if *p != "" {
			*p = "****"
		}
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}
