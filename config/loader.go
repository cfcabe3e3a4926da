package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NetCVGuy/ScanFetch/errors"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "SCANFETCH"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment, in that order.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, normalizeKeys(raw))
	}
	applyScannerDefaults(merged)

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "encode merged config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config", "Load", "decode merged config")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic map.
func loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := checkDepth(raw, 0); err != nil {
		return nil, err
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Lists are replaced, not merged.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyScannerDefaults fills fields each scanner entry left out.
func applyScannerDefaults(m map[string]any) {
	list, ok := m["scanners"].([]any)
	if !ok {
		return
	}
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range scannerDefaults() {
			if cur, present := entry[k]; !present || cur == nil {
				entry[k] = v
			}
		}
	}
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		key string
		set func(string) error
	}{
		{"SYSTEM_CANCEL_ON_ANY", boolVar(&cfg.System.CancelOnAny)},
		{"SYSTEM_SCANNER_TIMEOUT_SECONDS", secondsVar(&cfg.System.ScannerTimeout)},
		{"SYSTEM_AUTO_RETRY_ENABLED", boolVar(&cfg.System.AutoRetryEnabled)},
		{"SYSTEM_RETRY_DELAY_SECONDS", secondsVar(&cfg.System.RetryDelay)},
		{"SYSTEM_DEBUG_MODE", boolVar(&cfg.System.DebugMode)},
		{"OUTPUT_WEBHOOK_URL", stringVar(&cfg.Output.WebhookURL)},
		{"OUTPUT_CACHE_RETENTION_SECONDS", secondsVar(&cfg.Output.CacheRetention)},
		{"OUTPUT_ENABLE_FILE_OUTPUT", boolVar(&cfg.Output.EnableFileOutput)},
		{"OUTPUT_ENABLE_WEBHOOK", boolVar(&cfg.Output.EnableWebhook)},
		{"OUTPUT_PATH", stringVar(&cfg.Output.OutputPath)},
		{"MONITORING_API_ENABLED", boolVar(&cfg.MonitoringAPI.Enabled)},
		{"MONITORING_API_PORT", intVar(&cfg.MonitoringAPI.Port)},
		{"NATS_ENABLED", boolVar(&cfg.NATS.Enabled)},
		{"NATS_URL", stringVar(&cfg.NATS.URL)},
		{"NATS_SUBJECT_PREFIX", stringVar(&cfg.NATS.SubjectPrefix)},
		{"NATS_USERNAME", stringVar(&cfg.NATS.Username)},
		{"NATS_PASSWORD", stringVar(&cfg.NATS.Password)},
		{"NATS_TOKEN", stringVar(&cfg.NATS.Token)},
		{"WEBHOOK_RATE_LIMIT_PER_SECOND", floatVar(&cfg.Webhook.RateLimitPerSecond)},
	}

	for _, o := range overrides {
		name := l.envPrefix + "_" + o.key
		val, ok := l.lookupEnv(name)
		if !ok {
			continue
		}
		if err := validateEnvVar(name, val); err != nil {
			return errors.WrapInvalid(err, "config", "applyEnvOverrides", name)
		}
		if err := o.set(val); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, name, err),
				"config", "applyEnvOverrides", name)
		}
	}
	return nil
}

func stringVar(p *string) func(string) error {
	return func(s string) error {
		*p = s
		return nil
	}
}

func boolVar(p *bool) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func intVar(p *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func floatVar(p *float64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func secondsVar(p *Seconds) func(string) error {
	return func(s string) error {
		d, err := ParseDuration(s, time.Second)
		if err != nil {
			return err
		}
		*p = Seconds(d)
		return nil
	}
}

// SaveToFile writes c as indented JSON, or YAML for .yaml/.yml paths.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if m, err = toMap(c); err == nil {
			data, err = yaml.Marshal(m)
		}
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "config", "SaveToFile", "encode config")
	}
	if err := safeWriteFile(path, data); err != nil {
		return errors.WrapInvalid(err, "config", "SaveToFile", "write "+path)
	}
	return nil
}
