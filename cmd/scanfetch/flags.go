package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DefaultConfigPath is read from the working directory when no --config is
// given. A missing default file means built-in defaults.
const DefaultConfigPath = "appsettings.json"

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	ExtraLayers     []string
	LogLevel        string
	LogFormat       string
	LogFile         string
	Debug           bool
	ShutdownTimeout time.Duration
	InitConfig      string
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	configExplicit bool
}

// layerList collects repeated --layer flags.
type layerList []string

func (l *layerList) String() string { return strings.Join(*l, ",") }

func (l *layerList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// newFlagSet registers every flag on a fresh set, with environment fallbacks
// as defaults.
func newFlagSet(cfg *CLIConfig, layers *layerList, getenv func(string) string) *flag.FlagSet {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	env := envReader{getenv: getenv}

	fs.StringVar(&cfg.ConfigPath, "config",
		env.str("SCANFETCH_CONFIG", DefaultConfigPath),
		"Path to configuration file, JSON or YAML (env: SCANFETCH_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		env.str("SCANFETCH_CONFIG", DefaultConfigPath),
		"Path to configuration file (env: SCANFETCH_CONFIG)")

	fs.Var(layers, "layer", "Extra configuration file merged over --config, repeatable")

	fs.StringVar(&cfg.LogLevel, "log-level",
		env.str("SCANFETCH_LOG_LEVEL", "info"),
		"Log level: trace, debug, info, warn, error (env: SCANFETCH_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		env.str("SCANFETCH_LOG_FORMAT", "text"),
		"Log format: json, text (env: SCANFETCH_LOG_FORMAT)")

	fs.StringVar(&cfg.LogFile, "log-file",
		env.str("SCANFETCH_LOG_FILE", ""),
		"Also append logs to this file (env: SCANFETCH_LOG_FILE)")

	fs.BoolVar(&cfg.Debug, "debug",
		env.boolean("SCANFETCH_DEBUG", false),
		"Enable debug logging (env: SCANFETCH_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		env.duration("SCANFETCH_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: SCANFETCH_SHUTDOWN_TIMEOUT)")

	fs.StringVar(&cfg.InitConfig, "init-config", "",
		"Write a starter configuration to this path and exit")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	return fs
}

func parseFlags(args []string, getenv func(string) string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	var layers layerList
	fs := newFlagSet(cfg, &layers, getenv)
	fs.SetOutput(io.Discard)

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			cfg.ShowHelp = true
			return cfg, nil
		}
		return nil, err
	}
	cfg.ExtraLayers = layers

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" || f.Name == "c" {
			cfg.configExplicit = true
		}
	})
	if getenv("SCANFETCH_CONFIG") != "" {
		cfg.configExplicit = true
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp || cfg.InitConfig != "" {
		return nil
	}

	if cfg.configExplicit {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	for _, layer := range cfg.ExtraLayers {
		if _, err := os.Stat(layer); err != nil {
			return fmt.Errorf("config layer not found: %s", layer)
		}
	}

	if !slices.Contains([]string{"trace", "debug", "info", "warn", "error"}, strings.ToLower(cfg.LogLevel)) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, strings.ToLower(cfg.LogFormat)) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - barcode scanner ingestion service

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs := newFlagSet(&CLIConfig{}, &layerList{}, os.Getenv)
	fs.SetOutput(w)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with a YAML config
  %[1]s --config=/etc/scanfetch/config.yaml

  # Overlay site specific settings
  %[1]s --config=appsettings.json --layer=site.yaml

  # Run with debug logging, teeing to a file
  %[1]s --log-level=debug --log-file=scanfetch.log

  # Environment overrides
  export SCANFETCH_MONITORING_API_PORT=9090
  export SCANFETCH_OUTPUT_WEBHOOK_URL=https://example.com/hook
  %[1]s

  # Write a starter config, then validate it
  %[1]s --init-config=appsettings.json
  %[1]s --validate

Version: %[2]s
Build: %[3]s
`, os.Args[0], Version, BuildTime)
}

// envReader reads typed environment fallbacks. Unparseable values fall back
// to the default.
type envReader struct {
	getenv func(string) string
}

func (e envReader) str(key, def string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return def
}

func (e envReader) boolean(key string, def bool) bool {
	if v := e.getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func (e envReader) duration(key string, def time.Duration) time.Duration {
	if v := e.getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
