// Package main is the ScanFetch service: it reads barcode scanners over TCP,
// suppresses repeats and forwards each scan to files, a webhook and NATS.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/NetCVGuy/ScanFetch/config"
	"github.com/NetCVGuy/ScanFetch/input/tcp"
	"github.com/NetCVGuy/ScanFetch/metric"
	"github.com/NetCVGuy/ScanFetch/service"
)

// Build information constants
const (
	Version   = "1.0.0"
	BuildTime = "dev"
	appName   = "scanfetch"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, getenv func(string) string, stdout io.Writer) error {
	cliCfg, err := parseFlags(args, getenv)
	if err != nil {
		printDetailedHelp(os.Stderr)
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	switch {
	case cliCfg.ShowVersion:
		_, _ = fmt.Fprintf(stdout, "%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	case cliCfg.ShowHelp:
		printDetailedHelp(stdout)
		return nil
	case cliCfg.InitConfig != "":
		return writeStarterConfig(cliCfg.InitConfig, stdout)
	}

	out, closer, err := openLogOutput(cliCfg.LogFile)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer closer.Close()

	logger, level := setupLogger(out, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg, logger)
	if err != nil {
		return err
	}
	if cfg.System.DebugMode && level.Level() > slog.LevelDebug {
		level.Set(slog.LevelDebug)
		logger.Debug("Debug mode enabled by configuration")
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "scanners", len(cfg.EnabledScanners()))
		return nil
	}

	logger.Info("Starting ScanFetch",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"scanners", len(cfg.EnabledScanners()))
	logger.Debug("Effective configuration", "config", cfg.String())

	app, err := service.NewApp(service.Deps{
		Config:          cfg,
		Logger:          logger,
		MetricsRegistry: metric.NewMetricsRegistry(),
		Lister:          tcp.SystemInterfaces,
	})
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}

	return runWithSignalHandling(context.Background(), app, cliCfg.ShutdownTimeout, logger)
}

// loadConfig merges the config file, extra layers and the environment. A
// missing default file means built-in defaults.
func loadConfig(cliCfg *CLIConfig, logger *slog.Logger) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)

	if _, err := os.Stat(cliCfg.ConfigPath); err == nil {
		loader.AddLayer(cliCfg.ConfigPath)
	} else {
		logger.Warn("Config file not found, using defaults", "path", cliCfg.ConfigPath)
	}
	for _, layer := range cliCfg.ExtraLayers {
		loader.AddLayer(layer)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// writeStarterConfig writes the defaults plus one example scanner.
func writeStarterConfig(path string, stdout io.Writer) error {
	cfg := config.Default()
	cfg.Scanners = []config.ScannerConfig{{
		Name:         "scanner-1",
		IP:           "192.168.1.100",
		Port:         2001,
		Enabled:      true,
		Role:         string(tcp.RoleClient),
		TimeoutFlush: config.Millis(tcp.DefaultFlushTimeout),
	}}
	if err := cfg.SaveToFile(path); err != nil {
		return fmt.Errorf("write starter config: %w", err)
	}
	_, _ = fmt.Fprintf(stdout, "Wrote starter configuration to %s\n", path)
	return nil
}

// runWithSignalHandling runs app until SIGINT or SIGTERM, then gives it
// shutdownTimeout to drain.
func runWithSignalHandling(ctx context.Context, app *service.App, shutdownTimeout time.Duration, logger *slog.Logger) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	done := make(chan error, 1)
	go func() { done <- app.Run(signalCtx) }()

	select {
	case err := <-done:
		return err
	case <-signalCtx.Done():
		logger.Info("Received shutdown signal", "timeout", shutdownTimeout)
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("ScanFetch shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", shutdownTimeout)
	}
}
