// Command testscanner emulates a barcode scanner for trying ScanFetch without
// hardware.
//
// In server mode it listens like a scanner a client-role ScanFetch connects
// to, answering every TRG with the next code (or pushing codes with --push).
// In client mode it connects to a server-role ScanFetch and pushes codes
// every --interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/NetCVGuy/ScanFetch/pkg/emulator"
)

const appName = "testscanner"

type options struct {
	Mode       string
	Addr       string
	Codes      []string
	Prefix     string
	Interval   time.Duration
	Push       bool
	CloseAfter bool
	Terminator string
	LogLevel   string
}

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func parseOptions(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	var codes, terminator string

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.Mode, "mode", "server", "server: listen for a client-role reader; client: connect to a server-role reader")
	fs.StringVar(&opts.Addr, "addr", "127.0.0.1:2001", "Listen address (server) or reader address (client)")
	fs.StringVar(&codes, "codes", "", "Comma separated codes to send in order; random codes when empty")
	fs.StringVar(&opts.Prefix, "prefix", "TEST", "Prefix of random codes")
	fs.DurationVar(&opts.Interval, "interval", time.Second, "Delay between pushed codes")
	fs.BoolVar(&opts.Push, "push", false, "Server mode: push codes instead of answering TRG")
	fs.BoolVar(&opts.CloseAfter, "close-after", false, "Server mode: hang up once --codes are exhausted")
	fs.StringVar(&terminator, "terminator", `\r\n`, `Code terminator, escapes \r \n \t allowed`)
	fs.StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, c := range strings.Split(codes, ",") {
		if c = strings.TrimSpace(c); c != "" {
			opts.Codes = append(opts.Codes, c)
		}
	}
	opts.Terminator = strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t").Replace(terminator)

	switch opts.Mode {
	case "server", "client":
	default:
		return nil, fmt.Errorf("invalid mode %q: want server or client", opts.Mode)
	}
	if opts.Interval < 0 {
		return nil, fmt.Errorf("invalid interval: %s", opts.Interval)
	}
	return opts, nil
}

func (o *options) emulatorConfig() emulator.Config {
	return emulator.Config{
		Codes:      o.Codes,
		Prefix:     o.Prefix,
		Terminator: o.Terminator,
		Push:       o.Push,
		Interval:   o.Interval,
		CloseAfter: o.CloseAfter,
	}
}

func run(args []string, stderr io.Writer) error {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})).With("service", appName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.Mode == "client" {
		sent, err := emulator.Dial(ctx, opts.Addr, opts.emulatorConfig(), logger)
		logger.Info("Done", "sent", sent)
		return err
	}

	srv, err := emulator.Listen(opts.Addr, opts.emulatorConfig(), logger)
	if err != nil {
		return err
	}
	logger.Info("Scanner emulator listening", "address", srv.Addr(), "push", opts.Push)
	err = srv.Serve(ctx)
	accepted, triggers, sent := srv.Stats()
	logger.Info("Done", "accepted", accepted, "triggers", triggers, "sent", sent)
	return err
}
