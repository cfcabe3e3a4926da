// Package file provides the sink that writes every admitted scan to its own
// text file.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NetCVGuy/ScanFetch/component"
	"github.com/NetCVGuy/ScanFetch/errors"
	"github.com/NetCVGuy/ScanFetch/scan"
)

// NameLayout is the time layout of scan file names.
const NameLayout = "2006-01-02_15-04-05.000"

// maxCollisions bounds the _N suffix search.
const maxCollisions = 1000

// Config holds configuration for the file sink
type Config struct {
	Directory string `json:"output_path"`
	Prefix    string `json:"file_prefix"`
	Suffix    string `json:"file_suffix"`
	// Format overrides Prefix and Suffix. Placeholders: {code} {timestamp}
	// {scanner} {remote}.
	Format string `json:"file_format"`
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if strings.TrimSpace(c.Directory) == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "file", "Validate", "output_path is required")
	}
	return nil
}

// Deps holds runtime dependencies for the file sink
type Deps struct {
	Config Config
	Logger *slog.Logger
}

// Output writes one file per scan.
type Output struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// serialises name selection so two scans in the same millisecond get
	// distinct _N suffixes
	nameMu sync.Mutex

	mu           sync.RWMutex
	startTime    time.Time
	lastActivity time.Time
	lastError    string

	filesWritten atomic.Int64
	bytesWritten atomic.Int64
	errors       atomic.Int64
}

var _ component.Discoverable = (*Output)(nil)

// NewOutput creates a file sink.
func NewOutput(deps Deps) (*Output, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Output{
		cfg:    deps.Config,
		logger: logger.With("component", "file-sink", "directory", deps.Config.Directory),
		now:    time.Now,
	}, nil
}

// Initialize creates the output directory.
func (f *Output) Initialize() error {
	if err := os.MkdirAll(f.cfg.Directory, 0o755); err != nil {
		return errors.WrapFatal(err, "file", "Initialize", "create output directory")
	}
	f.mu.Lock()
	f.startTime = time.Now()
	f.mu.Unlock()
	return nil
}

// Name returns the sink name.
func (f *Output) Name() string {
	return "file"
}

// ProcessScan writes rec to a new file named after the current local time.
func (f *Output) ProcessScan(_ context.Context, rec scan.Record) error {
	now := f.now()
	content := Render(f.cfg, rec, now)

	// The directory may have been removed since startup.
	if err := os.MkdirAll(f.cfg.Directory, 0o755); err != nil {
		return f.fail(errors.WrapTransient(err, "file", "ProcessScan", "create output directory"))
	}

	path, err := f.create(now, []byte(content))
	if err != nil {
		return f.fail(err)
	}

	f.filesWritten.Add(1)
	f.bytesWritten.Add(int64(len(content)))
	f.mu.Lock()
	f.lastActivity = now
	f.mu.Unlock()

	f.logger.Info("Scan file written", "path", path, "code", rec.Code)
	return nil
}

// create picks the first free name for now and writes data to it.
func (f *Output) create(now time.Time, data []byte) (string, error) {
	f.nameMu.Lock()
	defer f.nameMu.Unlock()

	base := now.Local().Format(NameLayout)
	base = strings.Replace(base, ".", "-", 1)
	for n := 0; n < maxCollisions; n++ {
		name := base + ".txt"
		if n > 0 {
			name = fmt.Sprintf("%s_%d.txt", base, n)
		}
		path := filepath.Join(f.cfg.Directory, name)

		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", errors.WrapTransient(err, "file", "create", "open "+path)
		}
		_, werr := file.Write(data)
		cerr := file.Close()
		if werr != nil {
			return "", errors.WrapTransient(werr, "file", "create", "write "+path)
		}
		if cerr != nil {
			return "", errors.WrapTransient(cerr, "file", "create", "close "+path)
		}
		return path, nil
	}
	return "", errors.WrapTransient(fmt.Errorf("%w: %d files named %s", errors.ErrSinkFailed, maxCollisions, base),
		"file", "create", "pick file name")
}

func (f *Output) fail(err error) error {
	f.errors.Add(1)
	f.mu.Lock()
	f.lastError = err.Error()
	f.mu.Unlock()
	return err
}

// Render builds the file content for rec. Format wins over Prefix and
// Suffix; the result always ends in a newline.
func Render(cfg Config, rec scan.Record, now time.Time) string {
	ts := now.Format(time.RFC3339Nano)
	if strings.TrimSpace(cfg.Format) != "" {
		r := strings.NewReplacer(
			"{code}", rec.Code,
			"{timestamp}", ts,
			"{scanner}", rec.Source,
			"{remote}", rec.SourceEndpoint,
		)
		return r.Replace(cfg.Format) + "\n"
	}

	r := strings.NewReplacer(
		"{scanner}", rec.Source,
		"{remote}", rec.SourceEndpoint,
		"{timestamp}", ts,
	)
	return r.Replace(cfg.Prefix) + rec.Code + r.Replace(cfg.Suffix) + "\n"
}

// Meta returns component metadata
func (f *Output) Meta() component.Metadata {
	return component.Metadata{
		Name:        "file",
		Type:        "output",
		Description: "One text file per scan in " + f.cfg.Directory,
		Version:     "1.0.0",
	}
}

// Health reports whether the output directory is usable.
func (f *Output) Health() component.HealthStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()

	info, err := os.Stat(f.cfg.Directory)
	healthy := err == nil && info.IsDir()
	var uptime time.Duration
	if !f.startTime.IsZero() {
		uptime = time.Since(f.startTime)
	}
	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(f.errors.Load()),
		LastError:  f.lastError,
		Uptime:     uptime,
	}
}

// DataFlow returns current data flow metrics
func (f *Output) DataFlow() component.FlowMetrics {
	f.mu.RLock()
	defer f.mu.RUnlock()

	written := f.filesWritten.Load()
	errorCount := f.errors.Load()
	var errorRate float64
	if total := written + errorCount; total > 0 {
		errorRate = float64(errorCount) / float64(total)
	}
	return component.FlowMetrics{
		MessagesPerSecond: component.RateSince(written, f.startTime),
		BytesPerSecond:    component.RateSince(f.bytesWritten.Load(), f.startTime),
		ErrorRate:         errorRate,
		LastActivity:      f.lastActivity,
	}
}
