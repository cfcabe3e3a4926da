package file

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NetCVGuy/ScanFetch/scan"
)

var fixed = time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.Local)

func newTestOutput(t *testing.T, cfg Config) *Output {
	t.Helper()
	if cfg.Directory == "" {
		cfg.Directory = filepath.Join(t.TempDir(), "scans")
	}
	out, err := NewOutput(Deps{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, out.Initialize())
	out.now = func() time.Time { return fixed }
	return out
}

func readDir(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	files := make(map[string]string, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		files[e.Name()] = string(data)
	}
	return files
}

func TestProcessScan_WritesOneFilePerScan(t *testing.T) {
	out := newTestOutput(t, Config{})
	rec := scan.Record{Code: "ABC123", Source: "dock-1"}

	require.NoError(t, out.ProcessScan(context.Background(), rec))

	files := readDir(t, out.cfg.Directory)
	assert.Equal(t, map[string]string{"2025-03-14_09-26-53-589.txt": "ABC123\n"}, files)
	assert.True(t, out.Health().Healthy)
}

func TestProcessScan_CollisionAppendsCounter(t *testing.T) {
	out := newTestOutput(t, Config{})

	for _, code := range []string{"A", "B", "C"} {
		require.NoError(t, out.ProcessScan(context.Background(), scan.Record{Code: code}))
	}

	files := readDir(t, out.cfg.Directory)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"2025-03-14_09-26-53-589.txt",
		"2025-03-14_09-26-53-589_1.txt",
		"2025-03-14_09-26-53-589_2.txt",
	}, names)
	assert.Equal(t, "A\n", files["2025-03-14_09-26-53-589.txt"])
	assert.Equal(t, "C\n", files["2025-03-14_09-26-53-589_2.txt"])
}

func TestProcessScan_RecreatesMissingDirectory(t *testing.T) {
	out := newTestOutput(t, Config{})
	require.NoError(t, os.RemoveAll(out.cfg.Directory))

	require.NoError(t, out.ProcessScan(context.Background(), scan.Record{Code: "X"}))
	assert.Len(t, readDir(t, out.cfg.Directory), 1)
}

func TestRender(t *testing.T) {
	rec := scan.Record{Code: "4607", Source: "dock-1", SourceEndpoint: "10.0.0.5:2001"}
	ts := fixed.Format(time.RFC3339Nano)

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "bare code", want: "4607\n"},
		{name: "prefix and suffix", cfg: Config{Prefix: "[", Suffix: "]"}, want: "[4607]\n"},
		{name: "placeholders in prefix", cfg: Config{Prefix: "{scanner};", Suffix: ";{remote}"},
			want: "dock-1;4607;10.0.0.5:2001\n"},
		{name: "code placeholder only in format", cfg: Config{Prefix: "{code}-"}, want: "{code}-4607\n"},
		{name: "format overrides prefix", cfg: Config{Prefix: "ignored", Format: "{timestamp},{scanner},{code}"},
			want: ts + ",dock-1,4607\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.cfg, rec, fixed))
		})
	}
}

func TestNewOutput_RequiresDirectory(t *testing.T) {
	_, err := NewOutput(Deps{Config: Config{Directory: " "}})
	assert.Error(t, err)
}

func TestDataFlow_CountsFiles(t *testing.T) {
	out := newTestOutput(t, Config{})
	require.NoError(t, out.ProcessScan(context.Background(), scan.Record{Code: "Z"}))

	flow := out.DataFlow()
	assert.Equal(t, fixed, flow.LastActivity)
	assert.Zero(t, flow.ErrorRate)
	assert.Equal(t, "file", out.Meta().Name)
}
