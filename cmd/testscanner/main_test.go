package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions_Defaults(t *testing.T) {
	opts, err := parseOptions(nil, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "server", opts.Mode)
	assert.Equal(t, "127.0.0.1:2001", opts.Addr)
	assert.Empty(t, opts.Codes)
	assert.Equal(t, "\r\n", opts.Terminator)
	assert.Equal(t, time.Second, opts.Interval)
}

func TestParseOptions_Codes(t *testing.T) {
	opts, err := parseOptions([]string{
		"--mode", "client", "--codes", " A1, ,B2 ", "--terminator", `\n`, "--interval", "10ms",
	}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "client", opts.Mode)
	assert.Equal(t, []string{"A1", "B2"}, opts.Codes)

	cfg := opts.emulatorConfig()
	assert.Equal(t, "\n", cfg.Terminator)
	assert.Equal(t, 10*time.Millisecond, cfg.Interval)
}

func TestParseOptions_Invalid(t *testing.T) {
	_, err := parseOptions([]string{"--mode", "sideways"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = parseOptions([]string{"--interval", "-1s"}, &bytes.Buffer{})
	assert.Error(t, err)

	assert.Error(t, run([]string{"--log-level", "loud"}, &bytes.Buffer{}))
}
