package framing

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NetCVGuy/ScanFetch/errors"
)

// feed pushes data through fb in the given chunk sizes and collects records.
func feed(fb *FrameBuffer, data []byte, chunk func() int) []string {
	var out []string
	for len(data) > 0 {
		n := chunk()
		if n > len(data) {
			n = len(data)
		}
		fb.Append(data[:n])
		data = data[n:]
		out = append(out, fb.DrainComplete()...)
	}
	return out
}

func TestDrainComplete_AutoModeBoundaries(t *testing.T) {
	fb := New(nil)
	fb.Append([]byte("A\r\nB\rC\nD"))

	assert.Equal(t, []string{"A", "B", "C"}, fb.DrainComplete())
	assert.True(t, fb.Pending())

	rec, ok := fb.FlushTimeout()
	require.True(t, ok)
	assert.Equal(t, "D", rec)
	assert.False(t, fb.Pending())
}

func TestDrainComplete_CRLFIsOneBoundary(t *testing.T) {
	fb := New(nil)
	fb.Append([]byte("X1\r\n\r\nX2\r\n"))

	assert.Equal(t, []string{"X1", "X2"}, fb.DrainComplete())
	assert.Equal(t, 0, fb.Len())
}

func TestDrainComplete_TrimsAndDropsBlank(t *testing.T) {
	fb := New(nil)
	fb.Append([]byte("  ABC \n   \n\t\nDEF\t\r\n"))

	assert.Equal(t, []string{"ABC", "DEF"}, fb.DrainComplete())
}

func TestDrainComplete_FixedDelimiter(t *testing.T) {
	fb := New(Delimiter(";;"))
	fb.Append([]byte("one;;two\r\nstill-two;;thr"))

	assert.Equal(t, []string{"one", "two\r\nstill-two"}, fb.DrainComplete())
	assert.Equal(t, 3, fb.Len())

	fb.Append([]byte("ee;;"))
	assert.Equal(t, []string{"three"}, fb.DrainComplete())
}

func TestDrainComplete_AnyChunking(t *testing.T) {
	records := []string{"ABC123", "  padded  ", "", "4006381333931", "x", "   ", "LAST"}
	boundaries := []string{"\r", "\n", "\r\n"}

	var expected []string
	for _, r := range records {
		if trimmed := strings.TrimSpace(r); trimmed != "" {
			expected = append(expected, trimmed)
		}
	}

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		var sb strings.Builder
		for _, r := range records {
			sb.WriteString(r)
			sb.WriteString(boundaries[rng.Intn(len(boundaries))])
		}
		data := []byte(sb.String())

		got := feed(New(nil), data, func() int { return 1 + rng.Intn(5) })
		require.Equal(t, expected, got, "round %d: %q", round, data)
	}

	got := feed(New(nil), []byte("A\r\nB\r\n"), func() int { return 1 })
	assert.Equal(t, []string{"A", "B"}, got)
}

func TestDrainComplete_FixedDelimiterAnyChunking(t *testing.T) {
	delim := Delimiter{0x03, 0x02}
	records := []string{"alpha", "beta gamma", " ", "delta"}

	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(r)
		sb.Write(delim)
	}

	for size := 1; size <= 7; size++ {
		n := size
		got := feed(New(delim), []byte(sb.String()), func() int { return n })
		assert.Equal(t, []string{"alpha", "beta gamma", "delta"}, got, "chunk size %d", size)
	}
}

func TestFlushTimeout(t *testing.T) {
	fb := New(nil)

	_, ok := fb.FlushTimeout()
	assert.False(t, ok)

	fb.Append([]byte("LEFTOVER"))
	assert.Empty(t, fb.DrainComplete())

	rec, ok := fb.FlushTimeout()
	require.True(t, ok)
	assert.Equal(t, "LEFTOVER", rec)

	_, ok = fb.FlushTimeout()
	assert.False(t, ok, "flush yields the record exactly once")

	fb.Append([]byte("   "))
	_, ok = fb.FlushTimeout()
	assert.False(t, ok)
	assert.False(t, fb.Pending())
}

func TestParseDelimiter(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected Delimiter
	}{
		{"auto", "", nil},
		{"escaped crlf", `\r\n`, Delimiter("\r\n")},
		{"tab and nul", `\t\0`, Delimiter{'\t', 0}},
		{"backslash", `a\\b`, Delimiter(`a\b`)},
		{"unknown escape kept", `\q`, Delimiter(`\q`)},
		{"plain text", "END", Delimiter("END")},
		{"hex", "0x0D0A", Delimiter{0x0d, 0x0a}},
		{"hex separators", "0x03 02-1f:ff", Delimiter{0x03, 0x02, 0x1f, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDelimiter(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseDelimiter_MalformedHexFallsBackToLiteral(t *testing.T) {
	got, err := ParseDelimiter("0xZZ")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMalformedDelimiter)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, Delimiter("0xZZ"), got)

	got, err = ParseDelimiter("0x")
	require.Error(t, err)
	assert.Equal(t, Delimiter("0x"), got)
}

func TestDelimiterString(t *testing.T) {
	assert.Equal(t, "auto", Delimiter(nil).String())
	assert.Equal(t, `\r\n`, Delimiter("\r\n").String())
	assert.Equal(t, `\x03;`, Delimiter{0x03, ';'}.String())
}
