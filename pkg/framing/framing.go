// Package framing turns an arbitrarily chunked byte stream into discrete scan
// records.
//
// A FrameBuffer either uses a fixed delimiter byte sequence or, in auto mode,
// treats any of CR, LF or CRLF as a record boundary. Records are trimmed and
// blank records are dropped. A trailing record without a terminator is only
// released by FlushTimeout, which the caller invokes once the stream has been
// idle for its flush timeout.
package framing

import (
	"bytes"
	"strings"
)

// Delimiter is a frame boundary. An empty Delimiter selects auto mode.
type Delimiter []byte

// IsAuto reports whether d selects CR / LF / CRLF boundaries.
func (d Delimiter) IsAuto() bool {
	return len(d) == 0
}

// String renders d with escapes so it can be logged.
func (d Delimiter) String() string {
	if d.IsAuto() {
		return "auto"
	}
	return escape(d)
}

// FrameBuffer accumulates bytes and yields complete records. It is not safe
// for concurrent use; each ingestion loop owns one.
type FrameBuffer struct {
	delim Delimiter
	acc   []byte
}

// New creates a FrameBuffer with a fixed delimiter policy.
func New(delim Delimiter) *FrameBuffer {
	return &FrameBuffer{delim: append(Delimiter(nil), delim...)}
}

// Delimiter returns the boundary policy.
func (fb *FrameBuffer) Delimiter() Delimiter {
	return fb.delim
}

// Append buffers raw bytes.
func (fb *FrameBuffer) Append(p []byte) {
	fb.acc = append(fb.acc, p...)
}

// DrainComplete removes every complete frame from the accumulator and returns
// the non-blank records in stream order.
func (fb *FrameBuffer) DrainComplete() []string {
	var records []string
	for {
		end, consumed := fb.nextBoundary()
		if end < 0 {
			break
		}
		if rec := strings.TrimSpace(string(fb.acc[:end])); rec != "" {
			records = append(records, rec)
		}
		fb.acc = fb.acc[end+consumed:]
	}
	fb.compact()
	return records
}

// FlushTimeout returns the whole accumulator as one record and clears it.
// The second result is false when nothing but whitespace was pending.
func (fb *FrameBuffer) FlushTimeout() (string, bool) {
	if len(fb.acc) == 0 {
		return "", false
	}
	rec := strings.TrimSpace(string(fb.acc))
	fb.Reset()
	return rec, rec != ""
}

// Pending reports whether unframed bytes are buffered.
func (fb *FrameBuffer) Pending() bool {
	return len(fb.acc) > 0
}

// Len returns the number of unframed bytes.
func (fb *FrameBuffer) Len() int {
	return len(fb.acc)
}

// Reset discards any unframed bytes.
func (fb *FrameBuffer) Reset() {
	fb.acc = fb.acc[:0]
}

// nextBoundary returns the index where the next record ends and how many
// boundary bytes follow it, or -1 when no boundary is buffered.
func (fb *FrameBuffer) nextBoundary() (int, int) {
	if !fb.delim.IsAuto() {
		i := bytes.Index(fb.acc, fb.delim)
		if i < 0 {
			return -1, 0
		}
		return i, len(fb.delim)
	}

	i := bytes.IndexAny(fb.acc, "\r\n")
	if i < 0 {
		return -1, 0
	}
	if fb.acc[i] == '\r' && i+1 < len(fb.acc) && fb.acc[i+1] == '\n' {
		return i, 2
	}
	return i, 1
}

// compact moves leftover bytes to the front once the consumed prefix
// dominates, so long sessions do not pin the original backing array.
func (fb *FrameBuffer) compact() {
	if len(fb.acc) == 0 {
		fb.acc = nil
		return
	}
	if cap(fb.acc) > 4096 && len(fb.acc) < cap(fb.acc)/4 {
		fb.acc = append([]byte(nil), fb.acc...)
	}
}
