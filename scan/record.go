// Package scan defines the value that flows from scanner inputs through the
// dedup gate to the sinks.
package scan

import (
	"strings"
	"time"
)

// NoReadMarker is the substring scanners emit when a read attempt failed.
const NoReadMarker = "NoRead"

// Termination tells how a record was framed.
type Termination string

const (
	// Delimited records ended at a frame boundary.
	Delimited Termination = "delimited"
	// TimeoutFlushed records were released after the stream went idle.
	TimeoutFlushed Termination = "timeout"
	// ClosedFlushed records were released because the peer closed the stream.
	ClosedFlushed Termination = "closed"
)

// Record is one decoded scan. It is an immutable value.
type Record struct {
	Code           string      `json:"code"`
	Source         string      `json:"scanner"`
	SourceEndpoint string      `json:"remote,omitempty"`
	ObservedAt     time.Time   `json:"timestamp"`
	Termination    Termination `json:"termination,omitempty"`
}

// RejectReason classifies why a record never reached the dedup gate.
type RejectReason string

const (
	RejectNone   RejectReason = ""
	RejectBlank  RejectReason = "blank"
	RejectNoRead RejectReason = "no_read"
)

// Reject reports whether code must be dropped before dedup and why.
func Reject(code string) RejectReason {
	if strings.TrimSpace(code) == "" {
		return RejectBlank
	}
	if strings.Contains(code, NoReadMarker) {
		return RejectNoRead
	}
	return RejectNone
}
