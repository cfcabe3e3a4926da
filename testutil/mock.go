// Package testutil provides in-process fakes for ScanFetch tests: a scripted
// scanner over loopback TCP, a recording sink and an embedded NATS server.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NetCVGuy/ScanFetch/scan"
)

// Common test errors
var (
	ErrMockFailed     = errors.New("mock operation failed")
	ErrMockConnection = errors.New("mock connection error")
)

// MockSink records every scan it is given. Thread-safe.
type MockSink struct {
	name string

	mu    sync.Mutex
	scans []scan.Record
	calls int

	// ProcessFunc, when set, decides the result of each call.
	ProcessFunc func(ctx context.Context, rec scan.Record) error
	// Delay is slept before each call returns.
	Delay time.Duration
}

// NewMockSink creates a sink called name.
func NewMockSink(name string) *MockSink {
	return &MockSink{name: name}
}

// Name returns the sink name.
func (m *MockSink) Name() string {
	return m.name
}

// ProcessScan records rec, then applies Delay and ProcessFunc. Failed calls
// are counted but not recorded.
func (m *MockSink) ProcessScan(ctx context.Context, rec scan.Record) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var err error
	if m.ProcessFunc != nil {
		err = m.ProcessFunc(ctx, rec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err == nil {
		m.scans = append(m.scans, rec)
	}
	return err
}

// Scans returns the successfully processed scans in order.
func (m *MockSink) Scans() []scan.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]scan.Record, len(m.scans))
	copy(out, m.scans)
	return out
}

// Codes returns the codes of the successfully processed scans.
func (m *MockSink) Codes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.scans))
	for i, s := range m.scans {
		out[i] = s.Code
	}
	return out
}

// Calls returns how many times ProcessScan returned.
func (m *MockSink) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
