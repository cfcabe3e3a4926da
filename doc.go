// Package scanfetch ingests barcode scans from networked scanners over TCP and
// forwards them to local files, an HTTP webhook and NATS.
//
// # Architecture
//
//	┌──────────────────────────────┐
//	│  Scanners (client or server) │  input/tcp: one Input per scanner
//	└──────────────┬───────────────┘
//	               ↓ raw bytes
//	┌──────────────────────────────┐
//	│  FrameBuffer                 │  pkg/framing: terminator or idle flush
//	└──────────────┬───────────────┘
//	               ↓ scan.Record
//	┌──────────────────────────────┐
//	│  Dispatcher                  │  processor/dispatch: NoRead, prefix
//	│                              │  filter, DedupCache admission
//	└──────────────┬───────────────┘
//	               ↓ fan-out
//	┌────────┐ ┌──────────┐ ┌──────┐
//	│  File  │ │ HTTPPost │ │ NATS │  output/*
//	└────────┘ └──────────┘ └──────┘
//
// The service package supervises the scanner connections. With cancel_on_any
// set, all scanners form one linked cycle and the first failure ends it; the
// cycle restarts after retry_delay when auto retry is on. Without it, every
// scanner retries on its own.
//
// Every lifecycle change, admitted scan and error is published on the
// eventbus. The gateway/http package serves that stream over WebSocket along
// with status, history and Prometheus metrics.
//
// # Binaries
//
//   - cmd/scanfetch: the ingestion service
//   - cmd/testscanner: a scanner emulator for bench and integration testing
package scanfetch
