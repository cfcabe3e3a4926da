package eventbus

import (
	"time"
)

// Kind classifies a scanner event.
type Kind string

// Event kinds published by the ingestion pipeline and the supervisor.
const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindError        Kind = "error"
	KindLogMessage   Kind = "log"
	KindScanReceived Kind = "scan"
	KindAppStarted   Kind = "app_started"
	KindAppStopped   Kind = "app_stopped"
)

// Kinds lists every known kind.
var Kinds = []Kind{
	KindConnected, KindDisconnected, KindError, KindLogMessage,
	KindScanReceived, KindAppStarted, KindAppStopped,
}

// ParseKind returns the Kind named s, accepting the legacy CamelCase names.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "ScannerConnected", "Connected":
		return KindConnected, true
	case "ScannerDisconnected", "Disconnected":
		return KindDisconnected, true
	case "ScannerError", "Error":
		return KindError, true
	case "LogMessage":
		return KindLogMessage, true
	case "ScanReceived":
		return KindScanReceived, true
	case "ApplicationStarted", "AppStarted":
		return KindAppStarted, true
	case "ApplicationStopped", "AppStopped":
		return KindAppStopped, true
	}
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Event is an immutable record of something that happened to a scanner or
// the application. ID and Timestamp are assigned on publish, so history is
// ordered by both.
type Event struct {
	ID             uint64    `json:"id"`
	Kind           Kind      `json:"type"`
	Source         string    `json:"scanner"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	RemoteEndpoint string    `json:"remote,omitempty"`
	Details        string    `json:"details,omitempty"`
}

// Connected builds a Connected event.
func Connected(source, remote string) Event {
	return Event{Kind: KindConnected, Source: source, RemoteEndpoint: remote, Message: "scanner connected"}
}

// Disconnected builds a Disconnected event.
func Disconnected(source, remote, message string) Event {
	if message == "" {
		message = "scanner disconnected"
	}
	return Event{Kind: KindDisconnected, Source: source, RemoteEndpoint: remote, Message: message}
}

// Failure builds an Error event carrying err as detail.
func Failure(source, remote, message string, err error) Event {
	ev := Event{Kind: KindError, Source: source, RemoteEndpoint: remote, Message: message}
	if err != nil {
		ev.Details = err.Error()
	}
	return ev
}

// Log builds a LogMessage event.
func Log(source, message string) Event {
	return Event{Kind: KindLogMessage, Source: source, Message: message}
}

// ScanReceived builds the event announcing an admitted scan.
func ScanReceived(source, remote, code string) Event {
	return Event{Kind: KindScanReceived, Source: source, RemoteEndpoint: remote, Message: code}
}
