package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NetCVGuy/ScanFetch/eventbus"
)

const (
	sseRetryMillis = 5000
	writeWait      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleSSE streams every event published after the client connected.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := s.bus.Subscribe()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	defer sub.Close()

	s.streams.Add(1)
	defer s.streams.Add(-1)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(map[string]string{
		"instance":   s.instanceID,
		"request_id": RequestID(r.Context()),
	})
	fmt.Fprintf(w, "event: connected\nid: 0\ndata: %s\n\n", hello)
	fmt.Fprintf(w, "retry: %d\n\n", sseRetryMillis)
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Kind, ev.ID, data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket sends every event as a JSON text message. Client messages
// are read only to notice the close.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Hijacked responses skip w.Header(), so the request ID goes in explicitly.
	hdr := http.Header{}
	hdr.Set(requestIDHeader, RequestID(r.Context()))
	conn, err := upgrader.Upgrade(w, r, hdr)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, err := s.bus.Subscribe()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event stream unavailable"),
			time.Now().Add(writeWait))
		return
	}
	defer sub.Close()

	s.streams.Add(1)
	defer s.streams.Add(-1)
	s.logger.Debug("WebSocket client connected", "remote", r.RemoteAddr, "request_id", RequestID(r.Context()))

	// Pongs extend the read deadline; the reader exits on close or timeout.
	readDone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				s.logger.Debug("WebSocket write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev eventbus.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}

// Streams returns the number of connected SSE and WebSocket clients.
func (s *Server) Streams() int64 {
	return s.streams.Load()
}
