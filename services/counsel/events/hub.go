// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// hubClientBuffer is the per-subscriber queue length. A subscriber that
	// falls this far behind starts losing events.
	hubClientBuffer = 256

	hubWriteTimeout = 5 * time.Second
	hubPongTimeout  = 60 * time.Second
	hubPingInterval = 30 * time.Second
)

var hubDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "counsel",
	Subsystem: "events",
	Name:      "dropped_total",
	Help:      "Events dropped because a websocket subscriber was too slow.",
})

// Frame is the JSON envelope written to websocket subscribers.
type Frame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Hub is a Broadcaster that fans events out to websocket subscribers.
//
// # Description
//
// Each subscriber gets a buffered queue drained by its own writer
// goroutine. Publish never blocks: when a queue is full the frame is
// dropped for that subscriber only. Subscribers may filter by run id with
// the "run_id" query parameter.
//
// # Thread Safety
//
// Safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*hubClient]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type hubClient struct {
	conn  *websocket.Conn
	send  chan Frame
	runID string
}

// NewHub creates an empty Hub. logger may be nil.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Publish implements Broadcaster.
func (h *Hub) Publish(event string, payload any) {
	frame := Frame{Event: event, Payload: payload}
	runID := payloadRunID(payload)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.runID != "" && c.runID != runID {
			continue
		}
		select {
		case c.send <- frame:
		default:
			hubDroppedTotal.Inc()
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and streams frames until
// the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("event stream upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &hubClient{
		conn:  conn,
		send:  make(chan Frame, hubClientBuffer),
		runID: r.URL.Query().Get("run_id"),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("event stream subscriber joined", slog.String("run_id", c.runID))

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards inbound messages and detects disconnects.
func (h *Hub) readLoop(c *hubClient) {
	defer h.remove(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	ticker := time.NewTicker(hubPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				h.logger.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// payloadRunID extracts the run id from the known payload types.
func payloadRunID(payload any) string {
	switch p := payload.(type) {
	case ChatProcessEvent:
		return p.RunID
	case ActivityStatus:
		return p.RunID
	default:
		return ""
	}
}
