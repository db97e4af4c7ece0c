// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stats

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luxfi/bidfleet/pkg/bidding"
	"github.com/luxfi/bidfleet/pkg/log"
)

// clientEventBuffer is the per-client backlog of undelivered events; a
// client that falls further behind is disconnected.
const clientEventBuffer = 32

// clientWriteTimeout bounds each websocket write so a dead peer cannot
// wedge its writer goroutine indefinitely.
const clientWriteTimeout = 5 * time.Second

// Hub fans fleet events out to connected websocket clients. It implements
// bidding.EventSink; Publish never blocks the caller. Each client has its
// own buffered send channel drained by a writer goroutine, so a slow or
// stalled peer is dropped instead of stalling the publisher.
type Hub struct {
	log log.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]chan bidding.FleetEvent
	closed bool

	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub(logger log.Logger) *Hub {
	return &Hub{
		log:   logger,
		conns: make(map[*websocket.Conn]chan bidding.FleetEvent),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish queues the event to every connected client. Clients whose send
// buffer is full are disconnected; the supervisor's notify path must never
// wait on a peer.
func (h *Hub) Publish(ev bidding.FleetEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn, send := range h.conns {
		select {
		case send <- ev:
		default:
			h.log.Debug("dropping slow event stream client")
			delete(h.conns, conn)
			close(send)
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for conn, send := range h.conns {
		delete(h.conns, conn)
		close(send)
	}
}

// remove unregisters the connection; safe to call more than once. The
// closed send channel ends the writer loop, which closes the socket.
func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if send, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		close(send)
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	send := make(chan bidding.FleetEvent, clientEventBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[conn] = send
	h.mu.Unlock()

	h.log.Debug("event stream client connected", "remote", r.RemoteAddr)

	go h.writeLoop(conn, send)

	// Drain client frames so pings are answered; the stream is one-way.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()
}

func (h *Hub) writeLoop(conn *websocket.Conn, send <-chan bidding.FleetEvent) {
	defer conn.Close()
	for ev := range send {
		_ = conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			h.remove(conn)
			return
		}
	}
}
