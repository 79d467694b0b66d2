package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a slow client may hold up a broadcast.
const writeWait = 250 * time.Millisecond

// Event is the JSON envelope pushed to WebSocket clients.
type Event struct {
	Type    string `json:"type"` // "devices", "state" or "status"
	Payload any    `json:"payload"`
}

// Hub fans events out to connected WebSocket clients.
type Hub struct {
	// sendMu serializes every write to client connections, so a joining
	// client's snapshot and a broadcast never interleave.
	sendMu sync.Mutex

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]struct{})}
}

// Add registers conn for broadcasts.
func (h *Hub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

// Join writes the events returned by snapshot to conn and registers it, with
// broadcasts held off until both are done. Any broadcast after the snapshot
// is therefore delivered. On a failed write conn is closed and not added.
func (h *Hub) Join(conn *websocket.Conn, snapshot func() []Event) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	for _, ev := range snapshot() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
			return err
		}
	}
	h.Add(conn)
	return nil
}

// Remove unregisters and closes conn. Safe to call more than once.
func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends ev to every client in parallel. Clients that fail or miss
// the write deadline are dropped.
func (h *Hub) Broadcast(ev Event) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []*websocket.Conn
	)
	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteJSON(ev); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, c := range failed {
		slog.Debug("[WS] dropping client", "remote", c.RemoteAddr())
		h.Remove(c)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
