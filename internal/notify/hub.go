// Package notify pushes upload events to websocket clients so open pages can
// refresh their listing.
package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 5 * time.Second
	// Events queued per client before it is considered stalled.
	sendBuffer = 16
)

// Event is a single notification sent to clients.
type Event struct {
	Type  string   `json:"type"`
	Files []string `json:"files"`
	Time  string   `json:"time"`
}

// UploadEvent builds the event sent after files were saved.
func UploadEvent(files []string) Event {
	return Event{
		Type:  "upload",
		Files: files,
		Time:  time.Now().UTC().Format(time.RFC3339),
	}
}

// client is one event connection. Only its writer goroutine writes to conn.
type client struct {
	conn *websocket.Conn
	send chan Event
}

// writer delivers queued events until send is closed, then says goodbye.
func (c *client) writer(logger *zap.Logger) {
	defer c.conn.Close()
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			logger.Debug("event write failed", zap.Error(err))
			// Unblocks the read loop, which unregisters the client.
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(writeWait))
}

// Hub tracks connected clients and broadcasts events to them.
type Hub struct {
	clients  map[*client]struct{}
	mu       sync.Mutex
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and keeps the client registered until it
// disconnects. Messages sent by clients are discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan Event, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	go c.writer(h.logger)
	h.logger.Debug("event client connected", zap.String("remote", r.RemoteAddr))

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(c)
	h.logger.Debug("event client disconnected", zap.String("remote", r.RemoteAddr))
}

// remove unregisters c and stops its writer. It is a no-op for clients
// already removed.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Broadcast queues ev for every client without waiting for delivery. Clients
// whose queue is full are dropped.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Debug("dropping stalled event client")
			h.removeLocked(c)
		}
	}
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}
