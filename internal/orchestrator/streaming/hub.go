// Package streaming implements the activity streaming hub (§2 supplemented
// features): a websocket hub that broadcasts the application's StateSnapshot
// (§4.8) to every connected client after each state mutation. It is purely
// observability — no client ever drives orchestrator behavior through it.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// Client is one connected websocket observer.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger
}

// NewClient wraps an accepted websocket connection.
func NewClient(id string, conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, 16),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// WritePump drains send onto the connection until it is closed, grounded on
// the teacher's Hub/Client split (internal/orchestrator/streaming/hub.go)
// adapted from per-task routing to a single broadcast-only snapshot feed.
func (c *Client) WritePump() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.logger.Debug("websocket write failed, dropping client", zap.Error(err))
			return
		}
	}
	_ = c.conn.Close()
}

// Hub fans out StateSnapshot broadcasts to every registered client and
// implements state.Broadcaster.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan v1.StateSnapshot

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an empty hub. Call Run in a goroutine before Register/Broadcast.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan v1.StateSnapshot, 64),
		logger:     log.WithFields(zap.String("component", "streaming-hub")),
	}
}

// Run processes register/unregister/broadcast until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case snapshot := <-h.broadcast:
			data, err := json.Marshal(snapshot)
			if err != nil {
				h.logger.Error("failed to marshal state snapshot", zap.Error(err))
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					h.logger.Warn("client send buffer full, dropping snapshot", zap.String("client_id", client.id))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds client to the broadcast set.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes client from the broadcast set.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast implements state.Broadcaster. It never blocks the caller beyond
// the channel's buffer: a hub that isn't keeping up drops snapshots rather
// than stalling state mutations.
func (h *Hub) Broadcast(snapshot v1.StateSnapshot) {
	select {
	case h.broadcast <- snapshot:
	default:
		h.logger.Warn("broadcast channel full, dropping state snapshot")
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
