package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const sendBuffer = 256

// Client represents a connected WebSocket client.
type Client struct {
	conn    *websocket.Conn
	remote  string
	monitor string // Only forward messages for this monitor; empty means all
	send    chan Message
	logger  *zap.Logger
}

// wants reports whether msg passes the client's monitor filter. Batch
// completions carry no monitor ID and only reach unfiltered clients.
func (c *Client) wants(msg Message) bool {
	return c.monitor == "" || c.monitor == msg.MonitorID
}

// Hub manages active WebSocket connections and broadcasts messages.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxClients int
	logger     *zap.Logger
}

// NewHub creates a new WebSocket hub. maxClients <= 0 means unlimited.
func NewHub(logger *zap.Logger, maxClients int) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxClients: maxClients,
		logger:     logger,
	}
}

// Register adds a client to the hub. It returns false when the hub is full.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	if h.maxClients > 0 && len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected",
		zap.String("remote", c.remote),
		zap.String("monitor", c.monitor),
	)
	return true
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug("websocket client disconnected", zap.String("remote", c.remote))
}

// Broadcast sends a message to every client whose filter accepts it. Slow
// clients lose messages rather than stall the publisher.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			droppedMessages.Inc()
			h.logger.Debug("client send buffer full, dropping message",
				zap.String("remote", c.remote),
				zap.String("type", string(msg.Type)))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump sends messages from the client's send channel to the WebSocket.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				// Channel closed by hub (unregister).
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := wsjson.Write(writeCtx, c.conn, msg); err != nil {
				cancel()
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}
			cancel()
		}
	}
}

// readPump reads from the WebSocket to detect client disconnect.
// Clients are read-only consumers, so anything they send is drained.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}
