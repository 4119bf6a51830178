// Package realtime pushes state changes to connected UIs over WebSocket.
package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// Event names sent to clients.
const (
	EventSessionState    = "session_state"
	EventCloudRecordings = "cloud_recordings"
	EventProfile         = "profile"
	EventAuthState       = "auth_state"
)

// Hub tracks connected clients and fans events out to them. The latest
// message of every event is kept so a new client starts from current state.
type Hub struct {
	clients map[string]*Client
	latest  map[string]WSMessage
	order   []string
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		latest:  make(map[string]WSMessage),
		logger:  logger,
	}
}

// Register adds a client and queues the latest message of every event to it.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	replay := make([]WSMessage, 0, len(h.order))
	for _, ev := range h.order {
		replay = append(replay, h.latest[ev])
	}
	count := len(h.clients)
	h.mu.Unlock()

	for _, msg := range replay {
		c.enqueue(msg)
	}
	h.logger.Debug("ui client connected", zap.String("client_id", c.ID), zap.Int("clients", count))
}

// Unregister removes a client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ui client disconnected", zap.String("client_id", c.ID), zap.Int("clients", count))
}

// Broadcast sends event to every client. Clients whose buffer is full miss
// the message; the next one carries the full state again.
func (h *Hub) Broadcast(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("encode event failed", zap.String("event", event), zap.Error(err))
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.Lock()
	if _, seen := h.latest[event]; !seen {
		h.order = append(h.order, event)
	}
	h.latest[event] = msg
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(msg)
	}
}

// Replay queues the latest message of every event to one client.
func (h *Hub) Replay(clientID string) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	replay := make([]WSMessage, 0, len(h.order))
	for _, ev := range h.order {
		replay = append(replay, h.latest[ev])
	}
	h.mu.RUnlock()
	if !ok {
		return
	}
	for _, msg := range replay {
		c.enqueue(msg)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
