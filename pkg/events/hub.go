package events

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/looplab/loopcore/pkg/logging"
)

// Client represents one websocket connection registered with the hub.
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan Event

	mu       sync.RWMutex
	channels map[string]bool
}

// NewClient creates a hub client for an upgraded connection.
func NewClient(id, userID string, conn *websocket.Conn) *Client {
	return &Client{
		ID:       id,
		UserID:   userID,
		Conn:     conn,
		Send:     make(chan Event, 64),
		channels: make(map[string]bool),
	}
}

// Subscribe adds the client to a channel.
func (c *Client) Subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = true
}

// Unsubscribe removes the client from a channel.
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
}

// SubscribedTo reports whether the client subscribed to a channel.
func (c *Client) SubscribedTo(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[channel]
}

// Hub manages websocket connections and event routing
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	logger  *logging.Logger
}

// NewHub creates a new hub
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  logger,
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client registered", "client_id", client.ID, "user_id", client.UserID, "clients", count)
}

// Unregister removes a client and closes its send channel
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.Send)
	}
	h.mu.Unlock()
	h.logger.Debug("client unregistered", "client_id", client.ID)
}

// Broadcast sends an event to every connected client
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		h.deliver(client, event)
	}
}

// SendToUser sends an event to all connections of one user
func (h *Hub) SendToUser(userID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.UserID == userID {
			h.deliver(client, event)
		}
	}
}

// BroadcastToChannel sends an event to subscribers of a channel
func (h *Hub) BroadcastToChannel(channel string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.SubscribedTo(channel) {
			h.deliver(client, event)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// deliver enqueues without blocking; a client with a full send buffer drops
// the event and catches up through the store change feed on reconnect.
func (h *Hub) deliver(client *Client, event Event) {
	select {
	case client.Send <- event:
	default:
		h.logger.Warn("dropping event for slow client", "client_id", client.ID, "type", event.Type)
	}
}

// Close unregisters every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.Send)
		if client.Conn != nil {
			client.Conn.Close()
		}
	}
}
