package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"teamchat/internal/models"
)

var readyFrame, _ = json.Marshal(models.ChangeEvent{Operation: models.OpReady})

// Hub fans change events out to the connected clients of the users they
// concern. A user may hold several connections.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	mu      sync.RWMutex
	clients map[string]map[*Client]bool
	done    chan struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[string]map[*Client]bool),
		done:       make(chan struct{}),
		logger:     logger.With("component", "hub"),
	}
}

// Run processes registrations until ctx is done, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("change-feed hub started")
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			connections := h.clients[client.userID]
			if connections == nil {
				connections = make(map[*Client]bool)
				h.clients[client.userID] = connections
			}
			connections[client] = true
			select {
			case client.send <- readyFrame:
			default:
			}
			h.mu.Unlock()
			h.logger.Info("client connected", "user_id", client.userID, "connections", len(connections))

		case client := <-h.Unregister:
			h.mu.Lock()
			removed := h.removeLocked(client)
			h.mu.Unlock()
			if removed {
				h.logger.Info("client disconnected", "user_id", client.userID)
			}

		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for _, connections := range h.clients {
				for client := range connections {
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
			h.logger.Info("change-feed hub stopped")
			return
		}
	}
}

// Attach registers client, reporting false once the hub has stopped.
func (h *Hub) Attach(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) detach(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

// removeLocked drops a client and closes its send channel exactly once.
func (h *Hub) removeLocked(client *Client) bool {
	connections, ok := h.clients[client.userID]
	if !ok || !connections[client] {
		return false
	}
	delete(connections, client)
	if len(connections) == 0 {
		delete(h.clients, client.userID)
	}
	close(client.send)
	return true
}

// Publish delivers event to every connection of userIDs. A client whose
// buffer is full is disconnected; its session resyncs on reconnect.
func (h *Hub) Publish(event models.ChangeEvent, userIDs []string) error {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal change event", "table", event.Table, "error", err)
		return err
	}

	var slow []*Client
	delivered := 0
	h.mu.RLock()
	for _, userID := range userIDs {
		for client := range h.clients[userID] {
			select {
			case client.send <- data:
				delivered++
			default:
				slow = append(slow, client)
			}
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if h.removeLocked(client) {
				h.logger.Warn("dropping slow client", "user_id", client.userID)
			}
		}
		h.mu.Unlock()
	}
	h.logger.Debug("change event published",
		"table", event.Table, "operation", event.Operation, "recipients", len(userIDs), "delivered", delivered)
	return nil
}

// Connections reports how many connections userID holds.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
