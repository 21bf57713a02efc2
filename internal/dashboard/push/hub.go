// Package push bridges the event bus (§6) onto a WebSocket fan-out so
// dashboard clients see process lifecycle, permission, and cache-stream
// events as they happen.
package push

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
	"github.com/jenova-marie/iris-mcp-sub002/internal/events/bus"
)

// Hub fans out bus events to every connected WebSocket client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	log *logger.Logger
}

// NewHub creates an unstarted Hub; call Run to start its processing loop.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		log:        log,
	}
}

// Run processes registration and broadcast traffic until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case data := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.log.Warn("dashboard client send buffer full, dropping", zap.String("client_id", c.id))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a client to the hub's fan-out set.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes a client from the hub's fan-out set.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// SubscribeBus wires every event on subjectPattern from b into the hub's
// broadcast channel. subjectPattern may use NATS-style wildcards.
func (h *Hub) SubscribeBus(b bus.Bus, subjectPattern string) error {
	_, err := b.Subscribe(subjectPattern, func(_ context.Context, e *bus.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- data:
		default:
			h.log.Warn("dashboard broadcast channel full, dropping event", zap.String("type", e.Type))
		}
		return nil
	})
	return err
}

// ClientCount reports the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
