// Package websocket streams layout change events to connected editors so
// they can drop stale layouts without polling.
package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/logging"
	"github.com/fieldops/layoutd/internal/recommender"
)

// staleAfter is how long a client may stay silent, pongs included
const staleAfter = 90 * time.Second

type outbound struct {
	entityType string
	data       []byte
}

// Hub tracks connected clients and fans events out to them. Clients that
// subscribed to entity types only receive events for those types; clients
// without subscriptions receive everything.
type Hub struct {
	clients   map[*Client]bool
	clientsMu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	logger *zap.Logger
	done   chan struct{}
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 256),
		unregister: make(chan *Client, 256),
		broadcast:  make(chan outbound, 1024),
		logger:     logging.OrNop(logger),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns once ctx is done, after closing
// every client connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.cleanup()
			return

		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			h.clientsMu.Unlock()
			h.logger.Debug("stream client registered", zap.String("client_id", client.ID), zap.Int("clients", h.ClientCount()))

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.fanOut(msg)

		case <-cleanupTicker.C:
			h.cleanupStaleConnections()
		}
	}
}

// Done is closed once Run has returned
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Publish queues a layout event for delivery. It never blocks; events are
// dropped when the hub is saturated or stopped.
func (h *Hub) Publish(event recommender.Event) {
	data, err := marshalMessage(event.Type, event)
	if err != nil {
		h.logger.Error("stream event not encoded", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- outbound{entityType: event.EntityType, data: data}:
	default:
		h.logger.Warn("stream broadcast queue full, event dropped",
			zap.String("entity_type", event.EntityType), zap.Int64("version", event.Version))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) fanOut(msg outbound) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for client := range h.clients {
		if !client.wants(msg.entityType) {
			continue
		}
		select {
		case client.send <- msg.data:
		default:
			h.logger.Warn("stream client send buffer full, event skipped", zap.String("client_id", client.ID))
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debug("stream client unregistered", zap.String("client_id", client.ID), zap.Int("clients", len(h.clients)))
	}
}

// cleanup closes all client connections
func (h *Hub) cleanup() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	h.logger.Info("stream hub shutting down", zap.Int("clients", len(h.clients)))
	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
	}
	h.clients = make(map[*Client]bool)
}

// cleanupStaleConnections drops clients that have not been heard from recently
func (h *Hub) cleanupStaleConnections() {
	h.clientsMu.RLock()
	var stale []*Client
	for client := range h.clients {
		if time.Since(client.lastSeen()) > staleAfter {
			stale = append(stale, client)
		}
	}
	h.clientsMu.RUnlock()

	for _, client := range stale {
		h.logger.Info("removing stale stream client", zap.String("client_id", client.ID))
		h.remove(client)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}
