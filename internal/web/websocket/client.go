package websocket

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/permissions"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send small control messages
	maxMessageSize = 4 * 1024
)

// Client is one stream connection
type Client struct {
	ID        string
	Principal permissions.Principal

	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu       sync.RWMutex
	topics   map[string]bool
	lastPing time.Time
}

func newClient(id string, p permissions.Principal, conn *websocket.Conn, hub *Hub, topics []string) *Client {
	c := &Client{
		ID:        id,
		Principal: p,
		conn:      conn,
		hub:       hub,
		send:      make(chan []byte, 64),
		topics:    make(map[string]bool),
		lastPing:  time.Now(),
	}
	for _, t := range topics {
		c.subscribe(t)
	}
	return c
}

// wants reports whether the client receives events for entityType
func (c *Client) wants(entityType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.topics) == 0 || c.topics[entityType]
}

func (c *Client) subscribe(entityType string) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return
	}
	c.mu.Lock()
	c.topics[entityType] = true
	c.mu.Unlock()
}

func (c *Client) unsubscribe(entityType string) {
	c.mu.Lock()
	delete(c.topics, strings.TrimSpace(entityType))
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

func (c *Client) lastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

// readPump handles control messages until the connection drops
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("stream client read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		c.touch()
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(TypeError, map[string]string{"message": "malformed message"})
		return
	}

	switch msg.Type {
	case TypePing:
		c.reply(TypePong, map[string]interface{}{"timestamp": time.Now().UTC()})
	case TypeSubscribe, TypeUnsubscribe:
		var sub subscription
		if err := json.Unmarshal(msg.Data, &sub); err != nil || strings.TrimSpace(sub.EntityType) == "" {
			c.reply(TypeError, map[string]string{"message": "entityType is required"})
			return
		}
		if msg.Type == TypeSubscribe {
			c.subscribe(sub.EntityType)
		} else {
			c.unsubscribe(sub.EntityType)
		}
		c.reply(msg.Type, sub)
	default:
		c.reply(TypeError, map[string]string{"message": "unknown message type " + msg.Type})
	}
}

// reply queues a direct response. It runs on the read goroutine while the
// hub may be closing send, hence the recover.
func (c *Client) reply(messageType string, payload interface{}) {
	data, err := marshalMessage(messageType, payload)
	if err != nil {
		return
	}
	defer func() { recover() }()
	select {
	case c.send <- data:
	default:
	}
}

// writePump delivers queued messages and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
