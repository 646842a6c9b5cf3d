package websocket

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/web/auth"
	"github.com/fieldops/layoutd/internal/web/response"
)

// Upgrader upgrades authenticated HTTP requests to stream connections
type Upgrader struct {
	upgrader websocket.Upgrader
	hub      *Hub
}

// NewUpgrader creates an Upgrader registering clients with hub. checkOrigin
// may be nil to accept same-origin requests only.
func NewUpgrader(hub *Hub, checkOrigin func(r *http.Request) bool) *Upgrader {
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		hub: hub,
	}
}

// ServeHTTP handles upgrade requests. Repeated entityType query parameters
// subscribe the client to those entity types up front.
func (u *Upgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.CurrentPrincipal(r.Context())
	if !ok {
		response.RenderUnauthorized(w, "")
		return
	}

	select {
	case <-u.hub.Done():
		response.RenderErrorWithStatus(w, http.StatusServiceUnavailable, errHubStopped)
		return
	default:
	}

	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		u.hub.logger.Debug("stream upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.NewString(), principal, conn, u.hub, r.URL.Query()["entityType"])
	u.hub.register <- client

	go client.writePump()
	go client.readPump()

	u.hub.logger.Debug("stream connection established",
		zap.String("client_id", client.ID), zap.String("user_id", principal.UserID))
}

var errHubStopped = errors.New("event stream is shutting down")
