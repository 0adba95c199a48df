package handlers

import (
	"github.com/gofiber/websocket/v2"

	"github.com/civicdocs/backend/internal/events"
	"github.com/civicdocs/backend/pkg/logger"
)

type StatusHandler struct {
	hub *events.Hub
}

func NewStatusHandler(hub *events.Hub) *StatusHandler {
	return &StatusHandler{hub: hub}
}

// HandleConnection subscribes the client to the status event feed. The
// feed is one-way; inbound messages are only read to detect the close.
func (h *StatusHandler) HandleConnection(c *websocket.Conn) {
	h.hub.Register(c)

	defer func() {
		h.hub.Unregister(c)
		c.Close()
	}()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			logger.Debug("Status feed connection closed")
			return
		}
	}
}
