package events

import (
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/civicdocs/backend/pkg/logger"
)

// Hub fans events out to connected websocket subscribers. A write
// failure drops that subscriber; lost events never affect pipeline
// correctness.
type Hub struct {
	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*websocket.Conn]struct{})}
}

func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	h.subs[conn] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	logger.Info("Status subscriber connected", zap.Int("subscribers", count))
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.subs, conn)
	count := len(h.subs)
	h.mu.Unlock()

	logger.Info("Status subscriber disconnected", zap.Int("subscribers", count))
}

func (h *Hub) Emit(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.subs {
		if err := conn.WriteJSON(event); err != nil {
			logger.Debug("Dropping status subscriber", zap.Error(err))
			conn.Close()
			delete(h.subs, conn)
		}
	}
}
