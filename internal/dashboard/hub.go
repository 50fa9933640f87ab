package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// Hub tracks the live websocket connection of every open browser tab.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		active: make(map[string]*websocket.Conn),
	}
}

// Count returns the number of registered tabs.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

// Register adds the connection of a tab, replacing an older one.
func (h *Hub) Register(tabID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, exists := h.active[tabID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "tab replaced")
	}
	h.active[tabID] = conn
	h.logger.Info("Live tab registered", "tab_id", tabID)
}

// Unregister removes a tab's connection if it is still the current one.
func (h *Hub) Unregister(tabID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, exists := h.active[tabID]; exists && current == conn {
		delete(h.active, tabID)
		h.logger.Info("Live tab unregistered", "tab_id", tabID)
	}
}

// CloseAll closes every registered connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.active, id)
	}
}

// Broadcast sends v as JSON to every tab. Write failures are logged and the
// tab is left for its reader to unregister.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode live event", "error", err)
		return
	}

	h.mu.RLock()
	conns := make(map[string]*websocket.Conn, len(h.active))
	for id, conn := range h.active {
		conns[id] = conn
	}
	h.mu.RUnlock()

	for id, conn := range conns {
		if err := write(conn, data); err != nil {
			h.logger.Debug("Live event write failed", "tab_id", id, "error", err)
		}
	}
}

// Send writes v as JSON to a single connection.
func (h *Hub) Send(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return write(conn, data)
}

func write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
