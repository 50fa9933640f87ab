package dashboard

import (
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/ashureev/botdesk/internal/domain"
)

func TestNavigateToCurrentViewIsNoop(t *testing.T) {
	nav := NewNavigator(NewHub(nil))
	var seen []domain.View
	nav.OnNavigate(func(v domain.View) { seen = append(seen, v) })

	nav.Navigate(domain.ViewLogin)
	nav.Navigate(domain.ViewLogin)
	assert.Equal(t, []domain.View{domain.ViewLogin}, seen)

	nav.Visit(domain.ViewDashboard)
	nav.Navigate(domain.ViewDashboard)
	assert.Len(t, seen, 1)

	nav.Navigate(domain.ViewLogin)
	assert.Len(t, seen, 2)
	assert.Equal(t, domain.ViewLogin, nav.Current())
}

func tabConn(h *Hub, tabID string) *websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active[tabID]
}

func TestHubRegister(t *testing.T) {
	hub := NewHub(nil)
	conn := &websocket.Conn{}

	hub.Register("tab-1", conn)
	assert.Same(t, conn, tabConn(hub, "tab-1"))
	assert.Equal(t, 1, hub.Count())

	hub.Unregister("tab-1", conn)
	assert.Nil(t, tabConn(hub, "tab-1"))
	assert.Zero(t, hub.Count())
}

func TestHubUnregisterStale(t *testing.T) {
	hub := NewHub(nil)
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	hub.Register("tab-1", conn1)
	hub.Register("tab-2", conn2)
	hub.Unregister("tab-2", conn1)

	assert.Same(t, conn2, tabConn(hub, "tab-2"))
	assert.Equal(t, 2, hub.Count())
}
