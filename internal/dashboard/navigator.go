package dashboard

import (
	"sync"

	"github.com/ashureev/botdesk/internal/domain"
)

// Navigator records the view the operator is on and moves every open tab
// when the client itself decides to navigate, e.g. after the backend
// rejected the credential.
type Navigator struct {
	hub *Hub

	mu      sync.Mutex
	current domain.View
	hooks   []func(domain.View)
}

// NewNavigator creates a navigator that pushes to hub's tabs.
func NewNavigator(hub *Hub) *Navigator {
	return &Navigator{hub: hub}
}

// OnNavigate registers fn to run on every effective navigation.
func (n *Navigator) OnNavigate(fn func(domain.View)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hooks = append(n.hooks, fn)
}

// Navigate moves to view. Navigating to the current view does nothing.
func (n *Navigator) Navigate(view domain.View) {
	n.mu.Lock()
	if n.current == view {
		n.mu.Unlock()
		return
	}
	n.current = view
	hooks := append([]func(domain.View){}, n.hooks...)
	n.mu.Unlock()

	for _, fn := range hooks {
		fn(view)
	}
	n.hub.Broadcast(event{Type: eventNavigate, Path: view.Path()})
}

// Visit records that view was rendered by a request, without pushing it.
func (n *Navigator) Visit(view domain.View) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = view
}

// Current returns the last visited or navigated view.
func (n *Navigator) Current() domain.View {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}
