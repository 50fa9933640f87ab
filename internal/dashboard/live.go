package dashboard

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/botdesk/internal/convsync"
	"github.com/ashureev/botdesk/internal/middleware"
)

const (
	eventNavigate     = "navigate"
	eventSession      = "session"
	eventConversation = "conversation"
	eventPong         = "pong"
)

var tabIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// event is a message pushed to browser tabs.
type event struct {
	Type           string        `json:"type"`
	Path           string        `json:"path,omitempty"`
	State          string        `json:"state,omitempty"`
	ConversationID int64         `json:"conversation_id,omitempty"`
	Mode           string        `json:"mode,omitempty"`
	AIControlled   bool          `json:"ai_controlled,omitempty"`
	Sending        bool          `json:"sending,omitempty"`
	Messages       []liveMessage `json:"messages,omitempty"`
}

type liveMessage struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	RoleLabel string `json:"role_label"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// clientMessage is a message received from a browser tab.
type clientMessage struct {
	Type string `json:"type"`
}

func conversationEvent(snap convsync.Snapshot) event {
	msgs := make([]liveMessage, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		msgs = append(msgs, liveMessage{
			ID:        m.ID,
			Role:      string(m.Role),
			RoleLabel: m.Role.Label(),
			Content:   m.Content,
			CreatedAt: stamp(m.CreatedAt),
		})
	}
	return event{
		Type:           eventConversation,
		ConversationID: snap.Conversation.ID,
		Mode:           snap.Conversation.ModeLabel(),
		AIControlled:   snap.Conversation.IsAIControlled,
		Sending:        snap.Sending,
		Messages:       msgs,
	}
}

func tabIDFromRequest(r *http.Request) string {
	id := strings.TrimSpace(r.URL.Query().Get("tab"))
	if id == "" || !tabIDPattern.MatchString(id) {
		return uuid.NewString()
	}
	return id
}

// serveLive streams navigation, session and conversation events to a tab.
func (s *Server) serveLive(w http.ResponseWriter, r *http.Request) {
	// Accept answers 403 itself unless the origin is the dashboard's own or listed.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: middleware.OriginHosts(s.origins),
	})
	if err != nil {
		s.logger.Warn("Failed to accept WebSocket", "origin", r.Header.Get("Origin"), "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "tab closed"); closeErr != nil {
			s.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	tabID := tabIDFromRequest(r)
	s.hub.Register(tabID, ws)
	defer s.hub.Unregister(tabID, ws)

	if e := s.sw.Current(); e != nil {
		if err := s.hub.Send(ws, conversationEvent(e.Snapshot())); err != nil {
			s.logger.Debug("Failed to send initial snapshot", "tab_id", tabID, "error", err)
		}
	}

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				s.logger.Debug("WebSocket closed by client", "tab_id", tabID)
			} else {
				s.logger.Debug("WebSocket read error", "tab_id", tabID, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := s.hub.Send(ws, event{Type: eventPong}); err != nil {
				s.logger.Debug("Failed to send pong", "error", err)
			}
		}
	}
}

// watch forwards e's state changes to every tab until e is closed.
func (s *Server) watch(e *convsync.Engine) {
	s.mu.Lock()
	if s.watched == e {
		s.mu.Unlock()
		return
	}
	s.watched = e
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for range e.Updates() {
			s.hub.Broadcast(conversationEvent(e.Snapshot()))
		}
	}()
}
