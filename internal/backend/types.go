package backend

import "github.com/ashureev/botdesk/internal/domain"

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type userResponse struct {
	ID    int64   `json:"id"`
	Email string  `json:"email"`
	Name  *string `json:"name"`
}

func (u userResponse) toDomain() domain.UserIdentity {
	id := domain.UserIdentity{ID: u.ID, Email: u.Email}
	if u.Name != nil {
		id.Name = *u.Name
	}
	return id
}

type botResponse struct {
	ID                 int64   `json:"id"`
	Name               string  `json:"name"`
	BotUsername        *string `json:"bot_username"`
	IsActive           bool    `json:"is_active"`
	ConversationsCount int     `json:"conversations_count"`
}

func (b botResponse) toDomain() domain.Bot {
	bot := domain.Bot{
		ID:                 b.ID,
		Name:               b.Name,
		IsActive:           b.IsActive,
		ConversationsCount: b.ConversationsCount,
	}
	if b.BotUsername != nil {
		bot.Username = *b.BotUsername
	}
	return bot
}

type createBotRequest struct {
	Token               string `json:"token"`
	Name                string `json:"name"`
	BusinessDescription string `json:"business_description"`
}

type conversationSummaryResponse struct {
	ID                int64     `json:"id"`
	TelegramUsername  *string   `json:"telegram_username"`
	TelegramFirstName *string   `json:"telegram_first_name"`
	IsAIControlled    bool      `json:"is_ai_controlled"`
	LastMessage       *string   `json:"last_message"`
	LastMessageAt     *wireTime `json:"last_message_at"`
}

func (c conversationSummaryResponse) toDomain() domain.ConversationSummary {
	handle := deref(c.TelegramUsername)
	return domain.ConversationSummary{
		ID:              c.ID,
		PeerDisplayName: domain.PeerDisplayName(deref(c.TelegramFirstName), handle),
		PeerHandle:      handle,
		IsAIControlled:  c.IsAIControlled,
		LastMessage:     deref(c.LastMessage),
		LastMessageAt:   c.LastMessageAt.ptr(),
	}
}

type conversationResponse struct {
	ID                int64   `json:"id"`
	TelegramUsername  *string `json:"telegram_username"`
	TelegramFirstName *string `json:"telegram_first_name"`
	IsAIControlled    bool    `json:"is_ai_controlled"`
}

func (c conversationResponse) toDomain() domain.Conversation {
	handle := deref(c.TelegramUsername)
	return domain.Conversation{
		ID:              c.ID,
		PeerDisplayName: domain.PeerDisplayName(deref(c.TelegramFirstName), handle),
		PeerHandle:      handle,
		IsAIControlled:  c.IsAIControlled,
	}
}

type messagesResponse struct {
	ConversationID int64             `json:"conversation_id"`
	IsAIControlled bool              `json:"is_ai_controlled"`
	Messages       []messageResponse `json:"messages"`
}

type messageResponse struct {
	ID        int64    `json:"id"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	CreatedAt wireTime `json:"created_at"`
}

func (m messageResponse) toDomain() domain.Message {
	return domain.Message{
		ID:        m.ID,
		Role:      roleFromWire(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt.Time,
	}
}

// roleFromWire maps backend roles (user, assistant, owner) onto domain roles.
func roleFromWire(role string) domain.Role {
	switch role {
	case "user":
		return domain.RoleCustomer
	case "assistant":
		return domain.RoleAssistant
	default:
		return domain.RoleOperator
	}
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type controlRequest struct {
	IsAIControlled bool `json:"is_ai_controlled"`
}

type controlResponse struct {
	IsAIControlled bool `json:"is_ai_controlled"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
