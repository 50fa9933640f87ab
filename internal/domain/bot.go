package domain

// Bot is a messaging bot summary owned by the operator.
type Bot struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Username           string `json:"bot_username,omitempty"`
	IsActive           bool   `json:"is_active"`
	ConversationsCount int    `json:"conversations_count"`
}

// NewBot carries the fields needed to register a bot with the backend.
type NewBot struct {
	Token               string
	Name                string
	BusinessDescription string
}
