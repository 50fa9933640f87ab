package domain

import (
	"cmp"
	"slices"
	"time"
)

// UnknownPeer is shown when the backend knows neither name nor handle of a peer.
const UnknownPeer = "Unknown"

// Conversation is the locally cached record of the conversation being viewed.
type Conversation struct {
	ID              int64  `json:"id"`
	PeerDisplayName string `json:"peer_display_name"`
	PeerHandle      string `json:"peer_handle,omitempty"`
	IsAIControlled  bool   `json:"is_ai_controlled"`
}

// ModeLabel returns the human readable control mode.
func (c Conversation) ModeLabel() string {
	if c.IsAIControlled {
		return "AI Mode"
	}
	return "Manual Mode"
}

// ConversationSummary is a row of the conversations list.
type ConversationSummary struct {
	ID              int64      `json:"id"`
	PeerDisplayName string     `json:"peer_display_name"`
	PeerHandle      string     `json:"peer_handle,omitempty"`
	IsAIControlled  bool       `json:"is_ai_controlled"`
	LastMessage     string     `json:"last_message,omitempty"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
}

// ModeLabel returns the human readable control mode.
func (c ConversationSummary) ModeLabel() string {
	return Conversation{IsAIControlled: c.IsAIControlled}.ModeLabel()
}

// PeerDisplayName picks the first non-empty of first name and handle.
func PeerDisplayName(firstName, handle string) string {
	switch {
	case firstName != "":
		return firstName
	case handle != "":
		return handle
	default:
		return UnknownPeer
	}
}

// Role identifies who authored a message.
type Role string

const (
	// RoleCustomer is the end user talking to the bot.
	RoleCustomer Role = "customer"
	// RoleAssistant is the automated responder.
	RoleAssistant Role = "assistant"
	// RoleOperator is the human operator using this client.
	RoleOperator Role = "operator"
)

// Label returns the short label shown next to a message.
func (r Role) Label() string {
	switch r {
	case RoleCustomer:
		return "Customer"
	case RoleAssistant:
		return "AI"
	default:
		return "You"
	}
}

// Message is an immutable conversation entry.
type Message struct {
	ID        int64     `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SortMessages orders messages by CreatedAt ascending, ties broken by ID.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
