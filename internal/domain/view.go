package domain

import (
	"strconv"
	"strings"
)

// View names a navigable screen of the operator UI.
type View string

const (
	ViewLogin        View = "/login"
	ViewRegister     View = "/register"
	ViewDashboard    View = "/dashboard"
	ViewAddBot       View = "/bots/add"
	ViewConversation View = "/conversations/"
)

// ConversationView returns the view of a single conversation.
func ConversationView(id int64) View {
	return ViewConversation + View(strconv.FormatInt(id, 10))
}

// Path returns the URL path of the view.
func (v View) Path() string {
	return string(v)
}

// IsConversation reports whether v is a conversation view.
func (v View) IsConversation() bool {
	return strings.HasPrefix(string(v), string(ViewConversation)) && len(v) > len(ViewConversation)
}
