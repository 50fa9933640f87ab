// Package backend provides typed calls against the bot backend REST API.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ashureev/botdesk/internal/domain"
	"github.com/ashureev/botdesk/internal/transport"
)

// Client wraps the transport with one method per backend operation.
type Client struct {
	t *transport.Client
}

// New creates a backend client on top of t.
func New(t *transport.Client) *Client {
	return &Client{t: t}
}

// Login exchanges email and password for a bearer credential.
func (c *Client) Login(ctx context.Context, email, password string) (domain.Credential, error) {
	var out tokenResponse
	form := url.Values{
		"username": {email},
		"password": {password},
	}
	if err := c.t.Form(ctx, http.MethodPost, "/api/auth/login", form, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("login: empty access_token in response")
	}
	return domain.Credential(out.AccessToken), nil
}

// Register creates an operator account.
func (c *Client) Register(ctx context.Context, email, password, name string) error {
	in := registerRequest{Email: email, Password: password, Name: name}
	return c.t.JSON(ctx, http.MethodPost, "/api/auth/register", in, nil)
}

// Me returns the identity behind the current credential.
func (c *Client) Me(ctx context.Context) (domain.UserIdentity, error) {
	var out userResponse
	if err := c.t.JSON(ctx, http.MethodGet, "/api/auth/me", nil, &out); err != nil {
		return domain.UserIdentity{}, err
	}
	return out.toDomain(), nil
}

// ListBots returns the operator's bots.
func (c *Client) ListBots(ctx context.Context) ([]domain.Bot, error) {
	var out []botResponse
	if err := c.t.JSON(ctx, http.MethodGet, "/api/bots/", nil, &out); err != nil {
		return nil, err
	}
	bots := make([]domain.Bot, 0, len(out))
	for _, b := range out {
		bots = append(bots, b.toDomain())
	}
	return bots, nil
}

// ToggleBot flips a bot between active and inactive.
func (c *Client) ToggleBot(ctx context.Context, botID int64) (domain.Bot, error) {
	var out botResponse
	path := "/api/bots/" + strconv.FormatInt(botID, 10) + "/toggle"
	if err := c.t.JSON(ctx, http.MethodPut, path, nil, &out); err != nil {
		return domain.Bot{}, err
	}
	return out.toDomain(), nil
}

// CreateBot registers a new bot token with the backend.
func (c *Client) CreateBot(ctx context.Context, nb domain.NewBot) (domain.Bot, error) {
	in := createBotRequest{
		Token:               nb.Token,
		Name:                nb.Name,
		BusinessDescription: nb.BusinessDescription,
	}
	var out botResponse
	if err := c.t.JSON(ctx, http.MethodPost, "/api/bots/", in, &out); err != nil {
		return domain.Bot{}, err
	}
	return out.toDomain(), nil
}

// ListConversations returns conversation summaries, optionally for one bot (botID > 0).
func (c *Client) ListConversations(ctx context.Context, botID int64) ([]domain.ConversationSummary, error) {
	path := "/api/conversations/"
	if botID > 0 {
		path += "?bot_id=" + strconv.FormatInt(botID, 10)
	}
	var out []conversationSummaryResponse
	if err := c.t.JSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	convs := make([]domain.ConversationSummary, 0, len(out))
	for _, cv := range out {
		convs = append(convs, cv.toDomain())
	}
	return convs, nil
}

// GetConversation returns a single conversation record.
func (c *Client) GetConversation(ctx context.Context, id int64) (domain.Conversation, error) {
	var out conversationResponse
	if err := c.t.JSON(ctx, http.MethodGet, conversationPath(id), nil, &out); err != nil {
		return domain.Conversation{}, err
	}
	return out.toDomain(), nil
}

// MessagePage is the result of a message list fetch.
type MessagePage struct {
	ConversationID int64
	IsAIControlled bool
	Messages       []domain.Message
}

// GetMessages returns the conversation's messages in backend order.
func (c *Client) GetMessages(ctx context.Context, id int64) (MessagePage, error) {
	var out messagesResponse
	if err := c.t.JSON(ctx, http.MethodGet, conversationPath(id)+"/messages", nil, &out); err != nil {
		return MessagePage{}, err
	}
	page := MessagePage{
		ConversationID: out.ConversationID,
		IsAIControlled: out.IsAIControlled,
		Messages:       make([]domain.Message, 0, len(out.Messages)),
	}
	for _, m := range out.Messages {
		page.Messages = append(page.Messages, m.toDomain())
	}
	return page, nil
}

// SendMessage posts an operator message to the conversation.
func (c *Client) SendMessage(ctx context.Context, id int64, content string) (domain.Message, error) {
	var out messageResponse
	in := sendMessageRequest{Content: content}
	if err := c.t.JSON(ctx, http.MethodPost, conversationPath(id)+"/messages", in, &out); err != nil {
		return domain.Message{}, err
	}
	return out.toDomain(), nil
}

// SetControl switches the conversation between automated and manual mode and
// returns the mode the backend stored.
func (c *Client) SetControl(ctx context.Context, id int64, aiControlled bool) (bool, error) {
	var out controlResponse
	in := controlRequest{IsAIControlled: aiControlled}
	if err := c.t.JSON(ctx, http.MethodPut, conversationPath(id)+"/control", in, &out); err != nil {
		return false, err
	}
	return out.IsAIControlled, nil
}

func conversationPath(id int64) string {
	return "/api/conversations/" + strconv.FormatInt(id, 10)
}
