// Package backendtest provides an in-memory fake of the bot backend REST API
// for tests.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// naiveLayout mirrors the zone-less timestamps the real backend emits.
const naiveLayout = "2006-01-02T15:04:05.000000"

type user struct {
	id       int64
	email    string
	password string
	name     string
}

type bot struct {
	id       int64
	name     string
	username string
	active   bool
}

type message struct {
	id        int64
	role      string
	content   string
	createdAt time.Time
}

type conversation struct {
	id        int64
	firstName string
	username  string
	ai        bool
	messages  []message
}

// Server is a fake backend. All state is guarded by mu.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	nextID   int64
	clock    time.Time
	users    map[string]*user
	tokens   map[string]int64
	bots     []*bot
	convs    map[int64]*conversation
	hits     map[string]int
	failures map[string]int
	gates    map[string]chan struct{}
	held     map[string]int
}

// New starts a fake backend that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		clock:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		users:    make(map[string]*user),
		tokens:   make(map[string]int64),
		convs:    make(map[int64]*conversation),
		hits:     make(map[string]int),
		failures: make(map[string]int),
		gates:    make(map[string]chan struct{}),
		held:     make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("POST /api/auth/register", s.register)
	mux.HandleFunc("GET /api/auth/me", s.authed(s.me))
	mux.HandleFunc("GET /api/bots/{$}", s.authed(s.listBots))
	mux.HandleFunc("POST /api/bots/{$}", s.authed(s.createBot))
	mux.HandleFunc("PUT /api/bots/{id}/toggle", s.authed(s.toggleBot))
	mux.HandleFunc("GET /api/conversations/{$}", s.authed(s.listConversations))
	mux.HandleFunc("GET /api/conversations/{id}", s.authed(s.getConversation))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.authed(s.getMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.authed(s.sendMessage))
	mux.HandleFunc("PUT /api/conversations/{id}/control", s.authed(s.setControl))

	s.Server = httptest.NewServer(s.instrument(mux))
	t.Cleanup(s.Close)
	return s
}

func key(method, path string) string {
	return method + " " + path
}

// instrument counts hits, applies forced failures and holds gated requests.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		k := key(r.Method, r.URL.Path)

		s.mu.Lock()
		s.hits[k]++
		status := s.failures[k]
		gate := s.gates[k]
		s.mu.Unlock()

		if gate != nil {
			s.hold(k, 1)
			select {
			case <-gate:
				s.hold(k, -1)
			case <-r.Context().Done():
				s.hold(k, -1)
				return
			}
		}
		if status != 0 {
			writeJSON(w, status, map[string]string{"detail": "forced failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) hold(k string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[k] += delta
}

// Held returns how many requests to method+path are waiting at a gate.
func (s *Server) Held(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[key(method, path)]
}

// Hits returns how many requests reached method+path.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key(method, path)]
}

// Fail makes every request to method+path answer with status until Recover.
func (s *Server) Fail(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key(method, path)] = status
}

// Recover removes a failure installed by Fail.
func (s *Server) Recover(method, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, key(method, path))
}

// Gate holds requests to method+path until the returned release is called.
// Release is safe to call more than once.
func (s *Server) Gate(method, path string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[key(method, path)] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.gates, key(method, path))
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Server) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Server) tick() time.Time {
	s.clock = s.clock.Add(time.Minute)
	return s.clock
}

// AddUser registers an account directly.
func (s *Server) AddUser(email, password, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &user{id: s.id(), email: email, password: password, name: name}
	s.users[email] = u
	return u.id
}

// Token issues a valid bearer token for an existing account.
func (s *Server) Token(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issue(s.users[email].id)
}

// RevokeAll invalidates every issued token.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]int64)
}

func (s *Server) issue(userID int64) string {
	tok := fmt.Sprintf("tok-%d-%d", userID, s.id())
	s.tokens[tok] = userID
	return tok
}

// AddBot creates a bot.
func (s *Server) AddBot(name, username string, active bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &bot{id: s.id(), name: name, username: username, active: active}
	s.bots = append(s.bots, b)
	return b.id
}

// AddConversation creates a conversation and returns its id.
func (s *Server) AddConversation(firstName, username string, aiControlled bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &conversation{id: s.id(), firstName: firstName, username: username, ai: aiControlled}
	s.convs[c.id] = c
	return c.id
}

// AddConversationWithID creates a conversation under a fixed id.
func (s *Server) AddConversationWithID(id int64, firstName, username string, aiControlled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[id] = &conversation{id: id, firstName: firstName, username: username, ai: aiControlled}
	if id > s.nextID {
		s.nextID = id
	}
}

// AddMessage appends a message with an explicit timestamp. Messages are served
// in insertion order, so callers can insert them out of time order.
func (s *Server) AddMessage(convID int64, role, content string, at time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := message{id: s.id(), role: role, content: content, createdAt: at}
	c := s.convs[convID]
	c.messages = append(c.messages, m)
	return m.id
}

// AIControlled reports the stored control mode of a conversation.
func (s *Server) AIControlled(convID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[convID].ai
}

// SetAIControlled changes the stored control mode, as another operator would.
func (s *Server) SetAIControlled(convID int64, ai bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[convID].ai = ai
}

// MessageCount returns how many messages a conversation holds.
func (s *Server) MessageCount(convID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs[convID].messages)
}

// Handlers.

func (s *Server) authed(next func(http.ResponseWriter, *http.Request, *user)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		uid, ok := s.tokens[tok]
		var u *user
		if ok {
			for _, candidate := range s.users {
				if candidate.id == uid {
					u = candidate
				}
			}
		}
		s.mu.Unlock()
		if u == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}
		next(w, r, u)
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad form"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[r.PostForm.Get("username")]
	if !ok || u.password != r.PostForm.Get("password") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect email or password"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": s.issue(u.id), "token_type": "bearer"})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []map[string]string{{"msg": "invalid body"}}})
		return
	}
	if len(in.Password) < 6 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []map[string]string{{"msg": "String should have at least 6 characters"}}})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[in.Email]; exists {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Email already registered"})
		return
	}
	u := &user{id: s.id(), email: in.Email, password: in.Password, name: in.Name}
	s.users[in.Email] = u
	writeJSON(w, http.StatusCreated, userJSON(u))
}

func (s *Server) me(w http.ResponseWriter, _ *http.Request, u *user) {
	writeJSON(w, http.StatusOK, userJSON(u))
}

func (s *Server) listBots(w http.ResponseWriter, _ *http.Request, _ *user) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.bots))
	for _, b := range s.bots {
		out = append(out, s.botJSON(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createBot(w http.ResponseWriter, r *http.Request, _ *user) {
	var in struct {
		Token               string `json:"token"`
		Name                string `json:"name"`
		BusinessDescription string `json:"business_description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.Token) < 40 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid bot token"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &bot{id: s.id(), name: in.Name, username: strings.ToLower(in.Name) + "_bot", active: true}
	s.bots = append(s.bots, b)
	writeJSON(w, http.StatusOK, s.botJSON(b))
}

func (s *Server) toggleBot(w http.ResponseWriter, r *http.Request, _ *user) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bots {
		if b.id == id {
			b.active = !b.active
			writeJSON(w, http.StatusOK, s.botJSON(b))
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Bot not found"})
}

func (s *Server) listConversations(w http.ResponseWriter, _ *http.Request, _ *user) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.convs))
	for _, c := range s.convs {
		row := map[string]any{
			"id":                  c.id,
			"telegram_username":   nullable(c.username),
			"telegram_first_name": nullable(c.firstName),
			"is_ai_controlled":    c.ai,
			"last_message":        nil,
			"last_message_at":     nil,
			"unread_count":        0,
		}
		if n := len(c.messages); n > 0 {
			row["last_message"] = c.messages[n-1].content
			row["last_message_at"] = c.messages[n-1].createdAt.Format(naiveLayout)
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) *conversation {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	c, ok := s.convs[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Conversation not found"})
		return nil
	}
	return c
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request, _ *user) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(w, r)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                  c.id,
		"telegram_chat_id":    1000 + c.id,
		"telegram_username":   nullable(c.username),
		"telegram_first_name": nullable(c.firstName),
		"telegram_last_name":  nil,
		"is_ai_controlled":    c.ai,
		"is_active":           true,
		"created_at":          s.clock.Format(naiveLayout),
		"updated_at":          s.clock.Format(naiveLayout),
	})
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request, _ *user) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(w, r)
	if c == nil {
		return
	}
	msgs := make([]map[string]any, 0, len(c.messages))
	for _, m := range c.messages {
		msgs = append(msgs, messageJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id":  c.id,
		"is_ai_controlled": c.ai,
		"messages":         msgs,
	})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, _ *user) {
	var in struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Content == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []map[string]string{{"msg": "content required"}}})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(w, r)
	if c == nil {
		return
	}
	m := message{id: s.id(), role: "owner", content: in.Content, createdAt: s.tick()}
	c.messages = append(c.messages, m)
	writeJSON(w, http.StatusOK, messageJSON(m))
}

func (s *Server) setControl(w http.ResponseWriter, r *http.Request, _ *user) {
	var in struct {
		IsAIControlled bool `json:"is_ai_controlled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []map[string]string{{"msg": "invalid body"}}})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(w, r)
	if c == nil {
		return
	}
	c.ai = in.IsAIControlled
	writeJSON(w, http.StatusOK, map[string]bool{"is_ai_controlled": c.ai})
}

func (s *Server) botJSON(b *bot) map[string]any {
	return map[string]any{
		"id":                  b.id,
		"name":                b.name,
		"bot_username":        nullable(b.username),
		"is_active":           b.active,
		"conversations_count": len(s.convs),
	}
}

func userJSON(u *user) map[string]any {
	return map[string]any{
		"id":         u.id,
		"email":      u.email,
		"name":       nullable(u.name),
		"created_at": "2026-01-01T00:00:00",
	}
}

func messageJSON(m message) map[string]any {
	return map[string]any{
		"id":         m.id,
		"role":       m.role,
		"content":    m.content,
		"created_at": m.createdAt.Format(naiveLayout),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
