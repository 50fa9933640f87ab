package dashboard

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/botdesk/internal/convsync"
	"github.com/ashureev/botdesk/internal/domain"
	"github.com/ashureev/botdesk/internal/session"
	"github.com/ashureev/botdesk/internal/transport"
)

type credentialsForm struct {
	Email string
	Name  string
}

type dashboardData struct {
	BotID         int64
	Bots          []domain.Bot
	Conversations []domain.ConversationSummary
}

// errorMessage turns an operation error into text shown next to the form.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		return "Invalid email or password."
	case errors.Is(err, transport.ErrNetwork):
		return "The backend is unreachable. Try again."
	case errors.Is(err, convsync.ErrSendInFlight):
		return "A message is already being sent."
	}
	if d := transport.Detail(err); d != "" {
		return d
	}
	return "Something went wrong. Try again."
}

// rejected reports whether err ended the session; the response then points
// the browser to the login view.
func rejected(w http.ResponseWriter, r *http.Request, err error) bool {
	if !errors.Is(err, transport.ErrUnauthorized) {
		return false
	}
	http.Redirect(w, r, domain.ViewLogin.Path(), http.StatusSeeOther)
	return true
}

func redirect(w http.ResponseWriter, r *http.Request, view domain.View) {
	http.Redirect(w, r, view.Path(), http.StatusSeeOther)
}

func (s *Server) loginPage(w http.ResponseWriter, r *http.Request) {
	s.nav.Visit(domain.ViewLogin)
	s.render(w, http.StatusOK, "login", s.newPage(r, "Log in", credentialsForm{}))
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")

	if _, err := s.session.Login(r.Context(), email, password); err != nil {
		s.logger.Info("Login failed", "email", email, "error", err)
		p := s.newPage(r, "Log in", credentialsForm{Email: email})
		p.Error = errorMessage(err)
		s.render(w, http.StatusUnprocessableEntity, "login", p)
		return
	}
	redirect(w, r, domain.ViewDashboard)
}

func (s *Server) registerPage(w http.ResponseWriter, r *http.Request) {
	s.nav.Visit(domain.ViewRegister)
	s.render(w, http.StatusOK, "register", s.newPage(r, "Register", credentialsForm{}))
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	form := credentialsForm{
		Email: strings.TrimSpace(r.PostFormValue("email")),
		Name:  strings.TrimSpace(r.PostFormValue("name")),
	}
	if _, err := s.session.Register(r.Context(), form.Email, r.PostFormValue("password"), form.Name); err != nil {
		s.logger.Info("Registration failed", "email", form.Email, "error", err)
		p := s.newPage(r, "Register", form)
		p.Error = errorMessage(err)
		s.render(w, http.StatusUnprocessableEntity, "register", p)
		return
	}
	redirect(w, r, domain.ViewDashboard)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.sw.Close()
	s.session.Logout()
	s.nav.Visit(domain.ViewLogin)
	redirect(w, r, domain.ViewLogin)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	s.renderDashboard(w, r, http.StatusOK, "")
}

func (s *Server) renderDashboard(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.nav.Visit(domain.ViewDashboard)
	s.sw.Close()

	data := dashboardData{}
	if v := r.URL.Query().Get("bot_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
			data.BotID = id
		}
	}

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		data.Bots, err = s.api.ListBots(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		data.Conversations, err = s.api.ListConversations(ctx, data.BotID)
		return err
	})
	err := g.Wait()
	if rejected(w, r, err) {
		return
	}

	p := s.newPage(r, "Dashboard", data)
	p.Error = message
	if err != nil {
		s.logger.Error("Failed to load dashboard", "error", err)
		p.Error = errorMessage(err)
	}
	s.render(w, status, "dashboard", p)
}

func (s *Server) toggleBot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		redirect(w, r, domain.ViewDashboard)
		return
	}
	bot, err := s.api.ToggleBot(r.Context(), id)
	if rejected(w, r, err) {
		return
	}
	if err != nil {
		s.logger.Error("Failed to toggle bot", "bot_id", id, "error", err)
		s.renderDashboard(w, r, http.StatusUnprocessableEntity, errorMessage(err))
		return
	}
	s.logger.Info("Bot toggled", "bot_id", bot.ID, "active", bot.IsActive)
	redirect(w, r, domain.ViewDashboard)
}

func (s *Server) addBotPage(w http.ResponseWriter, r *http.Request) {
	s.nav.Visit(domain.ViewAddBot)
	s.render(w, http.StatusOK, "addbot", s.newPage(r, "Add bot", domain.NewBot{}))
}

func (s *Server) addBot(w http.ResponseWriter, r *http.Request) {
	nb := domain.NewBot{
		Token:               strings.TrimSpace(r.PostFormValue("token")),
		Name:                strings.TrimSpace(r.PostFormValue("name")),
		BusinessDescription: strings.TrimSpace(r.PostFormValue("business_description")),
	}
	bot, err := s.api.CreateBot(r.Context(), nb)
	if rejected(w, r, err) {
		return
	}
	if err != nil {
		s.logger.Info("Failed to add bot", "name", nb.Name, "error", err)
		p := s.newPage(r, "Add bot", nb)
		p.Error = errorMessage(err)
		s.render(w, http.StatusUnprocessableEntity, "addbot", p)
		return
	}
	s.logger.Info("Bot added", "bot_id", bot.ID, "name", bot.Name)
	redirect(w, r, domain.ViewDashboard)
}

// engine returns the open engine for the request's conversation, opening it
// if needed. On failure the response has been written.
func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*convsync.Engine, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		redirect(w, r, domain.ViewDashboard)
		return nil, false
	}
	e, err := s.sw.Open(r.Context(), id)
	if err != nil {
		if !rejected(w, r, err) {
			s.logger.Warn("Failed to open conversation", "conversation_id", id, "error", err)
			redirect(w, r, domain.ViewDashboard)
		}
		return nil, false
	}
	s.watch(e)
	return e, true
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	s.nav.Visit(domain.ConversationView(e.ID()))

	snap := e.Snapshot()
	p := s.newPage(r, snap.Conversation.PeerDisplayName, snap)
	p.ConversationID = e.ID()
	s.render(w, http.StatusOK, "conversation", p)
}

func (s *Server) conversationState(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conversationEvent(e.Snapshot()))
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	content := r.PostFormValue("content")
	if strings.TrimSpace(content) != "" {
		e.SetDraft(content)
	}

	err := e.Send(r.Context(), content)
	if rejected(w, r, err) {
		return
	}
	if err != nil && !errors.Is(err, convsync.ErrEmptyMessage) {
		s.logger.Info("Message not sent", "conversation_id", e.ID(), "error", err)
	}
	redirect(w, r, domain.ConversationView(e.ID()))
}

func (s *Server) toggleControl(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	_, err := e.ToggleControl(r.Context())
	if rejected(w, r, err) {
		return
	}
	redirect(w, r, domain.ConversationView(e.ID()))
}
