// Package dashboard serves the operator's browser UI: server-rendered pages
// gated on session state and a websocket feed of live updates.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/botdesk/internal/convsync"
	"github.com/ashureev/botdesk/internal/domain"
	"github.com/ashureev/botdesk/internal/guard"
	"github.com/ashureev/botdesk/internal/middleware"
	"github.com/ashureev/botdesk/internal/session"
	"github.com/ashureev/botdesk/web"
)

// Backend is the part of the backend API the pages call directly.
type Backend interface {
	ListBots(ctx context.Context) ([]domain.Bot, error)
	ToggleBot(ctx context.Context, botID int64) (domain.Bot, error)
	CreateBot(ctx context.Context, nb domain.NewBot) (domain.Bot, error)
	ListConversations(ctx context.Context, botID int64) ([]domain.ConversationSummary, error)
}

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server.
type Deps struct {
	Session        *session.Controller
	Backend        Backend
	Switcher       *convsync.Switcher
	Store          Pinger
	Navigator      *Navigator
	// AllowedOrigins lists pages other than the dashboard itself that may
	// post to it or open the live feed.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server is the dashboard HTTP server.
type Server struct {
	session *session.Controller
	api     Backend
	sw      *convsync.Switcher
	store   Pinger
	nav     *Navigator
	hub     *Hub
	tmpl    *template.Template
	origins []string
	logger  *slog.Logger

	unsubscribe func()
	wg          sync.WaitGroup

	mu      sync.Mutex
	watched *convsync.Engine
}

// New creates a Server and hooks it into session and navigation changes.
func New(d Deps) (*Server, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tmpl, err := web.Templates(template.FuncMap{"stamp": stamp})
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	s := &Server{
		session: d.Session,
		api:     d.Backend,
		sw:      d.Switcher,
		store:   d.Store,
		nav:     d.Navigator,
		hub:     d.Navigator.hub,
		tmpl:    tmpl,
		origins: d.AllowedOrigins,
		logger:  logger,
	}

	s.nav.OnNavigate(func(view domain.View) {
		if view != domain.ViewLogin {
			return
		}
		s.session.Invalidate()
		// The rejected request may be the open engine's own poll, which
		// Close waits for.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sw.Close()
		}()
	})
	s.unsubscribe = s.session.Subscribe(func(st session.State) {
		s.hub.Broadcast(event{Type: eventSession, State: st.Kind().String()})
	})
	return s, nil
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(s.origins))
	r.Use(middleware.SameOrigin(s.origins))

	r.Get("/health", s.health)
	r.Handle("/static/*", web.StaticHandler())
	r.Get("/ws/live", s.serveLive)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, domain.ViewDashboard.Path(), http.StatusSeeOther)
	})

	placeholder := http.HandlerFunc(s.placeholder)

	r.Group(func(r chi.Router) {
		r.Use(guard.Middleware(s.session, guard.RequiresNoSession, placeholder))
		r.Get("/login", s.loginPage)
		r.Post("/login", s.login)
		r.Get("/register", s.registerPage)
		r.Post("/register", s.register)
	})

	r.Group(func(r chi.Router) {
		r.Use(guard.Middleware(s.session, guard.RequiresSession, placeholder))
		r.Post("/logout", s.logout)
		r.Get("/dashboard", s.dashboard)
		r.Get("/bots/add", s.addBotPage)
		r.Post("/bots/add", s.addBot)
		r.Post("/bots/{id}/toggle", s.toggleBot)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", s.conversation)
			r.Get("/state", s.conversationState)
			r.Post("/messages", s.send)
			r.Post("/control", s.toggleControl)
		})
	})

	return r
}

// Close closes the open conversation and every live tab.
func (s *Server) Close() {
	s.unsubscribe()
	s.sw.Close()
	s.hub.CloseAll()
	s.wg.Wait()
}

// health reports the state of the credential store and the session.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status":  "healthy",
		"session": s.session.State().Kind().String(),
		"checks":  checks,
	}
	statusCode := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	writeJSON(w, statusCode, status)
}

// page is the data every template receives.
type page struct {
	Title          string
	Refresh        int
	ConversationID int64
	Operator       *domain.UserIdentity
	Error          string
	Data           any
}

func (s *Server) newPage(r *http.Request, title string, data any) page {
	p := page{Title: title, Data: data}
	if id, ok := guard.IdentityFromContext(r.Context()); ok {
		p.Operator = &id
	}
	return p
}

func (s *Server) render(w http.ResponseWriter, status int, name string, p page) {
	var buf bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&buf, name, p); err != nil {
		s.logger.Error("Failed to render page", "template", name, "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Debug("Failed to write page", "template", name, "error", err)
	}
}

func (s *Server) placeholder(w http.ResponseWriter, r *http.Request) {
	p := s.newPage(r, "Loading", nil)
	p.Refresh = 1
	s.render(w, http.StatusOK, "placeholder", p)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// stamp formats a message or summary timestamp for display.
func stamp(v any) string {
	var t time.Time
	switch tv := v.(type) {
	case time.Time:
		t = tv
	case *time.Time:
		if tv == nil {
			return ""
		}
		t = *tv
	default:
		return ""
	}
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("Jan 2 15:04")
}
