// Package guard decides whether a view may render given the session state.
package guard

import (
	"context"
	"net/http"

	"github.com/ashureev/botdesk/internal/domain"
	"github.com/ashureev/botdesk/internal/session"
)

// Requirement is the session precondition a view declares.
type Requirement int

const (
	// RequiresSession views are only for signed-in operators.
	RequiresSession Requirement = iota
	// RequiresNoSession views are only for signed-out visitors.
	RequiresNoSession
)

// Action is what the caller must do with the requested view.
type Action int

const (
	// Render shows the requested view.
	Render Action = iota
	// Placeholder shows a neutral waiting view and does not redirect.
	Placeholder
	// Redirect moves to Decision.Target.
	Redirect
)

func (a Action) String() string {
	switch a {
	case Render:
		return "render"
	case Placeholder:
		return "placeholder"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Target domain.View
	// Replace is set on redirects that must not leave a history entry.
	Replace bool
}

// Decide maps a session state and a view requirement to a decision.
func Decide(state session.State, req Requirement) Decision {
	switch state.Kind() {
	case session.KindLoading:
		return Decision{Action: Placeholder}
	case session.KindAnonymous:
		if req == RequiresSession {
			return Decision{Action: Redirect, Target: domain.ViewLogin, Replace: true}
		}
	case session.KindAuthenticated:
		if req == RequiresNoSession {
			return Decision{Action: Redirect, Target: domain.ViewDashboard, Replace: true}
		}
	}
	return Decision{Action: Render}
}

// StateSource reports the current session state.
type StateSource interface {
	State() session.State
}

type contextKey int

const identityKey contextKey = iota

// IdentityFromContext returns the operator a guarded request rendered for.
func IdentityFromContext(ctx context.Context) (domain.UserIdentity, bool) {
	id, ok := ctx.Value(identityKey).(domain.UserIdentity)
	return id, ok
}

// Middleware applies Decide to every request. Rendered requests carry the
// operator identity in their context when signed in.
func Middleware(src StateSource, req Requirement, placeholder http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := src.State()
			d := Decide(state, req)

			switch d.Action {
			case Placeholder:
				w.Header().Set("Cache-Control", "no-store")
				placeholder.ServeHTTP(w, r)
			case Redirect:
				w.Header().Set("Cache-Control", "no-store")
				http.Redirect(w, r, d.Target.Path(), http.StatusSeeOther)
			default:
				ctx := r.Context()
				if id, ok := state.Identity(); ok {
					ctx = context.WithValue(ctx, identityKey, id)
				}
				next.ServeHTTP(w, r.WithContext(ctx))
			}
		})
	}
}
