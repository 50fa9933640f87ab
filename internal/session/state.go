package session

import "github.com/ashureev/botdesk/internal/domain"

// Kind enumerates the readiness states of a session.
type Kind int

const (
	// KindLoading is the state before restoration completes.
	KindLoading Kind = iota
	// KindAnonymous means no usable credential is held.
	KindAnonymous
	// KindAuthenticated means the credential was accepted by the backend.
	KindAuthenticated
)

func (k Kind) String() string {
	switch k {
	case KindLoading:
		return "loading"
	case KindAnonymous:
		return "anonymous"
	case KindAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// State is a session state. The identity is only reachable when the state is
// authenticated.
type State struct {
	kind     Kind
	identity domain.UserIdentity
}

// Loading returns the initial state.
func Loading() State { return State{kind: KindLoading} }

// Anonymous returns the signed-out state.
func Anonymous() State { return State{kind: KindAnonymous} }

// Authenticated returns the signed-in state for id.
func Authenticated(id domain.UserIdentity) State {
	return State{kind: KindAuthenticated, identity: id}
}

// Kind reports which state s is.
func (s State) Kind() Kind { return s.kind }

// Identity returns the signed-in user. ok is false unless s is authenticated.
func (s State) Identity() (id domain.UserIdentity, ok bool) {
	if s.kind != KindAuthenticated {
		return domain.UserIdentity{}, false
	}
	return s.identity, true
}

func (s State) String() string {
	if s.kind == KindAuthenticated {
		return "authenticated(" + s.identity.Email + ")"
	}
	return s.kind.String()
}
