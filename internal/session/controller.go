// Package session owns the operator's sign-in lifecycle: restoring a saved
// credential at startup, login, registration and logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/botdesk/internal/domain"
	"github.com/ashureev/botdesk/internal/transport"
)

var (
	// ErrInvalidCredentials means the backend refused the email/password pair.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrSuperseded means a later session operation completed first and this
	// one's result was discarded.
	ErrSuperseded = errors.New("superseded by a later session operation")
)

// API is the subset of the backend the controller calls.
type API interface {
	Login(ctx context.Context, email, password string) (domain.Credential, error)
	Register(ctx context.Context, email, password, name string) error
	Me(ctx context.Context) (domain.UserIdentity, error)
}

// Store is the credential storage the controller mutates.
type Store interface {
	Get(ctx context.Context) (domain.Credential, error)
	Set(ctx context.Context, cred domain.Credential) error
	Clear(ctx context.Context) error
}

// Controller is the single source of truth for session state.
//
// Every operation takes a generation number when it starts. Its outcome is
// applied only if no later-started operation has been applied already, so the
// latest operation to start wins. Writes to the store follow the same order:
// an operation never overwrites or clears a credential stored by a later one.
type Controller struct {
	api    API
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	started uint64
	applied uint64
	stored  uint64
	subs    map[int]func(State)
	nextSub int
}

// NewController creates a controller in the Loading state.
func NewController(api API, store Store, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		api:    api,
		store:  store,
		logger: logger,
		state:  Loading(),
		subs:   make(map[int]func(State)),
	}
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn to be called after every state change.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Controller) begin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
	return c.started
}

// applyLocked installs s for generation gen. c.mu must be held.
func (c *Controller) applyLocked(gen uint64, s State) ([]func(State), bool) {
	if gen <= c.applied {
		return nil, false
	}
	c.applied = gen
	c.state = s
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return subs, true
}

func notify(subs []func(State), s State) {
	for _, fn := range subs {
		fn(s)
	}
}

// apply installs s for gen and notifies subscribers.
func (c *Controller) apply(gen uint64, s State) bool {
	c.mu.Lock()
	subs, ok := c.applyLocked(gen, s)
	c.mu.Unlock()
	if ok {
		notify(subs, s)
	}
	return ok
}

// Restore leaves the Loading state, reusing a saved credential if the backend
// still accepts it. It never fails; any problem ends in Anonymous.
func (c *Controller) Restore(ctx context.Context) State {
	gen := c.begin()

	cred, err := c.store.Get(ctx)
	if err != nil {
		c.logger.Error("Failed to read saved credential", "error", err)
	}
	if err != nil || cred.IsZero() {
		c.apply(gen, Anonymous())
		return c.State()
	}

	id, err := c.api.Me(ctx)
	if err != nil {
		c.logger.Info("Saved credential not accepted", "error", err)
		c.discard(gen)
		return c.State()
	}

	if c.apply(gen, Authenticated(id)) {
		c.logger.Info("Session restored", "user_id", id.ID, "email", id.Email)
	}
	return c.State()
}

// discard clears the store and moves to Anonymous unless gen was superseded.
// A credential stored by a later operation is left alone.
func (c *Controller) discard(gen uint64) {
	c.mu.Lock()
	if gen <= c.applied {
		c.mu.Unlock()
		return
	}
	if gen >= c.stored {
		c.stored = gen
		if err := c.store.Clear(context.Background()); err != nil {
			c.logger.Error("Failed to clear credential", "error", err)
		}
	}
	subs, ok := c.applyLocked(gen, Anonymous())
	c.mu.Unlock()
	if ok {
		notify(subs, Anonymous())
	}
}

// Login exchanges email and password for a credential, persists it and
// fetches the identity. The state is unchanged on failure.
func (c *Controller) Login(ctx context.Context, email, password string) (domain.UserIdentity, error) {
	gen := c.begin()

	cred, err := c.api.Login(ctx, email, password)
	if err != nil {
		if errors.Is(err, transport.ErrUnauthorized) || errors.Is(err, transport.ErrValidation) {
			return domain.UserIdentity{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, transport.Detail(err))
		}
		return domain.UserIdentity{}, fmt.Errorf("login: %w", err)
	}

	c.mu.Lock()
	if gen <= c.applied || gen < c.stored {
		c.mu.Unlock()
		return domain.UserIdentity{}, ErrSuperseded
	}
	c.stored = gen
	err = c.store.Set(ctx, cred)
	c.mu.Unlock()
	if err != nil {
		return domain.UserIdentity{}, fmt.Errorf("save credential: %w", err)
	}

	id, err := c.api.Me(ctx)
	if err != nil {
		c.mu.Lock()
		if gen > c.applied && gen == c.stored {
			if clearErr := c.store.Clear(context.WithoutCancel(ctx)); clearErr != nil {
				c.logger.Error("Failed to clear credential", "error", clearErr)
			}
		}
		c.mu.Unlock()
		return domain.UserIdentity{}, fmt.Errorf("fetch identity: %w", err)
	}

	if !c.apply(gen, Authenticated(id)) {
		return domain.UserIdentity{}, ErrSuperseded
	}
	c.logger.Info("Operator logged in", "user_id", id.ID, "email", id.Email)
	return id, nil
}

// Register creates an account and then logs into it.
func (c *Controller) Register(ctx context.Context, email, password, name string) (domain.UserIdentity, error) {
	if err := c.api.Register(ctx, email, password, name); err != nil {
		return domain.UserIdentity{}, fmt.Errorf("register: %w", err)
	}
	c.logger.Info("Operator registered", "email", email)
	return c.Login(ctx, email, password)
}

// Logout clears the credential and moves to Anonymous immediately.
func (c *Controller) Logout() {
	gen := c.begin()

	c.mu.Lock()
	c.stored = gen
	if err := c.store.Clear(context.Background()); err != nil {
		c.logger.Error("Failed to clear credential on logout", "error", err)
	}
	subs, ok := c.applyLocked(gen, Anonymous())
	c.mu.Unlock()

	if ok {
		notify(subs, Anonymous())
		c.logger.Info("Operator logged out")
	}
}

// Invalidate moves an authenticated session to Anonymous after the backend
// rejected the credential elsewhere. The store is cleared by the transport.
func (c *Controller) Invalidate() {
	c.mu.Lock()
	if c.state.Kind() != KindAuthenticated {
		c.mu.Unlock()
		return
	}
	c.started++
	subs, ok := c.applyLocked(c.started, Anonymous())
	c.mu.Unlock()
	if ok {
		notify(subs, Anonymous())
	}
}
