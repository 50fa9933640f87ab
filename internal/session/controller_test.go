package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/botdesk/internal/backend"
	"github.com/ashureev/botdesk/internal/backend/backendtest"
	"github.com/ashureev/botdesk/internal/domain"
	"github.com/ashureev/botdesk/internal/store"
	"github.com/ashureev/botdesk/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	srv   *backendtest.Server
	store *store.MemoryStore
	ctrl  *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{srv: backendtest.New(t), store: store.NewMemory()}
	nav := transport.NavigatorFunc(func(v domain.View) {
		if v == domain.ViewLogin {
			h.ctrl.Invalidate()
		}
	})
	api := backend.New(transport.New(h.srv.URL, h.store, nav))
	h.ctrl = NewController(api, h.store, nil)
	return h
}

func (h *harness) credential(t *testing.T) domain.Credential {
	t.Helper()
	cred, err := h.store.Get(context.Background())
	require.NoError(t, err)
	return cred
}

func TestInitialStateIsLoading(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, KindLoading, h.ctrl.State().Kind())
	_, ok := h.ctrl.State().Identity()
	assert.False(t, ok)
}

func TestRestore(t *testing.T) {
	t.Run("empty store", func(t *testing.T) {
		h := newHarness(t)
		s := h.ctrl.Restore(context.Background())
		assert.Equal(t, KindAnonymous, s.Kind())
		assert.Zero(t, h.srv.Hits("GET", "/api/auth/me"))
	})

	t.Run("accepted credential", func(t *testing.T) {
		h := newHarness(t)
		h.srv.AddUser("op@example.com", "secret1", "Olga")
		require.NoError(t, h.store.Set(context.Background(), domain.Credential(h.srv.Token("op@example.com"))))

		s := h.ctrl.Restore(context.Background())
		require.Equal(t, KindAuthenticated, s.Kind())
		id, ok := s.Identity()
		require.True(t, ok)
		assert.Equal(t, "op@example.com", id.Email)
	})

	t.Run("rejected credential", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Set(context.Background(), "stale"))

		s := h.ctrl.Restore(context.Background())
		assert.Equal(t, KindAnonymous, s.Kind())
		assert.True(t, h.credential(t).IsZero())
	})

	t.Run("backend down", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Set(context.Background(), "tok"))
		h.srv.Close()

		s := h.ctrl.Restore(context.Background())
		assert.Equal(t, KindAnonymous, s.Kind())
		assert.True(t, h.credential(t).IsZero())
	})

	t.Run("server error", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Set(context.Background(), "tok"))
		h.srv.Fail("GET", "/api/auth/me", 500)

		s := h.ctrl.Restore(context.Background())
		assert.Equal(t, KindAnonymous, s.Kind())
	})
}

func TestLoginThenLogout(t *testing.T) {
	h := newHarness(t)
	h.srv.AddUser("a@b.com", "secret1", "Ann")
	ctx := context.Background()
	h.ctrl.Restore(ctx)

	id, err := h.ctrl.Login(ctx, "a@b.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", id.Email)

	s := h.ctrl.State()
	require.Equal(t, KindAuthenticated, s.Kind())
	got, _ := s.Identity()
	assert.Equal(t, id, got)
	assert.False(t, h.credential(t).IsZero())

	h.ctrl.Logout()
	assert.Equal(t, KindAnonymous, h.ctrl.State().Kind())
	assert.True(t, h.credential(t).IsZero())
}

func TestLoginWrongPassword(t *testing.T) {
	h := newHarness(t)
	h.srv.AddUser("a@b.com", "secret1", "")
	ctx := context.Background()
	h.ctrl.Restore(ctx)

	_, err := h.ctrl.Login(ctx, "a@b.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, KindAnonymous, h.ctrl.State().Kind())
	assert.True(t, h.credential(t).IsZero())
}

func TestLoginNetworkError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ctrl.Restore(ctx)
	h.srv.Close()

	_, err := h.ctrl.Login(ctx, "a@b.com", "secret1")
	assert.ErrorIs(t, err, transport.ErrNetwork)
	assert.Equal(t, KindAnonymous, h.ctrl.State().Kind())
}

func TestRegister(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ctrl.Restore(ctx)

	id, err := h.ctrl.Register(ctx, "new@b.com", "secret1", "Neo")
	require.NoError(t, err)
	assert.Equal(t, "Neo", id.Name)
	assert.Equal(t, KindAuthenticated, h.ctrl.State().Kind())

	h.ctrl.Logout()
	_, err = h.ctrl.Register(ctx, "new@b.com", "secret1", "Neo")
	assert.ErrorIs(t, err, transport.ErrValidation)
	assert.Equal(t, "Email already registered", transport.Detail(err))
	assert.Equal(t, KindAnonymous, h.ctrl.State().Kind())
}

func TestRejectionElsewhereInvalidatesSession(t *testing.T) {
	h := newHarness(t)
	h.srv.AddUser("a@b.com", "secret1", "")
	ctx := context.Background()
	h.ctrl.Restore(ctx)
	_, err := h.ctrl.Login(ctx, "a@b.com", "secret1")
	require.NoError(t, err)

	h.srv.RevokeAll()
	api := backend.New(transport.New(h.srv.URL, h.store, transport.NavigatorFunc(func(domain.View) {
		h.ctrl.Invalidate()
	})))
	_, err = api.ListBots(ctx)
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
	assert.Equal(t, KindAnonymous, h.ctrl.State().Kind())
	assert.True(t, h.credential(t).IsZero())
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t)
	h.srv.AddUser("a@b.com", "secret1", "")

	var (
		mu   sync.Mutex
		seen []Kind
	)
	unsubscribe := h.ctrl.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Kind())
	})

	ctx := context.Background()
	h.ctrl.Restore(ctx)
	_, err := h.ctrl.Login(ctx, "a@b.com", "secret1")
	require.NoError(t, err)
	unsubscribe()
	h.ctrl.Logout()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Kind{KindAnonymous, KindAuthenticated}, seen)
}

// gatedAPI holds each login until its email's gate is released.
type gatedAPI struct {
	store   Store
	entered chan string
	mu      sync.Mutex
	gates   map[string]chan struct{}
}

func newGatedAPI(s Store) *gatedAPI {
	return &gatedAPI{store: s, entered: make(chan string, 4), gates: make(map[string]chan struct{})}
}

func (g *gatedAPI) gate(email string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[email]
	if !ok {
		ch = make(chan struct{})
		g.gates[email] = ch
	}
	return ch
}

func (g *gatedAPI) Login(ctx context.Context, email, _ string) (domain.Credential, error) {
	g.entered <- email
	select {
	case <-g.gate(email):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return domain.Credential("tok-" + email), nil
}

func (g *gatedAPI) Register(context.Context, string, string, string) error { return nil }

func (g *gatedAPI) Me(ctx context.Context) (domain.UserIdentity, error) {
	cred, err := g.store.Get(ctx)
	if err != nil {
		return domain.UserIdentity{}, err
	}
	return domain.UserIdentity{Email: strings.TrimPrefix(string(cred), "tok-")}, nil
}

func TestLaterLoginWins(t *testing.T) {
	mem := store.NewMemory()
	api := newGatedAPI(mem)
	ctrl := NewController(api, mem, nil)
	ctx := context.Background()
	ctrl.Restore(ctx)

	type result struct {
		id  domain.UserIdentity
		err error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)

	go func() {
		id, err := ctrl.Login(ctx, "first@b.com", "x")
		first <- result{id, err}
	}()
	require.Equal(t, "first@b.com", <-api.entered)

	go func() {
		id, err := ctrl.Login(ctx, "second@b.com", "x")
		second <- result{id, err}
	}()
	require.Equal(t, "second@b.com", <-api.entered)

	close(api.gate("second@b.com"))
	r2 := <-second
	require.NoError(t, r2.err)

	close(api.gate("first@b.com"))
	r1 := <-first
	assert.ErrorIs(t, r1.err, ErrSuperseded)

	id, ok := ctrl.State().Identity()
	require.True(t, ok)
	assert.Equal(t, "second@b.com", id.Email)
	cred, _ := mem.Get(ctx)
	assert.Equal(t, domain.Credential("tok-second@b.com"), cred)
}

func TestLogoutSupersedesPendingLogin(t *testing.T) {
	mem := store.NewMemory()
	api := newGatedAPI(mem)
	ctrl := NewController(api, mem, nil)
	ctx := context.Background()
	ctrl.Restore(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Login(ctx, "a@b.com", "x")
		done <- err
	}()
	<-api.entered

	ctrl.Logout()
	close(api.gate("a@b.com"))

	assert.ErrorIs(t, <-done, ErrSuperseded)
	assert.Equal(t, KindAnonymous, ctrl.State().Kind())
	cred, _ := mem.Get(ctx)
	assert.True(t, cred.IsZero())
}

// meGatedAPI holds each identity fetch until the gate of the credential it
// was made with is released. The stale credential's fetch fails as if the
// backend were down.
type meGatedAPI struct {
	store   Store
	entered chan domain.Credential
	gates   map[domain.Credential]chan struct{}
}

func (m *meGatedAPI) Login(context.Context, string, string) (domain.Credential, error) {
	return "fresh", nil
}

func (m *meGatedAPI) Register(context.Context, string, string, string) error { return nil }

func (m *meGatedAPI) Me(ctx context.Context) (domain.UserIdentity, error) {
	cred, err := m.store.Get(ctx)
	if err != nil {
		return domain.UserIdentity{}, err
	}
	m.entered <- cred
	<-m.gates[cred]
	if cred == "stale" {
		return domain.UserIdentity{}, fmt.Errorf("%w: connection refused", transport.ErrNetwork)
	}
	// The request goes out now, signed with whatever the store holds.
	if now, _ := m.store.Get(ctx); now != cred {
		return domain.UserIdentity{}, errors.New("sent without the stored credential")
	}
	return domain.UserIdentity{Email: "op@example.com"}, nil
}

func TestFailedRestoreKeepsLaterLoginCredential(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, "stale"))
	api := &meGatedAPI{
		store:   mem,
		entered: make(chan domain.Credential, 2),
		gates: map[domain.Credential]chan struct{}{
			"stale": make(chan struct{}),
			"fresh": make(chan struct{}),
		},
	}
	ctrl := NewController(api, mem, nil)

	restored := make(chan State, 1)
	go func() { restored <- ctrl.Restore(ctx) }()
	require.Equal(t, domain.Credential("stale"), <-api.entered)

	loggedIn := make(chan error, 1)
	go func() {
		_, err := ctrl.Login(ctx, "op@example.com", "x")
		loggedIn <- err
	}()
	require.Equal(t, domain.Credential("fresh"), <-api.entered)

	close(api.gates["stale"])
	<-restored
	cred, _ := mem.Get(ctx)
	assert.Equal(t, domain.Credential("fresh"), cred)

	close(api.gates["fresh"])
	require.NoError(t, <-loggedIn)

	id, ok := ctrl.State().Identity()
	require.True(t, ok)
	assert.Equal(t, "op@example.com", id.Email)
	cred, _ = mem.Get(ctx)
	assert.Equal(t, domain.Credential("fresh"), cred)
}
