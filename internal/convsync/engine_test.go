package convsync

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/botdesk/internal/backend"
	"github.com/ashureev/botdesk/internal/backend/backendtest"
	"github.com/ashureev/botdesk/internal/domain"
	"github.com/ashureev/botdesk/internal/store"
	"github.com/ashureev/botdesk/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

const messagesPath = "/api/conversations/42/messages"

func withInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// setup serves conversation 42 with three messages stored out of order.
func setup(t *testing.T) (*backendtest.Server, *backend.Client) {
	t.Helper()
	srv := backendtest.New(t)
	srv.AddUser("op@example.com", "secret1", "")
	srv.AddConversationWithID(42, "Dana", "dana", true)
	srv.AddMessage(42, "assistant", "second", base.Add(2*time.Second))
	srv.AddMessage(42, "user", "first", base)
	srv.AddMessage(42, "user", "third", base.Add(3*time.Second))

	creds := store.NewMemory()
	require.NoError(t, creds.Set(context.Background(), domain.Credential(srv.Token("op@example.com"))))
	hc := &http.Client{}
	t.Cleanup(hc.CloseIdleConnections)
	return srv, backend.New(transport.New(srv.URL, creds, nil, transport.WithHTTPClient(hc)))
}

func open(t *testing.T, api API, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(context.Background(), api, 42, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func contents(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestOpenThenSend(t *testing.T) {
	srv, api := setup(t)
	e := open(t, api, withInterval(time.Hour))

	snap := e.Snapshot()
	assert.Equal(t, []string{"first", "second", "third"}, contents(snap.Messages))
	assert.Equal(t, "Dana", snap.Conversation.PeerDisplayName)
	assert.True(t, snap.Conversation.IsAIControlled)

	e.SetDraft("hello")
	require.NoError(t, e.Send(context.Background(), "hello"))

	snap = e.Snapshot()
	require.Len(t, snap.Messages, 4)
	assert.Equal(t, "hello", snap.Messages[3].Content)
	assert.Equal(t, domain.RoleOperator, snap.Messages[3].Role)
	assert.Empty(t, snap.Draft)
	assert.False(t, snap.Sending)
	assert.NoError(t, snap.LastError)
	assert.Equal(t, 4, srv.MessageCount(42))
}

func TestOpenLoadFailure(t *testing.T) {
	t.Run("unknown conversation", func(t *testing.T) {
		_, api := setup(t)
		_, err := Open(context.Background(), api, 7, nil)
		assert.ErrorIs(t, err, ErrLoadFailure)
		assert.ErrorIs(t, err, transport.ErrNotFound)
	})

	t.Run("messages fail", func(t *testing.T) {
		srv, api := setup(t)
		srv.Fail(http.MethodGet, messagesPath, http.StatusInternalServerError)
		_, err := Open(context.Background(), api, 42, nil)
		assert.ErrorIs(t, err, ErrLoadFailure)
		assert.ErrorIs(t, err, transport.ErrServer)
	})
}

func TestPollReplacesMessages(t *testing.T) {
	srv, api := setup(t)
	e := open(t, api, withInterval(10*time.Millisecond))

	srv.AddMessage(42, "user", "zeroth", base.Add(-time.Hour))

	require.Eventually(t, func() bool {
		return len(e.Snapshot().Messages) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "zeroth", e.Snapshot().Messages[0].Content)
}

func TestPollErrorsAreSwallowed(t *testing.T) {
	srv, api := setup(t)
	e := open(t, api, withInterval(10*time.Millisecond))

	srv.Fail(http.MethodGet, messagesPath, http.StatusInternalServerError)
	require.Eventually(t, func() bool {
		return srv.Hits(http.MethodGet, messagesPath) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, e.Snapshot().Messages, 3)
	assert.NoError(t, e.Snapshot().LastError)

	srv.Recover(http.MethodGet, messagesPath)
	srv.AddMessage(42, "user", "later", base.Add(time.Hour))
	require.Eventually(t, func() bool {
		return len(e.Snapshot().Messages) == 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPollReconcilesControlMode(t *testing.T) {
	srv, api := setup(t)
	e := open(t, api, withInterval(10*time.Millisecond))

	srv.SetAIControlled(42, false)
	require.Eventually(t, func() bool {
		return !e.Snapshot().Conversation.IsAIControlled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseStopsFetching(t *testing.T) {
	srv, api := setup(t)
	e, err := Open(context.Background(), api, 42, nil, withInterval(5*time.Millisecond))
	require.NoError(t, err)
	e.Close()
	e.Close()

	after := srv.Hits(http.MethodGet, messagesPath)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, srv.Hits(http.MethodGet, messagesPath))

	for range e.Updates() {
	}
	assert.ErrorIs(t, e.Send(context.Background(), "hi"), ErrClosed)
	_, err = e.ToggleControl(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Refresh(context.Background()), ErrClosed)
}

func TestCloseCancelsInFlightPoll(t *testing.T) {
	srv, api := setup(t)
	e, err := Open(context.Background(), api, 42, nil, withInterval(5*time.Millisecond))
	require.NoError(t, err)

	release := srv.Gate(http.MethodGet, messagesPath)
	defer release()
	require.Eventually(t, func() bool {
		return srv.Held(http.MethodGet, messagesPath) == 1
	}, 2*time.Second, time.Millisecond)

	e.Close()
	after := srv.Hits(http.MethodGet, messagesPath)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, srv.Hits(http.MethodGet, messagesPath))
}

func TestPollIsSingleFlight(t *testing.T) {
	srv, api := setup(t)
	e := open(t, api, withInterval(5*time.Millisecond))

	release := srv.Gate(http.MethodGet, messagesPath)
	defer release()
	require.Eventually(t, func() bool {
		return srv.Held(http.MethodGet, messagesPath) == 1
	}, 2*time.Second, time.Millisecond)

	stuck := srv.Hits(http.MethodGet, messagesPath)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stuck, srv.Hits(http.MethodGet, messagesPath))
	assert.Equal(t, 1, srv.Held(http.MethodGet, messagesPath))

	release()
	require.Eventually(t, func() bool {
		return srv.Hits(http.MethodGet, messagesPath) > stuck
	}, 2*time.Second, time.Millisecond)
	e.Close()
}

func TestSendRejectsBlank(t *testing.T) {
	srv, api := setup(t)
	e := open(t, api, withInterval(time.Hour))
	e.SetDraft("   ")
	before := e.Snapshot()

	assert.ErrorIs(t, e.Send(context.Background(), ""), ErrEmptyMessage)
	assert.ErrorIs(t, e.Send(context.Background(), "   "), ErrEmptyMessage)
	assert.ErrorIs(t, e.Send(context.Background(), "\n\t"), ErrEmptyMessage)

	assert.Zero(t, srv.Hits(http.MethodPost, messagesPath))
	assert.Equal(t, before, e.Snapshot())
}

func TestSendRejectsWhilePending(t *testing.T) {
	srv, api := setup(t)
	e := open(t, api, withInterval(time.Hour))

	release := srv.Gate(http.MethodPost, messagesPath)
	done := make(chan error, 1)
	go func() { done <- e.Send(context.Background(), "one") }()

	require.Eventually(t, func() bool {
		return srv.Hits(http.MethodPost, messagesPath) == 1
	}, 2*time.Second, time.Millisecond)
	assert.True(t, e.Snapshot().Sending)

	assert.ErrorIs(t, e.Send(context.Background(), "two"), ErrSendInFlight)

	release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, srv.Hits(http.MethodPost, messagesPath))
	assert.Equal(t, "one", e.Snapshot().Messages[3].Content)
}

func TestSendFailureKeepsDraft(t *testing.T) {
	srv, api := setup(t)
	e := open(t, api, withInterval(time.Hour))
	srv.Fail(http.MethodPost, messagesPath, http.StatusInternalServerError)

	e.SetDraft("retry me")
	err := e.Send(context.Background(), "retry me")
	assert.ErrorIs(t, err, transport.ErrServer)

	snap := e.Snapshot()
	assert.Equal(t, "retry me", snap.Draft)
	assert.Error(t, snap.LastError)
	assert.False(t, snap.Sending)
	assert.Len(t, snap.Messages, 3)
}

func TestSendSanitizes(t *testing.T) {
	_, api := setup(t)
	e := open(t, api, withInterval(time.Hour))

	require.NoError(t, e.Send(context.Background(), "<b>on it</b>"))
	assert.Equal(t, "on it", e.Snapshot().Messages[3].Content)

	assert.ErrorIs(t, e.Send(context.Background(), "<img src=x>"), ErrEmptyMessage)

	raw := open(t, api, withInterval(time.Hour), WithSanitizer(func(s string) string { return "[" + s + "]" }))
	require.NoError(t, raw.Send(context.Background(), "x"))
	assert.Equal(t, "[x]", raw.Snapshot().Messages[4].Content)
}

func TestToggleIsOptimistic(t *testing.T) {
	srv, api := setup(t)
	e := open(t, api, withInterval(time.Hour))
	path := "/api/conversations/42/control"

	release := srv.Gate(http.MethodPut, path)
	type result struct {
		ai  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ai, err := e.ToggleControl(context.Background())
		done <- result{ai, err}
	}()

	require.Eventually(t, func() bool {
		return srv.Hits(http.MethodPut, path) == 1
	}, 2*time.Second, time.Millisecond)
	snap := e.Snapshot()
	assert.False(t, snap.Conversation.IsAIControlled)
	assert.True(t, snap.TogglePending)

	release()
	r := <-done
	require.NoError(t, r.err)
	assert.False(t, r.ai)
	assert.False(t, srv.AIControlled(42))
	assert.False(t, e.Snapshot().TogglePending)
}

func TestToggleFailureRollsBack(t *testing.T) {
	srv, api := setup(t)
	e := open(t, api, withInterval(time.Hour))
	srv.Fail(http.MethodPut, "/api/conversations/42/control", http.StatusInternalServerError)

	ai, err := e.ToggleControl(context.Background())
	assert.ErrorIs(t, err, transport.ErrServer)
	assert.True(t, ai)

	snap := e.Snapshot()
	assert.True(t, snap.Conversation.IsAIControlled)
	assert.Error(t, snap.LastError)
	assert.True(t, srv.AIControlled(42))
}

func TestUpdatesSignal(t *testing.T) {
	_, api := setup(t)
	e := open(t, api, withInterval(time.Hour))

	e.SetDraft("typing")
	select {
	case <-e.Updates():
	case <-time.After(time.Second):
		t.Fatal("no update after SetDraft")
	}
}
