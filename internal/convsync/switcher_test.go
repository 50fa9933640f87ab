package convsync

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitcherClosesPrevious(t *testing.T) {
	srv, api := setup(t)
	srv.AddConversationWithID(43, "Eli", "", false)
	s := NewSwitcher(api, nil, withInterval(5*time.Millisecond))
	defer s.Close()
	ctx := context.Background()

	first, err := s.Open(ctx, 42)
	require.NoError(t, err)

	again, err := s.Open(ctx, 42)
	require.NoError(t, err)
	assert.Same(t, first, again)

	second, err := s.Open(ctx, 43)
	require.NoError(t, err)
	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	assert.Same(t, second, s.Current())

	stopped := srv.Hits(http.MethodGet, messagesPath)
	require.Eventually(t, func() bool {
		return srv.Hits(http.MethodGet, "/api/conversations/43/messages") > 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, stopped, srv.Hits(http.MethodGet, messagesPath))

	s.Close()
	assert.True(t, second.Closed())
	assert.Nil(t, s.Current())
}

func TestSwitcherLoadFailureLeavesNothingOpen(t *testing.T) {
	_, api := setup(t)
	s := NewSwitcher(api, nil, withInterval(time.Hour))
	defer s.Close()

	first, err := s.Open(context.Background(), 42)
	require.NoError(t, err)

	_, err = s.Open(context.Background(), 99)
	assert.ErrorIs(t, err, ErrLoadFailure)
	assert.True(t, first.Closed())
	assert.Nil(t, s.Current())
}
