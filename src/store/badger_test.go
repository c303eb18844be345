package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadgerStore("", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAssignsIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)

	msg, err := s.Create(t.Context(), "general", "alice", "hello")
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "general", msg.ChannelID)
	assert.Equal(t, "alice", msg.AuthorID)
	assert.Equal(t, "hello", msg.Text)
	assert.WithinDuration(t, time.Now(), msg.CreatedAt, time.Second)
}

func TestCreateRejectsEmptyFields(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create(t.Context(), "", "alice", "hello")
	require.ErrorIs(t, err, ErrInvalidMessage)
	_, err = s.Create(t.Context(), "general", "", "hello")
	require.ErrorIs(t, err, ErrInvalidMessage)
	_, err = s.Create(t.Context(), "general", "alice", "")
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestListRecentReturnsOldestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	// Deterministic, strictly increasing timestamps.
	i := 0
	s.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Millisecond)
	}

	for n := 0; n < 5; n++ {
		_, err := s.Create(t.Context(), "general", "alice", fmt.Sprintf("msg-%d", n))
		require.NoError(t, err)
	}

	messages, err := s.ListRecent(t.Context(), "general", 10)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	for n, msg := range messages {
		assert.Equal(t, fmt.Sprintf("msg-%d", n), msg.Text)
	}
}

func TestListRecentHonorsLimitKeepingNewest(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	i := 0
	s.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Millisecond)
	}

	for n := 0; n < 6; n++ {
		_, err := s.Create(t.Context(), "general", "alice", fmt.Sprintf("msg-%d", n))
		require.NoError(t, err)
	}

	messages, err := s.ListRecent(t.Context(), "general", 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	// The newest two, still oldest-first.
	assert.Equal(t, "msg-4", messages[0].Text)
	assert.Equal(t, "msg-5", messages[1].Text)
}

func TestListRecentIsolatesChannels(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create(t.Context(), "general", "alice", "in general")
	require.NoError(t, err)
	_, err = s.Create(t.Context(), "random", "bob", "in random")
	require.NoError(t, err)

	messages, err := s.ListRecent(t.Context(), "general", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "in general", messages[0].Text)
}

func TestListRecentIsolatesOpaqueChannelIDs(t *testing.T) {
	s := newTestStore(t)

	// Channel ids are opaque and may contain the key delimiter; one
	// channel's name sharing a prefix with another must not leak
	// messages in either direction.
	_, err := s.Create(t.Context(), "general", "alice", "in general")
	require.NoError(t, err)
	_, err = s.Create(t.Context(), "general:0sub", "mallory", "in subchannel")
	require.NoError(t, err)

	messages, err := s.ListRecent(t.Context(), "general", 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "in general", messages[0].Text)

	messages, err = s.ListRecent(t.Context(), "general:0sub", 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "in subchannel", messages[0].Text)
}

func TestListRecentEmptyChannel(t *testing.T) {
	s := newTestStore(t)

	messages, err := s.ListRecent(t.Context(), "ghost-town", 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}
