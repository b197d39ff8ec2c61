package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mytesting "groupchat/internal/testing"
)

type presenceFixture struct {
	presence *Presence
	group    int64
	typist   *Conn
	watcher  *Conn
}

func newPresenceFixture(t *testing.T, window time.Duration) presenceFixture {
	t.Helper()

	store := newStore(t)
	users := createUsers(t, store, 2)
	group := createGroup(t, store, users)
	r := NewRouter(store)

	typist := NewConn(users[0], "Alice", 16)
	watcher := NewConn(users[1], "Bob", 16)
	require.NoError(t, r.Join(context.Background(), typist, group))
	require.NoError(t, r.Join(context.Background(), watcher, group))

	p := NewPresence(r, window, nil)
	t.Cleanup(p.Stop)
	return presenceFixture{presence: p, group: group, typist: typist, watcher: watcher}
}

func TestSetTypingBroadcast(t *testing.T) {
	t.Parallel()

	f := newPresenceFixture(t, time.Minute)
	f.presence.SetTyping(f.group, f.typist.UserID, f.typist.Name, 0)

	events := pending(f.watcher, EventUserTyping)
	require.Len(t, events, 1)
	require.Equal(t, TypingPayload{
		GroupID:  f.group,
		UserID:   f.typist.UserID,
		Name:     "Alice",
		IsTyping: true,
	}, events[0].Payload)

	// the typist does not hear itself
	require.Empty(t, pending(f.typist, EventUserTyping))
	require.Equal(t, []int64{f.typist.UserID}, f.presence.Typing(f.group))
}

func TestTypingExpires(t *testing.T) {
	t.Parallel()

	f := newPresenceFixture(t, 50*time.Millisecond)
	f.presence.SetTyping(f.group, f.typist.UserID, f.typist.Name, time.Hour)
	require.True(t, mytesting.Receive(t, f.watcher.Outbound(), waitFor).Payload.(TypingPayload).IsTyping)

	e := mytesting.Receive(t, f.watcher.Outbound(), waitFor)
	require.Equal(t, EventUserTyping, e.Type)
	require.False(t, e.Payload.(TypingPayload).IsTyping)
	require.Empty(t, f.presence.Typing(f.group))
}

func TestTypingRefreshExtendsExpiry(t *testing.T) {
	t.Parallel()

	f := newPresenceFixture(t, 200*time.Millisecond)
	f.presence.SetTyping(f.group, f.typist.UserID, f.typist.Name, 0)
	time.Sleep(120 * time.Millisecond)
	f.presence.SetTyping(f.group, f.typist.UserID, f.typist.Name, 0)
	time.Sleep(120 * time.Millisecond)

	// first window has passed but the refresh keeps the entry alive
	require.Equal(t, []int64{f.typist.UserID}, f.presence.Typing(f.group))

	require.Eventually(t, func() bool {
		return len(f.presence.Typing(f.group)) == 0
	}, waitFor, 10*time.Millisecond)

	stops := 0
	for _, e := range pending(f.watcher, EventUserTyping) {
		if !e.Payload.(TypingPayload).IsTyping {
			stops++
		}
	}
	require.Equal(t, 1, stops)
}

func TestClearTyping(t *testing.T) {
	t.Parallel()

	f := newPresenceFixture(t, time.Minute)
	require.False(t, f.presence.ClearTyping(f.group, f.typist.UserID))

	f.presence.SetTyping(f.group, f.typist.UserID, f.typist.Name, 0)
	require.True(t, f.presence.ClearTyping(f.group, f.typist.UserID))
	require.Empty(t, f.presence.Typing(f.group))

	events := pending(f.watcher, EventUserTyping)
	require.Len(t, events, 2)
	require.False(t, events[1].Payload.(TypingPayload).IsTyping)
}

func TestTypingLazySweep(t *testing.T) {
	t.Parallel()

	f := newPresenceFixture(t, time.Minute)
	now := time.Now()
	f.presence.now = func() time.Time { return now }
	f.presence.SetTyping(f.group, f.typist.UserID, f.typist.Name, 0)
	mytesting.Drain(f.watcher.Outbound())

	now = now.Add(2 * time.Minute)
	require.Empty(t, f.presence.Typing(f.group))

	events := pending(f.watcher, EventUserTyping)
	require.Len(t, events, 1)
	require.False(t, events[0].Payload.(TypingPayload).IsTyping)
}

func TestClearUser(t *testing.T) {
	t.Parallel()

	f := newPresenceFixture(t, time.Minute)
	f.presence.SetTyping(f.group, f.typist.UserID, f.typist.Name, 0)
	f.presence.SetTyping(f.group, f.watcher.UserID, f.watcher.Name, 0)

	f.presence.ClearUser(f.typist.UserID)
	require.Equal(t, []int64{f.watcher.UserID}, f.presence.Typing(f.group))
}
