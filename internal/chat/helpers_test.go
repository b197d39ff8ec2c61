package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"groupchat/internal/storage"
	"groupchat/internal/storage/badgerstore"
	mytesting "groupchat/internal/testing"
)

// failingStore fails message appends while fail is set
type failingStore struct {
	storage.Store
	fail atomic.Bool
}

func (s *failingStore) AppendMessage(ctx context.Context, msg storage.Message, recipients []int64) error {
	if s.fail.Load() {
		return errors.New("disk is full")
	}
	return s.Store.AppendMessage(ctx, msg, recipients)
}

// pausingStore holds the first Group read made after arm until release is closed.
// The read is served before it pauses, so the caller resumes with the state it saw.
type pausingStore struct {
	storage.Store
	armed   atomic.Bool
	paused  chan struct{}
	release chan struct{}
}

func newPausingStore(base storage.Store) *pausingStore {
	return &pausingStore{Store: base, paused: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *pausingStore) arm() {
	s.armed.Store(true)
}

func (s *pausingStore) Group(ctx context.Context, id int64) (storage.Group, error) {
	g, err := s.Store.Group(ctx, id)
	if s.armed.CompareAndSwap(true, false) {
		s.paused <- struct{}{}
		<-s.release
	}
	return g, err
}

func newStore(t *testing.T) *failingStore {
	t.Helper()
	s, err := badgerstore.Open(zaptest.NewLogger(t).Sugar(), "")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return &failingStore{Store: s}
}

func newHub(t *testing.T, opts ...Option) (*Hub, *failingStore) {
	t.Helper()
	store := newStore(t)
	h := NewHub(zaptest.NewLogger(t).Sugar(), store, opts...)
	t.Cleanup(h.Close)
	return h, store
}

func createUsers(t *testing.T, s storage.Store, n int) []int64 {
	t.Helper()
	users := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.CreateUser(context.Background(), mytesting.RandString(), mytesting.RandString())
		require.NoError(t, err)
		users = append(users, id)
	}
	return users
}

func createGroup(t *testing.T, s storage.Store, users []int64) int64 {
	t.Helper()
	id, err := s.CreateGroup(context.Background(), mytesting.RandString(), users)
	require.NoError(t, err)
	return id
}

// connect registers a new connection of the user in the hub
func connect(h *Hub, user int64) *Conn {
	c := NewConn(user, "user", 64)
	h.Connect(c)
	return c
}

// join joins the group view and discards the queued backfill
func join(t *testing.T, h *Hub, c *Conn, group int64) {
	t.Helper()
	_, err := h.JoinGroup(context.Background(), c, group, 0)
	require.NoError(t, err)
	drained := mytesting.Drain(c.Outbound())
	require.NotEmpty(t, drained)
}

// pending returns queued events of the given type discarding the others
func pending(c *Conn, typ EventType) []Event {
	return lo.Filter(mytesting.Drain(c.Outbound()), func(e Event, _ int) bool {
		return e.Type == typ
	})
}

func sequences(events []Event) []int64 {
	return lo.Map(events, func(e Event, _ int) int64 {
		return e.Payload.(storage.Message).Sequence
	})
}

const waitFor = time.Second
