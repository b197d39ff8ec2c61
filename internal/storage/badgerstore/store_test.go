package badgerstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"groupchat/internal/storage"
	mytesting "groupchat/internal/testing"
)

func bootstrap(t *testing.T) *Store {
	s, err := Open(zaptest.NewLogger(t).Sugar(), "")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func createUsers(t *testing.T, s *Store, n int) []int64 {
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.CreateUser(context.Background(), mytesting.RandString(), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func appendMessages(t *testing.T, s *Store, group, sender int64, n int) []storage.Message {
	ctx := context.Background()
	last, err := s.LastSequence(ctx, group)
	require.NoError(t, err)

	var out []storage.Message
	for i := 1; i <= n; i++ {
		msg := storage.Message{
			ID:        uuid.New(),
			Group:     group,
			Sender:    sender,
			Content:   mytesting.RandString(),
			Sequence:  last + int64(i),
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.AppendMessage(ctx, msg, nil))
		out = append(out, msg)
	}
	return out
}

func TestCreateUser(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, "alice", "Alice")
	require.NoError(t, err)
	require.Positive(t, id)

	u, err := s.User(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "alice", u.Username)
	require.Equal(t, "Alice", u.Name)

	_, err = s.CreateUser(ctx, "alice", "")
	require.Equal(t, storage.ErrUserExists, err)

	_, err = s.User(ctx, id+100)
	require.Equal(t, storage.ErrUserNotExist, err)
}

func TestUpdateUser(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	id := createUsers(t, s, 1)[0]
	require.NoError(t, s.UpdateUser(ctx, storage.User{ID: id, Name: "Bob", Avatar: "img/bob.png", Description: "hey"}))

	u, err := s.User(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Bob", u.Name)
	require.Equal(t, "img/bob.png", u.Avatar)
	require.Equal(t, "hey", u.Description)

	require.Equal(t, storage.ErrUserNotExist, s.UpdateUser(ctx, storage.User{ID: 999}))
}

func TestCreateGroup(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	users := createUsers(t, s, 3)
	id, err := s.CreateGroup(ctx, "friends", append(users, users[0]))
	require.NoError(t, err)

	g, err := s.Group(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "friends", g.Name)
	require.ElementsMatch(t, users, g.Members)

	_, err = s.CreateGroup(ctx, "nobody", nil)
	require.Equal(t, storage.ErrGroupBadUsers, err)

	_, err = s.CreateGroup(ctx, "ghosts", []int64{users[0], 404})
	require.Equal(t, storage.ErrGroupBadUsers, err)
}

func TestGroupsByUserID(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	users := createUsers(t, s, 3)
	first, err := s.CreateGroup(ctx, "first", users[:2])
	require.NoError(t, err)
	second, err := s.CreateGroup(ctx, "second", []int64{users[0], users[2]})
	require.NoError(t, err)

	groups, err := s.GroupsByUserID(ctx, users[0])
	require.NoError(t, err)
	require.Len(t, groups, 2)
	// newest first
	require.Equal(t, second, groups[0].ID)
	require.Equal(t, first, groups[1].ID)

	groups, err = s.GroupsByUserID(ctx, users[1])
	require.NoError(t, err)
	require.Len(t, groups, 1)

	_, err = s.GroupsByUserID(ctx, 404)
	require.Equal(t, storage.ErrUserNotExist, err)
}

func TestMembership(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	users := createUsers(t, s, 3)
	group, err := s.CreateGroup(ctx, "team", users[:1])
	require.NoError(t, err)

	require.NoError(t, s.AddMember(ctx, group, users[1]))
	require.Equal(t, storage.ErrAlreadyMember, s.AddMember(ctx, group, users[1]))
	require.Equal(t, storage.ErrUserNotExist, s.AddMember(ctx, group, 404))
	require.Equal(t, storage.ErrGroupNotExist, s.AddMember(ctx, 404, users[2]))

	ok, err := s.IsMember(ctx, group, users[1])
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RemoveMember(ctx, group, users[1]))
	require.Equal(t, storage.ErrNotMember, s.RemoveMember(ctx, group, users[1]))
	require.Equal(t, storage.ErrLastMember, s.RemoveMember(ctx, group, users[0]))

	members, err := s.Members(ctx, group)
	require.NoError(t, err)
	require.Equal(t, users[:1], members)

	groups, err := s.GroupsByUserID(ctx, users[1])
	require.NoError(t, err)
	require.Empty(t, groups)
}

func TestAppendMessageSequence(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	users := createUsers(t, s, 2)
	group, err := s.CreateGroup(ctx, "chat", users)
	require.NoError(t, err)

	msg := storage.Message{ID: uuid.New(), Group: group, Sender: users[0], Content: "hi", Sequence: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.AppendMessage(ctx, msg, users[1:]))

	// reusing or skipping a sequence is rejected
	again := msg
	again.ID = uuid.New()
	require.Equal(t, storage.ErrSequenceConflict, s.AppendMessage(ctx, again, nil))
	again.Sequence = 3
	require.Equal(t, storage.ErrSequenceConflict, s.AppendMessage(ctx, again, nil))

	again.Group = 404
	require.Equal(t, storage.ErrGroupNotExist, s.AppendMessage(ctx, again, nil))

	last, err := s.LastSequence(ctx, group)
	require.NoError(t, err)
	require.Equal(t, int64(1), last)

	got, err := s.Message(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, msg.Content, got.Content)
	require.Equal(t, int64(1), got.Sequence)

	receipts, err := s.Receipts(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, users[1], receipts[0].User)
	require.Equal(t, storage.ReceiptSent, receipts[0].State)
}

func TestMessagesPaging(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	users := createUsers(t, s, 1)
	group, err := s.CreateGroup(ctx, "log", users)
	require.NoError(t, err)
	appendMessages(t, s, group, users[0], 10)

	page, err := s.Messages(ctx, group, 0, 4)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4}, sequences(page))

	page, err = s.Messages(ctx, group, 4, 4)
	require.NoError(t, err)
	require.Equal(t, []int64{5, 6, 7, 8}, sequences(page))

	page, err = s.Messages(ctx, group, 8, 4)
	require.NoError(t, err)
	require.Equal(t, []int64{9, 10}, sequences(page))

	page, err = s.Messages(ctx, group, 10, 4)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestClearMessages(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	users := createUsers(t, s, 2)
	group, err := s.CreateGroup(ctx, "log", users)
	require.NoError(t, err)
	cleared := appendMessages(t, s, group, users[0], 3)

	through, err := s.ClearMessages(ctx, group)
	require.NoError(t, err)
	require.Equal(t, int64(3), through)

	_, err = s.Message(ctx, cleared[0].ID)
	require.Equal(t, storage.ErrMessageNotExist, err)

	// the counter keeps going after a clear
	appendMessages(t, s, group, users[0], 1)
	page, err := s.Messages(ctx, group, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{4}, sequences(page))

	g, err := s.Group(ctx, group)
	require.NoError(t, err)
	require.Equal(t, int64(3), g.ClearedThrough)
}

func TestDeleteGroup(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	users := createUsers(t, s, 2)
	group, err := s.CreateGroup(ctx, "doomed", users)
	require.NoError(t, err)
	msgs := appendMessages(t, s, group, users[0], 2)

	require.NoError(t, s.DeleteGroup(ctx, group))
	require.Equal(t, storage.ErrGroupNotExist, s.DeleteGroup(ctx, group))

	_, err = s.Group(ctx, group)
	require.Equal(t, storage.ErrGroupNotExist, err)
	_, err = s.Message(ctx, msgs[0].ID)
	require.Equal(t, storage.ErrMessageNotExist, err)

	groups, err := s.GroupsByUserID(ctx, users[1])
	require.NoError(t, err)
	require.Empty(t, groups)
}

// bootstrapSmall opens a store whose transactions hold far fewer entries than the default
func bootstrapSmall(t *testing.T) *Store {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithMemTableSize(1 << 20).
		WithValueThreshold(1 << 10).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	require.NoError(t, err)

	s, err := New(zaptest.NewLogger(t).Sugar(), db)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPurgeBeyondTransactionLimit(t *testing.T) {
	s := bootstrapSmall(t)
	ctx := context.Background()

	users := createUsers(t, s, 11)
	recipients := users[1:]
	// every message carries its key, its id index and one receipt per recipient
	n := int(s.db.MaxBatchCount())/(len(recipients)+2) + 1

	fill := func(group int64) []storage.Message {
		msgs := make([]storage.Message, 0, n)
		for i := 1; i <= n; i++ {
			msg := storage.Message{
				ID:        uuid.New(),
				Group:     group,
				Sender:    users[0],
				Content:   mytesting.RandString(),
				Sequence:  int64(i),
				CreatedAt: time.Now().UTC(),
			}
			require.NoError(t, s.AppendMessage(ctx, msg, recipients))
			msgs = append(msgs, msg)
		}
		return msgs
	}

	t.Run("clear", func(t *testing.T) {
		group, err := s.CreateGroup(ctx, "busy", users)
		require.NoError(t, err)
		msgs := fill(group)

		through, err := s.ClearMessages(ctx, group)
		require.NoError(t, err)
		require.Equal(t, int64(n), through)

		page, err := s.Messages(ctx, group, 0, n)
		require.NoError(t, err)
		require.Empty(t, page)
		_, err = s.Message(ctx, msgs[n-1].ID)
		require.Equal(t, storage.ErrMessageNotExist, err)
		_, err = s.Receipts(ctx, msgs[0].ID)
		require.Equal(t, storage.ErrMessageNotExist, err)
	})

	t.Run("delete", func(t *testing.T) {
		group, err := s.CreateGroup(ctx, "busy", users)
		require.NoError(t, err)
		msgs := fill(group)

		require.NoError(t, s.DeleteGroup(ctx, group))

		_, err = s.Group(ctx, group)
		require.Equal(t, storage.ErrGroupNotExist, err)
		_, err = s.Message(ctx, msgs[0].ID)
		require.Equal(t, storage.ErrMessageNotExist, err)
	})
}

func TestMessagesHideClearedBeforePurge(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	users := createUsers(t, s, 1)
	group, err := s.CreateGroup(ctx, "floor", users)
	require.NoError(t, err)
	appendMessages(t, s, group, users[0], 3)

	// raise the floor without purging, as a crash between the two steps would leave it
	require.NoError(t, s.update(func(txn *badger.Txn) error {
		rec, err := loadGroup(txn, group)
		if err != nil {
			return err
		}
		rec.ClearedThrough = 2
		return saveGroup(txn, rec)
	}))

	page, err := s.Messages(ctx, group, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, sequences(page))
}

func TestAdvanceReceipt(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	users := createUsers(t, s, 2)
	group, err := s.CreateGroup(ctx, "acks", users)
	require.NoError(t, err)

	msg := storage.Message{ID: uuid.New(), Group: group, Sender: users[0], Content: "hi", Sequence: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.AppendMessage(ctx, msg, users[1:]))

	r, advanced, err := s.AdvanceReceipt(ctx, msg.ID, users[1], storage.ReceiptDelivered, time.Now())
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, storage.ReceiptDelivered, r.State)

	r, advanced, err = s.AdvanceReceipt(ctx, msg.ID, users[1], storage.ReceiptDelivered, time.Now())
	require.NoError(t, err)
	require.False(t, advanced)
	require.Equal(t, storage.ReceiptDelivered, r.State)

	r, advanced, err = s.AdvanceReceipt(ctx, msg.ID, users[1], storage.ReceiptRead, time.Now())
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, storage.ReceiptRead, r.State)

	// never regresses
	r, advanced, err = s.AdvanceReceipt(ctx, msg.ID, users[1], storage.ReceiptDelivered, time.Now())
	require.NoError(t, err)
	require.False(t, advanced)
	require.Equal(t, storage.ReceiptRead, r.State)

	_, _, err = s.AdvanceReceipt(ctx, msg.ID, users[0], storage.ReceiptRead, time.Now())
	require.Equal(t, storage.ErrReceiptNotExist, err)

	_, _, err = s.AdvanceReceipt(ctx, uuid.New(), users[1], storage.ReceiptRead, time.Now())
	require.Equal(t, storage.ErrMessageNotExist, err)
}

func TestAdvanceReceiptConcurrent(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	users := createUsers(t, s, 2)
	group, err := s.CreateGroup(ctx, "race", users)
	require.NoError(t, err)

	msg := storage.Message{ID: uuid.New(), Group: group, Sender: users[0], Content: "hi", Sequence: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.AppendMessage(ctx, msg, users[1:]))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		state := storage.ReceiptDelivered
		if i%2 == 0 {
			state = storage.ReceiptRead
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.AdvanceReceipt(ctx, msg.ID, users[1], state, time.Now())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	receipts, err := s.Receipts(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, storage.ReceiptRead, receipts[0].State)
}

func sequences(msgs []storage.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Sequence)
	}
	return out
}
