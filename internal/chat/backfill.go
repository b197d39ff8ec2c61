package chat

import (
	"context"

	"groupchat/internal/storage"
)

const DefaultResyncPageSize = 100

// Backfiller answers resync requests from the durable log
type Backfiller struct {
	store    storage.Store
	pageSize int
}

func NewBackfiller(store storage.Store, pageSize int) *Backfiller {
	if pageSize <= 0 {
		pageSize = DefaultResyncPageSize
	}
	return &Backfiller{store: store, pageSize: pageSize}
}

// Resync returns up to one page of the group's messages after lastKnown in sequence order.
// When part of the range was cleared the result starts at the oldest retained message and is
// marked truncated.
func (b *Backfiller) Resync(ctx context.Context, c *Conn, group, lastKnown int64) (Backfill, error) {
	g, err := authorize(ctx, b.store, group, c.UserID)
	if err != nil {
		return Backfill{}, err
	}

	if lastKnown < 0 {
		lastKnown = 0
	}
	bf := Backfill{GroupID: group, Messages: []storage.Message{}}
	after := lastKnown
	if lastKnown < g.ClearedThrough {
		bf.Truncated = true
		after = g.ClearedThrough
	}

	messages, err := b.store.Messages(ctx, group, after, b.pageSize+1)
	if err != nil {
		return Backfill{}, persistenceFailure(err)
	}
	if len(messages) > b.pageSize {
		bf.HasMore = true
		messages = messages[:b.pageSize]
	}
	if len(messages) > 0 {
		bf.Messages = messages
	}

	bf.Latest, err = b.store.LastSequence(ctx, group)
	if err != nil {
		return Backfill{}, persistenceFailure(err)
	}
	return bf, nil
}
