package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/lo"

	"groupchat/internal/storage"
)

// subscribers is the set of connections joined to one group view
type subscribers struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	removed bool
}

// Router keeps group view subscriptions. Lock order is Conn.mu, then Router.mu, then subscribers.mu.
type Router struct {
	store storage.Store

	mu     sync.Mutex
	groups map[int64]*subscribers
}

func NewRouter(store storage.Store) *Router {
	return &Router{
		store:  store,
		groups: make(map[int64]*subscribers),
	}
}

// authorize loads the group and checks that user is its member
func authorize(ctx context.Context, store storage.Store, group, user int64) (storage.Group, error) {
	g, err := store.Group(ctx, group)
	if err != nil {
		if errors.Is(err, storage.ErrGroupNotExist) {
			return storage.Group{}, ErrUnknownGroup
		}
		return storage.Group{}, persistenceFailure(err)
	}
	if !lo.Contains(g.Members, user) {
		return storage.Group{}, ErrNotAMember
	}
	return g, nil
}

// Join subscribes connection to the group view after checking its user's membership
func (r *Router) Join(ctx context.Context, c *Conn, group int64) error {
	if _, err := authorize(ctx, r.store, group, c.UserID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached {
		return ErrConnectionClosed
	}
	for {
		subs := r.subscribers(group)
		subs.mu.Lock()
		if subs.removed {
			subs.mu.Unlock()
			continue
		}
		subs.conns[c.ID] = c
		subs.mu.Unlock()
		break
	}
	c.groups[group] = struct{}{}
	return nil
}

// Leave unsubscribes connection from the group view
func (r *Router) Leave(c *Conn, group int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.groups[group]; !ok {
		return
	}
	delete(c.groups, group)
	r.unsubscribe(c, group)
}

// Detach closes connection for subscriptions and returns the groups it was joined to
func (r *Router) Detach(c *Conn) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.detached = true
	groups := lo.Keys(c.groups)
	for _, group := range groups {
		r.unsubscribe(c, group)
	}
	c.groups = make(map[int64]struct{})
	return groups
}

// LiveRecipients returns connections currently joined to the group view
func (r *Router) LiveRecipients(group int64) []*Conn {
	r.mu.Lock()
	subs, ok := r.groups[group]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	subs.mu.RLock()
	defer subs.mu.RUnlock()
	return lo.Values(subs.conns)
}

// OnMembershipRemoved unsubscribes every connection of the user from the group view
func (r *Router) OnMembershipRemoved(group, user int64) {
	for _, c := range r.LiveRecipients(group) {
		if c.UserID == user {
			r.Leave(c, group)
		}
	}
}

// OnGroupDeleted unsubscribes every connection from the group view
func (r *Router) OnGroupDeleted(group int64) {
	for _, c := range r.LiveRecipients(group) {
		r.Leave(c, group)
	}
}

func (r *Router) subscribers(group int64) *subscribers {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.groups[group]
	if !ok {
		subs = &subscribers{conns: make(map[string]*Conn)}
		r.groups[group] = subs
	}
	return subs
}

// unsubscribe removes c from the group set and drops the set once empty. Caller holds c.mu.
func (r *Router) unsubscribe(c *Conn, group int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.groups[group]
	if !ok {
		return
	}
	subs.mu.Lock()
	defer subs.mu.Unlock()

	delete(subs.conns, c.ID)
	if len(subs.conns) == 0 {
		subs.removed = true
		delete(r.groups, group)
	}
}
