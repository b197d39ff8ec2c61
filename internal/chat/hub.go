package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"groupchat/internal/metrics"
	"groupchat/internal/storage"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Hub instance
type config struct {
	typingWindow   time.Duration
	resyncPageSize int
	metrics        *metrics.Metrics
}

// TypingWindow sets how long typing state lives without a refresh
func TypingWindow(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.typingWindow = d
	})
}

// ResyncPageSize limits the number of messages in one backfill
func ResyncPageSize(n int) Option {
	return optionFunc(func(c *config) {
		c.resyncPageSize = n
	})
}

// WithMetrics enables recording engine metrics
func WithMetrics(m *metrics.Metrics) Option {
	return optionFunc(func(c *config) {
		c.metrics = m
	})
}

// Hub wires registry, router, presence, pipeline and backfill and owns the connection lifecycle
type Hub struct {
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	Registry *Registry
	Router   *Router
	Presence *Presence
	Pipeline *Pipeline
	Backfill *Backfiller
}

// NewHub returns new Hub over the provided store
func NewHub(logger *zap.SugaredLogger, store storage.Store, opts ...Option) *Hub {
	cfg := &config{
		typingWindow:   DefaultTypingWindow,
		resyncPageSize: DefaultResyncPageSize,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	registry := NewRegistry()
	router := NewRouter(store)
	return &Hub{
		logger:   logger,
		metrics:  cfg.metrics,
		Registry: registry,
		Router:   router,
		Presence: NewPresence(router, cfg.typingWindow, cfg.metrics),
		Pipeline: NewPipeline(logger, store, router, registry, cfg.metrics),
		Backfill: NewBackfiller(store, cfg.resyncPageSize),
	}
}

// Connect registers a new connection
func (h *Hub) Connect(c *Conn) {
	c.metrics = h.metrics
	if h.Registry.Register(c) {
		h.logger.Debugf("User (id: %d) is online", c.UserID)
	}
	h.metrics.ConnectionOpened()
}

// Disconnect removes every trace of the connection and closes its queue. Repeated calls are no-ops.
func (h *Hub) Disconnect(c *Conn) {
	groups := h.Router.Detach(c)
	if !c.close() {
		return
	}
	h.metrics.ConnectionClosed()

	if !h.Registry.Unregister(c) {
		return
	}

	h.logger.Debugf("User (id: %d) is offline", c.UserID)
	h.Presence.ClearUser(c.UserID)
	for _, group := range groups {
		h.broadcastPresence(group, c.UserID, false)
	}
}

// JoinGroup subscribes connection to the group view and queues the backfill after lastKnown.
// Both run under the group's serialization point so no live message overtakes the backfill.
func (h *Hub) JoinGroup(ctx context.Context, c *Conn, group, lastKnown int64) (Backfill, error) {
	var bf Backfill
	err := h.Pipeline.serialize(group, func(*groupLog) error {
		if err := h.Router.Join(ctx, c, group); err != nil {
			return err
		}
		var err error
		bf, err = h.Backfill.Resync(ctx, c, group, lastKnown)
		if err != nil {
			h.Router.Leave(c, group)
			return err
		}
		if !c.Push(Event{Type: EventResync, Payload: bf}) {
			h.logger.Debugf("Dropped backfill of group (id: %d) for connection %s", group, c.ID)
		}
		return nil
	})
	if err != nil {
		return Backfill{}, err
	}

	h.broadcastPresence(group, c.UserID, true)
	return bf, nil
}

// LeaveGroup unsubscribes connection from the group view
func (h *Hub) LeaveGroup(c *Conn, group int64) {
	h.Router.Leave(c, group)
}

// SendMessage submits a message on behalf of the connection's user
func (h *Hub) SendMessage(ctx context.Context, c *Conn, group int64, content string, clientTS *time.Time) (storage.Message, error) {
	return h.Pipeline.Submit(ctx, group, c.UserID, content, clientTS)
}

// Typing updates typing state of the connection's user in a joined group view
func (h *Hub) Typing(c *Conn, group int64, isTyping bool) error {
	if !c.Joined(group) {
		return ErrNotJoined
	}
	if isTyping {
		h.Presence.SetTyping(group, c.UserID, c.Name, 0)
		return nil
	}
	h.Presence.ClearTyping(group, c.UserID)
	return nil
}

// Resync returns backfill of a group the connection's user is a member of
func (h *Hub) Resync(ctx context.Context, c *Conn, group, lastKnown int64) (Backfill, error) {
	return h.Backfill.Resync(ctx, c, group, lastKnown)
}

func (h *Hub) AcknowledgeDelivered(ctx context.Context, c *Conn, message uuid.UUID) (storage.Receipt, error) {
	return h.Pipeline.AcknowledgeDelivered(ctx, message, c.UserID)
}

func (h *Hub) AcknowledgeRead(ctx context.Context, c *Conn, message uuid.UUID) (storage.Receipt, error) {
	return h.Pipeline.AcknowledgeRead(ctx, message, c.UserID)
}

// MemberRemoved revokes live access of a user removed from the group. It runs under the group's
// serialization point so a join that passed its membership check before the removal is revoked too.
func (h *Hub) MemberRemoved(group, user int64) {
	h.Pipeline.serialize(group, func(*groupLog) error {
		h.Router.OnMembershipRemoved(group, user)
		h.Presence.ClearTyping(group, user)
		return nil
	})
}

// GroupDeleted drops every live trace of a deleted group
func (h *Hub) GroupDeleted(group int64) {
	h.Pipeline.serialize(group, func(*groupLog) error {
		h.Router.OnGroupDeleted(group)
		h.Presence.ClearGroup(group)
		return nil
	})
	h.Pipeline.forget(group)
}

// Close stops background timers
func (h *Hub) Close() {
	h.Presence.Stop()
}

func (h *Hub) broadcastPresence(group, user int64, online bool) {
	e := Event{Type: EventPresence, Payload: PresencePayload{GroupID: group, UserID: user, Online: online}}
	for _, c := range h.Router.LiveRecipients(group) {
		if c.UserID != user {
			c.Push(e)
		}
	}
}
