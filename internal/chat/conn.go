package chat

import (
	"sync"

	"github.com/rs/xid"
	"github.com/samber/lo"

	"groupchat/internal/metrics"
)

// Conn is one live client connection of a user. Pushes go through a bounded queue drained by the
// transport; a full queue drops the push instead of blocking the producer.
type Conn struct {
	ID     string
	UserID int64
	Name   string

	// mu guards subscription state, taken before any router lock
	mu       sync.Mutex
	groups   map[int64]struct{}
	detached bool

	sendMu  sync.Mutex
	out     chan Event
	closed  bool
	metrics *metrics.Metrics
}

// NewConn returns connection of the user with an outbound queue of queueSize events
func NewConn(userID int64, name string, queueSize int) *Conn {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Conn{
		ID:     xid.New().String(),
		UserID: userID,
		Name:   name,
		groups: make(map[int64]struct{}),
		out:    make(chan Event, queueSize),
	}
}

// Outbound returns the queue the transport drains. It is closed by Hub.Disconnect.
func (c *Conn) Outbound() <-chan Event {
	return c.out
}

// Push enqueues e without blocking and reports whether it was accepted
func (c *Conn) Push(e Event) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	ok := false
	if !c.closed {
		select {
		case c.out <- e:
			ok = true
		default:
		}
	}
	c.metrics.Pushed(ok)
	return ok
}

// Joined reports whether the connection is subscribed to the group view
func (c *Conn) Joined(group int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[group]
	return ok
}

// Groups returns joined group views
func (c *Conn) Groups() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Keys(c.groups)
}

// close closes the outbound queue and reports whether this call closed it
func (c *Conn) close() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.out)
	return true
}
