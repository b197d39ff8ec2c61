package chat

import (
	"sync"

	"github.com/samber/lo"
)

// Registry indexes live connections by user
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]map[string]*Conn
	count  int
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[int64]map[string]*Conn)}
}

// Register adds connection and reports whether it is the first one of its user
func (r *Registry) Register(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[c.UserID]
	if !ok {
		conns = make(map[string]*Conn)
		r.byUser[c.UserID] = conns
	}
	if _, dup := conns[c.ID]; !dup {
		conns[c.ID] = c
		r.count++
	}
	return !ok
}

// Unregister removes connection and reports whether its user went offline.
// Removing an unknown connection is a no-op.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[c.UserID]
	if !ok {
		return false
	}
	if _, ok := conns[c.ID]; !ok {
		return false
	}
	delete(conns, c.ID)
	r.count--
	if len(conns) > 0 {
		return false
	}
	delete(r.byUser, c.UserID)
	return true
}

// ConnectionsFor returns a snapshot of the user's connections
func (r *Registry) ConnectionsFor(user int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.byUser[user])
}

func (r *Registry) Online(user int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[user]) > 0
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
