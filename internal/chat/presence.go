package chat

import (
	"sync"
	"time"

	"groupchat/internal/metrics"
)

const DefaultTypingWindow = 3 * time.Second

type typingKey struct {
	group int64
	user  int64
}

type typingEntry struct {
	name    string
	expires time.Time
	timer   *time.Timer
}

// Presence owns ephemeral typing state. Every entry expires after the window unless refreshed.
type Presence struct {
	router  *Router
	window  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[typingKey]*typingEntry
}

func NewPresence(router *Router, window time.Duration, m *metrics.Metrics) *Presence {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &Presence{
		router:  router,
		window:  window,
		now:     time.Now,
		metrics: m,
		entries: make(map[typingKey]*typingEntry),
	}
}

// SetTyping records or refreshes typing state and broadcasts it to the group view.
// The client hint does not affect expiry.
func (p *Presence) SetTyping(group, user int64, name string, _ time.Duration) {
	key := typingKey{group: group, user: user}
	e := &typingEntry{name: name, expires: p.now().Add(p.window)}

	p.mu.Lock()
	if old, ok := p.entries[key]; ok {
		old.timer.Stop()
	}
	e.timer = time.AfterFunc(p.window, func() { p.expire(key, e) })
	p.entries[key] = e
	p.mu.Unlock()

	p.BroadcastTyping(group, user, name, true)
}

// ClearTyping removes typing state and reports whether it existed
func (p *Presence) ClearTyping(group, user int64) bool {
	key := typingKey{group: group, user: user}

	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		e.timer.Stop()
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if ok {
		p.BroadcastTyping(group, user, e.name, false)
	}
	return ok
}

// Typing returns users currently typing in the group
func (p *Presence) Typing(group int64) []int64 {
	now := p.now()
	var (
		users   []int64
		expired []typingKey
		names   []string
	)

	p.mu.Lock()
	for key, e := range p.entries {
		if key.group != group {
			continue
		}
		if !now.Before(e.expires) {
			e.timer.Stop()
			delete(p.entries, key)
			expired = append(expired, key)
			names = append(names, e.name)
			continue
		}
		users = append(users, key.user)
	}
	p.mu.Unlock()

	for i, key := range expired {
		p.BroadcastTyping(key.group, key.user, names[i], false)
	}
	return users
}

// BroadcastTyping pushes typing flag to every live recipient of the group except the typist
func (p *Presence) BroadcastTyping(group, exclude int64, name string, isTyping bool) {
	e := Event{
		Type: EventUserTyping,
		Payload: TypingPayload{
			GroupID:  group,
			UserID:   exclude,
			Name:     name,
			IsTyping: isTyping,
		},
	}
	for _, c := range p.router.LiveRecipients(group) {
		if c.UserID != exclude {
			c.Push(e)
		}
	}
	p.metrics.TypingBroadcast()
}

// ClearUser clears every typing entry of the user
func (p *Presence) ClearUser(user int64) {
	p.mu.Lock()
	var groups []int64
	for key := range p.entries {
		if key.user == user {
			groups = append(groups, key.group)
		}
	}
	p.mu.Unlock()

	for _, group := range groups {
		p.ClearTyping(group, user)
	}
}

// ClearGroup drops typing state of a deleted group without broadcasting
func (p *Presence) ClearGroup(group int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.entries {
		if key.group == group {
			e.timer.Stop()
			delete(p.entries, key)
		}
	}
}

// Stop cancels all expiry timers
func (p *Presence) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.entries {
		e.timer.Stop()
		delete(p.entries, key)
	}
}

func (p *Presence) expire(key typingKey, e *typingEntry) {
	p.mu.Lock()
	if p.entries[key] != e {
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)
	p.mu.Unlock()

	p.BroadcastTyping(key.group, key.user, e.name, false)
}
