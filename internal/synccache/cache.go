// Package synccache tracks session liveness and "thinking" state in
// memory, broadcasting transitions through a caller-supplied publisher.
// It is grounded on the teacher's agent-watcher broadcast pattern
// (RWMutex-guarded map, non-blocking buffered-channel fan-out),
// generalized from "watch one agent's raw events" to "track liveness +
// thinking per session and broadcast on transition".
package synccache

import (
	"sync"
	"time"
)

// expiryThreshold is how long a session can go without an activity
// heartbeat before ExpireInactive marks it inactive.
const expiryThreshold = 30 * time.Second

// Transition describes a liveness/thinking change for one session, fit
// for publication as a sync event.
type Transition struct {
	SessionID string
	Active    bool
	Thinking  bool
}

type sessionState struct {
	active   bool
	activeAt time.Time
	thinking bool
}

// Publisher receives liveness transitions as they happen.
type Publisher interface {
	PublishTransition(t Transition)
}

// Cache is the in-memory liveness/thinking mirror for every known
// session. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	pub      Publisher
}

// New returns an empty Cache publishing transitions through pub.
func New(pub Publisher) *Cache {
	return &Cache{
		sessions: make(map[string]*sessionState),
		pub:      pub,
	}
}

// HandleSessionAlive records an activity heartbeat for sid at time t,
// optionally updating the thinking flag. A heartbeat older than the
// session's last recorded activity is ignored — stale RPC delivery
// order must never roll liveness backward.
func (c *Cache) HandleSessionAlive(sid string, t time.Time, thinking *bool, thinkingSet bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.sessions[sid]
	if !ok {
		st = &sessionState{}
		c.sessions[sid] = st
	} else if t.Before(st.activeAt) {
		return
	}

	thinkingChanged := false
	if thinkingSet && thinking != nil && *thinking != st.thinking {
		st.thinking = *thinking
		thinkingChanged = true
	}

	wasInactive := !st.active
	st.active = true
	st.activeAt = t

	if wasInactive || thinkingChanged {
		c.publish(sid, st)
	}
}

// HandleSessionEnd marks sid inactive and not thinking, broadcasting
// both regardless of prior state.
func (c *Cache) HandleSessionEnd(sid string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.sessions[sid]
	if !ok {
		st = &sessionState{}
		c.sessions[sid] = st
	}
	st.active = false
	st.thinking = false
	st.activeAt = t

	c.publish(sid, st)
}

// ExpireInactive broadcasts {active:false, thinking:false} for every
// session whose last activity is older than the expiry threshold
// relative to now. The thinking:false half of this is mandatory: a
// viewer that only learns active:false will keep a stale "thinking"
// spinner alive for a session that is actually dead.
func (c *Cache) ExpireInactive(now time.Time) []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []Transition
	for sid, st := range c.sessions {
		if !st.active {
			continue
		}
		if now.Sub(st.activeAt) <= expiryThreshold {
			continue
		}
		st.active = false
		st.thinking = false
		tr := Transition{SessionID: sid, Active: false, Thinking: false}
		expired = append(expired, tr)
		if c.pub != nil {
			c.pub.PublishTransition(tr)
		}
	}
	return expired
}

// Snapshot returns the current liveness/thinking state for sid, and
// whether anything is known about it at all.
func (c *Cache) Snapshot(sid string) (active, thinking bool, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.sessions[sid]
	if !ok {
		return false, false, false
	}
	return st.active, st.thinking, true
}

// Forget drops all in-memory state for sid, used when a session is
// permanently removed from the store.
func (c *Cache) Forget(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sid)
}

func (c *Cache) publish(sid string, st *sessionState) {
	if c.pub == nil {
		return
	}
	c.pub.PublishTransition(Transition{SessionID: sid, Active: st.active, Thinking: st.thinking})
}
