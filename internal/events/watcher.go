// Package events implements the subscription router: it matches
// published SyncEvents against a set of live subscriptions filtered by
// namespace, session, and machine, and fans each match out to its
// transport-specific Send callback. A subscription's Visibility is
// stored but not consulted when matching.
//
// Grounded on the teacher's agentmgr.Manager (Watch/Unwatch/
// Broadcast/BroadcastMany) — an RWMutex-guarded map with non-blocking
// buffered-channel delivery — generalized from per-agent-only
// filtering to the {namespace, all?, sessionId?, machineId?,
// visibility} shape.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hapi/hub/internal/metrics"
)

// SyncEvent is the canonical event type published on any observable
// store mutation.
type SyncEvent struct {
	Type      string // session-added|updated|removed, machine-updated, message-received, toast, connection-changed, heartbeat
	Namespace string
	SessionID string
	MachineID string
	Payload   any
}

// Subscription describes one live subscriber's interest shape and its
// delivery callback.
type Subscription struct {
	ID            string
	Namespace     string
	All           bool
	SessionID     string
	MachineID     string
	Visibility    string
	Send          func(SyncEvent)
	SendHeartbeat func()
}

func (s *Subscription) matches(e SyncEvent) bool {
	if s.Namespace != e.Namespace {
		return false
	}
	if s.All {
		return true
	}
	if s.SessionID != "" && s.SessionID == e.SessionID {
		return true
	}
	if s.MachineID != "" && s.MachineID == e.MachineID {
		return true
	}
	return false
}

// Router holds every live subscription, keyed by namespace for cheap
// filtering on the hot path.
type Router struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // namespace -> subscriptionID -> sub

	heartbeatInterval time.Duration
	stopHeartbeat     chan struct{}
	stopOnce          sync.Once
}

// New returns a Router emitting heartbeats on the given interval (use
// 0 to disable the background heartbeat loop, e.g. in tests).
func New(heartbeatInterval time.Duration) *Router {
	r := &Router{
		subs:              make(map[string]map[string]*Subscription),
		heartbeatInterval: heartbeatInterval,
		stopHeartbeat:     make(chan struct{}),
	}
	if heartbeatInterval > 0 {
		go r.heartbeatLoop()
	}
	return r
}

// Subscribe registers a subscription and returns an unsubscribe func,
// idempotent and safe to call from a deferred transport-close handler.
func (r *Router) Subscribe(sub *Subscription) (unsubscribe func()) {
	r.mu.Lock()
	if r.subs[sub.Namespace] == nil {
		r.subs[sub.Namespace] = make(map[string]*Subscription)
	}
	r.subs[sub.Namespace][sub.ID] = sub
	r.mu.Unlock()

	metrics.WSConnectionsActive.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if ns, ok := r.subs[sub.Namespace]; ok {
				delete(ns, sub.ID)
				if len(ns) == 0 {
					delete(r.subs, sub.Namespace)
				}
			}
			r.mu.Unlock()
			metrics.WSConnectionsActive.Dec()
		})
	}
}

// Publish fans e out to every matching subscription in its namespace.
func (r *Router) Publish(e SyncEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs[e.Namespace] {
		if sub.matches(e) {
			safeSend(sub, e)
		}
	}
}

// SendToast delivers a toast-shaped event to every matching
// subscription in namespace and returns how many subscriptions it was
// delivered to — the count the push channel uses to decide whether to
// fall back to web push. Every matching subscription is counted,
// whatever its Visibility.
func (r *Router) SendToast(namespace string, payload any, sessionID, machineID string) int {
	e := SyncEvent{Type: "toast", Namespace: namespace, SessionID: sessionID, MachineID: machineID, Payload: payload}

	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, sub := range r.subs[namespace] {
		if sub.matches(e) {
			safeSend(sub, e)
			delivered++
		}
	}
	return delivered
}

func safeSend(sub *Subscription, e SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("events: subscription send panicked, dropping", "subscription_id", sub.ID, "panic", r)
		}
	}()
	sub.Send(e)
}

// Stop halts the background heartbeat loop. Safe to call multiple
// times and safe to omit when heartbeatInterval was 0.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopHeartbeat) })
}

func (r *Router) heartbeatLoop() {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.broadcastHeartbeats()
		case <-r.stopHeartbeat:
			return
		}
	}
}

func (r *Router) broadcastHeartbeats() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ns := range r.subs {
		for _, sub := range ns {
			if sub.SendHeartbeat != nil {
				sub.SendHeartbeat()
			}
		}
	}
}
