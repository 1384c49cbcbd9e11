package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

// DefaultQueueDepth bounds pending envelopes per client before the byte
// watermark even applies; generous enough to absorb a burst of individually
// small control events.
const DefaultQueueDepth = 256

// RecoverySweepInterval matches spec.md §4.3's ~500ms backpressure-recovery
// cadence.
const RecoverySweepInterval = 500 * time.Millisecond

// Hub owns every connected client's Subscription and the reverse index from
// session key to subscribed clients, so Publish can fan out a single event
// without scanning every client.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Subscription
	byKey   map[string]map[string]*Subscription // sessionKey -> clientID -> sub

	// snapshotProvider resolves a session key's current SessionSnapshot for
	// the backpressure-recovery sweep (spec.md §4.3); set once at wiring
	// time via SetSnapshotProvider since the Hub itself has no notion of
	// runs or sessions.
	snapshotProvider func(sessionKey string) (json.RawMessage, bool)
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Subscription),
		byKey:   make(map[string]map[string]*Subscription),
	}
}

// SetSnapshotProvider wires the lookup the recovery sweep uses to fetch a
// live SessionSnapshot for a stale key. Must be called once during startup
// wiring since runqueue.Manager (the only snapshot source) is constructed
// after the Hub.
func (h *Hub) SetSnapshotProvider(fn func(sessionKey string) (json.RawMessage, bool)) {
	h.mu.Lock()
	h.snapshotProvider = fn
	h.mu.Unlock()
}

// Register creates and returns a new Subscription for a freshly
// authenticated client.
func (h *Hub) Register(clientID string) *Subscription {
	sub := NewSubscription(clientID, DefaultQueueDepth)
	h.mu.Lock()
	h.clients[clientID] = sub
	h.mu.Unlock()
	return sub
}

// Unregister drops the client and removes it from every session key's
// reverse index (disconnect cleanup).
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.clients[clientID]
	if !ok {
		return
	}
	for _, key := range sub.SessionKeys() {
		if set, ok := h.byKey[key]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(h.byKey, key)
			}
		}
	}
	delete(h.clients, clientID)
}

// Subscribe adds clientID's subscription to sessionKey and updates the
// reverse index. Idempotent per Subscription.Subscribe.
func (h *Hub) Subscribe(clientID, sessionKey string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.clients[clientID]
	if !ok {
		return false
	}
	sub.Subscribe(sessionKey)
	set, ok := h.byKey[sessionKey]
	if !ok {
		set = make(map[string]*Subscription)
		h.byKey[sessionKey] = set
	}
	set[clientID] = sub
	return true
}

func (h *Hub) Unsubscribe(clientID, sessionKey string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.clients[clientID]
	if !ok {
		return false
	}
	sub.Unsubscribe(sessionKey)
	if set, ok := h.byKey[sessionKey]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(h.byKey, sessionKey)
		}
	}
	return true
}

// Publish fans payload out to every client subscribed to sessionKey.
// required mirrors Subscription.enqueue's semantics: lifecycle/result/
// approval events are required (always attempted even under backpressure),
// stream batches are not.
func (h *Hub) Publish(sessionKey string, payload json.RawMessage, required bool) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.byKey[sessionKey]))
	for _, sub := range h.byKey[sessionKey] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.enqueue(payload, required) {
			sub.markStale(sessionKey)
		}
	}
}

// Broadcast fans payload out to every connected client regardless of its
// session-key subscriptions, for events spec.md §6 marks "Keyed? No"
// (session.update, status.update, channel.message, channel.status,
// auth.reauth_required).
func (h *Hub) Broadcast(payload json.RawMessage, required bool) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.clients))
	for _, sub := range h.clients {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(payload, required)
	}
}

// RunRecoverySweep periodically clears the backpressured flag on clients
// that have drained below the high watermark. When a client transitions out
// of backpressure, it has by definition missed events for its stale keys
// while compressed sends were being dropped, so spec.md §4.3 requires one
// session.snapshot per stale key before resuming normal delivery. Runs until
// ctx is canceled.
func (h *Hub) RunRecoverySweep(ctx context.Context) {
	ticker := time.NewTicker(RecoverySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			clients := make([]*Subscription, 0, len(h.clients))
			for _, sub := range h.clients {
				clients = append(clients, sub)
			}
			h.mu.RUnlock()
			for _, sub := range clients {
				wasBackpressured := sub.Backpressured()
				sub.recover()
				if wasBackpressured && !sub.Backpressured() {
					h.sendSnapshots(sub)
				}
			}
		}
	}
}

// sendSnapshots drains sub's stale-key set and delivers a session.snapshot
// for each key that still has a live run. Keys whose run has already ended
// are simply dropped — there is nothing left to snapshot.
func (h *Hub) sendSnapshots(sub *Subscription) {
	h.mu.RLock()
	provider := h.snapshotProvider
	h.mu.RUnlock()
	if provider == nil {
		return
	}
	for _, key := range sub.drainStaleKeys() {
		data, ok := provider(key)
		if !ok {
			continue
		}
		env := protocol.NewEvent(protocol.EventSessionSnapshot, data)
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		sub.enqueue(raw, true)
	}
}
