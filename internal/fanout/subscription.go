// Package fanout is the client fan-out layer (spec.md §4.3): it tracks which
// connected WebSocket clients are subscribed to which session keys, batches
// high-frequency stream deltas, and applies per-client backpressure. Adapted
// from the teacher's internal/bus EventPublisher abstraction (Subscribe /
// Unsubscribe / Broadcast), generalized from a single global broadcast ring
// to a per-session-key subscription index with bounded per-client queues.
package fanout

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// HighWatermark is the per-client queued-bytes threshold above which the
// client is considered backpressured (spec.md §4.3: "64KiB high
// watermark"). Once tripped, new low-priority sends (stream batches) are
// dropped for that client until the recovery sweep clears it.
const HighWatermark = 64 * 1024

// Subscription is one connected client's view into the event stream: the
// set of session keys it is subscribed to and its bounded outbound queue.
type Subscription struct {
	ClientID string

	mu          sync.RWMutex
	sessionKeys map[string]struct{}
	staleKeys   map[string]struct{}

	queue       chan json.RawMessage
	queuedBytes int64 // atomic
	backpressured int32 // atomic bool
}

// NewSubscription creates a client subscription with a bounded outbound
// queue. queueDepth bounds the number of pending envelopes, independent of
// the byte-based high watermark used for backpressure detection.
func NewSubscription(clientID string, queueDepth int) *Subscription {
	return &Subscription{
		ClientID:    clientID,
		sessionKeys: make(map[string]struct{}),
		staleKeys:   make(map[string]struct{}),
		queue:       make(chan json.RawMessage, queueDepth),
	}
}

// markStale records that this client missed a delivery for sessionKey while
// backpressured, so the recovery sweep knows to catch it up with a
// session.snapshot once the client drains (spec.md §4.3).
func (s *Subscription) markStale(sessionKey string) {
	s.mu.Lock()
	s.staleKeys[sessionKey] = struct{}{}
	s.mu.Unlock()
}

// drainStaleKeys returns and clears the set of keys this client missed
// deliveries for.
func (s *Subscription) drainStaleKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.staleKeys))
	for k := range s.staleKeys {
		keys = append(keys, k)
	}
	s.staleKeys = make(map[string]struct{})
	return keys
}

// Subscribe adds sessionKey to this client's subscription set. Idempotent:
// resubscribing to an already-subscribed key is a no-op (spec.md §8:
// "Idempotent subscribe — subscribing twice to the same session produces no
// duplicate delivery").
func (s *Subscription) Subscribe(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionKeys[sessionKey] = struct{}{}
}

func (s *Subscription) Unsubscribe(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessionKeys, sessionKey)
}

func (s *Subscription) IsSubscribed(sessionKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessionKeys[sessionKey]
	return ok
}

func (s *Subscription) SessionKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.sessionKeys))
	for k := range s.sessionKeys {
		keys = append(keys, k)
	}
	return keys
}

// Backpressured reports whether this client is currently above the high
// watermark — callers use this to drop coalescable traffic (stream batches)
// while still delivering ordering-critical events (spec.md §4.3).
func (s *Subscription) Backpressured() bool {
	return atomic.LoadInt32(&s.backpressured) == 1
}

// enqueue attempts a non-blocking send. required=true events (session
// lifecycle, tool approvals, results) are always attempted even when
// backpressured, since correctness depends on the client eventually seeing
// them once it recovers; required=false events (stream batches) are
// dropped outright when backpressured.
func (s *Subscription) enqueue(payload json.RawMessage, required bool) (delivered bool) {
	if s.Backpressured() && !required {
		return false
	}

	select {
	case s.queue <- payload:
		atomic.AddInt64(&s.queuedBytes, int64(len(payload)))
		if atomic.LoadInt64(&s.queuedBytes) > HighWatermark {
			atomic.StoreInt32(&s.backpressured, 1)
		}
		return true
	default:
		// queue full: client's write pump can't keep up. Mark
		// backpressured so subsequent coalescable sends are skipped.
		atomic.StoreInt32(&s.backpressured, 1)
		return false
	}
}

// Queue returns the outbound channel the connection's write pump receives from.
func (s *Subscription) Queue() <-chan json.RawMessage {
	return s.queue
}

// MarkSent accounts bytes leaving the queue, called by the write pump after
// a successful write.
func (s *Subscription) MarkSent(n int) {
	remaining := atomic.AddInt64(&s.queuedBytes, -int64(n))
	if remaining < 0 {
		atomic.StoreInt64(&s.queuedBytes, 0)
	}
}

// recover clears the backpressured flag once the client's queued bytes fall
// back under the watermark — driven by the hub's recovery sweep (spec.md
// §4.3: "~500ms recovery sweep").
func (s *Subscription) recover() {
	if atomic.LoadInt64(&s.queuedBytes) <= HighWatermark {
		atomic.StoreInt32(&s.backpressured, 0)
	}
}
