// Package ratelimit keeps one token bucket per client key (SPEC_FULL.md
// §4.12). The transport checks it once per WebSocket upgrade, keyed by the
// remote IP; individual RPC requests on an open connection are not counted.
// Built on golang.org/x/time/rate's token bucket,
// with the bounded-tracked-keys eviction pattern adapted from the teacher's
// channels.WebhookRateLimiter so a long-lived gateway with many transient
// client connections never grows its limiter map unbounded.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MaxTrackedClients caps the number of per-client buckets retained; beyond
// this, stale buckets are evicted before new ones are created.
const MaxTrackedClients = 4096

// DefaultRPM is the default requests-per-minute budget for a client
// connection (config.Gateway.RateLimitRPM overrides this).
const DefaultRPM = 120

// DefaultBurst allows a short burst above the steady rate, e.g. a client
// catching up after reconnecting.
const DefaultBurst = 20

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per client id.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	rpm     int
	burst   int
}

func New(rpm int) *Limiter {
	if rpm <= 0 {
		rpm = DefaultRPM
	}
	return &Limiter{
		entries: make(map[string]*entry),
		rpm:     rpm,
		burst:   DefaultBurst,
	}
}

// Allow reports whether clientID may make another request right now,
// creating its bucket on first use.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= MaxTrackedClients {
		l.evictStale()
	}

	e, ok := l.entries[clientID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)}
		l.entries[clientID] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// Forget drops a client's bucket.
func (l *Limiter) Forget(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, clientID)
}

// evictStale removes buckets untouched for 10 minutes; if still at the cap
// afterward, it falls back to dropping arbitrary entries rather than
// refusing new clients outright. Caller holds l.mu.
func (l *Limiter) evictStale() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for k, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
	for len(l.entries) >= MaxTrackedClients {
		for k := range l.entries {
			delete(l.entries, k)
			break
		}
	}
}
