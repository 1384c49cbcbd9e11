package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/eventlog"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessionkey"
)

// Registry holds every known session, keyed by its SessionKey string.
// Mutations for a single key are serialized via a per-key mutex drawn from a
// small striped pool, so concurrent callers touching different keys never
// contend (spec.md §4.2 invariant: "concurrent callers mutating the same key
// are serialized; reads may be lock-free"). Every mutation is also persisted
// to store (spec.md §6: "Persisted state ... sessions"), so a restart
// rehydrates from the same rows rather than starting cold.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	locks    keyLocks
	store    eventlog.Store
}

// NewRegistry builds a registry backed by store, rehydrating every
// previously persisted session row before returning. store may be nil in
// tests that don't care about persistence.
func NewRegistry(store eventlog.Store) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		locks:    newKeyLocks(),
		store:    store,
	}
	r.rehydrate()
	return r
}

func (r *Registry) rehydrate() {
	if r.store == nil {
		return
	}
	rows, err := r.store.LoadSessions(context.Background())
	if err != nil {
		slog.Warn("session rehydrate failed", "error", err)
		return
	}
	for _, row := range rows {
		id, err := uuid.Parse(row.SessionID)
		if err != nil {
			continue
		}
		r.sessions[row.SessionKey] = &Session{
			SessionKey:       row.SessionKey,
			SessionID:        id,
			ProviderResumeID: row.ProviderResumeID,
			MessageCount:     row.MessageCount,
			LastMessageAt:    row.LastMessageAt,
			Channel:          row.Channel,
			ChatID:           row.ChatID,
			ChatType:         row.ChatType,
		}
	}
}

// persist writes s's durable fields to the store, swallowing any error
// (persistence failures must never break in-memory operation — the
// registry is authoritative for a running process; the store only needs to
// be right by the next restart).
func (r *Registry) persist(s *Session) {
	if r.store == nil {
		return
	}
	row := eventlog.SessionRow{
		SessionKey:       s.SessionKey,
		SessionID:        s.SessionID.String(),
		Channel:          s.Channel,
		ChatID:           s.ChatID,
		ChatType:         s.ChatType,
		ProviderResumeID: s.ProviderResumeID,
		MessageCount:     s.MessageCount,
		LastMessageAt:    s.LastMessageAt,
	}
	if err := r.store.SaveSession(context.Background(), row); err != nil {
		slog.Warn("session persist failed", "sessionKey", s.SessionKey, "error", err)
	}
}

// GetOrCreate returns the session for key, creating it if absent, and
// performs the idle-timeout reset described in spec.md §4.2 when the
// existing session has gone stale.
func (r *Registry) GetOrCreate(key sessionkey.Key) (s *Session, created bool) {
	skey := key.String()
	unlock := r.locks.lock(skey)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[skey]
	now := time.Now()
	if !ok {
		s := newSession(key)
		r.sessions[skey] = s
		r.persist(s)
		return s, true
	}
	if existing.isStale(now) {
		reset := newSession(key)
		r.sessions[skey] = reset
		r.persist(reset)
		return reset, true
	}
	return existing, false
}

// Get returns the session for key without creating it.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// IncrementMessages records an inbound/outbound turn against the session's
// activity clock (spec.md §4.2 incrementMessages).
func (r *Registry) IncrementMessages(key string) {
	unlock := r.locks.lock(key)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.MessageCount++
		s.LastMessageAt = time.Now()
		r.persist(s)
	}
}

// SetActiveRun toggles the active-run flag. Callers must pair every true
// with a later false for the same key (spec.md §3 invariant).
func (r *Registry) SetActiveRun(key string, active bool) {
	unlock := r.locks.lock(key)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.ActiveRun = active
	}
}

// SetProviderResumeID persists the opaque provider resume token, or clears
// it when id is empty.
func (r *Registry) SetProviderResumeID(key, id string) {
	unlock := r.locks.lock(key)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.ProviderResumeID = id
		r.persist(s)
	}
}

// Remove drops the registry row and its stored copy, resume id included.
// Callers must have cleared the resume id first (spec.md §4.2 remove); Remove
// itself does not check or clear it.
func (r *Registry) Remove(key string) {
	unlock := r.locks.lock(key)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
	if r.store != nil {
		if err := r.store.DeleteSession(context.Background(), key); err != nil {
			slog.Warn("session delete failed", "sessionKey", key, "error", err)
		}
	}
}

// Reset clears the resume id and issues a fresh session id for key, without
// removing the row (used by the explicit sessions.reset RPC, spec.md §4.2
// diagram: "active ─ explicit reset RPC ─► idle").
func (r *Registry) Reset(key string) (*Session, bool) {
	unlock := r.locks.lock(key)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, false
	}
	s.ProviderResumeID = ""
	s.SessionID = uuid.New()
	s.MessageCount = 0
	s.ActiveRun = false
	r.persist(s)
	return s, true
}

// GetActiveRunKeys returns every session key currently marked active. The
// transport does not call it when a client authenticates; clients catch up
// on live runs through sessions.subscribe.
func (r *Registry) GetActiveRunKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0)
	for k, s := range r.sessions {
		if s.ActiveRun {
			keys = append(keys, k)
		}
	}
	return keys
}

// List returns a snapshot copy of every known session.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// MakeKey builds the canonical session key string for the given triple.
func (r *Registry) MakeKey(channel sessionkey.Channel, chatType, chatID string) string {
	return sessionkey.Build(channel, chatType, chatID)
}

// keyLocks is a small striped mutex pool: a fixed number of buckets hashed
// by key, trading a tiny amount of false contention for not needing to grow
// an unbounded map of per-key mutexes.
type keyLocks struct {
	buckets [64]sync.Mutex
}

func newKeyLocks() keyLocks {
	return keyLocks{}
}

func (kl *keyLocks) lock(key string) (unlock func()) {
	h := fnv32(key) % uint32(len(kl.buckets))
	kl.buckets[h].Lock()
	return kl.buckets[h].Unlock
}

func fnv32(s string) uint32 {
	const prime32 = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
