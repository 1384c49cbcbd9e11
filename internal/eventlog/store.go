// Package eventlog is the gateway's append-only, monotonically sequenced
// event store (spec.md §4.1) plus the durable half of the session registry
// (spec.md §6 persisted state: the events and sessions tables live in the
// same embedded store). Adapted from the teacher's internal/store/pg and
// internal/store/file cache-then-persist pattern, generalized to two
// interchangeable backends (embedded SQLite, managed Postgres) per
// SPEC_FULL.md §4.15.
package eventlog

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one persisted unit of the log (spec.md §3 Event).
type Event struct {
	Seq        int64
	SessionKey string
	EventType  string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// SessionRow is the durable projection of a sessions.Session row.
type SessionRow struct {
	SessionKey       string
	SessionID        string
	Channel          string
	ChatID           string
	ChatType         string
	SenderName       string
	ProviderResumeID string
	MessageCount     int
	LastMessageAt    time.Time
}

// Store is the embedded/managed persistence contract. Append assigns and
// returns the sequence number synchronously; callers must broadcast only
// after Append returns, so that a subscriber replaying at seq=N followed by
// live events from N+1 never sees a gap (spec.md §4.1).
type Store interface {
	Append(ctx context.Context, sessionKey, eventType string, payload json.RawMessage) (seq int64, err error)
	Query(ctx context.Context, keys []string, afterSeq int64) ([]Event, error)
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	SaveSession(ctx context.Context, row SessionRow) error
	LoadSessions(ctx context.Context) ([]SessionRow, error)
	DeleteSession(ctx context.Context, sessionKey string) error

	Close() error
}

// RetentionWindow is how long events are kept before a sweep drops them
// (spec.md §3 Event invariant: "retained only for a bounded window (24h)").
const RetentionWindow = 24 * time.Hour

// SweepInterval is how often CleanupOlderThan is invoked by the background
// sweep (spec.md §6 persisted state: "drop events older than 24h on a
// 5-minute sweep").
const SweepInterval = 5 * time.Minute

// RunSweeper runs CleanupOlderThan on SweepInterval until ctx is canceled.
// Cleanup failures are logged by the caller-supplied onError and otherwise
// swallowed — a failed sweep must never affect runs in progress (spec.md
// §4.1: "query failure ... never blocks new runs").
func RunSweeper(ctx context.Context, store Store, onError func(error)) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.CleanupOlderThan(ctx, time.Now().Add(-RetentionWindow)); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
