// Package sessions is the gateway's session registry (spec.md §4.2):
// identity and lifecycle of conversational sessions, the active-run flag,
// and provider resume ids. Adapted from the teacher's internal/sessions
// manager, narrowed to the registry-only shape the spec calls for (message
// history/storage lives in the event log, not here).
package sessions

import (
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessionkey"
)

// IdleTimeout is the window after which a stale session is reset on its next
// inbound event (spec.md §3 Session, §4.2 idle-timeout state machine).
const IdleTimeout = 4 * time.Hour

// Session is the registry's unit of identity (spec.md §3).
type Session struct {
	SessionKey       string
	SessionID        uuid.UUID
	ProviderResumeID string // empty when unset
	MessageCount     int
	LastMessageAt    time.Time
	ActiveRun        bool

	Channel  string
	ChatID   string
	ChatType string
}

func newSession(key sessionkey.Key) *Session {
	return &Session{
		SessionKey: key.String(),
		SessionID:  uuid.New(),
		Channel:    string(key.Channel),
		ChatID:     key.ChatID,
		ChatType:   key.ChatType,
	}
}

// isStale reports whether the idle-timeout has elapsed since last activity
// (spec.md §3: "if now − lastMessageAt > IDLE_TIMEOUT and messageCount>0").
func (s *Session) isStale(now time.Time) bool {
	return s.MessageCount > 0 && now.Sub(s.LastMessageAt) > IdleTimeout
}
