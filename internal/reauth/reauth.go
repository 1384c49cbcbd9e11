// Package reauth implements the provider re-authentication flow spec.md
// §4.4/S6 requires when a channel run hits an expired-credential error: the
// gateway hands the user an OAuth authorization URL on the channel, stashes
// the in-flight prompt, and re-dispatches it unchanged once the user pastes
// back an authorization code. Grounded on golang.org/x/oauth2's PKCE helpers
// (GenerateVerifier/S256ChallengeOption/VerifierOption), the same package
// already listed in go.mod for this purpose.
package reauth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
)

// Pending is a suspended turn awaiting the user to complete re-auth in their
// channel.
type Pending struct {
	SessionKey string
	Prompt     string
	SenderName string
	verifier   string
}

// Manager tracks one pending re-auth flow per channel chat at a time. A chat
// can only have a single outstanding prompt blocked on re-auth, matching the
// per-session-key single-active-run invariant runqueue.Manager enforces.
type Manager struct {
	cfg *oauth2.Config

	mu      sync.Mutex
	pending map[string]*Pending // chatID -> pending
}

// New builds a Manager from the gateway's OAuth config. The returned Manager
// is always usable; callers check Enabled() before starting a flow.
func New(cfg config.OAuthConfig) *Manager {
	return &Manager{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		pending: make(map[string]*Pending),
	}
}

// Enabled reports whether enough OAuth config was supplied to attempt a
// re-auth flow at all.
func (m *Manager) Enabled() bool {
	return m.cfg.ClientID != "" && m.cfg.Endpoint.AuthURL != ""
}

// Start begins a PKCE authorization-code flow for chatID, stashing prompt so
// it can be re-dispatched unchanged once the user completes the exchange.
// Returns the URL to hand the user.
func (m *Manager) Start(chatID, sessionKey, prompt, senderName string) string {
	verifier := oauth2.GenerateVerifier()
	m.mu.Lock()
	m.pending[chatID] = &Pending{
		SessionKey: sessionKey,
		Prompt:     prompt,
		SenderName: senderName,
		verifier:   verifier,
	}
	m.mu.Unlock()
	return m.cfg.AuthCodeURL("state", oauth2.S256ChallengeOption(verifier))
}

// HasPending reports whether chatID has a re-auth flow awaiting a reply.
func (m *Manager) HasPending(chatID string) bool {
	m.mu.Lock()
	_, ok := m.pending[chatID]
	m.mu.Unlock()
	return ok
}

// Cancel drops chatID's pending flow without exchanging, used for /cancel
// (spec.md S6: "`/cancel` clears the pending without re-dispatch").
func (m *Manager) Cancel(chatID string) bool {
	m.mu.Lock()
	_, ok := m.pending[chatID]
	delete(m.pending, chatID)
	m.mu.Unlock()
	return ok
}

// Exchange completes chatID's pending flow using the authorization code the
// user pasted back, and returns the stashed Pending for re-dispatch.
func (m *Manager) Exchange(ctx context.Context, chatID, code string) (*Pending, error) {
	m.mu.Lock()
	p, ok := m.pending[chatID]
	delete(m.pending, chatID)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending re-auth for chat %s", chatID)
	}
	if _, err := m.cfg.Exchange(ctx, code, oauth2.VerifierOption(p.verifier)); err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return p, nil
}
