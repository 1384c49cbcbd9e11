// Package permissions issues and verifies capability-scoped tokens
// (SPEC_FULL.md §4.12): beyond the pre-shared connection token spec.md §6
// already defines for WebSocket auth, a capability token narrows what an
// already-authenticated client may do — e.g. a channel bridge process that
// should only ever call chat.send for its own channel, never fs.* or
// config.set. Built on golang-jwt/jwt/v5.
package permissions

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the capability token payload.
type Claims struct {
	jwt.RegisteredClaims

	// Capabilities is the set of RPC method names (pkg/protocol method
	// constants) this token's bearer may invoke. An empty slice means no
	// restriction beyond what the connection-level auth token already
	// grants.
	Capabilities []string `json:"capabilities"`

	// Channel, if set, scopes chat.*/channel.* calls to this channel only.
	Channel string `json:"channel,omitempty"`
}

// Engine issues and verifies capability tokens against a single HMAC
// secret — the gateway's own pre-shared token (spec.md §6), reused here so
// no second secret needs provisioning.
type Engine struct {
	secret []byte
}

func NewEngine(secret []byte) *Engine {
	return &Engine{secret: secret}
}

// Issue mints a token scoped to capabilities (and optionally one channel),
// valid for ttl.
func (e *Engine) Issue(subject string, capabilities []string, channel string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Capabilities: capabilities,
		Channel:      channel,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(e.secret)
}

// Verify parses and validates a token, returning its claims.
func (e *Engine) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return e.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Allows reports whether claims grants the given RPC method. An empty
// Capabilities list is unrestricted (full access within the connection's
// own auth).
func (c *Claims) Allows(method string) bool {
	if len(c.Capabilities) == 0 {
		return true
	}
	for _, m := range c.Capabilities {
		if m == method {
			return true
		}
	}
	return false
}
