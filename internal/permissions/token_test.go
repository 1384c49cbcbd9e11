package permissions

import (
	"testing"
	"time"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	e := NewEngine([]byte("test-secret"))
	token, err := e.Issue("client-1", []string{"chat.send"}, "telegram", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := e.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "client-1" || claims.Channel != "telegram" {
		t.Fatalf("claims = %+v, unexpected subject/channel", claims)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewEngine([]byte("secret-a"))
	token, err := issuer.Issue("client-1", nil, "", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	verifier := NewEngine([]byte("secret-b"))
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("expected verify with wrong secret to fail")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	e := NewEngine([]byte("test-secret"))
	token, err := e.Issue("client-1", nil, "", -time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := e.Verify(token); err == nil {
		t.Fatal("expected verify of expired token to fail")
	}
}

func TestClaimsAllowsEmptyCapabilitiesIsUnrestricted(t *testing.T) {
	c := &Claims{}
	if !c.Allows("fs.write") {
		t.Fatal("empty capabilities should allow everything")
	}
}

func TestClaimsAllowsRestrictsToListedMethods(t *testing.T) {
	c := &Claims{Capabilities: []string{"chat.send", "chat.history"}}
	if !c.Allows("chat.send") {
		t.Fatal("expected listed method to be allowed")
	}
	if c.Allows("fs.write") {
		t.Fatal("expected unlisted method to be denied")
	}
}
