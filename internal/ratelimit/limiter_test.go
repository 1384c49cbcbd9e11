package ratelimit

import "testing"

func TestAllowBudgetsRequestsPerMinute(t *testing.T) {
	// 60 rpm with burst 1 ⇒ the very first call succeeds from an empty
	// bucket, the second is immediately over budget.
	l := &Limiter{entries: make(map[string]*entry), rpm: 60, burst: 1}
	if !l.Allow("client-a") {
		t.Fatal("first call should be allowed")
	}
	if l.Allow("client-a") {
		t.Fatal("second immediate call should be rate limited")
	}
}

func TestAllowTracksClientsIndependently(t *testing.T) {
	l := &Limiter{entries: make(map[string]*entry), rpm: 60, burst: 1}
	if !l.Allow("client-a") {
		t.Fatal("client-a first call should be allowed")
	}
	if !l.Allow("client-b") {
		t.Fatal("client-b has its own bucket and should be allowed")
	}
}

func TestForgetDropsClientBucket(t *testing.T) {
	l := New(60)
	l.Allow("client-a")
	l.Forget("client-a")
	l.mu.Lock()
	_, ok := l.entries["client-a"]
	l.mu.Unlock()
	if ok {
		t.Fatal("expected client-a's bucket to be forgotten")
	}
}

func TestNewDefaultsInvalidRPM(t *testing.T) {
	l := New(0)
	if l.rpm != DefaultRPM {
		t.Fatalf("rpm = %d, want default %d", l.rpm, DefaultRPM)
	}
}
