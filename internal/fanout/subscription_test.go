package fanout

import "testing"

func TestSubscribeIsIdempotent(t *testing.T) {
	s := NewSubscription("client-1", 8)
	s.Subscribe("telegram:dm:1")
	s.Subscribe("telegram:dm:1")
	keys := s.SessionKeys()
	if len(keys) != 1 {
		t.Fatalf("SessionKeys = %v, want exactly one entry", keys)
	}
}

func TestUnsubscribeUnknownKeyIsNoop(t *testing.T) {
	s := NewSubscription("client-1", 8)
	s.Unsubscribe("never-subscribed")
	if s.IsSubscribed("never-subscribed") {
		t.Fatal("unsubscribed key should not report as subscribed")
	}
}

func TestEnqueueTripsBackpressureAboveWatermark(t *testing.T) {
	s := NewSubscription("client-1", 100)
	big := make([]byte, HighWatermark+1)
	if !s.enqueue(big, true) {
		t.Fatal("expected enqueue of a single oversize payload to succeed")
	}
	if !s.Backpressured() {
		t.Fatal("expected queued bytes above watermark to trip backpressure")
	}
}

func TestEnqueueDropsNonRequiredWhenBackpressured(t *testing.T) {
	s := NewSubscription("client-1", 100)
	s.enqueue(make([]byte, HighWatermark+1), true)
	if !s.Backpressured() {
		t.Fatal("setup: expected backpressure to be tripped")
	}
	if s.enqueue([]byte("coalescable"), false) {
		t.Fatal("non-required send should be dropped while backpressured")
	}
}

func TestEnqueueAlwaysAttemptsRequiredEvents(t *testing.T) {
	s := NewSubscription("client-1", 100)
	s.enqueue(make([]byte, HighWatermark+1), true)
	if !s.enqueue([]byte("must-arrive"), true) {
		t.Fatal("required send should still be attempted while backpressured")
	}
}

func TestMarkSentAndRecoverClearsBackpressure(t *testing.T) {
	s := NewSubscription("client-1", 100)
	payload := make([]byte, HighWatermark+1)
	s.enqueue(payload, true)
	if !s.Backpressured() {
		t.Fatal("setup: expected backpressure")
	}
	s.MarkSent(len(payload))
	s.recover()
	if s.Backpressured() {
		t.Fatal("expected backpressure to clear once queued bytes drop back under the watermark")
	}
}

func TestQueueFullMarksBackpressured(t *testing.T) {
	s := NewSubscription("client-1", 1)
	if !s.enqueue([]byte("first"), true) {
		t.Fatal("first enqueue into an empty depth-1 queue should succeed")
	}
	if s.enqueue([]byte("second"), true) {
		t.Fatal("enqueue into a full queue should fail")
	}
	if !s.Backpressured() {
		t.Fatal("a full queue should mark the client backpressured")
	}
}
