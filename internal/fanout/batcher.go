package fanout

import (
	"sync"
	"time"
)

// BatchWindow is the stream-delta coalescing window (spec.md §4.3: "~16ms
// coalescing" — one animation frame, chosen so a burst of token deltas
// collapses into a single client-visible update).
const BatchWindow = 16 * time.Millisecond

// StreamBatcher accumulates agent.stream text deltas for one session and
// flushes them as a single agent.stream_batch event at most once per
// BatchWindow, so a fast-streaming model doesn't flood slow clients with a
// message per token.
type StreamBatcher struct {
	mu       sync.Mutex
	sessionKey string
	pending  []string
	timer    *time.Timer
	flush    func(text string, count int)
}

// NewStreamBatcher creates a batcher for one session's stream. flush is
// invoked (from the batcher's own timer goroutine) whenever a window closes
// with pending content. count is the number of deltas folded into text, so
// the caller can emit the bare agent.stream event for a single-delta window
// instead of wrapping it in agent.stream_batch (spec.md §4.3).
func NewStreamBatcher(sessionKey string, flush func(text string, count int)) *StreamBatcher {
	return &StreamBatcher{sessionKey: sessionKey, flush: flush}
}

// Add appends a delta to the current window, starting the window's timer on
// the first delta after a flush.
func (b *StreamBatcher) Add(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, delta)
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(BatchWindow, b.fire)
}

func (b *StreamBatcher) fire() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	count := len(b.pending)
	batched := joinDeltas(b.pending)
	b.pending = nil
	b.timer = nil
	flush := b.flush
	b.mu.Unlock()

	flush(batched, count)
}

// Flush forces any pending deltas out immediately, used when a run
// terminates or transitions state and the final partial batch must not wait
// out the rest of the window.
func (b *StreamBatcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	count := len(b.pending)
	batched := joinDeltas(b.pending)
	b.pending = nil
	flush := b.flush
	b.mu.Unlock()

	flush(batched, count)
}

func joinDeltas(deltas []string) string {
	total := 0
	for _, d := range deltas {
		total += len(d)
	}
	buf := make([]byte, 0, total)
	for _, d := range deltas {
		buf = append(buf, d...)
	}
	return string(buf)
}
