package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision outcome for a resolved approval.
type ApprovalResult struct {
	Approved      bool
	Reason        string
	ModifiedInput json.RawMessage // non-nil when the approver edited the input
}

// pendingApproval is a one-shot rendezvous: both the RPC layer and a channel
// callback can attempt to resolve it, so the channel is buffered by 1 and
// only the first send is honored (spec.md §9: "Two waiters on the same
// approval... model as a one-shot channel; first writer wins").
type pendingApproval struct {
	requestID uuid.UUID
	toolName  string
	input     json.RawMessage
	tier      Tier

	resultCh chan ApprovalResult
	once     sync.Once
}

func (p *pendingApproval) resolve(result ApprovalResult) bool {
	resolved := false
	p.once.Do(func() {
		p.resultCh <- result
		resolved = true
	})
	return resolved
}

// ApprovalStation holds every in-flight require-approval rendezvous for one
// run. One station is created per streaming-loop turn and discarded at turn
// end; orphaned pendings left by a crashed run resolve to a denial when the
// station is closed.
type ApprovalStation struct {
	mu       sync.Mutex
	pending  map[uuid.UUID]*pendingApproval
}

func NewApprovalStation() *ApprovalStation {
	return &ApprovalStation{pending: make(map[uuid.UUID]*pendingApproval)}
}

// Request registers a new pending approval and returns its id plus a wait
// function that suspends until resolution or timeout (spec.md §4.5 steps
// 1-5). A zero timeout means "no default timeout; explicit RPC response
// required" (spec.md §5).
func (s *ApprovalStation) Request(ctx context.Context, toolName string, input json.RawMessage, tier Tier, timeout time.Duration) (uuid.UUID, func() ApprovalResult) {
	id := uuid.New()
	p := &pendingApproval{
		requestID: id,
		toolName:  toolName,
		input:     input,
		tier:      tier,
		resultCh:  make(chan ApprovalResult, 1),
	}

	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()

	wait := func() ApprovalResult {
		defer func() {
			s.mu.Lock()
			delete(s.pending, id)
			s.mu.Unlock()
		}()

		if timeout <= 0 {
			select {
			case r := <-p.resultCh:
				return r
			case <-ctx.Done():
				return ApprovalResult{Approved: false, Reason: "run aborted"}
			}
		}

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case r := <-p.resultCh:
			return r
		case <-timer.C:
			p.resolve(ApprovalResult{Approved: false, Reason: "approval timeout"})
			return <-p.resultCh
		case <-ctx.Done():
			return ApprovalResult{Approved: false, Reason: "run aborted"}
		}
	}

	return id, wait
}

// Resolve is called by either the RPC tool.approve/tool.deny handler or a
// channel's approval-response callback. Returns an error for an unknown
// requestId (spec.md §8: "tool.approve on an unknown requestId → {error}").
func (s *ApprovalStation) Resolve(id uuid.UUID, approved bool, reason string, modifiedInput json.RawMessage) error {
	s.mu.Lock()
	p, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown approval request %s", id)
	}
	p.resolve(ApprovalResult{Approved: approved, Reason: reason, ModifiedInput: modifiedInput})
	return nil
}

// Close denies every still-pending approval, used by the streaming loop's
// cleanup block so a crashed or aborted run never leaves an orphan waiter.
func (s *ApprovalStation) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		p.resolve(ApprovalResult{Approved: false, Reason: "run terminated"})
		delete(s.pending, id)
	}
}
