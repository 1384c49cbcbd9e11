package mediator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DesktopQuestionTimeout is how long a desktop-originated question waits
// before the run observes question_dismissed (spec.md §3 PendingQuestion).
const DesktopQuestionTimeout = 300 * time.Second

// ChannelQuestionTimeout is the shorter timeout for questions routed through
// a messaging channel; when it elapses with no reply, the first offered
// option is taken as the answer (spec.md §3 PendingChannelQuestion).
const ChannelQuestionTimeout = 120 * time.Second

// QuestionAnswer is what resolves a pending question, desktop or channel.
type QuestionAnswer struct {
	Dismissed bool
	Option    string // the chosen option text, or free-form reply text
}

type pendingQuestion struct {
	id       uuid.UUID
	prompt   string
	options  []string
	answerCh chan QuestionAnswer
	once     sync.Once
}

func (p *pendingQuestion) resolve(answer QuestionAnswer) bool {
	resolved := false
	p.once.Do(func() {
		p.answerCh <- answer
		resolved = true
	})
	return resolved
}

// QuestionStation mirrors ApprovalStation's one-shot rendezvous pattern for
// agent-initiated questions (spec.md §4.5's Ask-User-Question special
// casing, §3 PendingQuestion/PendingChannelQuestion).
type QuestionStation struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*pendingQuestion
}

func NewQuestionStation() *QuestionStation {
	return &QuestionStation{pending: make(map[uuid.UUID]*pendingQuestion)}
}

// AskDesktop registers a question answerable only through the desktop RPC
// client (chat.answerQuestion), dismissed after DesktopQuestionTimeout.
func (s *QuestionStation) AskDesktop(ctx context.Context, prompt string, options []string) (uuid.UUID, func() QuestionAnswer) {
	return s.ask(ctx, prompt, options, DesktopQuestionTimeout)
}

// AskChannel registers a question routed to a messaging channel, where the
// first reply — whether or not it matches an offered option — resolves it.
// If none arrives within ChannelQuestionTimeout, the first option wins; a
// question with no options is dismissed instead.
func (s *QuestionStation) AskChannel(ctx context.Context, prompt string, options []string) (uuid.UUID, func() QuestionAnswer) {
	return s.ask(ctx, prompt, options, ChannelQuestionTimeout)
}

func (s *QuestionStation) ask(ctx context.Context, prompt string, options []string, timeout time.Duration) (uuid.UUID, func() QuestionAnswer) {
	id := uuid.New()
	p := &pendingQuestion{
		id:       id,
		prompt:   prompt,
		options:  options,
		answerCh: make(chan QuestionAnswer, 1),
	}

	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()

	wait := func() QuestionAnswer {
		defer func() {
			s.mu.Lock()
			delete(s.pending, id)
			s.mu.Unlock()
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case a := <-p.answerCh:
			return a
		case <-timer.C:
			if timeout == ChannelQuestionTimeout && len(options) > 0 {
				p.resolve(QuestionAnswer{Option: options[0]})
			} else {
				p.resolve(QuestionAnswer{Dismissed: true})
			}
			return <-p.answerCh
		case <-ctx.Done():
			return QuestionAnswer{Dismissed: true}
		}
	}

	return id, wait
}

// Answer resolves a pending question by id. For a channel question any
// reply text is accepted verbatim as Option; callers decide separately
// whether it matched one of the offered options.
func (s *QuestionStation) Answer(id uuid.UUID, option string) bool {
	s.mu.Lock()
	p, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return p.resolve(QuestionAnswer{Option: option})
}

// Dismiss cancels every still-pending question, used on run teardown so a
// crashed or aborted run never leaves an orphan waiter (mirrors
// ApprovalStation.Close).
func (s *QuestionStation) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		p.resolve(QuestionAnswer{Dismissed: true})
		delete(s.pending, id)
	}
}
