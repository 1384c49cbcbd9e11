package runqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/eventlog"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/fanout"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/mediator"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/providers"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

// ResumeRetryLimit bounds how many times a stale ProviderResumeID is
// retried fresh before the run gives up and surfaces agent.error (spec.md
// S4: "resume stale" scenario).
const ResumeRetryLimit = 1

// TurnInput is one unit of work handed to Enqueue: the first user message
// of a new run.
type TurnInput struct {
	Text       string
	SenderName string
	Model      string
}

// Manager owns every active Run, keyed by session key, and wires the
// provider stream into the event log, client fan-out, and tool mediator.
type Manager struct {
	mu   sync.Mutex
	runs map[string]*Run

	// approvals/questions expose each live run's mediator stations so the
	// RPC layer's tool.approve/tool.deny/chat.answerQuestion handlers can
	// resolve a pending rendezvous by session key without the run itself
	// needing an RPC-shaped API.
	approvals map[string]*mediator.ApprovalStation
	questions map[string]*mediator.QuestionStation

	// resumeGroup dedupes concurrent resume-retry stream starts for the
	// same session key so two racing inbound messages can't both trigger a
	// fresh-start retry against the provider (SPEC_FULL.md §4.12).
	resumeGroup singleflight.Group

	eventSink func(sessionKey, eventType string, payload any)

	sessions  *sessions.Registry
	events    eventlog.Store
	hub       *fanout.Hub
	providers *providers.Registry
	toolDefs  []providers.ToolDef
	executor  ToolExecutor
	policy    func(sessionKey string) (mediator.Mode, mediator.ChannelPolicy)
}

func NewManager(reg *sessions.Registry, events eventlog.Store, hub *fanout.Hub, provReg *providers.Registry, toolDefs []providers.ToolDef, executor ToolExecutor, policy func(string) (mediator.Mode, mediator.ChannelPolicy)) *Manager {
	return &Manager{
		runs:      make(map[string]*Run),
		approvals: make(map[string]*mediator.ApprovalStation),
		questions: make(map[string]*mediator.QuestionStation),
		sessions:  reg,
		events:    events,
		hub:       hub,
		providers: provReg,
		toolDefs:  toolDefs,
		executor:  executor,
		policy:    policy,
	}
}

// ResolveApproval resolves a pending tool approval for sessionKey (RPC
// tool.approve/tool.deny, spec.md §8: unknown requestId → error).
func (m *Manager) ResolveApproval(sessionKey string, requestID uuid.UUID, approved bool, reason string, modifiedInput json.RawMessage) error {
	m.mu.Lock()
	station, ok := m.approvals[sessionKey]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active run for session %s", sessionKey)
	}
	return station.Resolve(requestID, approved, reason, modifiedInput)
}

// AnswerQuestion resolves a pending desktop question for sessionKey (RPC
// chat.answerQuestion).
func (m *Manager) AnswerQuestion(sessionKey string, questionID uuid.UUID, option string) bool {
	m.mu.Lock()
	station, ok := m.questions[sessionKey]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return station.Answer(questionID, option)
}

// Get returns the active run handle for a session key, if any.
func (m *Manager) Get(sessionKey string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[sessionKey]
	if !ok {
		return Handle{}, false
	}
	return Handle{run: r}, true
}

// Snapshot marshals sessionKey's live SessionSnapshot, for the hub's
// backpressure-recovery sweep (fanout.Hub.SetSnapshotProvider) and the
// sessions.subscribe RPC (spec.md §4.3).
func (m *Manager) Snapshot(sessionKey string) (json.RawMessage, bool) {
	m.mu.Lock()
	r, ok := m.runs[sessionKey]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(r.Snapshot())
	if err != nil {
		return nil, false
	}
	return raw, true
}

// isGlobalEvent reports whether eventType is broadcast to every connected
// client rather than only those subscribed to its session key (spec.md §6
// "Keyed?" column: session.update, status.update, and auth.reauth_required
// are all No/Mixed).
func isGlobalEvent(eventType string) bool {
	switch eventType {
	case protocol.EventSessionUpdate, protocol.EventStatusUpdate, protocol.EventAuthReauthRequired:
		return true
	default:
		return false
	}
}

// Enqueue starts a new run for sessionKey, or — if one is already active —
// folds turn into it as a mid-run injection (spec.md §5: at most one run
// active per session key).
func (m *Manager) Enqueue(ctx context.Context, sessionKey string, turn TurnInput) Handle {
	m.mu.Lock()
	if existing, ok := m.runs[sessionKey]; ok {
		m.mu.Unlock()
		existing.injectCh <- InjectedMessage{Text: turn.Text, SenderName: turn.SenderName}
		return Handle{run: existing}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := newRun(sessionKey, cancel)
	m.runs[sessionKey] = r
	m.mu.Unlock()

	m.sessions.SetActiveRun(sessionKey, true)
	m.emit(ctx, sessionKey, protocol.EventStatusUpdate, map[string]bool{"activeRun": true})
	go m.execute(runCtx, r, turn)

	return Handle{run: r}
}

func (m *Manager) emit(ctx context.Context, sessionKey, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}

	// agent.error is transient and never persisted (spec.md §3 Event
	// invariant); every other event type is appended first so its
	// assigned seq can be stamped onto the envelope before broadcast.
	var env *protocol.Envelope
	if eventType == protocol.EventAgentError {
		env = protocol.NewEvent(eventType, raw)
	} else {
		seq, err := m.events.Append(ctx, sessionKey, eventType, raw)
		if err != nil {
			return
		}
		env = protocol.NewEvent(eventType, raw).WithSeq(seq)
	}

	envBytes, err := json.Marshal(env)
	if err != nil {
		return
	}
	required := eventType != protocol.EventAgentStreamBatch
	if isGlobalEvent(eventType) {
		m.hub.Broadcast(envBytes, required)
	} else {
		m.hub.Publish(sessionKey, envBytes, required)
	}

	if m.eventSink != nil {
		m.eventSink(sessionKey, eventType, payload)
	}
}

// SetEventSink registers a callback invoked for every emitted event
// alongside the fan-out publish, used to let the channel manager drive its
// status-message/approval-request lifecycle without the run queue needing
// to import internal/channels (SPEC_FULL.md §4.11 glue).
func (m *Manager) SetEventSink(sink func(sessionKey, eventType string, payload any)) {
	m.eventSink = sink
}

func (m *Manager) execute(ctx context.Context, r *Run, turn TurnInput) {
	defer func() {
		m.mu.Lock()
		delete(m.runs, r.SessionKey)
		m.mu.Unlock()
		m.sessions.SetActiveRun(r.SessionKey, false)
		// Use a fresh background context: ctx may already be canceled
		// (interrupt/shutdown) by the time cleanup runs, and spec.md §7
		// requires this broadcast to always fire regardless.
		m.emit(context.Background(), r.SessionKey, protocol.EventStatusUpdate, map[string]bool{"activeRun": false})
		r.finish()
	}()

	r.setState(StateStarting)
	m.emit(ctx, r.SessionKey, protocol.EventSessionUpdate, map[string]string{
		"sessionKey": r.SessionKey,
		"state":      string(StateStarting),
	})
	m.emit(ctx, r.SessionKey, protocol.EventAgentUserMessage, map[string]any{
		"text":     turn.Text,
		"sender":   turn.SenderName,
		"injected": false,
	})

	session, _ := m.sessions.Get(r.SessionKey)

	model := turn.Model
	provider, ok := m.providers.Get("")
	if !ok {
		m.emit(ctx, r.SessionKey, protocol.EventAgentError, map[string]string{"message": "no provider configured"})
		return
	}

	transcript := []providers.Message{{Role: providers.RoleUser, Content: turn.Text}}
	resumeID := ""
	if session != nil {
		resumeID = session.ProviderResumeID
	}

	mode, channelPolicy := m.policy(r.SessionKey)

	approvals := mediator.NewApprovalStation()
	questions := mediator.NewQuestionStation()
	m.mu.Lock()
	m.approvals[r.SessionKey] = approvals
	m.questions[r.SessionKey] = questions
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.approvals, r.SessionKey)
		delete(m.questions, r.SessionKey)
		m.mu.Unlock()
		approvals.Close()
		questions.Dismiss()
	}()

	retries := 0
	for {
		r.setState(StateStreaming)
		m.emit(ctx, r.SessionKey, protocol.EventSessionUpdate, map[string]string{
			"sessionKey": r.SessionKey,
			"state":      string(StateStreaming),
		})

		req := providers.Request{
			Model:    model,
			Messages: transcript,
			Tools:    m.toolDefs,
			ResumeID: resumeID,
		}

		streamResult, err, _ := m.resumeGroup.Do(r.SessionKey, func() (interface{}, error) {
			return provider.Stream(ctx, req)
		})
		if err != nil {
			m.emit(ctx, r.SessionKey, protocol.EventAgentError, map[string]string{"message": err.Error()})
			return
		}
		events := streamResult.(<-chan providers.StreamEvent)

		outcome := m.drain(ctx, r, events, &transcript, approvals, questions, mode, channelPolicy)

		select {
		case newModel := <-r.modelCh:
			model = newModel
		default:
		}

		switch outcome.kind {
		case outcomeDone:
			if outcome.resumeID != "" && session != nil {
				m.sessions.SetProviderResumeID(r.SessionKey, outcome.resumeID)
			}
			m.sessions.IncrementMessages(r.SessionKey)
			m.emit(ctx, r.SessionKey, protocol.EventAgentResult, map[string]string{
				"stopReason": outcome.stopReason,
				"text":       outcome.finalText,
			})
			return

		case outcomeResumeStale:
			if retries >= ResumeRetryLimit {
				m.emit(ctx, r.SessionKey, protocol.EventAgentError, map[string]string{"message": "resume failed after retry"})
				return
			}
			retries++
			resumeID = ""
			awaitSuspend(ctx, 0)
			continue

		case outcomeInterrupted:
			m.emit(ctx, r.SessionKey, protocol.EventSessionUpdate, map[string]string{
				"sessionKey": r.SessionKey,
				"state":      "interrupted",
			})
			return

		case outcomeInjected:
			m.emit(ctx, r.SessionKey, protocol.EventAgentUserMessage, map[string]any{
				"text":     outcome.injectedText,
				"sender":   outcome.injectedSender,
				"injected": true,
			})
			transcript = append(transcript, providers.Message{Role: providers.RoleUser, Content: outcome.injectedText})
			continue

		case outcomeAuthRequired:
			// The turn is suspended, not complete: no agent.result, since
			// the prompt is stashed by internal/reauth and re-dispatched
			// unchanged once the user completes re-authorization (spec.md
			// §7, S6).
			m.emit(ctx, r.SessionKey, protocol.EventAuthReauthRequired, map[string]string{
				"sessionKey": r.SessionKey,
				"message":    outcome.authMessage,
				"prompt":     turn.Text,
			})
			return
		}
	}
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeResumeStale
	outcomeInterrupted
	outcomeInjected
	outcomeAuthRequired
)

type turnOutcome struct {
	kind           outcomeKind
	resumeID       string
	stopReason     string
	finalText      string
	injectedText   string
	injectedSender string
	authMessage    string
}

// drain consumes one provider stream end-to-end, classifying each
// StreamEvent into gateway events and suspending at tool-approval
// boundaries (spec.md §4.4/§4.5). Ordering invariant: agent.tool_approval
// is always emitted and resolved before the corresponding agent.tool_result.
func (m *Manager) drain(ctx context.Context, r *Run, events <-chan providers.StreamEvent, transcript *[]providers.Message, approvals *mediator.ApprovalStation, questions *mediator.QuestionStation, mode mediator.Mode, channelPolicy mediator.ChannelPolicy) turnOutcome {
	var fullText strings.Builder
	batcher := fanout.NewStreamBatcher(r.SessionKey, func(text string, count int) {
		if count == 1 {
			m.emit(ctx, r.SessionKey, protocol.EventAgentStream, map[string]string{"text": text})
		} else {
			m.emit(ctx, r.SessionKey, protocol.EventAgentStreamBatch, map[string]string{"text": text})
		}
	})
	defer batcher.Flush()

	r.updateSnapshot(func(s *SessionSnapshot) {
		s.Status = "responding"
		s.CurrentTool = nil
	})

	pendingTools := map[int]*providers.ToolCall{}
	var readyTools []*providers.ToolCall

	for {
		select {
		case <-r.interruptCh:
			return turnOutcome{kind: outcomeInterrupted}

		case msg := <-r.injectCh:
			return turnOutcome{kind: outcomeInjected, injectedText: msg.Text, injectedSender: msg.SenderName}

		case ev, ok := <-events:
			if !ok {
				return turnOutcome{kind: outcomeDone, stopReason: "end_turn", finalText: fullText.String()}
			}

			switch ev.Type {
			case providers.EventTextDelta:
				fullText.WriteString(ev.Text)
				batcher.Add(ev.Text)
				r.updateSnapshot(func(s *SessionSnapshot) { s.Text = fullText.String() })

			case providers.EventToolUseStart:
				pendingTools[ev.ToolCallIndex] = ev.ToolCall
				r.updateSnapshot(func(s *SessionSnapshot) {
					s.Status = "tool_use"
					s.CurrentTool = &ToolInfo{Name: ev.ToolCall.Name}
				})
				m.emit(ctx, r.SessionKey, protocol.EventAgentToolUse, map[string]any{
					"id":   ev.ToolCall.ID,
					"name": ev.ToolCall.Name,
				})

			case providers.EventToolUseDelta:
				if tc, ok := pendingTools[ev.ToolCallIndex]; ok {
					tc.Input = append(tc.Input, []byte(ev.PartialJSON)...)
				}

			case providers.EventToolUseStop:
				batcher.Flush()
				tc := ev.ToolCall
				if tc == nil {
					tc = pendingTools[ev.ToolCallIndex]
				}
				if tc == nil {
					continue
				}
				// Collected rather than run immediately: a single model turn
				// can emit several tool_use blocks before message_stop, and
				// those run concurrently below (mirrors the teacher's
				// goroutine-per-tool agent loop).
				readyTools = append(readyTools, tc)
				r.updateSnapshot(func(s *SessionSnapshot) {
					s.CompletedTools = append(s.CompletedTools, ToolInfo{Name: tc.Name, Input: safeInputPreview(tc.Input)})
					s.CurrentTool = nil
				})

			case providers.EventMessageStop:
				batcher.Flush()
				if len(readyTools) > 0 {
					*transcript = append(*transcript, m.runToolsConcurrently(ctx, r, readyTools, approvals, questions, mode, channelPolicy)...)
				}
				return turnOutcome{kind: outcomeDone, resumeID: ev.ResumeID, stopReason: ev.StopReason, finalText: fullText.String()}

			case providers.EventError:
				if isStaleResumeError(ev.Err) {
					return turnOutcome{kind: outcomeResumeStale}
				}
				if isAuthError(ev.Err) {
					return turnOutcome{kind: outcomeAuthRequired, authMessage: ev.Err.Error()}
				}
				m.emit(ctx, r.SessionKey, protocol.EventAgentError, map[string]string{"message": ev.Err.Error()})
				return turnOutcome{kind: outcomeDone, stopReason: "error", finalText: fullText.String()}
			}
		}
	}
}

func isStaleResumeError(err error) bool {
	if err == nil {
		return false
	}
	return fmt.Sprintf("%v", err) != "" && contains(err.Error(), "resume")
}

// isAuthError recognizes a provider credential failure (spec.md §7 error
// taxonomy: "Provider auth error | 401/expired | start re-auth flow; do not
// mark session errored; stash prompt"), distinguishing it from any other
// transient provider error that should just surface as agent.error.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "unauthorized", "invalid_grant", "authentication", "token expired", "token_expired"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// askUserQuestionInput is the shape AskUserQuestion's tool input takes
// (spec.md §3 PendingQuestion: a prompt plus a closed set of options).
type askUserQuestionInput struct {
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

// messageToolInput is the "message" tool's input shape: free text the agent
// wants delivered straight to the user's channel rather than folded into the
// streamed assistant text (spec.md §6 agent.message).
type messageToolInput struct {
	Text string `json:"text"`
}

// runTool classifies a tool call, runs the approval rendezvous when
// required, and executes it via the injected ToolExecutor. AskUserQuestion
// is special-cased: it never reaches the executor, instead suspending on
// the question station the same way a require-approval tool suspends on
// the approval station (spec.md §4.5, agent.ask_user).
func (m *Manager) runTool(ctx context.Context, r *Run, tc *providers.ToolCall, approvals *mediator.ApprovalStation, questions *mediator.QuestionStation, mode mediator.Mode, channelPolicy mediator.ChannelPolicy) (result string, isError bool) {
	if tc.Name == "message" {
		var input messageToolInput
		_ = json.Unmarshal(tc.Input, &input)
		m.emit(ctx, r.SessionKey, protocol.EventAgentMessage, map[string]string{"text": input.Text})
		return "message sent", false
	}

	if tc.Name == "AskUserQuestion" || tc.Name == "ask_user_question" {
		var input askUserQuestionInput
		_ = json.Unmarshal(tc.Input, &input)

		qID, wait := questions.AskDesktop(ctx, input.Prompt, input.Options)
		r.updateSnapshot(func(s *SessionSnapshot) {
			s.PendingQuestion = &PendingQuestionInfo{RequestID: qID.String(), Questions: input.Options}
		})
		m.emit(ctx, r.SessionKey, protocol.EventAgentAskUser, map[string]any{
			"questionId": qID.String(),
			"prompt":     input.Prompt,
			"options":    input.Options,
		})

		answer := wait()
		r.updateSnapshot(func(s *SessionSnapshot) { s.PendingQuestion = nil })
		if answer.Dismissed {
			return "question dismissed: no response received", false
		}
		return answer.Option, false
	}

	decision := mediator.Classify(tc.Name, mode, channelPolicy)

	if decision.Base == mediator.Notify {
		m.emit(ctx, r.SessionKey, protocol.EventAgentToolNotify, map[string]string{
			"id":   tc.ID,
			"name": tc.Name,
		})
	}

	if decision.Effective == mediator.RequireApproval {
		const approvalTimeout = 0 // no default timeout; explicit response required
		reqID, wait := approvals.Request(ctx, tc.Name, tc.Input, decision.Base, approvalTimeout*time.Second)
		r.updateSnapshot(func(s *SessionSnapshot) {
			s.PendingApproval = &PendingInfo{RequestID: reqID.String(), ToolName: tc.Name, Input: safeInputPreview(tc.Input)}
		})
		m.emit(ctx, r.SessionKey, protocol.EventAgentToolApproval, map[string]any{
			"requestId": reqID.String(),
			"name":      tc.Name,
			"hardDeny":  decision.HardDeny,
		})

		if decision.HardDeny {
			approvals.Resolve(reqID, false, "denied by policy", nil)
		}

		res := wait()
		r.updateSnapshot(func(s *SessionSnapshot) { s.PendingApproval = nil })
		if !res.Approved {
			reason := res.Reason
			if reason == "" {
				reason = "denied"
			}
			m.emit(ctx, r.SessionKey, protocol.EventAgentToolResult, map[string]string{
				"id":    tc.ID,
				"error": reason,
			})
			return fmt.Sprintf("tool call denied: %s", reason), true
		}
		if res.ModifiedInput != nil {
			tc.Input = res.ModifiedInput
		}
	}

	result, isError = m.executor.Execute(ctx, tc.Name, tc.Input)
	m.emit(ctx, r.SessionKey, protocol.EventAgentToolResult, map[string]any{
		"id":      tc.ID,
		"result":  result,
		"isError": isError,
	})
	return result, isError
}

// runToolsConcurrently runs every tool call from one model turn in parallel
// and returns their results as tool-role messages in the same order the
// calls arrived, so a turn with several independent tool_use blocks doesn't
// pay their combined latency serially (grounded in the teacher's
// goroutine-per-tool agent loop).
func (m *Manager) runToolsConcurrently(ctx context.Context, r *Run, tools []*providers.ToolCall, approvals *mediator.ApprovalStation, questions *mediator.QuestionStation, mode mediator.Mode, channelPolicy mediator.ChannelPolicy) []providers.Message {
	results := make([]providers.Message, len(tools))

	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range tools {
		i, tc := i, tc
		g.Go(func() error {
			result, _ := m.runTool(gctx, r, tc, approvals, questions, mode, channelPolicy)
			results[i] = providers.Message{
				Role:      providers.RoleTool,
				ToolUseID: tc.ID,
				ToolName:  tc.Name,
				Content:   result,
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
