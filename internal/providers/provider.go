// Package providers is the thin provider-adapter boundary (SPEC_FULL.md
// §4.9): the run queue drives an agent turn through a provider-agnostic
// Stream call and classifies the resulting StreamEvent sequence itself
// (SPEC_FULL.md §4.4's streaming-message classification). Adapting full
// model behavior (tool-choice strategy, prompt construction, context
// compaction) is explicitly out of scope — this package only translates
// each SDK's wire events into the gateway's own vocabulary, grounded in the
// teacher's internal/providers/anthropic_stream.go SSE event switch.
package providers

import (
	"context"
	"encoding/json"
)

// Role mirrors the provider-agnostic chat roles the run queue assembles a
// transcript from.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role    Role
	Content string

	// ToolUseID/ToolName are set for RoleTool messages carrying a tool's
	// result back to the model.
	ToolUseID string
	ToolName  string
}

// ToolDef is one tool definition offered to the model this turn.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one agent turn. ResumeID carries the session's stored
// ProviderResumeID (empty on a fresh start or after a resume retry); the
// Anthropic and OpenAI adapters in this package do not send it, so every
// request is built from Messages alone.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDef
	ResumeID string
}

// StreamEventType enumerates the provider-agnostic event kinds the run
// queue's classifier switches on.
type StreamEventType string

const (
	EventTextDelta    StreamEventType = "text_delta"
	EventToolUseStart StreamEventType = "tool_use_start"
	EventToolUseDelta StreamEventType = "tool_use_delta"
	EventToolUseStop  StreamEventType = "tool_use_stop"
	EventMessageStop  StreamEventType = "message_stop"
	EventError        StreamEventType = "error"
)

type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type StreamEvent struct {
	Type StreamEventType

	Text string // EventTextDelta

	ToolCallIndex int       // EventToolUseStart/Delta/Stop
	ToolCall      *ToolCall // EventToolUseStart (ID+Name set, Input empty), EventToolUseStop (Input complete)
	PartialJSON   string    // EventToolUseDelta

	StopReason string // EventMessageStop: the provider's own value, e.g. Anthropic "end_turn" | "tool_use" | "max_tokens", OpenAI "stop" | "tool_calls" | "length"
	ResumeID   string // EventMessageStop: provider-side id to persist as ProviderResumeID

	Err error // EventError
}

// Provider is implemented by each model backend adapter.
type Provider interface {
	// Stream starts a turn and returns a channel of StreamEvent, closed
	// when the turn ends (after an EventMessageStop or EventError). The
	// channel is unbuffered from the adapter's perspective; the run queue
	// is responsible for keeping up (it immediately re-emits into the
	// session's StreamBatcher).
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)

	// Name identifies the provider for logging and for the agent.error
	// event's provider field.
	Name() string
}

// Registry resolves a provider by name; an empty name selects the default.
// The run queue always asks for the default provider, and agent.setModel
// changes only the model name sent to it, not the provider.
type Registry struct {
	providers map[string]Provider
	defaultName string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{providers: make(map[string]Provider), defaultName: defaultName}
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	return p, ok
}
