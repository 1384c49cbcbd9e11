package runqueue

import (
	"encoding/json"
	"time"
)

// SessionSnapshot is the in-memory, per-active-session summary spec.md §3
// defines for catching up a client that missed live events: current status,
// any in-flight assistant text, the tool currently running, completed tools
// this turn, and any outstanding approval or question. It is created on run
// start, mutated only by the streaming loop, and destroyed on turn end — it
// never touches the event log or the sessions.Registry.
type SessionSnapshot struct {
	Status          string               `json:"status"` // thinking|responding|tool_use|idle
	Text            string               `json:"text"`
	CurrentTool     *ToolInfo            `json:"currentTool,omitempty"`
	CompletedTools  []ToolInfo           `json:"completedTools,omitempty"`
	PendingApproval *PendingInfo         `json:"pendingApproval,omitempty"`
	PendingQuestion *PendingQuestionInfo `json:"pendingQuestion,omitempty"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

// ToolInfo names a tool call and previews its input for display; input is
// carried as raw text rather than json.RawMessage so SessionSnapshot stays
// trivially copyable.
type ToolInfo struct {
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

// PendingInfo describes a tool-use approval awaiting a human decision.
type PendingInfo struct {
	RequestID string `json:"requestId"`
	ToolName  string `json:"toolName"`
	Input     string `json:"input,omitempty"`
}

// PendingQuestionInfo describes an AskUserQuestion call awaiting a reply.
type PendingQuestionInfo struct {
	RequestID string   `json:"requestId"`
	Questions []string `json:"questions"`
}

// safeInputPreview renders a tool call's raw JSON input for snapshot
// display, falling back to empty rather than passing through whatever junk
// produced invalid JSON.
func safeInputPreview(input json.RawMessage) string {
	if !json.Valid(input) {
		return ""
	}
	return string(input)
}
