// Package protocol defines the wire vocabulary shared between the gateway
// and its subscribers: event names, RPC method names, and envelope shapes.
package protocol

// Event names, grouped the way the gateway emits them. These are literal per
// the external interface contract — subscribers match on the string, not on
// a generated constant, so changing one is a wire-compatibility break.
const (
	EventStatusUpdate  = "status.update"
	EventSessionUpdate = "session.update"
	EventSessionSnapshot = "session.snapshot"

	EventAgentUserMessage = "agent.user_message"
	EventAgentStream      = "agent.stream"
	EventAgentStreamBatch = "agent.stream_batch"
	EventAgentMessage     = "agent.message"
	EventAgentToolUse     = "agent.tool_use"
	EventAgentToolResult  = "agent.tool_result"
	EventAgentToolNotify  = "agent.tool_notify"
	EventAgentToolApproval = "agent.tool_approval"
	EventAgentAskUser     = "agent.ask_user"
	EventAgentResult      = "agent.result"
	EventAgentError       = "agent.error"

	EventChannelMessage = "channel.message"
	EventChannelStatus  = "channel.status"

	EventAuthReauthRequired = "auth.reauth_required"
)

// Envelope is the shape of every server→client event frame:
// {"event": "...", "data": {...}} with an optional seq when the event was
// persisted to the event log.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	Seq   *int64      `json:"seq,omitempty"`
}

func NewEvent(name string, data interface{}) *Envelope {
	return &Envelope{Event: name, Data: data}
}

func (e *Envelope) WithSeq(seq int64) *Envelope {
	e.Seq = &seq
	return e
}

// Request is a client→server RPC call: {"id": "...", "method": "...", "params": {...}}.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params interface{}     `json:"params,omitempty"`
}

// Response is a server→client RPC reply: either {"id","result"} or {"id","error"}.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func NewResult(id string, result interface{}) *Response {
	return &Response{ID: id, Result: result}
}

func NewError(id string, err error) *Response {
	return &Response{ID: id, Error: err.Error()}
}

// ProtocolVersion is surfaced on GET /health for client compatibility checks.
const ProtocolVersion = 1
