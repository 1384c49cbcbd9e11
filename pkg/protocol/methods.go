package protocol

// RPC method names, grouped by the resource they operate on. Every handler
// registered against these names must be idempotent where its side effects
// allow (spec.md §4.7) — e.g. unsubscribing an unknown key still returns ok.
const (
	MethodAuth = "auth"

	MethodSessionsSubscribe   = "sessions.subscribe"
	MethodSessionsUnsubscribe = "sessions.unsubscribe"
	MethodSessionsList        = "sessions.list"
	MethodSessionsGet         = "sessions.get"
	MethodSessionsDelete      = "sessions.delete"
	MethodSessionsReset       = "sessions.reset"
	MethodSessionsResume      = "sessions.resume"

	MethodChatSend           = "chat.send"
	MethodChatAnswerQuestion = "chat.answerQuestion"
	MethodChatHistory        = "chat.history"

	MethodAgentAbort    = "agent.abort"
	MethodAgentInterrupt = "agent.interrupt"
	MethodAgentSetModel = "agent.setModel"
	MethodAgentStopTask = "agent.stopTask"

	MethodToolApprove = "tool.approve"
	MethodToolDeny    = "tool.deny"
	MethodToolPending = "tool.pending"

	MethodChannelsList   = "channels.list"
	MethodChannelsStatus = "channels.status"

	MethodCalendarList   = "calendar.list"
	MethodCalendarCreate = "calendar.create"
	MethodCalendarCancel = "calendar.cancel"

	MethodConfigGet = "config.get"
	MethodConfigSet = "config.set"

	MethodFsList       = "fs.list"
	MethodFsRead       = "fs.read"
	MethodFsWrite      = "fs.write"
	MethodFsMkdir      = "fs.mkdir"
	MethodFsDelete     = "fs.delete"
	MethodFsRename     = "fs.rename"
	MethodFsWatchStart = "fs.watch.start"
	MethodFsWatchStop  = "fs.watch.stop"
)
