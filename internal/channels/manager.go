package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/fanout"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/reauth"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/runqueue"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessionkey"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

// StatusEditThrottle is the minimum interval between edits to a channel's
// in-flight status message while a run streams (spec.md §4.4: "throttled
// ~2.5s edits").
const StatusEditThrottle = 2500 * time.Millisecond

// TypingHeartbeat is how often the typing indicator is re-sent while a run
// is active (spec.md §4.4: "~4.5s typing heartbeat").
const TypingHeartbeat = 4500 * time.Millisecond

// initialStatusText is the placeholder sent the moment a run starts,
// before the model has produced any text or tool calls (spec.md §4.4 step
// 1: "an initial placeholder status message is sent").
const initialStatusText = "thinking…"

// statusMessage tracks one channel status message's lifecycle across a run.
type statusMessage struct {
	mu               sync.Mutex
	messageID        string
	lastEdit         time.Time
	lastText         string
	toolNames        []string
	sentFinalMessage bool
	done             chan struct{}
}

// Manager owns every registered channel adapter and drives the status
// message / typing-heartbeat lifecycle in response to run events. Adapted
// from the teacher's channel Manager lifecycle (StartAll/StopAll,
// sync.Map of in-flight runs), generalized from streaming-preview-edit
// bookkeeping to the full session-key-addressed status lifecycle spec.md
// §4.4 describes.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel

	statuses sync.Map // sessionKey -> *statusMessage

	sessions *sessions.Registry
	runs     *runqueue.Manager
	inbound  *InboundLimiter
	hub      *fanout.Hub
	reauth   *reauth.Manager

	// pendingRequests maps a tool-approval/question requestId back to the
	// session key it belongs to, since a channel's approval-response
	// callback carries only the requestId (spec.md §4.6's onApprovalResponse
	// shape), not the session key the run queue's stations are keyed by.
	pendingRequests sync.Map // requestID (string) -> sessionKey (string)
}

func NewManager(reg *sessions.Registry, runs *runqueue.Manager, hub *fanout.Hub, reauthMgr *reauth.Manager) *Manager {
	m := &Manager{
		channels: make(map[string]Channel),
		sessions: reg,
		runs:     runs,
		inbound:  NewInboundLimiter(),
		hub:      hub,
		reauth:   reauthMgr,
	}
	runs.SetEventSink(m.HandleAgentEvent)
	return m
}

// Register adds a channel adapter and wires its inbound callbacks so a
// channel's messages, commands, and approval/question responses route
// straight into the run queue without going through an intermediary bus.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()

	name := ch.Name()
	ch.(interface{ SetHandlers(InboundHandlers) }).SetHandlers(InboundHandlers{
		OnMessage: func(msg InboundMessage) {
			m.OnInboundMessage(context.Background(), name, msg)
		},
		OnCommand: func(msg InboundMessage) {
			m.OnInboundMessage(context.Background(), name, msg)
		},
		OnApprovalResponse: func(requestID string, approved bool) {
			m.resolveApproval(requestID, approved)
		},
		OnQuestionResponse: func(questionID string, option string) {
			m.resolveQuestion(questionID, option)
		},
	})
}

func (m *Manager) resolveApproval(requestID string, approved bool) {
	v, ok := m.pendingRequests.LoadAndDelete(requestID)
	if !ok {
		return
	}
	id, err := uuid.Parse(requestID)
	if err != nil {
		return
	}
	_ = m.runs.ResolveApproval(v.(string), id, approved, "", nil)
}

func (m *Manager) resolveQuestion(questionID string, option string) {
	v, ok := m.pendingRequests.LoadAndDelete(questionID)
	if !ok {
		return
	}
	id, err := uuid.Parse(questionID)
	if err != nil {
		return
	}
	m.runs.AnswerQuestion(v.(string), id, option)
}

// HandleAgentEvent is the run queue's event-sink callback (SetEventSink):
// when a require-approval tool call or a desktop question originates from
// a channel-sourced session, it renders the corresponding prompt on that
// channel and remembers the requestId so the channel's reply can resolve
// it (spec.md §4.5 step 3).
func (m *Manager) HandleAgentEvent(sessionKey, eventType string, payload any) {
	key, err := sessionkey.Parse(sessionKey)
	if err != nil {
		return
	}
	ch, ok := m.Get(string(key.Channel))
	if !ok {
		return // desktop or an unregistered source; nothing to render
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}

	switch eventType {
	case protocol.EventAgentToolApproval:
		var data struct {
			RequestID string `json:"requestId"`
			Name      string `json:"name"`
		}
		if json.Unmarshal(raw, &data) != nil || data.RequestID == "" {
			return
		}
		m.pendingRequests.Store(data.RequestID, sessionKey)
		req := ApprovalRequest{RequestID: data.RequestID, ToolName: data.Name, Summary: fmt.Sprintf("tool %s", data.Name)}
		if _, err := ch.SendApprovalRequest(context.Background(), key.ChatID, req); err != nil {
			slog.Warn("channel approval request send failed", "channel", key.Channel, "error", err)
		}
	case protocol.EventAgentAskUser:
		var data struct {
			QuestionID string   `json:"questionId"`
			Prompt     string   `json:"prompt"`
			Options    []string `json:"options"`
		}
		if json.Unmarshal(raw, &data) != nil || data.QuestionID == "" {
			return
		}
		m.pendingRequests.Store(data.QuestionID, sessionKey)
		q := Question{QuestionID: data.QuestionID, Prompt: data.Prompt, Options: data.Options}
		if _, err := ch.SendQuestion(context.Background(), key.ChatID, q); err != nil {
			slog.Warn("channel question send failed", "channel", key.Channel, "error", err)
		}

	case protocol.EventAgentToolUse:
		var data struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(raw, &data) != nil || data.Name == "" {
			return
		}
		text := m.appendToolUse(sessionKey, data.Name)
		m.UpdateStatusText(context.Background(), string(key.Channel), key.ChatID, sessionKey, text)

	case protocol.EventAgentMessage:
		var data struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &data) != nil || data.Text == "" {
			return
		}
		if _, err := ch.Send(context.Background(), key.ChatID, data.Text); err != nil {
			slog.Warn("channel message send failed", "channel", key.Channel, "error", err)
			return
		}
		m.markMessageSent(sessionKey)

	case protocol.EventAgentResult:
		var data struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(raw, &data)
		m.teardownStatus(context.Background(), ch, key.ChatID, sessionKey, data.Text)

	case protocol.EventAuthReauthRequired:
		if m.reauth == nil || !m.reauth.Enabled() {
			return
		}
		var data struct {
			Message string `json:"message"`
			Prompt  string `json:"prompt"`
		}
		if json.Unmarshal(raw, &data) != nil {
			return
		}
		url := m.reauth.Start(key.ChatID, sessionKey, data.Prompt, "")
		text := fmt.Sprintf("Your session needs to be re-authorized (%s). Open this link, then paste the code back here:\n%s", data.Message, url)
		if _, err := ch.Send(context.Background(), key.ChatID, text); err != nil {
			slog.Warn("channel re-auth prompt send failed", "channel", key.Channel, "error", err)
		}
	}
}

// appendToolUse records a tool call against sessionKey's status message and
// returns the grouped display text for it.
func (m *Manager) appendToolUse(sessionKey, toolName string) string {
	v, ok := m.statuses.Load(sessionKey)
	if !ok {
		return groupToolLog([]string{toolName})
	}
	status := v.(*statusMessage)
	status.mu.Lock()
	status.toolNames = append(status.toolNames, toolName)
	names := append([]string(nil), status.toolNames...)
	status.mu.Unlock()
	return groupToolLog(names)
}

// markMessageSent records that the agent delivered its own final message via
// the "message" tool, so teardownStatus skips sending a duplicate.
func (m *Manager) markMessageSent(sessionKey string) {
	v, ok := m.statuses.Load(sessionKey)
	if !ok {
		return
	}
	status := v.(*statusMessage)
	status.mu.Lock()
	status.sentFinalMessage = true
	status.mu.Unlock()
}

// teardownStatus ends a run's status-message lifecycle (spec.md §4.4 step 3):
// delete the placeholder/progress message, and — unless the agent already
// sent its own final message via the "message" tool — send finalText as a
// fresh channel message.
func (m *Manager) teardownStatus(ctx context.Context, ch Channel, chatID, sessionKey, finalText string) {
	v, ok := m.statuses.LoadAndDelete(sessionKey)
	if !ok {
		if finalText != "" {
			if _, err := ch.Send(ctx, chatID, finalText); err != nil {
				slog.Warn("final message send failed", "error", err)
			}
		}
		return
	}
	status := v.(*statusMessage)
	status.mu.Lock()
	messageID := status.messageID
	alreadySent := status.sentFinalMessage
	status.mu.Unlock()

	if messageID != "" {
		if err := ch.Delete(ctx, chatID, messageID); err != nil {
			slog.Warn("status message delete failed", "error", err)
		}
	}
	if !alreadySent && finalText != "" {
		if _, err := ch.Send(ctx, chatID, finalText); err != nil {
			slog.Warn("final message send failed", "error", err)
		}
	}
}

func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names lists every registered channel adapter's name, backing
// channels.list (spec.md §4.7).
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	return out
}

func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
			m.broadcastChannelStatus(name, "error", err.Error())
			continue
		}
		m.broadcastChannelStatus(name, "connected", "")
	}
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("failed to stop channel", "channel", name, "error", err)
			m.broadcastChannelStatus(name, "error", err.Error())
			continue
		}
		m.broadcastChannelStatus(name, "disconnected", "")
	}
}

// broadcastChannelStatus emits channel.status (spec.md §6: "Keyed? No"),
// bypassing the InboundHandlers.OnStatus hook — no adapter calls it, so
// synthesizing the event directly here on start/stop transitions is simpler
// and equally grounded.
func (m *Manager) broadcastChannelStatus(channelName, status, detail string) {
	if m.hub == nil {
		return
	}
	env := protocol.NewEvent(protocol.EventChannelStatus, map[string]string{
		"channel": channelName,
		"status":  status,
		"detail":  detail,
	})
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	m.hub.Broadcast(raw, true)
}

// broadcastChannelMessage emits channel.message for an inbound channel
// message (spec.md §6: "Keyed? No" — every subscribed client sees every
// channel's inbound traffic, not just that session's).
func (m *Manager) broadcastChannelMessage(channelName string, msg InboundMessage) {
	if m.hub == nil {
		return
	}
	env := protocol.NewEvent(protocol.EventChannelMessage, map[string]string{
		"channel":    channelName,
		"chatId":     msg.ChatID,
		"senderId":   msg.SenderID,
		"senderName": msg.SenderName,
		"content":    msg.Content,
	})
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	m.hub.Broadcast(raw, true)
}

// OnInboundMessage is what every adapter's OnMessage handler calls: it
// resolves the canonical session key, increments the session's message
// counter, and enqueues a turn on the run queue.
func (m *Manager) OnInboundMessage(ctx context.Context, channelName string, msg InboundMessage) {
	if !m.inbound.Allow(channelName + ":" + msg.SenderID) {
		return
	}

	m.broadcastChannelMessage(channelName, msg)

	if m.reauth != nil && m.reauth.HasPending(msg.ChatID) {
		m.handleReauthReply(ctx, channelName, msg)
		return
	}

	chatType := sessionkey.DefaultChatType
	if msg.ChatType == "group" {
		chatType = sessionkey.ChatTypeGroup
	} else if msg.ChatType == "topic" {
		chatType = sessionkey.ChatTypeTopic
	}

	key := sessionkey.Key{Channel: sessionkey.Channel(channelName), ChatType: chatType, ChatID: msg.ChatID}
	skey := key.String()

	m.sessions.GetOrCreate(key)
	m.sessions.IncrementMessages(skey)
	m.runs.Enqueue(ctx, skey, runqueue.TurnInput{Text: msg.Content, SenderName: msg.SenderName})
	m.startStatusLifecycle(ctx, channelName, msg.ChatID, skey)
}

// handleReauthReply handles a reply to an outstanding re-auth prompt: either
// "/cancel" (clears the pending flow without re-dispatch, spec.md S6) or an
// authorization code, which is exchanged and the original prompt
// re-dispatched unchanged as if the error never happened.
func (m *Manager) handleReauthReply(ctx context.Context, channelName string, msg InboundMessage) {
	ch, ok := m.Get(channelName)
	if !ok {
		return
	}
	if msg.Content == "/cancel" || msg.Command == "cancel" {
		m.reauth.Cancel(msg.ChatID)
		_, _ = ch.Send(ctx, msg.ChatID, "Re-authorization canceled.")
		return
	}

	pending, err := m.reauth.Exchange(ctx, msg.ChatID, msg.Content)
	if err != nil {
		_, _ = ch.Send(ctx, msg.ChatID, fmt.Sprintf("Re-authorization failed: %v", err))
		return
	}

	m.runs.Enqueue(ctx, pending.SessionKey, runqueue.TurnInput{Text: pending.Prompt, SenderName: pending.SenderName})
	m.startStatusLifecycle(ctx, channelName, msg.ChatID, pending.SessionKey)
}

// startStatusLifecycle begins the typing-heartbeat loop for one run and
// registers the throttled-edit status message, torn down when the run
// handle's Done channel closes.
func (m *Manager) startStatusLifecycle(ctx context.Context, channelName, chatID, sessionKey string) {
	handle, ok := m.runs.Get(sessionKey)
	if !ok {
		return
	}
	ch, ok := m.Get(channelName)
	if !ok {
		return
	}

	status := &statusMessage{done: make(chan struct{})}
	m.statuses.Store(sessionKey, status)

	if id, err := ch.Send(ctx, chatID, initialStatusText); err != nil {
		slog.Warn("initial status message send failed", "channel", channelName, "error", err)
	} else {
		status.mu.Lock()
		status.messageID = id
		status.lastEdit = time.Now()
		status.lastText = initialStatusText
		status.mu.Unlock()
	}

	go func() {
		ticker := time.NewTicker(TypingHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-handle.Done():
				m.statuses.Delete(sessionKey)
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = ch.Typing(ctx, chatID)
			}
		}
	}()
}

// UpdateStatusText applies a throttled edit to the run's status message —
// called on each agent.tool_use event with the recomposed tool log, so the
// channel shows step-by-step progress (spec.md §4.4).
func (m *Manager) UpdateStatusText(ctx context.Context, channelName, chatID, sessionKey, text string) {
	v, ok := m.statuses.Load(sessionKey)
	if !ok {
		return
	}
	status := v.(*statusMessage)
	ch, ok := m.Get(channelName)
	if !ok {
		return
	}

	status.mu.Lock()
	defer status.mu.Unlock()

	now := time.Now()
	if status.messageID != "" && now.Sub(status.lastEdit) < StatusEditThrottle {
		return
	}
	if text == status.lastText {
		return
	}

	var err error
	if status.messageID == "" {
		status.messageID, err = ch.Send(ctx, chatID, text)
	} else {
		err = ch.Edit(ctx, chatID, status.messageID, text)
	}
	if err != nil {
		slog.Warn("status message update failed", "channel", channelName, "error", err)
		return
	}
	status.lastEdit = now
	status.lastText = text
}
