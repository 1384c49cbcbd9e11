// Package whatsapp adapts a WhatsApp bridge process onto channels.Channel
// over a JSON websocket protocol. Adapted from the teacher's
// internal/channels/whatsapp Channel (bridge dial, reconnect-with-backoff
// listenLoop, "@g.us" group-suffix detection), with the pairing-service DM
// flow and bus.MessageBus plumbing dropped along with managed mode in favor
// of direct InboundHandlers callbacks (SPEC_FULL.md §4.11). WhatsApp has no
// native inline-keyboard primitive, so approval/question prompts render as
// numbered plain-text options the user answers by replying.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
)

const (
	dialTimeout    = 10 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Channel bridges WhatsApp through an external bridge process speaking a
// small JSON message protocol over a websocket connection.
type Channel struct {
	*channels.BaseChannel
	config config.WhatsAppConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// pendingPrompts maps a chat ID to the question/approval outstanding on
	// it, since WhatsApp replies arrive as plain text rather than a
	// structured callback.
	pendingPrompts sync.Map // chatID (string) -> pendingPrompt
}

type pendingPrompt struct {
	kind    string // "approval" | "question"
	id      string
	options []string
}

func New(cfg config.WhatsAppConfig) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp: bridgeUrl is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", cfg.AllowFrom),
		config:      cfg,
	}, nil
}

func (c *Channel) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	if err := c.connect(); err != nil {
		slog.Warn("whatsapp bridge initial connect failed, will retry", "error", err)
	}

	go c.listenLoop()
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	if c.done != nil {
		<-c.done
	}
	return nil
}

func (c *Channel) connect() error {
	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

// listenLoop owns the bridge connection for the channel's lifetime,
// reconnecting with exponential backoff (capped at 30s, reset on a
// successful read) whenever the socket drops.
func (c *Channel) listenLoop() {
	defer close(c.done)
	backoff := initialBackoff

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err, "retry_in", backoff)
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < maxBackoff {
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				}
				continue
			}
			c.mu.Lock()
			conn = c.conn
			c.mu.Unlock()
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp bridge read error, reconnecting", "error", err)
			c.mu.Lock()
			c.conn.Close()
			c.conn = nil
			c.connected = false
			c.mu.Unlock()
			continue
		}

		backoff = initialBackoff

		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("whatsapp bridge sent malformed json", "error", err)
			continue
		}
		if msg["type"] == "message" {
			c.handleIncomingMessage(msg)
		}
	}
}

func (c *Channel) send(payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("whatsapp bridge write: %w", err)
	}
	return nil
}

func (c *Channel) Send(ctx context.Context, chatID, text string) (string, error) {
	if err := c.send(map[string]interface{}{"type": "message", "to": chatID, "content": text}); err != nil {
		return "", err
	}
	return "", nil
}

// Edit has no bridge equivalent: WhatsApp messages aren't editable through
// the bridge protocol, so this sends a follow-up message instead.
func (c *Channel) Edit(ctx context.Context, chatID, messageID, text string) error {
	_, err := c.Send(ctx, chatID, text)
	return err
}

func (c *Channel) Delete(ctx context.Context, chatID, messageID string) error {
	return nil
}

func (c *Channel) Typing(ctx context.Context, chatID string) error {
	return c.send(map[string]interface{}{"type": "typing", "to": chatID})
}

func (c *Channel) SendApprovalRequest(ctx context.Context, chatID string, req channels.ApprovalRequest) (string, error) {
	text := fmt.Sprintf("Approve tool call %q?\n%s\n\nReply 1 to approve, 2 to deny.", req.ToolName, req.Summary)
	if _, err := c.Send(ctx, chatID, text); err != nil {
		return "", err
	}
	c.pendingPrompts.Store(chatID, pendingPrompt{kind: "approval", id: req.RequestID, options: []string{"1", "2"}})
	return req.RequestID, nil
}

func (c *Channel) SendQuestion(ctx context.Context, chatID string, q channels.Question) (string, error) {
	var b strings.Builder
	b.WriteString(q.Prompt)
	b.WriteString("\n")
	for i, opt := range q.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}
	if _, err := c.Send(ctx, chatID, b.String()); err != nil {
		return "", err
	}
	c.pendingPrompts.Store(chatID, pendingPrompt{kind: "question", id: q.QuestionID, options: q.Options})
	return q.QuestionID, nil
}

// handleIncomingMessage parses one bridge-relayed WhatsApp message.
// Expected format: {"type":"message","from":"...","chat":"...","content":"...","id":"...","from_name":"...","media":[...]}
func (c *Channel) handleIncomingMessage(msg map[string]interface{}) {
	senderID, ok := msg["from"].(string)
	if !ok || senderID == "" {
		return
	}

	chatID, _ := msg["chat"].(string)
	if chatID == "" {
		chatID = senderID
	}

	chatType := "dm"
	if strings.HasSuffix(chatID, "@g.us") {
		chatType = "group"
	}

	if !c.CheckPolicy(chatType, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("whatsapp message rejected by policy", "sender_id", senderID, "chat_type", chatType)
		return
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("whatsapp message rejected by allowlist", "sender_id", senderID)
		return
	}

	content, _ := msg["content"].(string)
	if content == "" {
		content = "[empty message]"
	}

	senderName, _ := msg["from_name"].(string)

	if c.resolvePendingPrompt(chatID, strings.TrimSpace(content)) {
		return
	}

	handlers := c.Handlers()
	inbound := channels.InboundMessage{
		SenderID:   senderID,
		SenderName: senderName,
		ChatID:     chatID,
		ChatType:   chatType,
		Content:    content,
	}
	if strings.HasPrefix(content, "/") {
		inbound.Command = strings.Fields(content)[0]
		if handlers.OnCommand != nil {
			handlers.OnCommand(inbound)
			return
		}
	}
	if handlers.OnMessage != nil {
		handlers.OnMessage(inbound)
	}
}

// resolvePendingPrompt checks whether a reply answers an outstanding
// approval/question prompt on this chat, since WhatsApp replies carry no
// structured callback data the way Telegram/Discord buttons do.
func (c *Channel) resolvePendingPrompt(chatID, reply string) bool {
	v, ok := c.pendingPrompts.Load(chatID)
	if !ok {
		return false
	}
	prompt := v.(pendingPrompt)
	handlers := c.Handlers()

	switch prompt.kind {
	case "approval":
		switch reply {
		case "1":
			c.pendingPrompts.Delete(chatID)
			if handlers.OnApprovalResponse != nil {
				handlers.OnApprovalResponse(prompt.id, true)
			}
			return true
		case "2":
			c.pendingPrompts.Delete(chatID)
			if handlers.OnApprovalResponse != nil {
				handlers.OnApprovalResponse(prompt.id, false)
			}
			return true
		}
	case "question":
		idx, err := strconv.Atoi(reply)
		if err == nil && idx >= 1 && idx <= len(prompt.options) {
			c.pendingPrompts.Delete(chatID)
			if handlers.OnQuestionResponse != nil {
				handlers.OnQuestionResponse(prompt.id, prompt.options[idx-1])
			}
			return true
		}
	}
	return false
}
