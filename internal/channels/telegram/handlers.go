package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels"
)

// handleUpdate dispatches one Telegram update to the registered inbound
// handlers. Adapted from the teacher's handlers.go isServiceMessage/mention
// gate logic, narrowed to the single-tenant handler set channels.Manager
// wires up (SetHandlers), instead of a bus publish.
func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	if update.CallbackQuery != nil {
		c.handleCallback(ctx, update.CallbackQuery)
		return
	}

	message := update.Message
	if message == nil || isServiceMessage(message) {
		return
	}

	user := message.From
	if user == nil {
		return
	}

	senderID := fmt.Sprintf("%d", user.ID)
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", senderID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	chatType := "dm"
	if isGroup {
		chatType = "group"
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}

	if !c.CheckPolicy(chatType, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("telegram message rejected by policy", "sender", senderID, "chat_type", chatType)
		return
	}

	if isGroup && c.config.RequireMention && !c.detectMention(text) {
		return
	}

	handlers := c.Handlers()
	msg := channels.InboundMessage{
		SenderID:   senderID,
		SenderName: user.FirstName,
		ChatID:     fmt.Sprintf("%d", message.Chat.ID),
		ChatType:   chatType,
		Content:    stripMention(text, c.botUsername),
	}

	if strings.HasPrefix(msg.Content, "/") {
		msg.Command = strings.Fields(msg.Content)[0]
		if handlers.OnCommand != nil {
			handlers.OnCommand(msg)
			return
		}
	}

	if handlers.OnMessage != nil {
		handlers.OnMessage(msg)
	}
}

func (c *Channel) handleCallback(ctx context.Context, cb *telego.CallbackQuery) {
	handlers := c.Handlers()
	data := cb.Data

	switch {
	case strings.HasPrefix(data, "approve:"):
		if handlers.OnApprovalResponse != nil {
			handlers.OnApprovalResponse(strings.TrimPrefix(data, "approve:"), true)
		}
	case strings.HasPrefix(data, "deny:"):
		if handlers.OnApprovalResponse != nil {
			handlers.OnApprovalResponse(strings.TrimPrefix(data, "deny:"), false)
		}
	case strings.HasPrefix(data, "answer:"):
		rest := strings.TrimPrefix(data, "answer:")
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) == 2 && handlers.OnQuestionResponse != nil {
			handlers.OnQuestionResponse(parts[0], parts[1])
		}
	}

	_ = c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: cb.ID})
}

// isServiceMessage skips member-added/removed/title-changed updates, which
// carry no meaningful text or media.
func isServiceMessage(msg *telego.Message) bool {
	return len(msg.NewChatMembers) > 0 ||
		msg.LeftChatMember != nil ||
		msg.NewChatTitle != "" ||
		msg.PinnedMessage != nil
}

func stripMention(text, botUsername string) string {
	if botUsername == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "@"+botUsername, ""))
}
