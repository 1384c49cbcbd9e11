// Package telegram adapts the Telegram Bot API onto channels.Channel.
// Adapted from the teacher's internal/channels/telegram long-polling
// Channel struct, with pairing/team/agent-store integrations dropped
// (managed-mode, out of SPEC_FULL.md scope) and a mention gate kept for
// group chats since spec.md §4.6 lists "mention gating" among the channel
// concerns a deployment still needs.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot    *telego.Bot
	config config.TelegramConfig

	botUsername string
	pollCancel  context.CancelFunc
	pollDone    chan struct{}

	pendingQuestions sync.Map // messageID (string) -> questionID
	pendingApprovals sync.Map // messageID (string) -> requestID
}

func New(cfg config.TelegramConfig) (*Channel, error) {
	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	me, err := bot.GetMe()
	if err != nil {
		return nil, fmt.Errorf("telegram getMe: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
		botUsername: me.Username,
	}, nil
}

func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start telegram long polling: %w", err)
	}

	go func() {
		defer close(c.pollDone)
		for update := range updates {
			c.handleUpdate(ctx, update)
		}
	}()

	slog.Info("telegram channel started", "bot", c.botUsername)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		<-c.pollDone
	}
	c.bot.StopLongPolling()
	return nil
}

func (c *Channel) Send(ctx context.Context, chatID, text string) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	msg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(id), text))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return fmt.Sprintf("%d", msg.MessageID), nil
}

func (c *Channel) Edit(ctx context.Context, chatID, messageID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

func (c *Channel) Delete(ctx context.Context, chatID, messageID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	return c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(id), MessageID: msgID})
}

func (c *Channel) Typing(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	return c.bot.SendChatAction(ctx, &telego.SendChatActionParams{ChatID: tu.ID(id), Action: telego.ChatActionTyping})
}

func (c *Channel) SendApprovalRequest(ctx context.Context, chatID string, req channels.ApprovalRequest) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	text := fmt.Sprintf("Approve tool call %q?\n%s", req.ToolName, req.Summary)
	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Approve").WithCallbackData("approve:"+req.RequestID),
			tu.InlineKeyboardButton("Deny").WithCallbackData("deny:"+req.RequestID),
		),
	)
	msg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(id), text).WithReplyMarkup(keyboard))
	if err != nil {
		return "", fmt.Errorf("telegram send approval: %w", err)
	}
	c.pendingApprovals.Store(fmt.Sprintf("%d", msg.MessageID), req.RequestID)
	return fmt.Sprintf("%d", msg.MessageID), nil
}

func (c *Channel) SendQuestion(ctx context.Context, chatID string, q channels.Question) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	var rows [][]telego.InlineKeyboardButton
	for _, opt := range q.Options {
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton(opt).WithCallbackData("answer:"+q.QuestionID+":"+opt)))
	}
	msg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(id), q.Prompt).WithReplyMarkup(tu.InlineKeyboard(rows...)))
	if err != nil {
		return "", fmt.Errorf("telegram send question: %w", err)
	}
	c.pendingQuestions.Store(fmt.Sprintf("%d", msg.MessageID), q.QuestionID)
	return fmt.Sprintf("%d", msg.MessageID), nil
}

func parseChatID(chatID string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatID, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("parse telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}

func parseMessageID(messageID string) (int, error) {
	var id int
	_, err := fmt.Sscanf(messageID, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("parse telegram message id %q: %w", messageID, err)
	}
	return id, nil
}

func (c *Channel) detectMention(text string) bool {
	return strings.Contains(text, "@"+c.botUsername)
}
