// Package discord adapts Discord onto channels.Channel via discordgo's
// gateway session. Adapted from the teacher's internal/channels/discord
// Channel (message chunking at Discord's 2000-char limit, DM/group policy
// gate), with pairing-service/placeholder-message bookkeeping dropped along
// with managed mode; exercises discordgo as a third transport per spec.md
// §4.6's "such as" extensibility wording (SPEC_FULL.md §4.11).
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
)

const discordMaxMessageLen = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string
}

func New(cfg config.DiscordConfig) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(c.handleInteraction)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	return c.session.Close()
}

func (c *Channel) Send(ctx context.Context, chatID, text string) (string, error) {
	msg, err := c.session.ChannelMessageSend(chatID, firstChunk(text))
	if err != nil {
		return "", fmt.Errorf("discord send: %w", err)
	}
	if rest := remainder(text); rest != "" {
		if err := c.sendChunked(chatID, rest); err != nil {
			return msg.ID, err
		}
	}
	return msg.ID, nil
}

func (c *Channel) sendChunked(chatID, content string) error {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > discordMaxMessageLen {
			cutAt := discordMaxMessageLen
			if idx := strings.LastIndexByte(content[:discordMaxMessageLen], '\n'); idx > discordMaxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := c.session.ChannelMessageSend(chatID, chunk); err != nil {
			return fmt.Errorf("discord send chunk: %w", err)
		}
	}
	return nil
}

func (c *Channel) Edit(ctx context.Context, chatID, messageID, text string) error {
	_, err := c.session.ChannelMessageEdit(chatID, messageID, firstChunk(text))
	if err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

func (c *Channel) Delete(ctx context.Context, chatID, messageID string) error {
	return c.session.ChannelMessageDelete(chatID, messageID)
}

func (c *Channel) Typing(ctx context.Context, chatID string) error {
	return c.session.ChannelTyping(chatID)
}

func (c *Channel) SendApprovalRequest(ctx context.Context, chatID string, req channels.ApprovalRequest) (string, error) {
	msg, err := c.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: fmt.Sprintf("Approve tool call **%s**?\n%s", req.ToolName, req.Summary),
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Approve", Style: discordgo.SuccessButton, CustomID: "approve:" + req.RequestID},
				discordgo.Button{Label: "Deny", Style: discordgo.DangerButton, CustomID: "deny:" + req.RequestID},
			}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("discord send approval: %w", err)
	}
	return msg.ID, nil
}

func (c *Channel) SendQuestion(ctx context.Context, chatID string, q channels.Question) (string, error) {
	var buttons []discordgo.MessageComponent
	for _, opt := range q.Options {
		buttons = append(buttons, discordgo.Button{Label: opt, Style: discordgo.PrimaryButton, CustomID: "answer:" + q.QuestionID + ":" + opt})
	}
	msg, err := c.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content:    q.Prompt,
		Components: []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}},
	})
	if err != nil {
		return "", fmt.Errorf("discord send question: %w", err)
	}
	return msg.ID, nil
}

func (c *Channel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	chatType := "group"
	if isDM {
		chatType = "dm"
	}

	if !c.CheckPolicy(chatType, c.config.DMPolicy, c.config.GroupPolicy, m.Author.ID) {
		slog.Debug("discord message rejected by policy", "sender", m.Author.ID, "chat_type", chatType)
		return
	}

	handlers := c.Handlers()
	msg := channels.InboundMessage{
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		ChatID:     m.ChannelID,
		ChatType:   chatType,
		Content:    m.Content,
	}
	if strings.HasPrefix(msg.Content, "/") || strings.HasPrefix(msg.Content, "!") {
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

func (c *Channel) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	data := i.MessageComponentData().CustomID
	handlers := c.Handlers()

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

	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate})
}

func firstChunk(text string) string {
	if len(text) <= discordMaxMessageLen {
		return text
	}
	cutAt := discordMaxMessageLen
	if idx := strings.LastIndexByte(text[:discordMaxMessageLen], '\n'); idx > discordMaxMessageLen/2 {
		cutAt = idx + 1
	}
	return text[:cutAt]
}

func remainder(text string) string {
	first := firstChunk(text)
	return text[len(first):]
}
