// Package sessionkey builds and parses the gateway's conversational-scope
// identifier. Adapted from the teacher's internal/sessions/key.go canonical
// key taxonomy, narrowed to the shape spec.md §3 defines: channel:chatType:chatId.
package sessionkey

import (
	"fmt"
	"strings"
)

// Channel enumerates the recognized first segment of a session key.
type Channel string

const (
	ChannelDesktop  Channel = "desktop"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
	ChannelDiscord  Channel = "discord"
	ChannelCalendar Channel = "calendar"
	ChannelBG       Channel = "bg"
)

// ChatType is the second segment; "dm" is the default when unspecified.
const (
	ChatTypeDM    = "dm"
	ChatTypeGroup = "group"
	ChatTypeTopic = "topic"
)

const DefaultChatType = ChatTypeDM

// Key is a parsed SessionKey: channel:chatType:chatId.
type Key struct {
	Channel  Channel
	ChatType string
	ChatID   string
}

// Build assembles the canonical string form. chatType defaults to "dm" when empty.
func Build(channel Channel, chatType, chatID string) string {
	if chatType == "" {
		chatType = DefaultChatType
	}
	return fmt.Sprintf("%s:%s:%s", channel, chatType, chatID)
}

// Parse splits a session key string into its three segments. chatId may
// itself contain colons (e.g. a WhatsApp group JID), so it is not split
// further — only the first two separators are significant.
func Parse(key string) (Key, error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed session key %q", key)
	}
	return Key{Channel: Channel(parts[0]), ChatType: parts[1], ChatID: parts[2]}, nil
}

func (k Key) String() string {
	return Build(k.Channel, k.ChatType, k.ChatID)
}

// IsGroup reports whether this key addresses a multi-participant chat.
func (k Key) IsGroup() bool {
	return k.ChatType == ChatTypeGroup || k.ChatType == ChatTypeTopic
}
