package sessionkey

import "testing"

func TestBuildDefaultsChatType(t *testing.T) {
	got := Build(ChannelTelegram, "", "12345")
	want := "telegram:dm:12345"
	if got != want {
		t.Fatalf("Build = %q, want %q", got, want)
	}
}

func TestParseRoundTrip(t *testing.T) {
	key := Build(ChannelWhatsApp, ChatTypeGroup, "120363012345@g.us")
	parsed, err := Parse(key)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Channel != ChannelWhatsApp || parsed.ChatType != ChatTypeGroup || parsed.ChatID != "120363012345@g.us" {
		t.Fatalf("parsed = %+v, unexpected fields", parsed)
	}
	if parsed.String() != key {
		t.Fatalf("String() = %q, want %q", parsed.String(), key)
	}
}

func TestParseKeepsColonsWithinChatID(t *testing.T) {
	parsed, err := Parse("whatsapp:group:part1:part2:part3")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.ChatID != "part1:part2:part3" {
		t.Fatalf("ChatID = %q, want %q", parsed.ChatID, "part1:part2:part3")
	}
}

func TestParseRejectsMalformedKey(t *testing.T) {
	if _, err := Parse("not-a-session-key"); err == nil {
		t.Fatal("expected malformed key to fail parsing")
	}
}

func TestIsGroup(t *testing.T) {
	dm := Key{Channel: ChannelTelegram, ChatType: ChatTypeDM}
	if dm.IsGroup() {
		t.Fatal("dm key should not be a group")
	}
	group := Key{Channel: ChannelTelegram, ChatType: ChatTypeGroup}
	if !group.IsGroup() {
		t.Fatal("group key should be a group")
	}
	topic := Key{Channel: ChannelTelegram, ChatType: ChatTypeTopic}
	if !topic.IsGroup() {
		t.Fatal("topic key should be a group")
	}
}
