// Package config loads and holds the gateway's runtime configuration.
// Adapted from the teacher's internal/config/config.go layered struct, pared
// to the fields SPEC_FULL.md's gateway actually reads, with the same
// json:"-" convention for anything that must come from the environment
// rather than the on-disk JSON5 file (SPEC_FULL.md §4.8).
package config

import "sync"

// Config is the root configuration value. A subset of fields may be mutated
// at runtime through the config.get/config.set RPC methods; those live
// behind mu.
type Config struct {
	mu sync.RWMutex

	Gateway  GatewayConfig  `json:"gateway"`
	TLS      TLSConfig      `json:"tls"`
	Database DatabaseConfig `json:"database"`
	Tools    ToolsConfig    `json:"tools"`
	Channels ChannelsConfig `json:"channels"`

	// Providers carries API keys; json:"-" so they are never written to the
	// on-disk config.json5 and can only arrive via env (config/load.go).
	Providers ProvidersConfig `json:"-"`
	OAuth     OAuthConfig     `json:"-"`
}

type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowedOrigins"`
	RateLimitRPM   int      `json:"rateLimitRpm"`
	AppDir         string   `json:"appDir"`
	Mode           string   `json:"mode"` // autonomous|bypassPermissions|acceptEdits|lockdown|""

	// AuthToken is the pre-shared 64-hex-char WebSocket connection token
	// (spec.md §6); never persisted to config.json5.
	AuthToken string `json:"-" env:"GATEWAY_AUTH_TOKEN"`
}

type TLSConfig struct {
	Enabled bool `json:"enabled"`

	// CertPath/KeyPath cache the self-signed certificate across restarts;
	// left empty, the gateway generates and keeps one in memory only for
	// the life of the process.
	CertPath string `json:"certPath"`
	KeyPath  string `json:"keyPath"`
}

type DatabaseConfig struct {
	Mode string `json:"mode"` // "embedded" (default) | "managed"
	Path string `json:"path"` // embedded sqlite file path

	// PostgresDSN is never persisted — supplied via GATEWAY_DATABASE_POSTGRES_DSN.
	PostgresDSN string `json:"-" env:"GATEWAY_DATABASE_POSTGRES_DSN"`
}

type ToolsConfig struct {
	Profile        string              `json:"profile"` // minimal|coding|messaging|full
	PerChannelDeny map[string][]string `json:"perChannelDeny"`
	PerChannelAllow map[string][]string `json:"perChannelAllow"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled        bool     `json:"enabled"`
	AllowFrom      []string `json:"allowFrom"`
	DMPolicy       string   `json:"dmPolicy"`
	GroupPolicy    string   `json:"groupPolicy"`
	RequireMention bool     `json:"requireMention"`
	HistoryLimit   int      `json:"historyLimit"`

	// STTProxyURL is the base URL of the speech-to-text proxy the Telegram
	// adapter's transcribeAudio posts audio files to. The inbound update
	// handler does not transcribe voice messages: only message text and
	// captions reach the run queue.
	STTProxyURL string `json:"sttProxyUrl"`

	// STTTimeoutSeconds bounds one transcription request; 0 uses the
	// adapter's default.
	STTTimeoutSeconds int `json:"sttTimeoutSeconds"`

	// STTTenantID, when set, is sent as the tenant_id form field.
	STTTenantID string `json:"sttTenantId"`

	// STTAPIKey is never persisted — GATEWAY_TELEGRAM_STT_API_KEY.
	STTAPIKey string `json:"-" env:"GATEWAY_TELEGRAM_STT_API_KEY"`

	// MediaMaxBytes bounds inbound media downloads; 0 uses the adapter's
	// own default (20MB, the Telegram Bot API's own file-download limit).
	MediaMaxBytes int64 `json:"mediaMaxBytes"`

	// BotToken is never persisted — GATEWAY_TELEGRAM_BOT_TOKEN.
	BotToken string `json:"-" env:"GATEWAY_TELEGRAM_BOT_TOKEN"`
}

type WhatsAppConfig struct {
	Enabled     bool     `json:"enabled"`
	BridgeURL   string   `json:"bridgeUrl"`
	AllowFrom   []string `json:"allowFrom"`
	DMPolicy    string   `json:"dmPolicy"`
	GroupPolicy string   `json:"groupPolicy"`
}

type DiscordConfig struct {
	Enabled     bool     `json:"enabled"`
	AllowFrom   []string `json:"allowFrom"`
	DMPolicy    string   `json:"dmPolicy"`
	GroupPolicy string   `json:"groupPolicy"`

	// BotToken is never persisted — GATEWAY_DISCORD_BOT_TOKEN.
	BotToken string `json:"-" env:"GATEWAY_DISCORD_BOT_TOKEN"`
}

type ProvidersConfig struct {
	AnthropicAPIKey string `env:"GATEWAY_ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `env:"GATEWAY_OPENAI_API_KEY"`
}

type OAuthConfig struct {
	ClientID     string `env:"GATEWAY_OAUTH_CLIENT_ID"`
	ClientSecret string `env:"GATEWAY_OAUTH_CLIENT_SECRET"`
	AuthURL      string `env:"GATEWAY_OAUTH_AUTH_URL"`
	TokenURL     string `env:"GATEWAY_OAUTH_TOKEN_URL"`
	RedirectURL  string `env:"GATEWAY_OAUTH_REDIRECT_URL"`
}

// Default returns a config populated with the gateway's out-of-the-box
// defaults, before the file and env overlays are applied.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         8765,
			RateLimitRPM: 120,
			AppDir:       ".goclaw-gateway",
		},
		TLS: TLSConfig{Enabled: true},
		Database: DatabaseConfig{
			Mode: "embedded",
			Path: "events.db",
		},
		Tools: ToolsConfig{Profile: "full"},
	}
}

// Snapshot returns a value copy of the mutable subset exposed to config.get.
func (c *Config) Snapshot() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

// SetMode updates the tool-policy mode overlay (config.set RPC).
func (c *Config) SetMode(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway.Mode = mode
}

func (c *Config) Mode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway.Mode
}
