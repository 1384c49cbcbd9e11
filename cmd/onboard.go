package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	qrterminal "github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

// runOnboard walks an operator through provider and channel setup and writes
// config.json5 plus a printed-once auth token — nothing secret is written to
// disk, matching config.Load's json:"-"/env-only convention for credentials.
func runOnboard() error {
	dir := resolveConfigPath()
	cfg := config.Default()
	cfg.Gateway.AppDir = dir

	var anthropicKey, openaiKey string
	var enableTelegram, enableWhatsApp, enableDiscord bool
	var telegramToken, discordToken, whatsappBridgeURL string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Anthropic API key (blank to skip)").Value(&anthropicKey),
			huh.NewInput().Title("OpenAI API key (blank to skip)").Value(&openaiKey),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Enable Telegram channel?").Value(&enableTelegram),
			huh.NewInput().Title("Telegram bot token").Value(&telegramToken).
				WithHideFunc(func() bool { return !enableTelegram }),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Enable WhatsApp channel?").Value(&enableWhatsApp),
			huh.NewInput().Title("WhatsApp bridge URL").Value(&whatsappBridgeURL).
				WithHideFunc(func() bool { return !enableWhatsApp }),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Enable Discord channel?").Value(&enableDiscord),
			huh.NewInput().Title("Discord bot token").Value(&discordToken).
				WithHideFunc(func() bool { return !enableDiscord }),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("onboard form: %w", err)
	}

	cfg.Channels.Telegram.Enabled = enableTelegram
	cfg.Channels.WhatsApp.Enabled = enableWhatsApp
	cfg.Channels.WhatsApp.BridgeURL = whatsappBridgeURL
	cfg.Channels.Discord.Enabled = enableDiscord

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := writeConfigJSON5(dir, cfg); err != nil {
		return err
	}

	token, err := onboardGenerateToken(32)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Configuration written. Set these before running `goclaw-gateway serve`:")
	fmt.Printf("  export GATEWAY_AUTH_TOKEN=%s\n", token)
	if anthropicKey != "" {
		fmt.Printf("  export GATEWAY_ANTHROPIC_API_KEY=%s\n", anthropicKey)
	}
	if openaiKey != "" {
		fmt.Printf("  export GATEWAY_OPENAI_API_KEY=%s\n", openaiKey)
	}
	if enableTelegram && telegramToken != "" {
		fmt.Printf("  export GATEWAY_TELEGRAM_BOT_TOKEN=%s\n", telegramToken)
	}
	if enableDiscord && discordToken != "" {
		fmt.Printf("  export GATEWAY_DISCORD_BOT_TOKEN=%s\n", discordToken)
	}

	if enableWhatsApp && whatsappBridgeURL != "" {
		fmt.Println()
		fmt.Println("Scan this with the WhatsApp bridge to link your device:")
		qrterminal.GenerateHalfBlock(whatsappBridgeURL, qrterminal.L, os.Stdout)
	}

	return nil
}

func writeConfigJSON5(dir string, cfg *config.Config) error {
	// config.Config carries unexported fields (the mutex), so marshal a
	// plain projection of the on-disk subset rather than the live struct.
	doc := struct {
		Gateway  config.GatewayConfig  `json:"gateway"`
		TLS      config.TLSConfig      `json:"tls"`
		Database config.DatabaseConfig `json:"database"`
		Tools    config.ToolsConfig    `json:"tools"`
		Channels config.ChannelsConfig `json:"channels"`
	}{cfg.Gateway, cfg.TLS, cfg.Database, cfg.Tools, cfg.Channels}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(dir, "config.json5")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func onboardGenerateToken(bytesLen int) (string, error) {
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
