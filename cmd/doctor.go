package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("goclaw-gateway doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	dir := resolveConfigPath()
	fmt.Printf("  Config:   %s", filepath.Join(dir, "config.json5"))
	if _, err := os.Stat(filepath.Join(dir, "config.json5")); err != nil {
		fmt.Println(" (NOT FOUND — run `goclaw-gateway onboard`)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-14s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("    %-14s %t\n", "TLS:", cfg.TLS.Enabled)
	fmt.Printf("    %-14s %s\n", "Mode:", orDefault(cfg.Gateway.Mode, "default"))
	checkSecret("    Auth token:", cfg.Gateway.AuthToken, 64)

	fmt.Println()
	fmt.Println("  Database:")
	fmt.Printf("    %-14s %s\n", "Mode:", cfg.Database.Mode)
	if cfg.Database.Mode == "managed" {
		checkSecret("    Postgres DSN:", cfg.Database.PostgresDSN, 0)
	} else {
		fmt.Printf("    %-14s %s\n", "Path:", cfg.Database.Path)
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkSecret("    Anthropic:", cfg.Providers.AnthropicAPIKey, 0)
	checkSecret("    OpenAI:", cfg.Providers.OpenAIAPIKey, 0)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.BotToken != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.BotToken != "")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary("git")
	checkBinary("curl")

	fmt.Println()
	fmt.Printf("  Workspace: %s", cfg.Gateway.AppDir)
	if _, err := os.Stat(cfg.Gateway.AppDir); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func checkSecret(label, value string, expectLen int) {
	switch {
	case value == "":
		fmt.Printf("%-16s (not configured)\n", label)
	case expectLen > 0 && len(value) != expectLen:
		fmt.Printf("%-16s set, but wrong length (want %d chars, got %d)\n", label, expectLen, len(value))
	default:
		fmt.Printf("%-16s %s\n", label, maskSecret(value))
	}
}

func maskSecret(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	switch {
	case enabled && hasCredentials:
		status = "enabled"
	case enabled:
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
