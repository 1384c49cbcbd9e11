package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels/discord"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels/telegram"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/eventlog"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/fanout"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/fsops"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/fswatch"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/mediator"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/permissions"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/providers"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/ratelimit"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/reauth"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/rpc"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/runqueue"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessionkey"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/toolbridge"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/transport"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe wires every subsystem package together and blocks until
// SIGINT/SIGTERM. This is the gateway's composition root — the one place
// allowed to know about every package at once, mirroring the teacher's own
// single-entrypoint cmd/gateway.go wiring order.
func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := resolveConfigPath()
	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Gateway.AuthToken == "" {
		return fmt.Errorf("GATEWAY_AUTH_TOKEN is not set — run `goclaw-gateway onboard` or export it")
	}

	events, err := openEventStore(cfg)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer events.Close()

	reg := sessions.NewRegistry(events)
	hub := fanout.NewHub()
	go hub.RunRecoverySweep(ctx)

	provReg := providers.NewRegistry("anthropic")
	if cfg.Providers.AnthropicAPIKey != "" {
		provReg.Register(providers.NewAnthropicProvider(cfg.Providers.AnthropicAPIKey, "claude-sonnet-4-5"))
	}
	if cfg.Providers.OpenAIAPIKey != "" {
		provReg.Register(providers.NewOpenAIProvider(cfg.Providers.OpenAIAPIKey, "gpt-5"))
	}

	executor := toolbridge.NotConfigured{}

	policy := func(sessionKey string) (mediator.Mode, mediator.ChannelPolicy) {
		mode := mediator.Mode(cfg.Mode())
		key, err := sessionkey.Parse(sessionKey)
		if err != nil {
			return mode, mediator.ChannelPolicy{}
		}
		return mode, mediator.ChannelPolicy{
			Allow: cfg.Tools.PerChannelAllow[string(key.Channel)],
			Deny:  cfg.Tools.PerChannelDeny[string(key.Channel)],
		}
	}

	runs := runqueue.NewManager(reg, events, hub, provReg, defaultToolDefs(), executor, policy)
	hub.SetSnapshotProvider(runs.Snapshot)

	reauthMgr := reauth.New(cfg.OAuth)
	chanMgr := channels.NewManager(reg, runs, hub, reauthMgr)
	registerChannels(chanMgr, cfg)
	chanMgr.StartAll(ctx)
	defer chanMgr.StopAll(ctx)

	watches, err := fswatch.NewRegistry()
	if err != nil {
		return fmt.Errorf("start filesystem watcher: %w", err)
	}
	defer watches.Close()

	fsRoot := filepath.Join(cfg.Gateway.AppDir, "workspace")
	ops, err := fsops.New(fsRoot)
	if err != nil {
		return fmt.Errorf("init fs root: %w", err)
	}

	perms := permissions.NewEngine([]byte(cfg.Gateway.AuthToken))
	limiter := ratelimit.New(cfg.Gateway.RateLimitRPM)

	dispatcher := rpc.New(cfg, reg, runs, chanMgr, events, watches, ops, perms, hub)

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	srv := transport.New(addr, cfg.Gateway.AuthToken, cfg.Gateway.AllowedOrigins, cfg.TLS.CertPath, cfg.TLS.KeyPath, dispatcher, hub, perms, limiter)

	slog.Info("gateway listening", "addr", addr, "tls", cfg.TLS.Enabled)
	return srv.ListenAndServe(ctx)
}

func openEventStore(cfg *config.Config) (eventlog.Store, error) {
	if cfg.Database.Mode == "managed" && cfg.Database.PostgresDSN != "" {
		return eventlog.OpenPostgres(cfg.Database.PostgresDSN)
	}
	path := cfg.Database.Path
	if path == "" {
		path = "events.db"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Gateway.AppDir, path)
	}
	return eventlog.OpenSQLite(path)
}

func registerChannels(mgr *channels.Manager, cfg *config.Config) {
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram)
		if err != nil {
			slog.Error("telegram channel disabled", "error", err)
		} else {
			mgr.Register(ch)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := whatsapp.New(cfg.Channels.WhatsApp)
		if err != nil {
			slog.Error("whatsapp channel disabled", "error", err)
		} else {
			mgr.Register(ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord)
		if err != nil {
			slog.Error("discord channel disabled", "error", err)
		} else {
			mgr.Register(ch)
		}
	}
}

// defaultToolDefs is the tool vocabulary offered to the model every turn.
// AskUserQuestion is answered by the run queue without classification;
// every other name here has an entry in internal/mediator's baseTiers table,
// which also lists further names (fs.*, exec, shell, browser).
func defaultToolDefs() []providers.ToolDef {
	schema := func(props string) json.RawMessage {
		return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":%s}`, props))
	}
	return []providers.ToolDef{
		{Name: "read_file", Description: "Read a file's contents", InputSchema: schema(`{"path":{"type":"string"}}`)},
		{Name: "list_dir", Description: "List a directory's entries", InputSchema: schema(`{"path":{"type":"string"}}`)},
		{Name: "grep", Description: "Search file contents by pattern", InputSchema: schema(`{"pattern":{"type":"string"}}`)},
		{Name: "glob", Description: "Find files by glob pattern", InputSchema: schema(`{"pattern":{"type":"string"}}`)},
		{Name: "web_fetch", Description: "Fetch a URL", InputSchema: schema(`{"url":{"type":"string"}}`)},
		{Name: "web_search", Description: "Search the web", InputSchema: schema(`{"query":{"type":"string"}}`)},
		{Name: "edit_file", Description: "Apply an edit to a file", InputSchema: schema(`{"path":{"type":"string"},"diff":{"type":"string"}}`)},
		{Name: "write_file", Description: "Overwrite a file", InputSchema: schema(`{"path":{"type":"string"},"content":{"type":"string"}}`)},
		{Name: "bash", Description: "Run a shell command", InputSchema: schema(`{"command":{"type":"string"}}`)},
		{Name: "calendar.create", Description: "Schedule a future prompt", InputSchema: schema(`{"cron":{"type":"string"},"prompt":{"type":"string"}}`)},
		{Name: "calendar.cancel", Description: "Cancel a scheduled prompt", InputSchema: schema(`{"id":{"type":"string"}}`)},
		{Name: "AskUserQuestion", Description: "Ask the user a clarifying question before proceeding", InputSchema: schema(`{"prompt":{"type":"string"},"options":{"type":"array","items":{"type":"string"}}}`)},
		{Name: "message", Description: "Send a message directly to the user's channel", InputSchema: schema(`{"text":{"type":"string"}}`)},
	}
}
