package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFirstRunUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != Default().Gateway.Port {
		t.Fatalf("Port = %d, want default %d", cfg.Gateway.Port, Default().Gateway.Port)
	}
	if cfg.Gateway.AppDir != dir {
		t.Fatalf("AppDir = %q, want %q", cfg.Gateway.AppDir, dir)
	}
}

func TestLoadOverlaysConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	doc := `{"gateway": {"port": 9999}, "database": {"mode": "managed"}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config.json5: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Fatalf("Port = %d, want 9999", cfg.Gateway.Port)
	}
	if cfg.Database.Mode != "managed" {
		t.Fatalf("Database.Mode = %q, want managed", cfg.Database.Mode)
	}
}

func TestLoadOverlaysEnvSecretsOverFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GATEWAY_AUTH_TOKEN", "env-token-value")
	t.Setenv("GATEWAY_ANTHROPIC_API_KEY", "env-anthropic-key")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.AuthToken != "env-token-value" {
		t.Fatalf("AuthToken = %q, want env-token-value", cfg.Gateway.AuthToken)
	}
	if cfg.Providers.AnthropicAPIKey != "env-anthropic-key" {
		t.Fatalf("AnthropicAPIKey = %q, want env-anthropic-key", cfg.Providers.AnthropicAPIKey)
	}
}

func TestSnapshotAndSetModeAreConcurrencySafe(t *testing.T) {
	cfg := Default()
	cfg.SetMode("lockdown")
	if got := cfg.Mode(); got != "lockdown" {
		t.Fatalf("Mode() = %q, want lockdown", got)
	}
	snap := cfg.Snapshot()
	if snap.Mode != "lockdown" {
		t.Fatalf("Snapshot().Mode = %q, want lockdown", snap.Mode)
	}
}

func TestSaveNeverPersistsSecrets(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Gateway.AuthToken = "super-secret-token"
	cfg.Providers.AnthropicAPIKey = "super-secret-key"

	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json5"))
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if strings.Contains(string(data), "super-secret-token") || strings.Contains(string(data), "super-secret-key") {
		t.Fatal("expected json:\"-\" secret fields to be absent from the saved file")
	}
}
