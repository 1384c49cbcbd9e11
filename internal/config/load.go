package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/titanous/json5"
)

// Load reads config.json5 from dir (if present, JSON5 so operators can
// comment it), overlays it onto the defaults, and then overlays every
// json:"-"/env-tagged secret field from the process environment — the same
// two-phase load the teacher's config.go/config_load.go perform, minus the
// managed-mode DB-instance loading this gateway doesn't have.
func Load(dir string) (*Config, error) {
	cfg := Default()
	cfg.Gateway.AppDir = dir

	path := filepath.Join(dir, "config.json5")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jsonErr := json5.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("parse %s: %w", path, jsonErr)
		}
	case os.IsNotExist(err):
		// first run — defaults only, onboard will create the file
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := env.Parse(&cfg.Gateway); err != nil {
		return nil, fmt.Errorf("parse gateway env: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parse database env: %w", err)
	}
	if err := env.Parse(&cfg.Providers); err != nil {
		return nil, fmt.Errorf("parse provider env: %w", err)
	}
	if err := env.Parse(&cfg.OAuth); err != nil {
		return nil, fmt.Errorf("parse oauth env: %w", err)
	}
	if err := env.Parse(&cfg.Channels.Telegram); err != nil {
		return nil, fmt.Errorf("parse telegram env: %w", err)
	}
	if err := env.Parse(&cfg.Channels.Discord); err != nil {
		return nil, fmt.Errorf("parse discord env: %w", err)
	}

	return cfg, nil
}

// Save writes the non-secret subset of cfg back to config.json5. Secret
// fields carry json:"-" and are therefore never serialized here.
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(dir, "config.json5")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}
