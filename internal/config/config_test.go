package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spadina.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
name = "s1.example"

[database]
driver = "sqlite"
dsn = "spadina.db"

[realms]
idle_grace = "2m"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Name != "s1.example" {
		t.Errorf("name = %q", cfg.Server.Name)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if cfg.Realms.IdleGrace != 2*time.Minute {
		t.Errorf("idle grace = %v, want 2m", cfg.Realms.IdleGrace)
	}
	// Untouched sections keep their defaults.
	if cfg.AssetStore.Kind != "filesystem" {
		t.Errorf("asset store kind = %q, want filesystem default", cfg.AssetStore.Kind)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("rate limit default should be enabled")
	}
}

func TestLoadRequiresServerName(t *testing.T) {
	path := writeConfig(t, `[server]`+"\n")
	if _, err := Load(path); err == nil {
		t.Error("missing server.name should fail")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("missing file should fail")
	}
}
