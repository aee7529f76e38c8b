package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 8484 {
		t.Errorf("Port = %d, want 8484", cfg.Web.Port)
	}
	if cfg.Runs.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.Runs.MaxConcurrent)
	}
	if cfg.Web.AdminToken != "" {
		t.Errorf("AdminToken = %q, want empty", cfg.Web.AdminToken)
	}
	if cfg.Janitor.Cron != "0 3 * * *" {
		t.Errorf("Cron = %q, want %q", cfg.Janitor.Cron, "0 3 * * *")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[web]
port = 9000
admin_token = "secret"

[runs]
turn_timeout_seconds = 60
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Web.Port)
	}
	if cfg.Web.AdminToken != "secret" {
		t.Errorf("AdminToken = %q, want %q", cfg.Web.AdminToken, "secret")
	}
	if cfg.Runs.TurnTimeout() != time.Minute {
		t.Errorf("TurnTimeout = %s, want 1m", cfg.Runs.TurnTimeout())
	}
	// Untouched sections keep their defaults
	if cfg.Runs.DefaultMaxTurns != 30 {
		t.Errorf("DefaultMaxTurns = %d, want 30", cfg.Runs.DefaultMaxTurns)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[web\nport ="), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("invalid TOML accepted")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/x/duet.db"); got != filepath.Join(home, "x", "duet.db") {
		t.Errorf("ExpandPath = %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandPath left absolute path = %q", got)
	}
}
