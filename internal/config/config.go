package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Runs          RunsConfig          `toml:"runs"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Janitor       JanitorConfig       `toml:"janitor"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	ArtifactDir  string `toml:"artifact_dir"`
}

// RunsConfig holds turn-loop settings
type RunsConfig struct {
	MaxConcurrent      int `toml:"max_concurrent"`
	DefaultMaxTurns    int `toml:"default_max_turns"`
	TurnTimeoutSeconds int `toml:"turn_timeout_seconds"`
	NoProgressLimit    int `toml:"no_progress_limit"`
}

// TurnTimeout returns the configured per-turn timeout
func (r RunsConfig) TurnTimeout() time.Duration {
	return time.Duration(r.TurnTimeoutSeconds) * time.Second
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
	DedupSeconds int    `toml:"dedup_seconds"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
	// AdminToken gates every mutating route; empty disables mutation
	AdminToken string `toml:"admin_token"`
	StaticDir  string `toml:"static_dir"`
}

// JanitorConfig holds maintenance settings
type JanitorConfig struct {
	// Cron is a five-field cron expression for the maintenance sweep
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".duet", "duet.db"),
			ArtifactDir:  filepath.Join(home, ".duet", "artifacts"),
		},
		Runs: RunsConfig{
			MaxConcurrent:      3,
			DefaultMaxTurns:    30,
			TurnTimeoutSeconds: 1800,
			NoProgressLimit:    3,
		},
		Notifications: NotificationsConfig{
			Desktop:      true,
			DedupSeconds: 300,
		},
		Web: WebConfig{
			Port: 8484,
			Host: "127.0.0.1",
		},
		Janitor: JanitorConfig{
			Cron:          "0 3 * * *",
			RetentionDays: 30,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.ArtifactDir = ExpandPath(cfg.General.ArtifactDir)
	cfg.Web.StaticDir = ExpandPath(cfg.Web.StaticDir)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "duet", "config.toml")
}
