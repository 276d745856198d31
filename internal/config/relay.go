package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Bldg-7/webmommi/internal/commloop"
)

// ErrNotConfigured is returned when a commloop destination is requested but
// the relay is disabled.
var ErrNotConfigured = errors.New("commloop is not configured")

type ServerConfig struct {
	HTTPPort       int      `json:"http_port"`
	AuthToken      string   `json:"auth_token"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type CommloopConfig struct {
	Enabled            bool   `json:"enabled"`
	Address            string `json:"address"`
	Password           string `json:"password"`
	DialTimeoutSeconds int    `json:"dial_timeout_seconds"`
	IOTimeoutSeconds   int    `json:"io_timeout_seconds"`
}

type GitHubConfig struct {
	WebhookSecret  string `json:"webhook_secret"`
	DefaultMeta    string `json:"default_meta"`
	DedupCacheSize int    `json:"dedup_cache_size"`
}

type DiscordConfig struct {
	BotToken    string `json:"bot_token"`
	GuildID     string `json:"guild_id"`
	NudgePass   string `json:"nudge_pass"`
	DefaultMeta string `json:"default_meta"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type AuditConfig struct {
	Enabled       bool `json:"enabled"`
	RetentionDays int  `json:"retention_days"`
}

type RelayConfig struct {
	Server   ServerConfig   `json:"server"`
	Commloop CommloopConfig `json:"commloop"`
	GitHub   GitHubConfig   `json:"github"`
	Discord  DiscordConfig  `json:"discord"`
	Database DatabaseConfig `json:"database"`
	Audit    AuditConfig    `json:"audit"`
}

const (
	defaultDatabasePath       = "./webmommi.db"
	defaultDialTimeoutSeconds = 5
	defaultIOTimeoutSeconds   = 10
	defaultDedupCacheSize     = 1000
	defaultGitHubMeta         = "github"
	defaultDiscordMeta        = "adminhelp"
	defaultAuditRetentionDays = 90
)

func LoadRelayConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg RelayConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateRelayConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateRelayConfig(cfg *RelayConfig) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("validation error: server.http_port must be between 1 and 65535, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.AuthToken == "" {
		return fmt.Errorf("validation error: server.auth_token is required")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}

	if cfg.Commloop.Enabled {
		if cfg.Commloop.Address == "" {
			return fmt.Errorf("validation error: commloop.address is required when commloop is enabled")
		}
		if cfg.Commloop.Password == "" {
			return fmt.Errorf("validation error: commloop.password is required when commloop is enabled")
		}
	}
	if cfg.Commloop.DialTimeoutSeconds < 0 {
		return fmt.Errorf("validation error: commloop.dial_timeout_seconds must be >= 0, got %d", cfg.Commloop.DialTimeoutSeconds)
	}
	if cfg.Commloop.IOTimeoutSeconds < 0 {
		return fmt.Errorf("validation error: commloop.io_timeout_seconds must be >= 0, got %d", cfg.Commloop.IOTimeoutSeconds)
	}
	if cfg.GitHub.DedupCacheSize < 0 {
		return fmt.Errorf("validation error: github.dedup_cache_size must be >= 0, got %d", cfg.GitHub.DedupCacheSize)
	}

	cfg.applyDefaults()
	return nil
}

func (cfg *RelayConfig) applyDefaults() {
	if cfg.Commloop.DialTimeoutSeconds == 0 {
		cfg.Commloop.DialTimeoutSeconds = defaultDialTimeoutSeconds
	}
	if cfg.Commloop.IOTimeoutSeconds == 0 {
		cfg.Commloop.IOTimeoutSeconds = defaultIOTimeoutSeconds
	}
	if cfg.GitHub.DedupCacheSize == 0 {
		cfg.GitHub.DedupCacheSize = defaultDedupCacheSize
	}
	if cfg.GitHub.DefaultMeta == "" {
		cfg.GitHub.DefaultMeta = defaultGitHubMeta
	}
	if cfg.Discord.DefaultMeta == "" {
		cfg.Discord.DefaultMeta = defaultDiscordMeta
	}
	if cfg.Audit.RetentionDays <= 0 {
		cfg.Audit.RetentionDays = defaultAuditRetentionDays
	}
}

// HasCommloop reports whether the relay routes should be mounted.
func (cfg *RelayConfig) HasCommloop() bool {
	return cfg.Commloop.Enabled && cfg.Commloop.Address != "" && cfg.Commloop.Password != ""
}

// Destination returns the commloop address and shared secret.
func (cfg *RelayConfig) Destination() (commloop.Destination, error) {
	if !cfg.HasCommloop() {
		return commloop.Destination{}, ErrNotConfigured
	}
	return commloop.Destination{
		Address: cfg.Commloop.Address,
		Secret:  []byte(cfg.Commloop.Password),
	}, nil
}

// Client returns a commloop client with the configured timeouts.
func (c CommloopConfig) Client() *commloop.Client {
	return commloop.NewClient(
		time.Duration(c.DialTimeoutSeconds)*time.Second,
		time.Duration(c.IOTimeoutSeconds)*time.Second,
	)
}
