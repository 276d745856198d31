package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *RelayConfig {
	cfg := &RelayConfig{}
	cfg.Server.HTTPPort = 8000
	cfg.Server.AuthToken = "token"
	cfg.Commloop.Enabled = true
	cfg.Commloop.Address = "127.0.0.1:1679"
	cfg.Commloop.Password = "hunter2"
	return cfg
}

func TestLoadRelayConfigExample(t *testing.T) {
	examplePath := filepath.Join("..", "..", "webmommi.config.example.json")
	cfg, err := LoadRelayConfig(examplePath)
	if err != nil {
		t.Fatalf("failed to load example relay config: %v", err)
	}
	if cfg.Server.HTTPPort != 8000 {
		t.Errorf("expected http_port 8000, got %d", cfg.Server.HTTPPort)
	}
	if !cfg.HasCommloop() {
		t.Error("expected example config to enable the commloop")
	}
	if cfg.GitHub.DefaultMeta != "vgstation13" {
		t.Errorf("expected github default_meta vgstation13, got %q", cfg.GitHub.DefaultMeta)
	}
}

func TestRelayConfigValidationInvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.HTTPPort = 0

	err := validateRelayConfig(cfg)
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
	if err.Error() != "validation error: server.http_port must be between 1 and 65535, got 0" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRelayConfigValidationMissingAuthToken(t *testing.T) {
	cfg := validConfig()
	cfg.Server.AuthToken = ""

	err := validateRelayConfig(cfg)
	if err == nil {
		t.Fatal("expected error for missing auth token, got nil")
	}
	if err.Error() != "validation error: server.auth_token is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRelayConfigValidationCommloopRequiresAddressAndPassword(t *testing.T) {
	cfg := validConfig()
	cfg.Commloop.Address = ""
	err := validateRelayConfig(cfg)
	if err == nil || err.Error() != "validation error: commloop.address is required when commloop is enabled" {
		t.Errorf("unexpected error: %v", err)
	}

	cfg = validConfig()
	cfg.Commloop.Password = ""
	err = validateRelayConfig(cfg)
	if err == nil || err.Error() != "validation error: commloop.password is required when commloop is enabled" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRelayConfigDisabledCommloop(t *testing.T) {
	cfg := validConfig()
	cfg.Commloop = CommloopConfig{}

	if err := validateRelayConfig(cfg); err != nil {
		t.Fatalf("disabled commloop should validate: %v", err)
	}
	if cfg.HasCommloop() {
		t.Error("expected HasCommloop to be false")
	}
	if _, err := cfg.Destination(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRelayConfigDefaults(t *testing.T) {
	cfg := validConfig()
	if err := validateRelayConfig(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Database.Path != "./webmommi.db" {
		t.Errorf("expected default database path, got %q", cfg.Database.Path)
	}
	if cfg.Commloop.DialTimeoutSeconds != 5 || cfg.Commloop.IOTimeoutSeconds != 10 {
		t.Errorf("unexpected timeout defaults %d/%d", cfg.Commloop.DialTimeoutSeconds, cfg.Commloop.IOTimeoutSeconds)
	}
	if cfg.GitHub.DedupCacheSize != 1000 {
		t.Errorf("expected dedup cache 1000, got %d", cfg.GitHub.DedupCacheSize)
	}
	if cfg.Discord.DefaultMeta != "adminhelp" {
		t.Errorf("expected discord default meta adminhelp, got %q", cfg.Discord.DefaultMeta)
	}
	if cfg.Audit.RetentionDays != 90 {
		t.Errorf("expected audit retention 90, got %d", cfg.Audit.RetentionDays)
	}

	client := cfg.Commloop.Client()
	if client.DialTimeout != 5*time.Second || client.IOTimeout != 10*time.Second {
		t.Errorf("unexpected client timeouts %v/%v", client.DialTimeout, client.IOTimeout)
	}
}

func TestRelayConfigNegativeTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Commloop.IOTimeoutSeconds = -1

	err := validateRelayConfig(cfg)
	if err == nil || err.Error() != "validation error: commloop.io_timeout_seconds must be >= 0, got -1" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRelayConfigDestination(t *testing.T) {
	cfg := validConfig()
	dest, err := cfg.Destination()
	if err != nil {
		t.Fatalf("destination: %v", err)
	}
	if dest.Address != "127.0.0.1:1679" || string(dest.Secret) != "hunter2" {
		t.Errorf("unexpected destination %+v", dest)
	}
}

func TestMalformedConfigFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "malformed-*.json")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.WriteString("{not json"); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	tmpfile.Close()

	_, err = LoadRelayConfig(tmpfile.Name())
	if err == nil {
		t.Fatal("expected parse error, got nil")
	}
	if !strings.Contains(err.Error(), "failed to parse config") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := LoadRelayConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatal("expected read error, got nil")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("unexpected error: %v", err)
	}
}
