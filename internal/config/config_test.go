package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Riot.Mode != "RANKED_SOLO_5x5" {
		t.Fatalf("expected default mode, got %q", cfg.Riot.Mode)
	}
	if len(cfg.Riot.QualifiedTiers) != 4 {
		t.Fatalf("expected 4 qualified tiers, got %v", cfg.Riot.QualifiedTiers)
	}
	if cfg.Crawler.BatchSize != 500 || cfg.Crawler.GroupSize != 10 || cfg.Crawler.StabilityChecks != 12 {
		t.Fatalf("unexpected crawler defaults: %+v", cfg.Crawler)
	}
	if got := cfg.RequestTimeout(); got != 600*time.Second {
		t.Fatalf("expected 600s timeout, got %v", got)
	}
	if got := cfg.RateLimitBuffer(); got != 1200*time.Millisecond {
		t.Fatalf("expected 1200ms buffer, got %v", got)
	}
	if got := cfg.GovernorCooldown(); got != 5*time.Second {
		t.Fatalf("expected 5s governor cooldown, got %v", got)
	}
	if cfg.Governor.Ceiling != 400 {
		t.Fatalf("expected ceiling 400, got %d", cfg.Governor.Ceiling)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
riot:
  api_key: secret
  servers: [NA, EUW]
  seed_tiers: [CHALLENGER, MASTER]
  qualified_tiers: [CHALLENGER]
crawler:
  batch_size: 50
  batch_cooldown_seconds: 30
  group_size: 5
  stability_checks: 6
  completion_cooldown_seconds: 2
  max_attempts: 1
http:
  timeout_seconds: 45
  rate_limit_buffer_ms: 100
  safety_buffer_ms: 250
governor:
  ceiling: 20
  cooldown_seconds: 1
output:
  dir: out
pubsub:
  project_id: proj
  topic_name: games
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if len(cfg.Riot.Servers) != 2 || cfg.Riot.Servers[1] != "EUW" {
		t.Fatalf("expected two servers, got %v", cfg.Riot.Servers)
	}
	if cfg.Crawler.BatchSize != 50 || cfg.BatchCooldown() != 30*time.Second || cfg.CompletionCooldown() != 2*time.Second {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.SafetyBuffer() != 250*time.Millisecond {
		t.Fatalf("expected 250ms safety buffer, got %v", cfg.SafetyBuffer())
	}
	if cfg.Logging.Development {
		t.Fatal("expected development logging to be disabled")
	}
	key, err := cfg.ResolveAPIKey()
	if err != nil || key != "secret" {
		t.Fatalf("expected inline api key, got %q, %v", key, err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CRAWLER_GOVERNOR_CEILING", "12")
	t.Setenv("CRAWLER_RIOT_MODE", "RANKED_FLEX_SR")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Governor.Ceiling != 12 {
		t.Fatalf("expected env ceiling 12, got %d", cfg.Governor.Ceiling)
	}
	if cfg.Riot.Mode != "RANKED_FLEX_SR" {
		t.Fatalf("expected env mode, got %q", cfg.Riot.Mode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative port", func(c *Config) { c.Server.Port = -1 }, "server.port"},
		{"no servers", func(c *Config) { c.Riot.Servers = nil }, "riot.servers"},
		{"no mode", func(c *Config) { c.Riot.Mode = "" }, "riot.mode"},
		{"no seed", func(c *Config) { c.Riot.SeedTiers = nil }, "riot.seed_tiers"},
		{"no qualified tiers", func(c *Config) { c.Riot.QualifiedTiers = nil }, "riot.qualified_tiers"},
		{"batch size", func(c *Config) { c.Crawler.BatchSize = 0 }, "crawler.batch_size"},
		{"group size", func(c *Config) { c.Crawler.GroupSize = 0 }, "crawler.group_size"},
		{"stability", func(c *Config) { c.Crawler.StabilityChecks = 0 }, "crawler.stability_checks"},
		{"attempts", func(c *Config) { c.Crawler.MaxAttempts = 0 }, "crawler.max_attempts"},
		{"timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"buffers", func(c *Config) { c.HTTP.SafetyBufferMs = -1 }, "http buffers"},
		{"ceiling", func(c *Config) { c.Governor.Ceiling = 0 }, "governor.ceiling"},
		{"output", func(c *Config) { c.Output.Dir = "" }, "output.dir"},
		{"pubsub project", func(c *Config) { c.PubSub.TopicName = "games" }, "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Riot.Servers = append([]string(nil), base.Riot.Servers...)
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestReadAPIKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "apikey.txt")
	if err := os.WriteFile(path, []byte("  abc-123  \nignored\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	key, err := ReadAPIKey(path)
	if err != nil || key != "abc-123" {
		t.Fatalf("expected first line key, got %q, %v", key, err)
	}

	if _, err := ReadAPIKey(filepath.Join(dir, "missing.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}

	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadAPIKey(empty); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestResolveAPIKeyFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := Config{Riot: RiotConfig{APIKeyFile: path}}
	key, err := cfg.ResolveAPIKey()
	if err != nil || key != "from-file" {
		t.Fatalf("expected key from file, got %q, %v", key, err)
	}

	if _, err := (Config{}).ResolveAPIKey(); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestReadSeedPlayers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seed.txt")
	if err := os.WriteFile(path, []byte("1\n\n 2 \n3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	ids, err := ReadSeedPlayers(path)
	if err != nil {
		t.Fatalf("ReadSeedPlayers() error = %v", err)
	}
	if strings.Join(ids, ",") != "1,2,3" {
		t.Fatalf("unexpected ids %v", ids)
	}
}
