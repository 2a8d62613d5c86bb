// Package config loads and validates crawler configuration via Viper.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingAPIKey is returned when no API key is configured.
var ErrMissingAPIKey = errors.New("riot api key is not configured")

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Riot     RiotConfig     `mapstructure:"riot"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Governor GovernorConfig `mapstructure:"governor"`
	Output   OutputConfig   `mapstructure:"output"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the status HTTP server. A zero port disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// RiotConfig describes the remote API and what to crawl on it.
type RiotConfig struct {
	APIKey          string   `mapstructure:"api_key"`
	APIKeyFile      string   `mapstructure:"api_key_file"`
	HostTemplate    string   `mapstructure:"host_template"`
	Servers         []string `mapstructure:"servers"`
	Mode            string   `mapstructure:"mode"`
	SeedTiers       []string `mapstructure:"seed_tiers"`
	QualifiedTiers  []string `mapstructure:"qualified_tiers"`
	SeedPlayersFile string   `mapstructure:"seed_players_file"`
}

// CrawlerConfig governs batch dispatch and completion detection.
type CrawlerConfig struct {
	BatchSize                 int `mapstructure:"batch_size"`
	BatchCooldownSeconds      int `mapstructure:"batch_cooldown_seconds"`
	GroupSize                 int `mapstructure:"group_size"`
	StabilityChecks           int `mapstructure:"stability_checks"`
	CompletionCooldownSeconds int `mapstructure:"completion_cooldown_seconds"`
	ProgressEvery             int `mapstructure:"progress_every"`
	MaxAttempts               int `mapstructure:"max_attempts"`
}

// HTTPConfig configures request pacing and timeouts.
type HTTPConfig struct {
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	RateLimitBufferMs int    `mapstructure:"rate_limit_buffer_ms"`
	SafetyBufferMs    int    `mapstructure:"safety_buffer_ms"`
	UserAgent         string `mapstructure:"user_agent"`
}

// GovernorConfig bounds in-flight operations across every server.
type GovernorConfig struct {
	Ceiling         int `mapstructure:"ceiling"`
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
}

// OutputConfig locates the per-server output files.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// StorageConfig enables archiving output files to GCS after a crawl.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres mirror.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for game registration events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 0)
	v.SetDefault("riot.api_key", "")
	v.SetDefault("riot.api_key_file", "apikey.txt")
	v.SetDefault("riot.host_template", "https://{region}.api.pvp.net")
	v.SetDefault("riot.servers", []string{"NA"})
	v.SetDefault("riot.mode", "RANKED_SOLO_5x5")
	v.SetDefault("riot.seed_tiers", []string{"CHALLENGER"})
	v.SetDefault("riot.qualified_tiers", []string{"CHALLENGER", "MASTER", "DIAMOND", "PLATINUM"})
	v.SetDefault("riot.seed_players_file", "")
	v.SetDefault("crawler.batch_size", 500)
	v.SetDefault("crawler.batch_cooldown_seconds", 200)
	v.SetDefault("crawler.group_size", 10)
	v.SetDefault("crawler.stability_checks", 12)
	v.SetDefault("crawler.completion_cooldown_seconds", 10)
	v.SetDefault("crawler.progress_every", 50)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("http.timeout_seconds", 600)
	v.SetDefault("http.rate_limit_buffer_ms", 1200)
	v.SetDefault("http.safety_buffer_ms", 1200)
	v.SetDefault("http.user_agent", "ladder-crawler/0.1")
	v.SetDefault("governor.ceiling", 400)
	v.SetDefault("governor.cooldown_seconds", 5)
	v.SetDefault("output.dir", "CachedData")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "crawls")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if len(c.Riot.Servers) == 0 {
		return fmt.Errorf("riot.servers must list at least one server")
	}
	if c.Riot.Mode == "" {
		return fmt.Errorf("riot.mode must be set")
	}
	if len(c.Riot.SeedTiers) == 0 && c.Riot.SeedPlayersFile == "" {
		return fmt.Errorf("riot.seed_tiers or riot.seed_players_file must be set")
	}
	if len(c.Riot.QualifiedTiers) == 0 {
		return fmt.Errorf("riot.qualified_tiers must not be empty")
	}
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if c.Crawler.GroupSize <= 0 {
		return fmt.Errorf("crawler.group_size must be > 0")
	}
	if c.Crawler.StabilityChecks <= 0 {
		return fmt.Errorf("crawler.stability_checks must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RateLimitBufferMs < 0 || c.HTTP.SafetyBufferMs < 0 {
		return fmt.Errorf("http buffers must be >= 0")
	}
	if c.Governor.Ceiling <= 0 {
		return fmt.Errorf("governor.ceiling must be > 0")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must be set")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// RequestTimeout is the hard limit of a single API attempt.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RateLimitBuffer is the minimum spacing between requests of one client.
func (c Config) RateLimitBuffer() time.Duration {
	return time.Duration(c.HTTP.RateLimitBufferMs) * time.Millisecond
}

// SafetyBuffer is added to every Retry-After backoff.
func (c Config) SafetyBuffer() time.Duration {
	return time.Duration(c.HTTP.SafetyBufferMs) * time.Millisecond
}

// GovernorCooldown is the polling interval of a saturated governor.
func (c Config) GovernorCooldown() time.Duration {
	return time.Duration(c.Governor.CooldownSeconds) * time.Second
}

// BatchCooldown is the pause between batches.
func (c Config) BatchCooldown() time.Duration {
	return time.Duration(c.Crawler.BatchCooldownSeconds) * time.Second
}

// CompletionCooldown separates consecutive completion checks.
func (c Config) CompletionCooldown() time.Duration {
	return time.Duration(c.Crawler.CompletionCooldownSeconds) * time.Second
}

// ResolveAPIKey returns the configured key, reading the key file when no key
// is set inline. A missing key file is an error.
func (c Config) ResolveAPIKey() (string, error) {
	if key := strings.TrimSpace(c.Riot.APIKey); key != "" {
		return key, nil
	}
	if c.Riot.APIKeyFile == "" {
		return "", ErrMissingAPIKey
	}
	return ReadAPIKey(c.Riot.APIKeyFile)
}

// ReadAPIKey returns the first line of path.
func ReadAPIKey(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open api key file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		if key := strings.TrimSpace(scanner.Text()); key != "" {
			return key, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read api key file: %w", err)
	}
	return "", fmt.Errorf("%s: %w", path, ErrMissingAPIKey)
}

// ReadSeedPlayers returns the non-empty lines of path.
func ReadSeedPlayers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed players file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seed players file: %w", err)
	}
	return ids, nil
}
