package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/memledger/internal/otel"
)

// TokenEntry maps one bearer token to a principal. Admin principals bypass
// owner scoping on reads.
type TokenEntry struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
	Admin  bool   `yaml:"admin"`
}

// RateLimitConfig bounds request rates per principal.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"` // sustained rate; 0 disables limiting
	Burst     int `yaml:"burst"`
}

// BatchConfig controls the auto-batching sweep.
type BatchConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Cron       string `yaml:"cron"`        // 5-field cron cadence
	MinEntries int    `yaml:"min_entries"` // backlog threshold per user
	MaxEntries int    `yaml:"max_entries"` // cap per created batch
}

// VerifyConfig controls the periodic integrity sweep.
type VerifyConfig struct {
	Enabled              bool `yaml:"enabled"`
	SweepIntervalMinutes int  `yaml:"sweep_interval_minutes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// APITokens is the static token registry. Hot-reloaded on config change.
	APITokens []TokenEntry `yaml:"api_tokens"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Batch     BatchConfig     `yaml:"batch"`
	Verify    VerifyConfig    `yaml:"verify"`
	Otel      otel.Config     `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|origins=%v|tokens=%d|rate=%d/%d|batch=%v:%s:%d:%d|verify=%v:%d",
		c.BindAddr, c.LogLevel, c.DBPath, c.AllowOrigins, len(c.APITokens),
		c.RateLimit.PerMinute, c.RateLimit.Burst,
		c.Batch.Enabled, c.Batch.Cron, c.Batch.MinEntries, c.Batch.MaxEntries,
		c.Verify.Enabled, c.Verify.SweepIntervalMinutes)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		RateLimit: RateLimitConfig{
			PerMinute: 120,
			Burst:     30,
		},
		Batch: BatchConfig{
			Enabled:    true,
			Cron:       "0 * * * *",
			MinEntries: 10,
			MaxEntries: 500,
		},
		Verify: VerifyConfig{
			Enabled:              true,
			SweepIntervalMinutes: 60,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("MEMLEDGER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".memledger")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create memledger home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "memledger.db")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 30
	}
	if strings.TrimSpace(cfg.Batch.Cron) == "" {
		cfg.Batch.Cron = "0 * * * *"
	}
	if cfg.Batch.MinEntries <= 0 {
		cfg.Batch.MinEntries = 10
	}
	if cfg.Batch.MaxEntries <= 0 {
		cfg.Batch.MaxEntries = 500
	}
	if cfg.Verify.SweepIntervalMinutes <= 0 {
		cfg.Verify.SweepIntervalMinutes = 60
	}
}

// validate rejects token entries that would make authentication ambiguous.
func validate(cfg *Config) error {
	seen := make(map[string]string, len(cfg.APITokens))
	for i, t := range cfg.APITokens {
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("api_tokens[%d]: token must not be empty", i)
		}
		if strings.TrimSpace(t.UserID) == "" {
			return fmt.Errorf("api_tokens[%d]: user_id must not be empty", i)
		}
		if prev, dup := seen[t.Token]; dup {
			return fmt.Errorf("api_tokens[%d]: token already assigned to user %q", i, prev)
		}
		seen[t.Token] = t.UserID
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MEMLEDGER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("MEMLEDGER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MEMLEDGER_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("MEMLEDGER_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("MEMLEDGER_RATE_PER_MINUTE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimit.PerMinute = v
		}
	}
	// Bootstrap token for one admin principal without touching config.yaml.
	if token := os.Getenv("MEMLEDGER_API_TOKEN"); token != "" {
		userID := os.Getenv("MEMLEDGER_API_USER")
		if userID == "" {
			userID = "admin"
		}
		cfg.APITokens = append(cfg.APITokens, TokenEntry{
			Token:  token,
			UserID: userID,
			Admin:  true,
		})
	}
}
