package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for hatsync.
// Values come from an optional YAML file with HATSYNC_* environment overrides.
// Secrets (tokens, object storage keys) should come from the environment.
type Config struct {
	HAT     HATConfig     `yaml:"hat"`
	Auth    AuthConfig    `yaml:"auth"`
	Sync    SyncConfig    `yaml:"sync"`
	Store   StoreConfig   `yaml:"store"`
	Prefs   PrefsConfig   `yaml:"prefs"`
	Metrics MetricsConfig `yaml:"metrics"`
	Archive ArchiveConfig `yaml:"archive"`
	Log     LogConfig     `yaml:"log"`
}

// HATConfig identifies the remote personal data store and the table samples go to.
type HATConfig struct {
	// Domain is the user's HAT domain, e.g. "alice.hubofallthings.net".
	Domain string `yaml:"domain" env:"HATSYNC_HAT_DOMAIN" env-default:""`
	// BaseURL overrides the https://{domain} default (useful for testing).
	BaseURL        string        `yaml:"base_url" env:"HATSYNC_HAT_BASE_URL" env-default:""`
	TableName      string        `yaml:"table_name" env:"HATSYNC_HAT_TABLE_NAME" env-default:"locations"`
	Source         string        `yaml:"source" env:"HATSYNC_HAT_SOURCE" env-default:"iphone"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"HATSYNC_HAT_REQUEST_TIMEOUT" env-default:"30s"`
}

// AuthConfig holds credentials for obtaining a HAT access token.
// Either AccessToken or MarketToken must be set.
type AuthConfig struct {
	AccessToken string `yaml:"-" env:"HATSYNC_ACCESS_TOKEN"`
	MarketToken string `yaml:"-" env:"HATSYNC_MARKET_TOKEN"`
	TokenPath   string `yaml:"token_path" env:"HATSYNC_TOKEN_PATH" env-default:"/users/access_token"`
}

// SyncConfig controls the coordinator timer and batch bound.
type SyncConfig struct {
	Interval  time.Duration `yaml:"interval" env:"HATSYNC_SYNC_INTERVAL" env-default:"10s"`
	Leeway    time.Duration `yaml:"leeway" env:"HATSYNC_SYNC_LEEWAY" env-default:"1s"`
	BatchSize int           `yaml:"batch_size" env:"HATSYNC_SYNC_BATCH_SIZE" env-default:"100"`
}

// StoreConfig locates the SQLite sample queue.
type StoreConfig struct {
	Path string `yaml:"path" env:"HATSYNC_STORE_PATH" env-default:"hatsync.db"`
}

// PrefsConfig locates the sync counters file.
type PrefsConfig struct {
	Path string `yaml:"path" env:"HATSYNC_PREFS_PATH" env-default:"hatsync-prefs.yaml"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"HATSYNC_METRICS_ADDR" env-default:""`
}

// ArchiveConfig points at S3-compatible storage for purged samples.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint" env:"HATSYNC_ARCHIVE_ENDPOINT" env-default:""`
	Bucket    string `yaml:"bucket" env:"HATSYNC_ARCHIVE_BUCKET" env-default:""`
	Folder    string `yaml:"folder" env:"HATSYNC_ARCHIVE_FOLDER" env-default:""`
	Region    string `yaml:"region" env:"HATSYNC_ARCHIVE_REGION" env-default:"us-east-1"`
	Secure    bool   `yaml:"secure" env:"HATSYNC_ARCHIVE_SECURE" env-default:"true"`
	AccessKey string `yaml:"-" env:"HATSYNC_ARCHIVE_ACCESS_KEY"`
	SecretKey string `yaml:"-" env:"HATSYNC_ARCHIVE_SECRET_KEY"`
}

// Enabled reports whether archiving is configured.
func (a *ArchiveConfig) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `yaml:"level" env:"HATSYNC_LOG_LEVEL" env-default:"info"`
	Development bool   `yaml:"development" env:"HATSYNC_LOG_DEVELOPMENT" env-default:"false"`
}

// Load reads configuration from path (if it exists) with environment overrides.
// An empty path reads the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			return cfg, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings needed to talk to the HAT and run sync cycles.
func (c *Config) Validate() error {
	if c.HAT.Domain == "" && c.HAT.BaseURL == "" {
		return fmt.Errorf("hat.domain or hat.base_url is required")
	}
	if c.HAT.BaseURL != "" {
		u, err := url.Parse(c.HAT.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid hat.base_url %q", c.HAT.BaseURL)
		}
	}
	if c.HAT.TableName == "" || c.HAT.Source == "" {
		return fmt.Errorf("hat.table_name and hat.source are required")
	}
	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 1000 {
		return fmt.Errorf("sync.batch_size must be between 1 and 1000, got %d", c.Sync.BatchSize)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.Leeway < 0 {
		return fmt.Errorf("sync.leeway must not be negative")
	}
	if c.Auth.AccessToken == "" && c.Auth.MarketToken == "" {
		return fmt.Errorf("HATSYNC_ACCESS_TOKEN or HATSYNC_MARKET_TOKEN is required")
	}
	return nil
}

// HATBaseURL returns the base URL of the user's HAT.
func (c *Config) HATBaseURL() string {
	if c.HAT.BaseURL != "" {
		return strings.TrimRight(c.HAT.BaseURL, "/")
	}
	return "https://" + strings.TrimRight(c.HAT.Domain, "/")
}
