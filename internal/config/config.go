// Package config loads nexsync settings from defaults, an optional config file
// and NEXSYNC_ environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nadmax/nexsync/internal/remote"
	"github.com/spf13/viper"
)

const EnvPrefix = "NEXSYNC"

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Drain    DrainConfig    `mapstructure:"drain"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
	Email    EmailConfig    `mapstructure:"email"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type OutboxConfig struct {
	Backend    string        `mapstructure:"backend"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// PostgresConfig enables the attempt history when DSN is set.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RemoteConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type DrainConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type EmailConfig struct {
	APIKey      string   `mapstructure:"api_key"`
	FromName    string   `mapstructure:"from_name"`
	FromAddress string   `mapstructure:"from_address"`
	To          []string `mapstructure:"to"`
}

// Enabled reports whether failure notices should be e-mailed.
func (e EmailConfig) Enabled() bool {
	return e.APIKey != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "nexsync.db")
	v.SetDefault("outbox.backend", BackendSQLite)
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.base_delay", time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("remote.webhook_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("drain.interval", 15*time.Minute)
	v.SetDefault("drain.concurrency", 4)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("email.api_key", "")
	v.SetDefault("email.from_name", "nexsync")
	v.SetDefault("email.from_address", "")
	v.SetDefault("email.to", []string{})
}

// New returns a viper instance with defaults and environment bindings set.
// Callers may bind command-line flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional file at path into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings needed to run the engine. A missing webhook URL
// is reported as a remote validation error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Remote.WebhookURL) == "" {
		return remote.NewValidationError("configure", "remote.webhook_url is required")
	}
	u, err := url.Parse(c.Remote.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return remote.NewValidationError("configure", fmt.Sprintf("remote.webhook_url %q is not an http(s) URL", c.Remote.WebhookURL))
	}

	var errs []error
	if c.Outbox.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("outbox.max_retries must be positive, got %d", c.Outbox.MaxRetries))
	}
	if c.Outbox.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("outbox.base_delay must be positive, got %s", c.Outbox.BaseDelay))
	}
	switch c.Outbox.Backend {
	case BackendSQLite:
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis outbox backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown outbox.backend %q", c.Outbox.Backend))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Drain.Interval <= 0 {
		errs = append(errs, fmt.Errorf("drain.interval must be positive, got %s", c.Drain.Interval))
	}
	if c.Drain.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("drain.concurrency must be positive, got %d", c.Drain.Concurrency))
	}
	if c.Email.Enabled() {
		if c.Email.FromAddress == "" {
			errs = append(errs, errors.New("email.from_address is required when email.api_key is set"))
		}
		if len(c.Email.To) == 0 {
			errs = append(errs, errors.New("email.to is required when email.api_key is set"))
		}
	}

	return errors.Join(errs...)
}
