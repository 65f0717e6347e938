package config

import (
	"fmt"
	"time"

	"github.com/csvgate/csvgate/internal/models"
	"github.com/csvgate/csvgate/internal/quota"
)

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config represents the complete application configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Quota     QuotaConfig     `yaml:"quota"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Retention RetentionConfig `yaml:"retention"`
	Accounts  []AccountConfig `yaml:"accounts,omitempty"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig contains authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
}

// RateLimitConfig contains per-client rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// LedgerConfig selects and configures the usage ledger backend.
type LedgerConfig struct {
	Backend     string        `yaml:"backend"`
	DBPath      string        `yaml:"db_path"`
	DSN         string        `yaml:"dsn"`
	Redis       RedisConfig   `yaml:"redis"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DeliveryConfig tunes the delivery senders.
type DeliveryConfig struct {
	ChunkSize      int           `yaml:"chunk_size"`
	MaxRetries     int           `yaml:"max_retries"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	UserAgent      string        `yaml:"user_agent"`
	WebhookEvent   string        `yaml:"webhook_event"`
}

// QuotaConfig overrides the built-in tier limits.
type QuotaConfig struct {
	Tiers map[string]TierLimitsConfig `yaml:"tiers"`
}

// TierLimitsConfig describes one tier. Unlimited wins over ImportsPerPeriod.
type TierLimitsConfig struct {
	ImportsPerPeriod int  `yaml:"imports_per_period"`
	Unlimited        bool `yaml:"unlimited"`
	MaxRowsPerImport int  `yaml:"max_rows_per_import"`
}

// Overrides converts the configured tiers into policy overrides. Fields left at zero
// keep the built-in value for that tier.
func (q QuotaConfig) Overrides() map[models.Tier]quota.Limits {
	if len(q.Tiers) == 0 {
		return nil
	}
	defaults := quota.Defaults()
	out := make(map[models.Tier]quota.Limits, len(q.Tiers))
	for name, tc := range q.Tiers {
		tier, err := models.ParseTier(name)
		if err != nil {
			continue
		}
		l := defaults[tier]
		switch {
		case tc.Unlimited:
			l.ImportLimit = models.Unlimited()
		case tc.ImportsPerPeriod > 0:
			l.ImportLimit = models.LimitOf(tc.ImportsPerPeriod)
		}
		if tc.MaxRowsPerImport > 0 {
			l.MaxRowsPerImport = tc.MaxRowsPerImport
		}
		out[tier] = l
	}
	return out
}

// AlertsConfig contains alert service configuration.
type AlertsConfig struct {
	// Enabled enables or disables the alert service.
	Enabled bool `yaml:"enabled"`
	// RateLimitPerMinute limits the number of alerts per minute.
	// Default: 30
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// Burst is the number of alerts that may go out back to back.
	// Default: RateLimitPerMinute
	Burst int `yaml:"burst"`
	// DedupWindow suppresses repeats of the same alert.
	// Default: 30m
	DedupWindow time.Duration `yaml:"dedup_window"`
	// QueueSize bounds the pending alert queue.
	// Default: 100
	QueueSize int `yaml:"queue_size"`
	// ShutdownTimeout is the timeout for graceful shutdown.
	// Default: 25s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelegramConfig contains Telegram bot configuration.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// RetentionConfig controls how long delivery logs are kept.
type RetentionConfig struct {
	DeliveryLogDays int `yaml:"delivery_log_days"`
}

// AccountConfig seeds an account and its tier.
type AccountConfig struct {
	ID   string `yaml:"id"`
	Tier string `yaml:"tier"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.Ledger.Validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	if err := c.Delivery.Validate(); err != nil {
		return fmt.Errorf("delivery: %w", err)
	}

	if err := c.Quota.Validate(); err != nil {
		return fmt.Errorf("quota: %w", err)
	}

	if err := c.Alerts.Validate(); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}

	if err := c.Telegram.Validate(); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if err := acc.Validate(); err != nil {
			return fmt.Errorf("account[%d]: %w", i, err)
		}
		if seen[acc.ID] {
			return fmt.Errorf("account[%d]: duplicate id %q", i, acc.ID)
		}
		seen[acc.ID] = true
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = 32 << 20
	}
	return nil
}

// Validate validates API configuration.
func (a *APIConfig) Validate() error {
	if a.Auth.Enabled && len(a.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth: api_keys is required when auth is enabled")
	}
	if a.Auth.HeaderName == "" {
		a.Auth.HeaderName = "X-API-Key"
	}
	if a.RateLimit.RequestsPerMinute <= 0 {
		a.RateLimit.RequestsPerMinute = 1000
	}
	// Cap rate limit to prevent abuse
	if a.RateLimit.RequestsPerMinute > 100000 {
		a.RateLimit.RequestsPerMinute = 100000
	}
	if a.RateLimit.Burst <= 0 {
		a.RateLimit.Burst = 100
	}
	if a.RateLimit.Burst > 10000 {
		a.RateLimit.Burst = 10000
	}
	return nil
}

// Validate validates ledger configuration.
func (l *LedgerConfig) Validate() error {
	if l.Backend == "" {
		l.Backend = BackendSQLite
	}
	switch l.Backend {
	case BackendMemory:
	case BackendSQLite:
	case BackendPostgres:
		if l.DSN == "" {
			return fmt.Errorf("dsn is required for the postgres backend")
		}
	case BackendRedis:
		if l.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("backend must be one of: memory, sqlite, postgres, redis")
	}
	if l.DBPath == "" {
		l.DBPath = "data/csvgate.db"
	}
	if l.Redis.KeyPrefix == "" {
		l.Redis.KeyPrefix = "csvgate"
	}
	if l.LockTimeout < 0 {
		return fmt.Errorf("lock_timeout cannot be negative")
	}
	if l.LockTimeout == 0 {
		l.LockTimeout = 5 * time.Second
	}
	return nil
}

// Validate validates delivery configuration and applies defaults.
func (d *DeliveryConfig) Validate() error {
	if d.ChunkSize < 0 || d.MaxRetries < 0 || d.BaseBackoff < 0 || d.RequestTimeout < 0 {
		return fmt.Errorf("chunk_size, max_retries, base_backoff and request_timeout cannot be negative")
	}
	if d.ChunkSize == 0 {
		d.ChunkSize = 100
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.BaseBackoff == 0 {
		d.BaseBackoff = time.Second
	}
	if d.RequestTimeout == 0 {
		d.RequestTimeout = 30 * time.Second
	}
	if d.UserAgent == "" {
		d.UserAgent = "csvgate-delivery/1.0"
	}
	if d.WebhookEvent == "" {
		d.WebhookEvent = models.DefaultWebhookEvent
	}
	return nil
}

// Validate validates quota overrides.
func (q *QuotaConfig) Validate() error {
	for name, tc := range q.Tiers {
		if _, err := models.ParseTier(name); err != nil {
			return err
		}
		if tc.ImportsPerPeriod < 0 {
			return fmt.Errorf("tier %s: imports_per_period cannot be negative", name)
		}
		if tc.MaxRowsPerImport < 0 {
			return fmt.Errorf("tier %s: max_rows_per_import cannot be negative", name)
		}
	}
	return nil
}

// Validate validates alerts configuration and applies defaults.
func (a *AlertsConfig) Validate() error {
	if a.RateLimitPerMinute <= 0 {
		a.RateLimitPerMinute = 30
	}
	if a.Burst <= 0 {
		a.Burst = a.RateLimitPerMinute
	}
	if a.DedupWindow <= 0 {
		a.DedupWindow = 30 * time.Minute
	}
	if a.QueueSize <= 0 {
		a.QueueSize = 100
	}
	if a.ShutdownTimeout <= 0 {
		a.ShutdownTimeout = 25 * time.Second
	}
	return nil
}

// Validate validates Telegram configuration.
func (t *TelegramConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.BotToken == "" {
		return fmt.Errorf("bot_token is required when telegram is enabled")
	}
	if t.ChatID == 0 {
		return fmt.Errorf("chat_id is required when telegram is enabled")
	}
	return nil
}

// Validate validates retention configuration.
func (r *RetentionConfig) Validate() error {
	if r.DeliveryLogDays < 0 {
		return fmt.Errorf("delivery_log_days cannot be negative")
	}
	if r.DeliveryLogDays == 0 {
		r.DeliveryLogDays = 30
	}
	return nil
}

// Validate validates account configuration.
func (a *AccountConfig) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.Tier == "" {
		a.Tier = string(models.TierFree)
	}
	tier, err := models.ParseTier(a.Tier)
	if err != nil {
		return err
	}
	a.Tier = string(tier)
	return nil
}

// Account converts the seed entry into a model.
func (a AccountConfig) Account() *models.Account {
	return &models.Account{ID: a.ID, Tier: models.Tier(a.Tier)}
}
