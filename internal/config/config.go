// Package config defines the top-level configuration for the marketplace
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETD_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Market   MarketConfig   `toml:"market"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the history
// archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// MarketConfig holds the marketplace business parameters.
type MarketConfig struct {
	// Enabled is the marketplace-wide switch read at startup; the admin
	// endpoint can flip it at runtime.
	Enabled bool `toml:"enabled"`

	// FeeRate is the listing fee as a fraction of the asking price.
	// TaxRate is withheld from the seller's proceeds on a sale.
	FeeRate float64 `toml:"fee_rate"`
	TaxRate float64 `toml:"tax_rate"`

	MinPrice             float64 `toml:"min_price"`
	MaxPrice             float64 `toml:"max_price"`
	MaxListingsPerSeller int     `toml:"max_listings_per_seller"`

	DefaultDuration duration `toml:"default_duration"`
	MinDuration     duration `toml:"min_duration"`
	MaxDuration     duration `toml:"max_duration"`

	SweepInterval duration `toml:"sweep_interval"`

	// CreateLimit listings per CreateWindow per seller.
	CreateLimit  int      `toml:"create_limit"`
	CreateWindow duration `toml:"create_window"`

	// History rows older than the retention window are archived to S3 and
	// pruned. Zero disables archiving.
	HistoryRetentionDays int `toml:"history_retention_days"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	WebhookURL        string   `toml:"webhook_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketd-history",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Market: MarketConfig{
			Enabled:              true,
			FeeRate:              0.05,
			TaxRate:              0.10,
			MinPrice:             1,
			MaxPrice:             1_000_000,
			MaxListingsPerSeller: 20,
			DefaultDuration:      duration{48 * time.Hour},
			MinDuration:          duration{time.Hour},
			MaxDuration:          duration{7 * 24 * time.Hour},
			SweepInterval:        duration{30 * time.Second},
			CreateLimit:          10,
			CreateWindow:         duration{time.Minute},
			HistoryRetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8084,
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var problems []string

	switch c.Mode {
	case "serve", "sweep", "recover":
	default:
		problems = append(problems, fmt.Sprintf("mode: unsupported value %q", c.Mode))
	}

	if c.Postgres.DSN == "" && (c.Postgres.Host == "" || c.Postgres.Database == "" || c.Postgres.User == "") {
		problems = append(problems, "postgres: dsn or host/database/user required")
	}
	if c.Redis.Addr == "" {
		problems = append(problems, "redis: addr required")
	}

	m := &c.Market
	if m.FeeRate < 0 || m.FeeRate >= 1 {
		problems = append(problems, "market: fee_rate must be in [0, 1)")
	}
	if m.TaxRate < 0 || m.TaxRate >= 1 {
		problems = append(problems, "market: tax_rate must be in [0, 1)")
	}
	if m.MinPrice <= 0 || m.MaxPrice < m.MinPrice {
		problems = append(problems, "market: require 0 < min_price <= max_price")
	}
	if m.MaxListingsPerSeller <= 0 {
		problems = append(problems, "market: max_listings_per_seller must be positive")
	}
	if m.MinDuration.Duration <= 0 || m.MaxDuration.Duration < m.MinDuration.Duration {
		problems = append(problems, "market: require 0 < min_duration <= max_duration")
	}
	if m.DefaultDuration.Duration < m.MinDuration.Duration || m.DefaultDuration.Duration > m.MaxDuration.Duration {
		problems = append(problems, "market: default_duration must lie within [min_duration, max_duration]")
	}
	if m.SweepInterval.Duration <= 0 {
		problems = append(problems, "market: sweep_interval must be positive")
	}
	if m.HistoryRetentionDays < 0 {
		problems = append(problems, "market: history_retention_days cannot be negative")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		problems = append(problems, "server: port out of range")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Typed accessors so callers outside this package never touch the internal
// duration wrapper.

func (m MarketConfig) DefaultListingDuration() time.Duration { return m.DefaultDuration.Duration }
func (m MarketConfig) MinListingDuration() time.Duration     { return m.MinDuration.Duration }
func (m MarketConfig) MaxListingDuration() time.Duration     { return m.MaxDuration.Duration }
func (m MarketConfig) SweepEvery() time.Duration             { return m.SweepInterval.Duration }
func (m MarketConfig) CreateRateWindow() time.Duration       { return m.CreateWindow.Duration }
