// Package config provides configuration management for the trading simulator.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	apperrors "virtual-trader/internal/errors"
	"virtual-trader/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig       `mapstructure:"server"`
	API           APIConfig          `mapstructure:"api"`
	Auth          AuthConfig         `mapstructure:"auth"`
	Trading       TradingConfig      `mapstructure:"trading"`
	Feed          FeedConfig         `mapstructure:"feed"`
	Store         StoreConfig        `mapstructure:"store"`
	Sync          SyncConfig         `mapstructure:"sync"`
	Stream        StreamConfig       `mapstructure:"stream"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	UI            UIConfig           `mapstructure:"ui"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded from the environment

	path string
}

// ServerConfig holds HTTP server settings for `vtrader serve`.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// APIConfig points CLI commands at a running server.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TokenConfig maps one bearer token to a user id.
type TokenConfig struct {
	Token  string `mapstructure:"token"`
	UserID string `mapstructure:"user_id"`
}

// AuthConfig holds the bearer token registry.
type AuthConfig struct {
	Tokens        []TokenConfig `mapstructure:"tokens"`
	AllowAnyToken bool          `mapstructure:"allow_any_token"`
}

// TradingConfig holds account defaults.
type TradingConfig struct {
	InitialBalance     float64       `mapstructure:"initial_balance"`
	DefaultLeverage    float64       `mapstructure:"default_leverage"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	SignalInterval     time.Duration `mapstructure:"signal_interval"`
	LocalUser          string        `mapstructure:"local_user"`
}

// FeedConfig holds random-walk feed parameters.
type FeedConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Band     float64       `mapstructure:"band"`
	Seed     int64         `mapstructure:"seed"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	SQLitePath   string `mapstructure:"sqlite_path"`
	SnapshotPath string `mapstructure:"snapshot_path"`
	OutboxLimit  int    `mapstructure:"outbox_limit"`
}

// SyncConfig holds outbox drain and retry settings.
type SyncConfig struct {
	DrainInterval    time.Duration `mapstructure:"drain_interval"`
	OpTimeout        time.Duration `mapstructure:"op_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// StreamConfig holds portfolio stream settings.
type StreamConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Email   bool   `mapstructure:"email"`
	SMS     bool   `mapstructure:"sms"`
	Webhook bool   `mapstructure:"webhook"`
	EmailTo string `mapstructure:"email_to"`
	SMSTo   string `mapstructure:"sms_to"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    string `mapstructure:"file"`
}

// UIConfig holds UI-related configuration.
type UIConfig struct {
	ColorEnabled bool   `mapstructure:"color_enabled"`
	TimeFormat   string `mapstructure:"time_format"`
}

// Credentials holds secrets read from the environment (and .env).
type Credentials struct {
	RowStoreURL string `envconfig:"VTRADER_ROW_STORE_URL"`
	RowStoreKey string `envconfig:"VTRADER_ROW_STORE_KEY"`

	APIURL   string `envconfig:"VTRADER_API_URL"`
	APIToken string `envconfig:"VTRADER_API_TOKEN"`

	SMTPHost     string `envconfig:"VTRADER_SMTP_HOST" default:"smtp.gmail.com"`
	SMTPPort     int    `envconfig:"VTRADER_SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"VTRADER_SMTP_USERNAME"`
	SMTPPassword string `envconfig:"VTRADER_SMTP_PASSWORD"`
	SMTPFrom     string `envconfig:"VTRADER_SMTP_FROM"`

	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `envconfig:"TWILIO_FROM_NUMBER"`

	WebhookURL string `envconfig:"VTRADER_WEBHOOK_URL"`
}

// HasSMTP reports whether email delivery is configured.
func (c Credentials) HasSMTP() bool {
	return c.SMTPHost != "" && c.SMTPUsername != "" && c.SMTPPassword != ""
}

// HasTwilio reports whether SMS delivery is configured.
func (c Credentials) HasTwilio() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// PostgresURL returns the row store URL with the row store key filled in
// as the password when the URL carries none.
func (c Credentials) PostgresURL() string {
	if c.RowStoreURL == "" || c.RowStoreKey == "" {
		return c.RowStoreURL
	}
	u, err := url.Parse(c.RowStoreURL)
	if err != nil || u.User == nil {
		return c.RowStoreURL
	}
	if _, ok := u.User.Password(); ok {
		return c.RowStoreURL
	}
	u.User = url.UserPassword(u.User.Username(), c.RowStoreKey)
	return u.String()
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/vtrader"
	}
	return filepath.Join(home, ".config", "vtrader")
}

// DefaultConfigPath returns the default config.toml location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.toml")
}

// Path returns the file the configuration was read from.
func (c *Config) Path() string {
	return c.path
}

// Default returns the built-in configuration without touching disk or
// the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads the configuration file at path (the default location when
// empty), creating it from the template when it does not exist, then
// applies .env, environment credentials and overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("VTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := createTemplateConfig(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{path: path}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if err := loadCredentials(&cfg.Credentials); err != nil {
		return nil, err
	}
	applyCredentialOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	dir := DefaultConfigDir()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 10*time.Second)

	v.SetDefault("auth.allow_any_token", true)

	v.SetDefault("trading.initial_balance", 10000.0)
	v.SetDefault("trading.default_leverage", 1.0)
	v.SetDefault("trading.checkpoint_interval", 30*time.Second)
	v.SetDefault("trading.signal_interval", 60*time.Second)
	v.SetDefault("trading.local_user", "local")

	v.SetDefault("feed.interval", 2*time.Second)
	v.SetDefault("feed.band", 0.001)
	v.SetDefault("feed.seed", 0)

	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.snapshot_path", filepath.Join(dir, "snapshot.json"))
	v.SetDefault("store.outbox_limit", 10000)

	v.SetDefault("sync.drain_interval", 500*time.Millisecond)
	v.SetDefault("sync.op_timeout", 5*time.Second)
	v.SetDefault("sync.max_attempts", 8)
	v.SetDefault("sync.initial_backoff", 250*time.Millisecond)
	v.SetDefault("sync.max_backoff", 30*time.Second)
	v.SetDefault("sync.breaker_threshold", 5)
	v.SetDefault("sync.breaker_cooldown", 15*time.Second)

	v.SetDefault("stream.interval", 5*time.Second)
	v.SetDefault("stream.max_duration", 10*time.Minute)

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.email", true)
	v.SetDefault("notifications.sms", false)
	v.SetDefault("notifications.webhook", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", filepath.Join(dir, "logs", "vtrader.log"))

	v.SetDefault("ui.color_enabled", true)
	v.SetDefault("ui.time_format", "2006-01-02 15:04:05")
}

func loadCredentials(creds *Credentials) error {
	if err := envconfig.Process("", creds); err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	return nil
}

func applyCredentialOverrides(cfg *Config) {
	if cfg.Credentials.APIURL != "" {
		cfg.API.BaseURL = cfg.Credentials.APIURL
	}
	if cfg.Credentials.APIToken != "" {
		cfg.API.Token = cfg.Credentials.APIToken
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.InitialBalance <= 0 {
		return invalid("trading.initial_balance must be positive")
	}
	if !(c.Trading.DefaultLeverage >= 1 && c.Trading.DefaultLeverage <= models.MaxLeverage) {
		return invalid(fmt.Sprintf("trading.default_leverage must be between 1 and %g", models.MaxLeverage))
	}
	if c.Feed.Interval < 10*time.Millisecond {
		return invalid("feed.interval must be at least 10ms")
	}
	if c.Feed.Band <= 0 || c.Feed.Band > 0.1 {
		return invalid("feed.band must be in (0, 0.1]")
	}
	if c.Stream.Interval <= 0 {
		return invalid("stream.interval must be positive")
	}
	if c.Stream.MaxDuration < c.Stream.Interval {
		return invalid("stream.max_duration must not be shorter than stream.interval")
	}
	if c.Sync.MaxAttempts < 1 {
		return invalid("sync.max_attempts must be at least 1")
	}
	if c.Sync.InitialBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.InitialBackoff {
		return invalid("sync backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid(fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn or error)", c.Logging.Level))
	}
	seen := make(map[string]bool, len(c.Auth.Tokens))
	for _, t := range c.Auth.Tokens {
		if t.Token == "" || t.UserID == "" {
			return invalid("auth.tokens entries need token and user_id")
		}
		if seen[t.Token] {
			return invalid("auth.tokens contains a duplicate token")
		}
		seen[t.Token] = true
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, msg)
}

// TokenMap returns the configured token registry.
func (c *Config) TokenMap() map[string]string {
	out := make(map[string]string, len(c.Auth.Tokens))
	for _, t := range c.Auth.Tokens {
		out[t.Token] = t.UserID
	}
	return out
}

// MockMode reports whether no durable backend is configured.
func (c *Config) MockMode() bool {
	return c.Credentials.RowStoreURL == "" && c.Store.SQLitePath == ""
}
