package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Snapshot backends.
const (
	SnapshotSQLite = "sqlite"
	SnapshotRedis  = "redis"
	SnapshotNone   = "none"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Angel One credentials
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string // MPIN
	AngelTOTPSecret string

	// Upstream
	AngelRootURL   string
	ScripMasterURL string
	ClientLocalIP  string
	ClientPublicIP string
	ClientMAC      string

	// Listeners
	HTTPAddr    string
	MetricsAddr string

	// Infrastructure
	RedisAddr       string // empty disables Redis
	RedisPassword   string
	SnapshotBackend string
	SQLitePath      string

	// Scheduling
	DirectoryRefreshCron string
	BroadcastInterval    time.Duration
	AlwaysBroadcast      bool

	// Alerts
	AlertWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string

	// Logging
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// Load reads configuration from environment variables with sensible defaults.
// A missing required variable or an invalid value is fatal.
func Load() *Config {
	cfg, err := Parse(os.Getenv)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

// Parse builds a Config from getenv and validates it.
func Parse(getenv func(string) string) (*Config, error) {
	e := &env{get: getenv}
	cfg := &Config{
		AngelAPIKey:     e.mustEnv("ANGEL_API_KEY"),
		AngelClientCode: e.mustEnv("ANGEL_CLIENT_CODE"),
		AngelPassword:   e.mustEnv("ANGEL_PASSWORD"),
		AngelTOTPSecret: e.mustEnv("ANGEL_TOTP_SECRET"),

		AngelRootURL:   e.getEnv("ANGEL_ROOT_URL", "https://apiconnect.angelone.in"),
		ScripMasterURL: e.getEnv("SCRIP_MASTER_URL", ""),
		ClientLocalIP:  e.getEnv("CLIENT_LOCAL_IP", ""),
		ClientPublicIP: e.getEnv("CLIENT_PUBLIC_IP", ""),
		ClientMAC:      e.getEnv("CLIENT_MAC", ""),

		HTTPAddr:    e.getEnv("HTTP_ADDR", ":3001"),
		MetricsAddr: e.getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:       e.getEnv("REDIS_ADDR", ""),
		RedisPassword:   e.getEnv("REDIS_PASSWORD", ""),
		SnapshotBackend: strings.ToLower(e.getEnv("SNAPSHOT_BACKEND", SnapshotSQLite)),
		SQLitePath:      e.getEnv("SQLITE_PATH", "data/instruments.db"),

		DirectoryRefreshCron: e.getEnv("DIRECTORY_REFRESH_CRON", "0 8 * * 1-5"),
		BroadcastInterval:    e.getEnvDuration("BROADCAST_INTERVAL", 5*time.Second),
		AlwaysBroadcast:      e.getEnvBool("ALWAYS_BROADCAST", false),

		AlertWebhookURL:  e.getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken: e.getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   e.getEnv("TELEGRAM_CHAT_ID", ""),

		LogLevel:      e.getEnv("LOG_LEVEL", "info"),
		LogFile:       e.getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  e.getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: e.getEnvInt("LOG_MAX_BACKUPS", 7),
		LogMaxAgeDays: e.getEnvInt("LOG_MAX_AGE_DAYS", 30),
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum values and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	switch c.SnapshotBackend {
	case SnapshotSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite snapshot backend"))
		}
	case SnapshotRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis snapshot backend"))
		}
	case SnapshotNone:
	default:
		errs = append(errs, fmt.Errorf("SNAPSHOT_BACKEND %q: want sqlite, redis or none", c.SnapshotBackend))
	}
	if c.BroadcastInterval <= 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_INTERVAL must be positive, got %s", c.BroadcastInterval))
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q: want debug, info, warn or error", c.LogLevel))
	}
	return errors.Join(errs...)
}

// String renders the config for the startup log with secrets masked.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "client=%s api_key=%s password=%s totp=%s",
		c.AngelClientCode, mask(c.AngelAPIKey), mask(c.AngelPassword), mask(c.AngelTOTPSecret))
	fmt.Fprintf(&b, " http=%s metrics=%s redis=%q snapshot=%s",
		c.HTTPAddr, c.MetricsAddr, c.RedisAddr, c.SnapshotBackend)
	if c.SnapshotBackend == SnapshotSQLite {
		fmt.Fprintf(&b, " sqlite=%s", c.SQLitePath)
	}
	fmt.Fprintf(&b, " refresh_cron=%q broadcast=%s always=%t",
		c.DirectoryRefreshCron, c.BroadcastInterval, c.AlwaysBroadcast)
	fmt.Fprintf(&b, " webhook=%t telegram=%t log_level=%s",
		c.AlertWebhookURL != "", c.TelegramBotToken != "", c.LogLevel)
	return b.String()
}

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// env collects lookup errors so every problem is reported at once.
type env struct {
	get  func(string) string
	errs []error
}

func (e *env) mustEnv(key string) string {
	v := e.get(key)
	if v == "" {
		e.errs = append(e.errs, fmt.Errorf("required env var %s not set", key))
	}
	return v
}

func (e *env) getEnv(key, fallback string) string {
	v := e.get(key)
	if v == "" {
		return fallback
	}
	return v
}

func (e *env) getEnvInt(key string, fallback int) int {
	v := e.get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func (e *env) getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := e.get(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

func (e *env) getEnvBool(key string, fallback bool) bool {
	v := e.get(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return fallback
	}
	return b
}
