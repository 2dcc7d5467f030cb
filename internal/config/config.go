package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"kasirledger/internal/alert"
)

// FileEnv names the optional TOML file read before the environment.
const FileEnv = "KASIRLEDGER_CONFIG"

// Config is filled from the TOML file, then the environment, then defaults
// for anything still zero. Secrets have no defaults.
type Config struct {
	Port          string `toml:"port" env:"PORT"`
	AllowedOrigin string `toml:"allowed_origin" env:"ALLOWED_ORIGIN"`
	DatabaseURL   string `toml:"database_url" env:"DATABASE_URL"`
	RedisAddr     string `toml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `toml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `toml:"redis_db" env:"REDIS_DB"`
	StoreID       string `toml:"default_store_id" env:"DEFAULT_STORE_ID"`

	AuthSecret            string `toml:"auth_secret" env:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `toml:"access_token_ttl_minutes" env:"ACCESS_TOKEN_TTL_MINUTES"`
	ManagerPIN            string `toml:"manager_pin" env:"MANAGER_PIN"`

	IdempotencyTTL    Duration `toml:"idempotency_ttl" env:"IDEMPOTENCY_TTL"`
	IdempotencyLease  Duration `toml:"idempotency_lease" env:"IDEMPOTENCY_LEASE"`
	IdempotencyWait   Duration `toml:"idempotency_wait" env:"IDEMPOTENCY_WAIT"`
	CommitMaxRetries  uint     `toml:"commit_max_retries" env:"COMMIT_MAX_RETRIES"`
	AuditMinRetention Duration `toml:"audit_min_retention" env:"AUDIT_MIN_RETENTION"`
	AuditPurgeAfter   Duration `toml:"audit_purge_after" env:"AUDIT_PURGE_AFTER"`

	ExpiryWindowDays     int      `toml:"expiry_window_days" env:"EXPIRY_WINDOW_DAYS"`
	DebtAlertRatio       float64  `toml:"debt_alert_ratio" env:"DEBT_ALERT_RATIO"`
	PurchaseOrderSLA     Duration `toml:"po_pending_sla" env:"PO_PENDING_SLA"`
	RegisterCloseHour    int      `toml:"register_close_hour" env:"REGISTER_CLOSE_HOUR"`
	SyncPendingThreshold int      `toml:"sync_pending_threshold" env:"SYNC_PENDING_THRESHOLD"`

	SyncOutboxPath string `toml:"sync_outbox_path" env:"SYNC_OUTBOX_PATH"`
	OTelEndpoint   string `toml:"otel_endpoint" env:"OTEL_ENDPOINT"`
	MetricsEnabled *bool  `toml:"metrics_enabled" env:"METRICS_ENABLED"`
}

// Duration accepts Go duration strings ("36h", "15s") in both TOML and env.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Load() (Config, error) {
	var cfg Config
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.RegisterCloseHour < 0 || cfg.RegisterCloseHour > 23 {
		return Config{}, fmt.Errorf("REGISTER_CLOSE_HOUR must be between 1 and 23, got %d", cfg.RegisterCloseHour)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.AuthSecret = strings.TrimSpace(c.AuthSecret)
	c.ManagerPIN = strings.TrimSpace(c.ManagerPIN)

	setString(&c.Port, "8080")
	setString(&c.AllowedOrigin, "http://127.0.0.1:3000")
	setString(&c.StoreID, "main-store")
	setInt(&c.AccessTokenTTLMinutes, 480)

	setDuration(&c.IdempotencyTTL, 24*time.Hour)
	setDuration(&c.IdempotencyLease, 30*time.Second)
	setDuration(&c.IdempotencyWait, 5*time.Second)
	if c.CommitMaxRetries == 0 {
		c.CommitMaxRetries = 5
	}
	setDuration(&c.AuditMinRetention, 90*24*time.Hour)
	setDuration(&c.AuditPurgeAfter, 365*24*time.Hour)

	setInt(&c.ExpiryWindowDays, 7)
	if c.DebtAlertRatio <= 0 {
		c.DebtAlertRatio = 0.8
	}
	setDuration(&c.PurchaseOrderSLA, 72*time.Hour)
	setInt(&c.RegisterCloseHour, 23)
	setInt(&c.SyncPendingThreshold, 50)
	setString(&c.SyncOutboxPath, "data/outbox.db")
	if c.MetricsEnabled == nil {
		enabled := true
		c.MetricsEnabled = &enabled
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

// Thresholds converts the alert settings for alert.Engine conditions.
func (c Config) Thresholds() alert.Thresholds {
	return alert.Thresholds{
		ExpiryWindow:         time.Duration(c.ExpiryWindowDays) * 24 * time.Hour,
		DebtRatio:            c.DebtAlertRatio,
		PurchaseOrderSLA:     c.PurchaseOrderSLA.Duration,
		RegisterCloseHour:    c.RegisterCloseHour,
		SyncPendingThreshold: c.SyncPendingThreshold,
	}
}

func (c Config) Metrics() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func setString(field *string, fallback string) {
	if strings.TrimSpace(*field) == "" {
		*field = fallback
	}
}

func setInt(field *int, fallback int) {
	if *field <= 0 {
		*field = fallback
	}
}

func setDuration(field *Duration, fallback time.Duration) {
	if field.Duration <= 0 {
		field.Duration = fallback
	}
}
