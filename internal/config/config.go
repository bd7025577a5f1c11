package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Security SecurityConfig `yaml:"security"`
	Limits   LimitsConfig   `yaml:"limits"`
	Features FeaturesConfig `yaml:"features"`
	JWT      JWTConfig      `yaml:"jwt"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Reports  ReportsConfig  `yaml:"reports"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	Email    EmailConfig    `yaml:"email"`
	FCM      FCMConfig      `yaml:"fcm"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SecurityConfig struct {
	RateLimitPerMinute int  `yaml:"rate_limit_per_minute"`
	HSTSEnabled        bool `yaml:"hsts_enabled"`
	// SessionLeewaySeconds is clock leeway applied to session token expiry.
	SessionLeewaySeconds int `yaml:"session_leeway_seconds"`
}

type LimitsConfig struct {
	LocationRetentionDays   int `yaml:"location_retention_days"`
	MaxBatchSize            int `yaml:"max_batch_size"`
	MaxDevicesPerGroup      int `yaml:"max_devices_per_group"`
	WarningThresholdPercent int `yaml:"warning_threshold_percent"`
	MaxAPIKeysPerOrg        int `yaml:"max_api_keys_per_org"`
	MaxBulkImportDevices    int `yaml:"max_bulk_import_devices"`
}

type FeaturesConfig struct {
	Webhooks   bool `yaml:"webhooks"`
	Reports    bool `yaml:"reports"`
	Geofences  bool `yaml:"geofences"`
	DeviceAuth bool `yaml:"device_auth"`
	UserAuth   bool `yaml:"user_auth"`
	APIKeyAuth bool `yaml:"api_key_auth"`
	Enrollment bool `yaml:"enrollment"`
}

type JWTConfig struct {
	// PublicKeyBase64 is the Ed25519 session verification key (raw 32 bytes, base64).
	PublicKeyBase64 string `yaml:"public_key_base64"`
}

type WebhooksConfig struct {
	BatchSize         int `yaml:"batch_size"`
	RetentionDays     int `yaml:"retention_days"`
	FailureThreshold  int `yaml:"failure_threshold"`
	CooloffSeconds    int `yaml:"cooloff_seconds"`
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

type ReportsConfig struct {
	SpoolDir string `yaml:"spool_dir"`
}

type AdminConfig struct {
	BootstrapEmail    string `yaml:"bootstrap_email"`
	BootstrapPassword string `yaml:"bootstrap_password"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OAuthConfig holds the audience IDs for identity-token verification.
// An empty ID disables that provider.
type OAuthConfig struct {
	GoogleClientID string `yaml:"google_client_id"`
	AppleClientID  string `yaml:"apple_client_id"`
}

type EmailConfig struct {
	SMTPHost    string `yaml:"smtp_host"`
	SMTPPort    int    `yaml:"smtp_port"`
	FromAddress string `yaml:"from_address"`
}

// FCMConfig controls push notifications to enrolled devices. Disabled
// by default; the notifier is a logging no-op until credentials are
// configured.
type FCMConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Default returns the development-profile configuration. Production
// deployments must override port and limits via file or environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "development"},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Security: SecurityConfig{
			RateLimitPerMinute:   120,
			SessionLeewaySeconds: 30,
		},
		Limits: LimitsConfig{
			LocationRetentionDays:   30,
			MaxBatchSize:            50,
			MaxDevicesPerGroup:      20,
			WarningThresholdPercent: 80,
			MaxAPIKeysPerOrg:        50,
			MaxBulkImportDevices:    200,
		},
		Features: FeaturesConfig{
			Webhooks:   true,
			Reports:    true,
			Geofences:  true,
			DeviceAuth: true,
			UserAuth:   true,
			APIKeyAuth: true,
			Enrollment: true,
		},
		Webhooks: WebhooksConfig{
			BatchSize:         50,
			RetentionDays:     7,
			FailureThreshold:  5,
			CooloffSeconds:    60,
			RequestTimeoutSec: 10,
		},
		Reports: ReportsConfig{SpoolDir: "/var/spool/pathmark/reports"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Email:   EmailConfig{SMTPPort: 587},
	}
}

// Load reads the YAML file at path (optional), then applies PM__ environment
// overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays PM__<SECTION>__<NAME> environment variables. The
// double-underscore separator keeps single underscores usable in names.
func (c *Config) applyEnv() {
	envStr("PM__SERVER__ENV", &c.Server.Env)
	envInt("PM__SERVER__PORT", &c.Server.Port)

	envStr("PM__DATABASE__URL", &c.Database.URL)
	envInt("PM__DATABASE__MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	envInt("PM__DATABASE__MAX_IDLE_CONNS", &c.Database.MaxIdleConns)

	envStr("PM__REDIS__ADDR", &c.Redis.Addr)
	envStr("PM__REDIS__PASSWORD", &c.Redis.Password)
	envInt("PM__REDIS__DB", &c.Redis.DB)

	envInt("PM__SECURITY__RATE_LIMIT_PER_MINUTE", &c.Security.RateLimitPerMinute)
	envBool("PM__SECURITY__HSTS_ENABLED", &c.Security.HSTSEnabled)
	envInt("PM__SECURITY__SESSION_LEEWAY_SECONDS", &c.Security.SessionLeewaySeconds)

	envInt("PM__LIMITS__LOCATION_RETENTION_DAYS", &c.Limits.LocationRetentionDays)
	envInt("PM__LIMITS__MAX_BATCH_SIZE", &c.Limits.MaxBatchSize)
	envInt("PM__LIMITS__MAX_DEVICES_PER_GROUP", &c.Limits.MaxDevicesPerGroup)
	envInt("PM__LIMITS__WARNING_THRESHOLD_PERCENT", &c.Limits.WarningThresholdPercent)
	envInt("PM__LIMITS__MAX_API_KEYS_PER_ORG", &c.Limits.MaxAPIKeysPerOrg)
	envInt("PM__LIMITS__MAX_BULK_IMPORT_DEVICES", &c.Limits.MaxBulkImportDevices)

	envBool("PM__FEATURES__WEBHOOKS", &c.Features.Webhooks)
	envBool("PM__FEATURES__REPORTS", &c.Features.Reports)
	envBool("PM__FEATURES__GEOFENCES", &c.Features.Geofences)
	envBool("PM__FEATURES__DEVICE_AUTH", &c.Features.DeviceAuth)
	envBool("PM__FEATURES__USER_AUTH", &c.Features.UserAuth)
	envBool("PM__FEATURES__API_KEY_AUTH", &c.Features.APIKeyAuth)
	envBool("PM__FEATURES__ENROLLMENT", &c.Features.Enrollment)

	envStr("PM__JWT__PUBLIC_KEY_BASE64", &c.JWT.PublicKeyBase64)

	envInt("PM__WEBHOOKS__BATCH_SIZE", &c.Webhooks.BatchSize)
	envInt("PM__WEBHOOKS__RETENTION_DAYS", &c.Webhooks.RetentionDays)
	envInt("PM__WEBHOOKS__FAILURE_THRESHOLD", &c.Webhooks.FailureThreshold)
	envInt("PM__WEBHOOKS__COOLOFF_SECONDS", &c.Webhooks.CooloffSeconds)
	envInt("PM__WEBHOOKS__REQUEST_TIMEOUT_SEC", &c.Webhooks.RequestTimeoutSec)

	envStr("PM__REPORTS__SPOOL_DIR", &c.Reports.SpoolDir)

	envStr("PM__ADMIN__BOOTSTRAP_EMAIL", &c.Admin.BootstrapEmail)
	envStr("PM__ADMIN__BOOTSTRAP_PASSWORD", &c.Admin.BootstrapPassword)

	envStr("PM__LOGGING__LEVEL", &c.Logging.Level)
	envStr("PM__LOGGING__FORMAT", &c.Logging.Format)

	envStr("PM__OAUTH__GOOGLE_CLIENT_ID", &c.OAuth.GoogleClientID)
	envStr("PM__OAUTH__APPLE_CLIENT_ID", &c.OAuth.AppleClientID)

	envStr("PM__EMAIL__SMTP_HOST", &c.Email.SMTPHost)
	envInt("PM__EMAIL__SMTP_PORT", &c.Email.SMTPPort)
	envStr("PM__EMAIL__FROM_ADDRESS", &c.Email.FromAddress)

	envBool("PM__FCM__ENABLED", &c.FCM.Enabled)
	envStr("PM__FCM__CREDENTIALS_FILE", &c.FCM.CredentialsFile)
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}
