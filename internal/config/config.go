// Package config loads the daemon configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // IANA zones for CRON_TZ specs

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Engine   EngineConfig   `yaml:"engine"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Redis    RedisConfig    `yaml:"redis"`
	SyncLog  SyncLogConfig  `yaml:"synclog"`
	Ops      OpsConfig      `yaml:"ops"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds the ledger database connection.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// SecurityConfig holds the secret that seals router credentials.
type SecurityConfig struct {
	SecretKey string `yaml:"secret_key"`
	Salt      string `yaml:"salt"`
}

// GatewayConfig tunes device REST clients.
type GatewayConfig struct {
	Scheme      string        `yaml:"scheme"`
	DefaultPort int           `yaml:"default_port"`
	Timeout     time.Duration `yaml:"timeout"`
	VerifyTLS   bool          `yaml:"verify_tls"`
}

// ScheduleConfig holds cron specs (standard 5-field, CRON_TZ= prefix allowed).
// An empty Renewal spec is derived from the credit reset time in settings.
type ScheduleConfig struct {
	Timezone     string `yaml:"timezone"`
	Usage        string `yaml:"usage"`
	Cohort       string `yaml:"cohort"`
	Renewal      string `yaml:"renewal"`
	Audit        string `yaml:"audit"`
	Connectivity string `yaml:"connectivity"`
	Import       string `yaml:"import"`
}

// EngineConfig tunes per-site execution.
type EngineConfig struct {
	SiteParallelism int           `yaml:"site_parallelism"`
	SitePacing      time.Duration `yaml:"site_pacing"`
	SiteTimeout     time.Duration `yaml:"site_timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	EnforceSettle   time.Duration `yaml:"enforce_settle"`
}

// SMTPConfig configures exhaustion and renewal emails. Empty host disables email.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Hello    string `yaml:"hello"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RedisConfig enables the shared site lock. Empty addr keeps locks in-process.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// SyncLogConfig configures the human-readable run log.
type SyncLogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// OpsConfig configures probe and metrics listeners.
type OpsConfig struct {
	GRPCAddr   string `yaml:"grpc_addr"`
	HTTPAddr   string `yaml:"http_addr"`
	Reflection bool   `yaml:"reflection"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path (optional), applies env overrides and defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("HOTSPOTD_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("HOTSPOTD_SECRET_KEY"); v != "" {
		cfg.Security.SecretKey = v
	}
	if v := os.Getenv("HOTSPOTD_SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("HOTSPOTD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("HOTSPOTD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Security.Salt == "" {
		c.Security.Salt = "hotspotd"
	}
	if c.Gateway.Scheme == "" {
		c.Gateway.Scheme = "https"
	}
	if c.Gateway.DefaultPort == 0 {
		c.Gateway.DefaultPort = 443
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 10 * time.Second
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "UTC"
	}
	if c.Schedule.Usage == "" {
		c.Schedule.Usage = "*/1 * * * *"
	}
	if c.Schedule.Cohort == "" {
		c.Schedule.Cohort = "*/10 * * * *"
	}
	if c.Schedule.Audit == "" {
		c.Schedule.Audit = "*/5 * * * *"
	}
	if c.Schedule.Connectivity == "" {
		c.Schedule.Connectivity = "*/5 * * * *"
	}
	if c.Schedule.Import == "" {
		c.Schedule.Import = "CRON_TZ=UTC 0 1 * * *"
	}
	if c.Engine.SiteParallelism <= 0 {
		c.Engine.SiteParallelism = 4
	}
	if c.Engine.SitePacing == 0 {
		c.Engine.SitePacing = 500 * time.Millisecond
	}
	if c.Engine.SiteTimeout == 0 {
		c.Engine.SiteTimeout = 2 * time.Minute
	}
	if c.Engine.RetryAttempts <= 0 {
		c.Engine.RetryAttempts = 2
	}
	if c.Engine.RetryBackoff == 0 {
		c.Engine.RetryBackoff = time.Second
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 25
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "hotspotd:lock:"
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 10 * time.Minute
	}
	if c.SyncLog.MaxSizeMB == 0 {
		c.SyncLog.MaxSizeMB = 5
	}
	if c.SyncLog.MaxBackups == 0 {
		c.SyncLog.MaxBackups = 3
	}
	if c.Ops.GRPCAddr == "" {
		c.Ops.GRPCAddr = ":9090"
	}
	if c.Ops.HTTPAddr == "" {
		c.Ops.HTTPAddr = ":9091"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks required fields and that every schedule parses.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return ErrMissingDSN
	}
	if c.Security.SecretKey == "" {
		return ErrMissingSecret
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return &ConfigError{Message: "schedule.timezone: " + err.Error()}
	}
	specs := map[string]string{
		"usage":        c.Schedule.Usage,
		"cohort":       c.Schedule.Cohort,
		"renewal":      c.Schedule.Renewal,
		"audit":        c.Schedule.Audit,
		"connectivity": c.Schedule.Connectivity,
		"import":       c.Schedule.Import,
	}
	for name, spec := range specs {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return &ConfigError{Message: fmt.Sprintf("schedule.%s: %v", name, err)}
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return &ConfigError{Message: "logging.format must be json or console"}
	}
	// A shared lock must outlive the site work it guards.
	if c.Redis.Addr != "" && c.Engine.SiteTimeout >= c.Redis.LockTTL {
		return &ConfigError{Message: fmt.Sprintf("engine.site_timeout (%s) must be below redis.lock_ttl (%s)",
			c.Engine.SiteTimeout, c.Redis.LockTTL)}
	}
	return nil
}

// DailySpec converts an HH:MM time in tz into a cron spec.
func DailySpec(hhmm, tz string) (string, error) {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 {
		return "", &ConfigError{Message: "reset time must be HH:MM, got " + hhmm}
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return "", &ConfigError{Message: "bad hour in " + hhmm}
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return "", &ConfigError{Message: "bad minute in " + hhmm}
	}
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", &ConfigError{Message: "timezone: " + err.Error()}
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, m, h), nil
}

// Errors
var (
	ErrMissingDSN    = &ConfigError{"database.dsn is required"}
	ErrMissingSecret = &ConfigError{"security.secret_key is required"}
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Message
}
