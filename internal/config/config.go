// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sectrail/internal/alerting"
	"sectrail/internal/audit"
	"sectrail/internal/dashboard"
	"sectrail/internal/detection"
	"sectrail/internal/encryption"
	"sectrail/internal/incident"
	"sectrail/internal/kafka"
	"sectrail/internal/middleware"
	"sectrail/internal/monitor"
	"sectrail/internal/secrets"
	"sectrail/internal/storage/s3"
	"sectrail/internal/store"
)

// DefaultConfigPath is read when SECTRAIL_CONFIG_PATH is unset.
const DefaultConfigPath = "configs/sectrail.yaml"

// Config holds all service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Store      StoreConfig      `yaml:"store"`
	Security   SecurityConfig   `yaml:"security"`
	Encryption EncryptionConfig `yaml:"encryption"`

	Monitor    monitor.Config           `yaml:"monitor"`
	Forwarding []alerting.ChannelConfig `yaml:"forwarding"`
	Detection  detection.Config         `yaml:"detection"`
	Alerting   alerting.Config          `yaml:"alerting"`
	Audit      audit.Config             `yaml:"audit"`
	Incident   incident.Config          `yaml:"incident"`
	Dashboard  dashboard.Config         `yaml:"dashboard"`
	Kafka      kafka.Config             `yaml:"kafka"`
	Archive    s3.Config                `yaml:"archive"`
}

// ServerConfig configures the HTTP listener for the dashboard and metrics.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MetricsPath  string        `yaml:"metrics_path"`

	RateLimit       middleware.RateLimitConfig       `yaml:"rate_limit"`
	SecurityHeaders middleware.SecurityHeadersConfig `yaml:"security_headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// StoreConfig selects the event store backend.
type StoreConfig struct {
	Backend string            `yaml:"backend"` // memory or redis
	Redis   store.RedisConfig `yaml:"redis"`
}

// SecurityConfig holds process-wide security switches.
type SecurityConfig struct {
	// ProductionMode sanitizes error text that leaves the process.
	ProductionMode bool `yaml:"production_mode"`
}

// EncryptionConfig configures field encryption of sensitive audit details.
// The master key is never read from the config file itself.
type EncryptionConfig struct {
	Enabled    bool   `yaml:"enabled"`
	KeyEnv     string `yaml:"key_env"`
	KeyDir     string `yaml:"key_dir"` // mounted secrets directory
	KeyVersion int    `yaml:"key_version"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8090,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			MetricsPath:  "/metrics",

			RateLimit:       middleware.DefaultRateLimitConfig(),
			SecurityHeaders: middleware.DefaultSecurityHeadersConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis:   store.DefaultRedisConfig(),
		},
		Encryption: EncryptionConfig{
			KeyEnv:     "SECTRAIL_MASTER_KEY",
			KeyVersion: 1,
		},
		Monitor:   monitor.DefaultConfig(),
		Detection: detection.DefaultConfig(),
		Alerting:  alerting.DefaultConfig(),
		Audit:     audit.DefaultConfig(),
		Incident:  incident.DefaultConfig(),
		Dashboard: dashboard.DefaultConfig(),
		Kafka:     *kafka.DefaultConfig(),
		Archive:   *s3.DefaultConfig(),
	}
}

// Load reads the file named by SECTRAIL_CONFIG_PATH, or DefaultConfigPath.
// A missing file yields the defaults. Environment overrides apply either way.
func Load() (*Config, error) {
	path := os.Getenv("SECTRAIL_CONFIG_PATH")
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if port := os.Getenv("SECTRAIL_HTTP_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("SECTRAIL_HTTP_PORT: %w", err)
		}
		c.Server.HTTPPort = n
	}

	if level := os.Getenv("SECTRAIL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("SECTRAIL_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if backend := os.Getenv("SECTRAIL_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if addr := os.Getenv("SECTRAIL_REDIS_ADDR"); addr != "" {
		c.Store.Redis.Addr = addr
	}
	if pass := os.Getenv("SECTRAIL_REDIS_PASSWORD"); pass != "" {
		c.Store.Redis.Password = pass
	}

	if dir := os.Getenv("SECTRAIL_AUDIT_DIR"); dir != "" {
		c.Audit.Dir = dir
	}

	if v := os.Getenv("SECTRAIL_PRODUCTION"); v != "" {
		prod, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SECTRAIL_PRODUCTION: %w", err)
		}
		c.Security.ProductionMode = prod
	}

	// Kafka settings
	if brokers := os.Getenv("SECTRAIL_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	if user := os.Getenv("SECTRAIL_KAFKA_USERNAME"); user != "" {
		c.Kafka.SASL.Username = user
	}
	if pass := os.Getenv("SECTRAIL_KAFKA_PASSWORD"); pass != "" {
		c.Kafka.SASL.Password = pass
	}

	// Archive settings
	if bucket := os.Getenv("SECTRAIL_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
		c.Archive.Enabled = true
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// NewEncryptionEngine builds the audit field encryption engine. The master
// key is resolved from the KeyEnv variable, then from a file of the same name
// (lowercased) under KeyDir. It returns nil when encryption is disabled.
func (c *Config) NewEncryptionEngine(logger *slog.Logger) (*encryption.Engine, error) {
	if !c.Encryption.Enabled {
		return nil, nil
	}
	mgr := secrets.NewManager(secrets.Config{FileDir: c.Encryption.KeyDir, Logger: logger})
	key, err := mgr.Get(context.Background(), c.Encryption.KeyEnv)
	if err != nil {
		return nil, fmt.Errorf("encryption enabled but master key unavailable: %w", err)
	}
	return encryption.NewEngine(encryption.Config{
		MasterKey:  []byte(key),
		KeyVersion: c.Encryption.KeyVersion,
		Logger:     logger,
	})
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if err := c.Server.RateLimit.Validate(); err != nil {
		return fmt.Errorf("server.%w", err)
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Encryption.Enabled && c.Encryption.KeyEnv == "" {
		return errors.New("encryption.key_env is required when encryption is enabled")
	}

	windows := []struct {
		name string
		w    detection.WindowConfig
	}{
		{"detection.brute_force", c.Detection.BruteForce},
		{"detection.privilege_escalation", c.Detection.PrivilegeEscalation},
		{"detection.data_breach", c.Detection.DataBreach},
		{"monitor.alert_rules.failed_logins", c.Monitor.AlertRules.FailedLogins},
		{"monitor.alert_rules.privilege_escalation", c.Monitor.AlertRules.PrivilegeEscalation},
		{"monitor.alert_rules.suspicious_activity", c.Monitor.AlertRules.SuspiciousActivity},
		{"monitor.alert_rules.data_access", c.Monitor.AlertRules.DataAccess},
	}
	for _, w := range windows {
		if w.w.Enabled && (w.w.Window <= 0 || w.w.Threshold <= 0) {
			return fmt.Errorf("%s: window and threshold must be positive", w.name)
		}
	}
	if c.Detection.AccountTakeoverEnabled && (c.Detection.TakeoverRiskThreshold <= 0 || c.Detection.TakeoverRiskThreshold >= 1) {
		return fmt.Errorf("detection.takeover_risk_threshold must be in (0, 1), got %v", c.Detection.TakeoverRiskThreshold)
	}

	if err := c.Alerting.Validate(); err != nil {
		return err
	}
	fwd := alerting.Config{Channels: c.Forwarding}
	if err := fwd.Validate(); err != nil {
		return fmt.Errorf("forwarding: %w", err)
	}
	if (hasKafkaChannel(c.Alerting.Channels) || hasKafkaChannel(c.Forwarding)) && !c.Kafka.Enabled {
		return errors.New("a kafka channel is configured but kafka is disabled")
	}
	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}

	if c.Audit.Dir != "" && (c.Audit.MaxSegmentSize <= 0 || c.Audit.MaxSegments <= 0) {
		return errors.New("audit: max_segment_size and max_segments must be positive")
	}
	if c.Archive.Enabled {
		if c.Audit.Dir == "" {
			return errors.New("archive requires audit.dir")
		}
		if err := c.Archive.Validate(); err != nil {
			return err
		}
	}

	if c.Dashboard.CacheTTL <= 0 {
		return errors.New("dashboard.cache_ttl must be positive")
	}
	return nil
}

func hasKafkaChannel(channels []alerting.ChannelConfig) bool {
	for _, ch := range channels {
		if ch.Enabled && ch.Type == "kafka" {
			return true
		}
	}
	return false
}
