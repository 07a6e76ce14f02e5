// Package platform loads configuration and wires the console's components.
package platform

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/kvadmin/pkg/auth"
	"github.com/txn2/kvadmin/pkg/kvstore"
	"github.com/txn2/kvadmin/pkg/metrics"
	"github.com/txn2/kvadmin/pkg/registry"
)

// CurrentConfigVersion is the config API version this build reads.
const CurrentConfigVersion = "v1"

// Backend names for the pluggable stores.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds the complete console configuration.
type Config struct {
	APIVersion  string            `yaml:"apiVersion"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Profiles    []kvstore.Profile `yaml:"profiles"`
	Connections ConnectionsConfig `yaml:"connections"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Scan        ScanConfig        `yaml:"scan"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Database    DatabaseConfig    `yaml:"database"`
	Audit       AuditConfig       `yaml:"audit"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	TLS               TLSConfig     `yaml:"tls"`

	// APIKeys, when non-empty, are required on every /api/v1 request.
	APIKeys []auth.APIKey `yaml:"api_keys"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ConnectionsConfig configures store connections.
type ConnectionsConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	PoolSize    int           `yaml:"pool_size"`
}

// SessionsConfig configures the session table and the idle sweep.
type SessionsConfig struct {
	Store         string        `yaml:"store"` // memory, postgres
	CookieName    string        `yaml:"cookie_name"`
	CookieMaxAge  time.Duration `yaml:"cookie_max_age"`
	SecureCookie  bool          `yaml:"secure_cookie"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ScanConfig configures the scan orchestrator.
type ScanConfig struct {
	Table           string        `yaml:"table"` // memory, postgres
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	RateLimit       float64       `yaml:"rate_limit"`
	ResultTTL       time.Duration `yaml:"result_ttl"`
	StreamTimeout   time.Duration `yaml:"stream_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MetricsConfig configures the metrics engine.
type MetricsConfig struct {
	Disabled   bool                       `yaml:"disabled"`
	Thresholds map[string]ThresholdConfig `yaml:"thresholds"`
}

// ThresholdConfig overrides the limits of one built-in alert.
type ThresholdConfig struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// DatabaseConfig configures the PostgreSQL connection used by the
// postgres backends.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Store           string        `yaml:"store"` // memory, postgres
	RetentionDays   int           `yaml:"retention_days"`
	MemoryCapacity  int           `yaml:"memory_capacity"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// TelemetryConfig configures the console's own Prometheus metrics.
type TelemetryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding ${VAR} references and
// applying defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = CurrentConfigVersion
	}
	if cfg.APIVersion != CurrentConfigVersion {
		return nil, fmt.Errorf("unsupported config apiVersion %q; supported versions: %s",
			cfg.APIVersion, CurrentConfigVersion)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 2 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	for i := range cfg.Profiles {
		if cfg.Profiles[i].Port == 0 {
			cfg.Profiles[i].Port = 6379
		}
		if cfg.Profiles[i].Name == "" {
			cfg.Profiles[i].Name = cfg.Profiles[i].ID
		}
	}
	if cfg.Connections.DialTimeout == 0 {
		cfg.Connections.DialTimeout = 5 * time.Second
	}
	if cfg.Connections.PoolSize == 0 {
		cfg.Connections.PoolSize = 10
	}
	if cfg.Sessions.Store == "" {
		cfg.Sessions.Store = BackendMemory
	}
	if cfg.Sessions.IdleTimeout == 0 {
		cfg.Sessions.IdleTimeout = registry.DefaultMaxIdle
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = registry.DefaultSweepInterval
	}
	if cfg.Scan.Table == "" {
		cfg.Scan.Table = BackendMemory
	}
	if cfg.Scan.StreamTimeout == 0 {
		cfg.Scan.StreamTimeout = 10 * time.Minute
	}
	if cfg.Scan.CleanupInterval == 0 {
		cfg.Scan.CleanupInterval = time.Minute
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Audit.Store == "" {
		cfg.Audit.Store = BackendMemory
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Audit.MemoryCapacity == 0 {
		cfg.Audit.MemoryCapacity = 1000
	}
	if cfg.Audit.CleanupInterval == 0 {
		cfg.Audit.CleanupInterval = time.Hour
	}
	if cfg.Telemetry.Namespace == "" {
		cfg.Telemetry.Namespace = "kvadmin"
	}
	if cfg.Telemetry.Path == "" {
		cfg.Telemetry.Path = "/metrics"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, "server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	if _, err := c.Logging.slogLevel(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Sprintf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	errs = append(errs, validateProfiles(c.Profiles)...)
	errs = append(errs, validateAPIKeys(c.Server.APIKeys)...)

	needsDB := false
	for name, backend := range map[string]string{
		"sessions.store": c.Sessions.Store,
		"scan.table":     c.Scan.Table,
		"audit.store":    c.Audit.Store,
	} {
		switch backend {
		case BackendMemory:
		case BackendPostgres:
			if name != "audit.store" || c.Audit.Enabled {
				needsDB = true
			}
		default:
			errs = append(errs, fmt.Sprintf("%s must be memory or postgres, got %q", name, backend))
		}
	}
	if needsDB && c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required when a postgres backend is selected")
	}

	if c.Scan.BatchSize < 0 || c.Scan.Concurrency < 0 || c.Scan.RateLimit < 0 {
		errs = append(errs, "scan.batch_size, scan.concurrency and scan.rate_limit must not be negative")
	}
	if c.Sessions.IdleTimeout < 0 || c.Sessions.SweepInterval < 0 {
		errs = append(errs, "sessions.idle_timeout and sessions.sweep_interval must not be negative")
	}

	known := make(map[string]bool)
	for _, th := range metrics.DefaultThresholds() {
		known[th.Metric] = true
	}
	for name := range c.Metrics.Thresholds {
		if !known[name] {
			errs = append(errs, fmt.Sprintf("metrics.thresholds: unknown metric %q", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateProfiles(profiles []kvstore.Profile) []string {
	var errs []string
	seen := make(map[string]bool, len(profiles))
	for i, p := range profiles {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("profiles[%d].id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("profiles[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if p.Host == "" {
			errs = append(errs, fmt.Sprintf("profiles[%d].host is required", i))
		}
		if p.Port < 1 || p.Port > 65535 {
			errs = append(errs, fmt.Sprintf("profiles[%d].port %d out of range", i, p.Port))
		}
		if p.DB < 0 {
			errs = append(errs, fmt.Sprintf("profiles[%d].db must not be negative", i))
		}
	}
	return errs
}

func validateAPIKeys(keys []auth.APIKey) []string {
	var errs []string
	seen := make(map[string]bool, len(keys))
	for i, k := range keys {
		if k.Name == "" || k.Key == "" {
			errs = append(errs, fmt.Sprintf("server.api_keys[%d]: name and key are required", i))
			continue
		}
		if seen[k.Key] {
			errs = append(errs, fmt.Sprintf("server.api_keys[%d]: duplicate key", i))
		}
		seen[k.Key] = true
	}
	return errs
}

func (l LoggingConfig) slogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// thresholds returns the alert table with configured overrides applied.
func (m MetricsConfig) thresholds() []metrics.Threshold {
	table := metrics.DefaultThresholds()
	for i, th := range table {
		if o, ok := m.Thresholds[th.Metric]; ok {
			table[i].Warning = o.Warning
			table[i].Critical = o.Critical
		}
	}
	return table
}
