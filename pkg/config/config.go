// Package config loads kernel configuration from a YAML or TOML file and
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the full kernel configuration.
type Config struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
	// BootSeed is the hex seed for every derived key and syscall seed.
	// Empty means a fresh seed is drawn and logged at boot.
	BootSeed string `yaml:"boot_seed" toml:"boot_seed"`

	Scheduler     SchedulerConfig     `yaml:"scheduler" toml:"scheduler"`
	Router        RouterConfig        `yaml:"router" toml:"router"`
	Loader        LoaderConfig        `yaml:"loader" toml:"loader"`
	Runtime       RuntimeConfig       `yaml:"runtime" toml:"runtime"`
	Supervisor    SupervisorConfig    `yaml:"supervisor" toml:"supervisor"`
	Audit         AuditConfig         `yaml:"audit" toml:"audit"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
}

type SchedulerConfig struct {
	Slots            int   `yaml:"slots" toml:"slots"`
	AgingThresholdMs int64 `yaml:"aging_threshold_ms" toml:"aging_threshold_ms"`
}

type RouterConfig struct {
	DedupCapacity      int     `yaml:"dedup_capacity" toml:"dedup_capacity"`
	DedupRetentionMs   int64   `yaml:"dedup_retention_ms" toml:"dedup_retention_ms"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second" toml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst" toml:"rate_limit_burst"`
	RedisAddr          string  `yaml:"redis_addr" toml:"redis_addr"`
	DeadLetterCapacity int     `yaml:"dead_letter_capacity" toml:"dead_letter_capacity"`
}

type LoaderConfig struct {
	DrainTimeoutMs    int64    `yaml:"drain_timeout_ms" toml:"drain_timeout_ms"`
	Tenants           []string `yaml:"tenants" toml:"tenants"`
	ManifestDir       string   `yaml:"manifest_dir" toml:"manifest_dir"`
	Watch             bool     `yaml:"watch" toml:"watch"`
	RequireSignatures bool     `yaml:"require_signatures" toml:"require_signatures"`
	SigningPublicKey  string   `yaml:"signing_public_key" toml:"signing_public_key"`
}

type RuntimeConfig struct {
	TickIntervalMs   int64 `yaml:"tick_interval_ms" toml:"tick_interval_ms"`
	InboxSize        int   `yaml:"inbox_size" toml:"inbox_size"`
	RequestTimeoutMs int64 `yaml:"request_timeout_ms" toml:"request_timeout_ms"`
}

// SupervisorConfig sets how modules terminated by a fatal invocation are
// restarted. Strategy is "permanent", "transient" or "temporary".
type SupervisorConfig struct {
	Strategy    string `yaml:"strategy" toml:"strategy"`
	MaxRestarts int    `yaml:"max_restarts" toml:"max_restarts"`
	WindowMs    int64  `yaml:"window_ms" toml:"window_ms"`
	BaseDelayMs int64  `yaml:"base_delay_ms" toml:"base_delay_ms"`
	MaxDelayMs  int64  `yaml:"max_delay_ms" toml:"max_delay_ms"`
}

type AuditConfig struct {
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
	Stdout     bool          `yaml:"stdout" toml:"stdout"`
	Driver     string        `yaml:"driver" toml:"driver"` // "", "sqlite" or "postgres"
	DSN        string        `yaml:"dsn" toml:"dsn"`
	Archive    ArchiveConfig `yaml:"archive" toml:"archive"`
}

type ArchiveConfig struct {
	Kind     string `yaml:"kind" toml:"kind"` // "", "fs", "s3" or "gcs"
	Dir      string `yaml:"dir" toml:"dir"`
	Bucket   string `yaml:"bucket" toml:"bucket"`
	Region   string `yaml:"region" toml:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
	// SegmentSize is the number of records sealed into one archive object.
	SegmentSize int `yaml:"segment_size" toml:"segment_size"`
}

type ObservabilityConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool   `yaml:"insecure" toml:"insecure"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Scheduler: SchedulerConfig{
			Slots:            1,
			AgingThresholdMs: 1000,
		},
		Router: RouterConfig{
			DedupCapacity:      10_000,
			DedupRetentionMs:   60_000,
			DeadLetterCapacity: 1_000,
		},
		Loader: LoaderConfig{
			DrainTimeoutMs: 5_000,
			Tenants:        []string{"default"},
		},
		Runtime: RuntimeConfig{
			TickIntervalMs:   1,
			InboxSize:        16,
			RequestTimeoutMs: 5_000,
		},
		Supervisor: SupervisorConfig{
			Strategy:    "permanent",
			MaxRestarts: 5,
			WindowMs:    60_000,
			BaseDelayMs: 1_000,
			MaxDelayMs:  30_000,
		},
		Audit: AuditConfig{
			MaxEntries: 10_000,
			Archive:    ArchiveConfig{SegmentSize: 1_000},
		},
		Observability: ObservabilityConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "esta-kernel",
		},
	}
}

// Load returns the defaults with environment overrides applied.
func Load() *Config {
	c := Default()
	c.applyEnv()
	return c
}

// LoadFile reads a YAML (.yaml, .yml) or TOML (.toml) file over the
// defaults, then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	c := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config %q: unsupported extension", path)
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ESTA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ESTA_BOOT_SEED"); v != "" {
		c.BootSeed = v
	}
	if v, ok := envInt("ESTA_SCHEDULER_SLOTS"); ok {
		c.Scheduler.Slots = v
	}
	if v, ok := envInt("ESTA_DRAIN_TIMEOUT_MS"); ok {
		c.Loader.DrainTimeoutMs = int64(v)
	}
	if v := os.Getenv("ESTA_MANIFEST_DIR"); v != "" {
		c.Loader.ManifestDir = v
	}
	if v := os.Getenv("ESTA_TENANTS"); v != "" {
		c.Loader.Tenants = strings.Split(v, ",")
	}
	if os.Getenv("ESTA_REQUIRE_SIGNATURES") == "true" {
		c.Loader.RequireSignatures = true
	}
	if v := os.Getenv("ESTA_SIGNING_PUBLIC_KEY"); v != "" {
		c.Loader.SigningPublicKey = v
	}
	if v := os.Getenv("ESTA_RESTART_STRATEGY"); v != "" {
		c.Supervisor.Strategy = v
	}
	if v, ok := envInt("ESTA_MAX_RESTARTS"); ok {
		c.Supervisor.MaxRestarts = v
	}
	if v := os.Getenv("ESTA_REDIS_ADDR"); v != "" {
		c.Router.RedisAddr = v
	}
	if v := os.Getenv("ESTA_AUDIT_DRIVER"); v != "" {
		c.Audit.Driver = v
	}
	if v := os.Getenv("ESTA_AUDIT_DSN"); v != "" {
		c.Audit.DSN = v
	}
	if v := os.Getenv("ESTA_ARCHIVE_KIND"); v != "" {
		c.Audit.Archive.Kind = v
	}
	if v := os.Getenv("ESTA_ARCHIVE_BUCKET"); v != "" {
		c.Audit.Archive.Bucket = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Observability.Endpoint = v
		c.Observability.Enabled = true
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects configurations the kernel cannot boot with.
func (c *Config) Validate() error {
	if c.Scheduler.Slots < 1 {
		return fmt.Errorf("config: scheduler.slots must be at least 1")
	}
	if c.Runtime.InboxSize < 1 {
		return fmt.Errorf("config: runtime.inbox_size must be at least 1")
	}
	if c.Loader.DrainTimeoutMs < 0 || c.Scheduler.AgingThresholdMs < 0 {
		return fmt.Errorf("config: durations must not be negative")
	}
	switch c.Supervisor.Strategy {
	case "", "permanent", "transient", "temporary":
	default:
		return fmt.Errorf("config: unknown restart strategy %q", c.Supervisor.Strategy)
	}
	if c.Supervisor.MaxRestarts < 0 || c.Supervisor.WindowMs < 0 || c.Supervisor.BaseDelayMs < 0 || c.Supervisor.MaxDelayMs < 0 {
		return fmt.Errorf("config: supervisor limits must not be negative")
	}
	switch c.Audit.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown audit driver %q", c.Audit.Driver)
	}
	if c.Audit.Driver != "" && c.Audit.DSN == "" {
		return fmt.Errorf("config: audit.dsn is required for driver %q", c.Audit.Driver)
	}
	if c.Loader.RequireSignatures && c.Loader.SigningPublicKey == "" {
		return fmt.Errorf("config: loader.signing_public_key is required when signatures are required")
	}
	if len(c.Loader.Tenants) == 0 {
		return fmt.Errorf("config: at least one tenant is required")
	}
	return nil
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
