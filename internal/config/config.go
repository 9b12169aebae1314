package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage and repair backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendBadger   = "badger"
)

// Config is the process configuration.
type Config struct {
	HTTPAddr    string       `yaml:"http_addr"`
	DatabaseURL string       `yaml:"database_url"`
	Storage     string       `yaml:"storage"`
	CORSOrigins []string     `yaml:"cors_origins"`
	Auth        AuthConfig   `yaml:"auth"`
	Ingest      IngestConfig `yaml:"ingest"`
	Retention   Retention    `yaml:"retention"`
	Rollup      RollupConfig `yaml:"rollup"`
	Jobs        JobsConfig   `yaml:"jobs"`
	Repair      RepairConfig `yaml:"repair"`
	Notify      NotifyConfig `yaml:"notify"`
}

// AuthConfig holds the JWT and ingest signing secrets.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	IngestSecret  string        `yaml:"ingest_secret"`
	IngestMaxSkew time.Duration `yaml:"ingest_max_skew"`
}

// IngestConfig tunes the ingest pipeline.
type IngestConfig struct {
	LockStripes      int           `yaml:"lock_stripes"`
	BatchParallelism int           `yaml:"batch_parallelism"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryInitial     time.Duration `yaml:"retry_initial"`
	RetryMax         time.Duration `yaml:"retry_max"`
}

// Retention holds the retention windows in days.
type Retention struct {
	RawDays    int `yaml:"raw_days"`
	HourlyDays int `yaml:"hourly_days"`
}

// RollupConfig tunes the rollup engine.
type RollupConfig struct {
	Lookback     time.Duration `yaml:"lookback"`
	BackfillDays int           `yaml:"backfill_days"`
	Parallelism  int           `yaml:"parallelism"`
}

// JobsConfig holds the scheduled job intervals.
type JobsConfig struct {
	PartitionInterval time.Duration `yaml:"partition_interval"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
	HourlyInterval    time.Duration `yaml:"hourly_interval"`
	DailyInterval     time.Duration `yaml:"daily_interval"`
	RepairInterval    time.Duration `yaml:"repair_interval"`
}

// RepairConfig selects and tunes the repair queue.
type RepairConfig struct {
	Backend     string `yaml:"backend"`
	BadgerPath  string `yaml:"badger_path"`
	MaxAttempts int    `yaml:"max_attempts"`
	BatchSize   int    `yaml:"batch_size"`
}

// NotifyConfig configures alert notification channels.
type NotifyConfig struct {
	WebhookURL      string        `yaml:"webhook_url"`
	Template        string        `yaml:"template"`
	EscalationAfter time.Duration `yaml:"escalation_after"`
	Cooldown        time.Duration `yaml:"cooldown"`
	DedupeWindow    time.Duration `yaml:"dedupe_window"`
	Timeout         time.Duration `yaml:"timeout"`
	KafkaBrokers    []string      `yaml:"kafka_brokers"`
	KafkaTopic      string        `yaml:"kafka_topic"`
	AllowedOrigins  []string      `yaml:"ws_allowed_origins"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		Storage:  BackendPostgres,
		Auth: AuthConfig{
			IngestMaxSkew: 5 * time.Minute,
		},
		Ingest: IngestConfig{
			LockStripes:      256,
			BatchParallelism: 16,
			RetryAttempts:    3,
			RetryInitial:     50 * time.Millisecond,
			RetryMax:         time.Second,
		},
		Retention: Retention{RawDays: 30, HourlyDays: 90},
		Rollup: RollupConfig{
			Lookback:     2 * time.Hour,
			BackfillDays: 7,
			Parallelism:  8,
		},
		Jobs: JobsConfig{
			PartitionInterval: 6 * time.Hour,
			RetentionInterval: 24 * time.Hour,
			HourlyInterval:    5 * time.Minute,
			DailyInterval:     time.Hour,
			RepairInterval:    30 * time.Second,
		},
		Repair: RepairConfig{
			Backend:     BackendPostgres,
			BadgerPath:  "var/repair",
			MaxAttempts: 10,
			BatchSize:   100,
		},
		Notify: NotifyConfig{
			Timeout:    5 * time.Second,
			KafkaTopic: "hvac.alerts",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// HVAC_CONFIG and environment overrides, in that order.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("HVAC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.Storage = getenvDefault("STORAGE_BACKEND", cfg.Storage)
	cfg.CORSOrigins = getenvList("CORS_ORIGINS", cfg.CORSOrigins)

	cfg.Auth.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.Auth.JWTSecret))
	cfg.Auth.IngestSecret = getenvDefault("INGEST_HMAC_SECRET", cfg.Auth.IngestSecret)
	cfg.Auth.IngestMaxSkew = getenvDuration("INGEST_MAX_SKEW", cfg.Auth.IngestMaxSkew)

	cfg.Ingest.LockStripes = getenvIntDefault("INGEST_LOCK_STRIPES", cfg.Ingest.LockStripes)
	cfg.Ingest.BatchParallelism = getenvIntDefault("INGEST_BATCH_PARALLELISM", cfg.Ingest.BatchParallelism)
	cfg.Ingest.RetryAttempts = getenvIntDefault("INGEST_RETRY_ATTEMPTS", cfg.Ingest.RetryAttempts)
	cfg.Ingest.RetryInitial = getenvDuration("INGEST_RETRY_INITIAL", cfg.Ingest.RetryInitial)
	cfg.Ingest.RetryMax = getenvDuration("INGEST_RETRY_MAX", cfg.Ingest.RetryMax)

	cfg.Retention.RawDays = getenvIntDefault("RAW_RETENTION_DAYS", cfg.Retention.RawDays)
	cfg.Retention.HourlyDays = getenvIntDefault("HOURLY_RETENTION_DAYS", cfg.Retention.HourlyDays)

	cfg.Rollup.Lookback = getenvDuration("ROLLUP_LOOKBACK", cfg.Rollup.Lookback)
	cfg.Rollup.BackfillDays = getenvIntDefault("ROLLUP_BACKFILL_DAYS", cfg.Rollup.BackfillDays)
	cfg.Rollup.Parallelism = getenvIntDefault("ROLLUP_PARALLELISM", cfg.Rollup.Parallelism)

	cfg.Jobs.PartitionInterval = getenvDuration("JOB_PARTITION_INTERVAL", cfg.Jobs.PartitionInterval)
	cfg.Jobs.RetentionInterval = getenvDuration("JOB_RETENTION_INTERVAL", cfg.Jobs.RetentionInterval)
	cfg.Jobs.HourlyInterval = getenvDuration("JOB_ROLLUP_HOURLY_INTERVAL", cfg.Jobs.HourlyInterval)
	cfg.Jobs.DailyInterval = getenvDuration("JOB_ROLLUP_DAILY_INTERVAL", cfg.Jobs.DailyInterval)
	cfg.Jobs.RepairInterval = getenvDuration("JOB_REPAIR_INTERVAL", cfg.Jobs.RepairInterval)

	cfg.Repair.Backend = getenvDefault("REPAIR_BACKEND", cfg.Repair.Backend)
	cfg.Repair.BadgerPath = getenvDefault("REPAIR_BADGER_PATH", cfg.Repair.BadgerPath)
	cfg.Repair.MaxAttempts = getenvIntDefault("REPAIR_MAX_ATTEMPTS", cfg.Repair.MaxAttempts)
	cfg.Repair.BatchSize = getenvIntDefault("REPAIR_BATCH_SIZE", cfg.Repair.BatchSize)

	cfg.Notify.WebhookURL = getenvDefault("ALERT_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Notify.Template = getenvDefault("ALERT_NOTIFY_TEMPLATE", cfg.Notify.Template)
	cfg.Notify.EscalationAfter = getenvDuration("ALERT_ESCALATION_AFTER", cfg.Notify.EscalationAfter)
	cfg.Notify.Cooldown = getenvDuration("ALERT_NOTIFY_COOLDOWN", cfg.Notify.Cooldown)
	cfg.Notify.DedupeWindow = getenvDuration("ALERT_NOTIFY_DEDUP_WINDOW", cfg.Notify.DedupeWindow)
	cfg.Notify.Timeout = getenvDuration("ALERT_NOTIFY_TIMEOUT", cfg.Notify.Timeout)
	cfg.Notify.KafkaBrokers = getenvList("ALERT_KAFKA_BROKERS", cfg.Notify.KafkaBrokers)
	cfg.Notify.KafkaTopic = getenvDefault("ALERT_KAFKA_TOPIC", cfg.Notify.KafkaTopic)
	cfg.Notify.AllowedOrigins = getenvList("ALERT_WS_ALLOWED_ORIGINS", cfg.Notify.AllowedOrigins)
}

// Validate checks required settings and backend names.
func (c Config) Validate() error {
	switch c.Storage {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL or PG_DSN is required for postgres storage")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage)
	}
	switch c.Repair.Backend {
	case BackendPostgres:
		if c.Storage != BackendPostgres {
			return errors.New("config: postgres repair backend requires postgres storage")
		}
	case BackendBadger:
		if c.Repair.BadgerPath == "" {
			return errors.New("config: badger repair backend requires a path")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown repair backend %q", c.Repair.Backend)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: AUTH_JWT_SECRET is required")
	}
	if c.Retention.RawDays <= 0 || c.Retention.HourlyDays <= 0 {
		return errors.New("config: retention windows must be positive")
	}
	if c.Retention.HourlyDays < c.Retention.RawDays {
		return errors.New("config: hourly retention must not be shorter than raw retention")
	}
	return nil
}

// RawRetention returns the raw retention window.
func (c Config) RawRetention() time.Duration {
	return time.Duration(c.Retention.RawDays) * 24 * time.Hour
}

// HourlyRetention returns the hourly rollup retention window.
func (c Config) HourlyRetention() time.Duration {
	return time.Duration(c.Retention.HourlyDays) * 24 * time.Hour
}

// Backfill returns how far back the first rollup run starts.
func (c Config) Backfill() time.Duration {
	return time.Duration(c.Rollup.BackfillDays) * 24 * time.Hour
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return splitCSV(value)
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
