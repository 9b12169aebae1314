package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hvac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage: memory
auth:
  jwt_secret: from-file
retention:
  raw_days: 14
rollup:
  lookback: 3h
repair:
  backend: badger
  badger_path: /tmp/repair
notify:
  kafka_brokers: [kafka-1:9092]
`), 0o600))

	t.Setenv("HVAC_CONFIG", path)
	t.Setenv("AUTH_JWT_SECRET", "from-env")
	t.Setenv("JOB_REPAIR_INTERVAL", "10s")
	t.Setenv("ALERT_KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Storage)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 14, cfg.Retention.RawDays)
	assert.Equal(t, 90, cfg.Retention.HourlyDays)
	assert.Equal(t, 3*time.Hour, cfg.Rollup.Lookback)
	assert.Equal(t, 10*time.Second, cfg.Jobs.RepairInterval)
	assert.Equal(t, BackendBadger, cfg.Repair.Backend)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Notify.KafkaBrokers)
	assert.Equal(t, 14*24*time.Hour, cfg.RawRetention())
}

func TestValidate(t *testing.T) {
	valid := Defaults()
	valid.DatabaseURL = "postgres://localhost/hvac"
	valid.Auth.JWTSecret = "secret"
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Config){
		"missing database url": func(c *Config) { c.DatabaseURL = "" },
		"missing jwt secret":   func(c *Config) { c.Auth.JWTSecret = "" },
		"unknown storage":      func(c *Config) { c.Storage = "sqlite" },
		"postgres repair on memory storage": func(c *Config) {
			c.Storage = BackendMemory
			c.Repair.Backend = BackendPostgres
		},
		"hourly shorter than raw": func(c *Config) { c.Retention.HourlyDays = 7 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Setenv("HVAC_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
