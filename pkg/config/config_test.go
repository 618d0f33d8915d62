package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/bytesize"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/persistence"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ciris-agent", cfg.Agent.Name)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, persistence.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Runtime.StartupTimeout)
	assert.Equal(t, 3, cfg.Runtime.NegotiationRounds)
	assert.Equal(t, 8090, cfg.API.Port)
	assert.Equal(t, 9464, cfg.Metrics.Port)
	assert.Contains(t, cfg.Database.SQLite.Path, "tasks.db")
	assert.Contains(t, cfg.Audit.Path, "audit")
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path := writeConfigFile(t, `
agent:
  name: test-agent
  data_dir: /var/lib/ciris
logging:
  level: debug
  format: json
runtime:
  startup_timeout: 45s
  negotiation_rounds: 5
database:
  driver: sqlite
audit:
  archive:
    enabled: true
    bucket: audit-bucket
    interval: 2m
    segment_size: 2Mi
cli:
  enabled: true
  author_id: tester
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-agent", cfg.Agent.Name)
	assert.Equal(t, "DEBUG", cfg.Logging.Level, "level must be normalized to uppercase")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 45*time.Second, cfg.Runtime.StartupTimeout)
	assert.Equal(t, 5, cfg.Runtime.NegotiationRounds)
	assert.Equal(t, 30*time.Second, cfg.Runtime.ShutdownTimeout, "unset fields get defaults")

	assert.Equal(t, filepath.Join("/var/lib/ciris", "tasks.db"), cfg.Database.SQLite.Path)
	assert.Equal(t, filepath.Join("/var/lib/ciris", "audit"), cfg.Audit.Path)

	assert.True(t, cfg.Audit.Archive.Enabled)
	assert.Equal(t, "audit-bucket", cfg.Audit.Archive.Bucket)
	assert.Equal(t, 2*time.Minute, cfg.Audit.Archive.Interval)
	assert.Equal(t, 2*bytesize.MiB, cfg.Audit.Archive.SegmentSize)

	assert.True(t, cfg.CLI.Enabled)
	assert.Equal(t, "tester", cfg.CLI.AuthorID)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: info
`)
	t.Setenv("CIRIS_LOGGING_LEVEL", "ERROR")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfigFile(t, "logging: [not: valid")

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	require.NoError(t, Validate(GetDefaultConfig()))
}

func TestValidateInvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "LOUD"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}

func TestValidateAPIPortRange(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.API.Port = 70000

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max")
}

func TestValidatePostgresRequiresHost(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Database.Driver = persistence.DriverPostgres
	cfg.Database.Postgres.Database = "ciris"
	cfg.Database.Postgres.User = "ciris"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database")
}

func TestValidateArchiveRequiresBucket(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Audit.Archive.Enabled = true

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestValidateAPISecretLength(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.API.Enabled = true
	cfg.API.Auth.Secret = "short"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 characters")
}

func TestSaveAndReload(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := GetDefaultConfig()
	cfg.Agent.Name = "round-trip"
	cfg.Runtime.ConsentWindow = 20 * time.Second

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "round-trip", reloaded.Agent.Name)
	assert.Equal(t, 20*time.Second, reloaded.Runtime.ConsentWindow)
}

func TestGetDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-test")

	assert.Equal(t, "/tmp/xdg-test/ciris/config.yaml", GetDefaultConfigPath())
	assert.False(t, DefaultConfigExists())
}
