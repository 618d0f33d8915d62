package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/CIRISAI/CIRISAgent-sub005/pkg/persistence"
)

// GetDefaultConfig returns a configuration with every default applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified fields. Zero
// values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyAgentDefaults(&cfg.Agent)
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyRuntimeDefaults(&cfg.Runtime)
	applyMetricsDefaults(&cfg.Metrics)

	// DataDir steers the on-disk stores unless they named their own
	// paths. Must run before the store defaults fill the paths in.
	usesSQLite := cfg.Database.Driver == "" || cfg.Database.Driver == persistence.DriverSQLite
	if usesSQLite && cfg.Database.SQLite.Path == "" {
		cfg.Database.SQLite.Path = filepath.Join(cfg.Agent.DataDir, "tasks.db")
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = filepath.Join(cfg.Agent.DataDir, "audit")
	}

	cfg.Database.ApplyDefaults()
	cfg.Audit.ApplyDefaults()
	cfg.API.ApplyDefaults()
	cfg.CLI.ApplyDefaults()
}

func applyAgentDefaults(cfg *AgentConfig) {
	if cfg.Name == "" {
		cfg.Name = "ciris-agent"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = GetConfigDir()
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
}

func applyRuntimeDefaults(cfg *RuntimeConfig) {
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HealthPollInterval == 0 {
		cfg.HealthPollInterval = 250 * time.Millisecond
	}
	if cfg.StopBatchTimeout == 0 {
		cfg.StopBatchTimeout = 10 * time.Second
	}
	if cfg.ConsentWindow == 0 {
		cfg.ConsentWindow = 15 * time.Second
	}
	if cfg.NegotiationRounds == 0 {
		cfg.NegotiationRounds = 3
	}
	if cfg.ConditionTimeout == 0 {
		cfg.ConditionTimeout = 5 * time.Second
	}
	if cfg.ActivityWindow == 0 {
		cfg.ActivityWindow = 5 * time.Minute
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9464
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
}
