// Package config loads, validates, and persists the cirisd
// configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/bytesize"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter/api"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter/cli"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/audit"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/persistence"
)

// Config represents the cirisd configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (CIRIS_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Agent identifies this agent and its behavior profile.
	Agent AgentConfig `mapstructure:"agent" yaml:"agent"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Runtime tunes lifecycle timing: startup, health polling, consent,
	// and shutdown sequencing.
	Runtime RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`

	// Database configures the task store (SQLite or PostgreSQL).
	Database persistence.Config `mapstructure:"database" yaml:"database"`

	// Audit configures the append-only audit trail and its optional S3
	// archiver.
	Audit audit.Config `mapstructure:"audit" yaml:"audit"`

	// API configures the HTTP channel adapter.
	API api.Config `mapstructure:"api" yaml:"api"`

	// CLI configures the interactive terminal adapter.
	CLI cli.Config `mapstructure:"cli" yaml:"cli"`

	// Metrics configures the Prometheus exposition listener.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// AgentConfig identifies the agent.
type AgentConfig struct {
	// Name is the agent's name, used in logs and telemetry.
	// Default: "ciris-agent"
	Name string `mapstructure:"name" validate:"required" yaml:"name"`

	// ProfilePath points to the behavior profile YAML. Empty means the
	// built-in default profile.
	ProfilePath string `mapstructure:"profile_path" yaml:"profile_path,omitempty"`

	// DataDir is where on-disk state lives (task database, audit
	// trail) unless the stores override their own paths.
	// Default: $XDG_CONFIG_HOME/ciris
	DataDir string `mapstructure:"data_dir" yaml:"data_dir,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format selects the output encoding: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is the destination: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	// Enabled turns tracing on. Off by default.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address.
	// Default: localhost:4317
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// Insecure disables TLS toward the collector.
	Insecure bool `mapstructure:"insecure" yaml:"insecure,omitempty"`

	// SampleRate is the trace sampling ratio in (0, 1]. Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gt=0,lte=1" yaml:"sample_rate,omitempty"`

	// Profiling configures continuous profiling via Pyroscope.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled turns profiling on. Off by default.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL.
	// Default: http://localhost:4040
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

// RuntimeConfig tunes the lifecycle coordinator.
type RuntimeConfig struct {
	// StartupTimeout bounds the whole startup sequence, including
	// adapter health convergence. Default: 30s
	StartupTimeout time.Duration `mapstructure:"startup_timeout" validate:"required,gt=0" yaml:"startup_timeout"`

	// ShutdownTimeout bounds the whole shutdown sequence. Default: 30s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// HealthPollInterval is how often adapter health is probed during
	// startup. Default: 250ms
	HealthPollInterval time.Duration `mapstructure:"health_poll_interval" validate:"required,gt=0" yaml:"health_poll_interval"`

	// StopBatchTimeout bounds each shutdown bucket's concurrent stop
	// batch. Default: 10s
	StopBatchTimeout time.Duration `mapstructure:"stop_batch_timeout" validate:"required,gt=0" yaml:"stop_batch_timeout"`

	// ConsentWindow bounds the shutdown negotiation with the processor
	// when the profile requires consent. Default: 15s
	ConsentWindow time.Duration `mapstructure:"consent_window" validate:"required,gt=0" yaml:"consent_window"`

	// NegotiationRounds is the round budget offered to the processor
	// during consent negotiation. Default: 3
	NegotiationRounds int `mapstructure:"negotiation_rounds" validate:"required,min=1" yaml:"negotiation_rounds"`

	// ConditionTimeout bounds each shutdown condition handler.
	// Default: 5s
	ConditionTimeout time.Duration `mapstructure:"condition_timeout" validate:"required,gt=0" yaml:"condition_timeout"`

	// ActivityWindow is how recent user activity must be to count as
	// "recent" for conditional shutdown. Default: 5m
	ActivityWindow time.Duration `mapstructure:"activity_window" validate:"required,gt=0" yaml:"activity_window"`
}

// MetricsConfig configures the Prometheus exposition listener.
type MetricsConfig struct {
	// Enabled turns the /metrics listener on. Off by default.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the exposition port. Default: 9464
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port,omitempty"`

	// Path is the exposition path. Default: /metrics
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses the default
//     location)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  cirisd init\n\n"+
				"Or specify a custom config file:\n"+
				"  cirisd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  cirisd init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as YAML. Permissions are 0600;
// the file may hold the API secret.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and config file search.
func setupViper(v *viper.Viper, configPath string) {
	// Example: CIRIS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("CIRIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(GetConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing
// file is not an error.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the custom decode hooks: human-readable
// byte sizes ("2Mi") and durations ("30s").
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// GetConfigDir returns the configuration directory path. Uses
// XDG_CONFIG_HOME if set, otherwise ~/.config, falling back to the
// current directory.
func GetConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ciris")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "ciris")
}

// GetDefaultConfigPath returns the default config file location.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the
// default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
