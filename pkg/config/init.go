package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// InitOptions carries the answers from the init wizard into the
// generated file. Zero values fall back to the standard defaults.
type InitOptions struct {
	AgentName   string
	ProfilePath string
	DataDir     string
	LogLevel    string
	APIPort     int
	APISecret   string // empty bakes in a fresh random secret
	CLIEnabled  bool
}

func (o *InitOptions) applyDefaults() {
	if o.AgentName == "" {
		o.AgentName = "ciris-agent"
	}
	if o.ProfilePath == "" {
		o.ProfilePath = GetDefaultProfilePath()
	}
	if o.DataDir == "" {
		o.DataDir = GetConfigDir()
	}
	if o.LogLevel == "" {
		o.LogLevel = "INFO"
	}
	if o.APIPort == 0 {
		o.APIPort = 8090
	}
}

// GetDefaultProfilePath returns the default behavior profile location,
// next to the config file.
func GetDefaultProfilePath() string {
	return filepath.Join(GetConfigDir(), "profile.yaml")
}

// InitConfig creates a sample configuration file at the default
// location and returns the path written.
func InitConfig(opts InitOptions, force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, opts, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath creates a sample configuration file at the given
// path. A fresh random API secret is baked in so the generated file
// passes validation out of the box.
func InitConfigToPath(path string, opts InitOptions, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	opts.applyDefaults()

	secret := opts.APISecret
	if secret == "" {
		var err error
		secret, err = GenerateSecret()
		if err != nil {
			return err
		}
	}

	content := fmt.Sprintf(sampleConfig,
		opts.AgentName,
		opts.ProfilePath,
		opts.DataDir,
		opts.LogLevel,
		opts.APIPort,
		secret,
		opts.CLIEnabled,
	)

	// 0600: the file carries the generated API secret.
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateSecret returns 32 bytes of entropy hex-encoded: a usable
// development credential for the API token endpoint.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate API secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

const sampleConfig = `# CIRIS Agent Configuration File
#
# Every option can be overridden with an environment variable:
#   CIRIS_<SECTION>_<KEY>, e.g. CIRIS_LOGGING_LEVEL=DEBUG

agent:
  # Agent identity, announced in logs and status output
  name: %s

  # Behavior profile governing optional cognitive states and shutdown
  # consent. Remove to run with the built-in default profile.
  profile_path: %s

  # On-disk state: task database and audit trail live here
  data_dir: %s

logging:
  # DEBUG, INFO, WARN, ERROR
  level: %s
  # text or json
  format: text
  # stdout, stderr, or a file path
  output: stdout

runtime:
  # How long adapters may take to report healthy at startup
  startup_timeout: 30s
  # Hard cap on the whole shutdown sequence
  shutdown_timeout: 30s
  # Per-bucket stop deadline during shutdown
  stop_batch_timeout: 10s
  # How long shutdown consent negotiation may run before the decision
  # is forced
  consent_window: 15s

database:
  # Task store driver: sqlite or postgres
  driver: sqlite
  # sqlite path defaults to <data_dir>/tasks.db

audit:
  # Trail directory defaults to <data_dir>/audit
  # Uncomment to archive sealed segments to S3:
  # archive:
  #   enabled: true
  #   bucket: ciris-audit
  #   region: us-east-1

api:
  # HTTP channel adapter: message ingress, status, health probes
  enabled: true
  host: 127.0.0.1
  port: %d
  auth:
    # Development secret generated by 'cirisd init'. For production,
    # delete this line and set CIRIS_API_SECRET instead.
    secret: %s

cli:
  # Interactive terminal channel. Only useful when the daemon runs in
  # the foreground.
  enabled: %t

telemetry:
  # OpenTelemetry traces (OTLP/gRPC)
  enabled: false
  # endpoint: localhost:4317
  # Pyroscope continuous profiling
  # profiling:
  #   enabled: true
  #   endpoint: http://localhost:4040

metrics:
  # Prometheus exposition endpoint
  enabled: false
  # port: 9464
  # path: /metrics
`
