package api

import (
	"os"
	"time"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
)

// EnvAPISecret is the environment variable holding the API bearer
// secret. It takes precedence over the config file value.
const EnvAPISecret = "CIRIS_API_SECRET"

// Config configures the HTTP channel adapter.
type Config struct {
	// Enabled turns the adapter on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Host is the listen address. Default: 127.0.0.1
	Host string `mapstructure:"host" yaml:"host,omitempty"`

	// Port is the HTTP port. Default: 8090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port,omitempty"`

	// ReadTimeout is the maximum duration for reading the entire
	// request. Default: 10s
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout,omitempty"`

	// WriteTimeout is the maximum duration before timing out response
	// writes. Default: 10s
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout,omitempty"`

	// IdleTimeout is the keep-alive idle limit. Default: 60s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout,omitempty"`

	// RequestTimeout bounds each handler. Default: 30s
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout,omitempty"`

	// Priority is the communication provider priority (high, normal,
	// low). Default: normal
	Priority string `mapstructure:"priority" validate:"omitempty,oneof=high normal low" yaml:"priority,omitempty"`

	// OutboxCapacity bounds the per-channel outbound buffer.
	// Default: 256
	OutboxCapacity int `mapstructure:"outbox_capacity" yaml:"outbox_capacity,omitempty"`

	// Auth configures bearer token issuance and validation.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`
}

// AuthConfig configures JWT bearer authentication.
type AuthConfig struct {
	// Secret is the HMAC signing key, also accepted as the credential
	// on the token endpoint. Must be at least 32 characters. Can also
	// be set via CIRIS_API_SECRET (environment wins).
	Secret string `mapstructure:"secret" yaml:"secret,omitempty"`

	// TokenDuration is the bearer token lifetime. Default: 1h
	TokenDuration time.Duration `mapstructure:"token_duration" yaml:"token_duration,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8090
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Priority == "" {
		c.Priority = services.PriorityNormal.String()
	}
	if c.OutboxCapacity == 0 {
		c.OutboxCapacity = 256
	}
	if c.Auth.TokenDuration == 0 {
		c.Auth.TokenDuration = time.Hour
	}
}

// Secret returns the bearer secret, preferring the environment
// variable over the config file.
func (c *Config) Secret() string {
	if envSecret := os.Getenv(EnvAPISecret); envSecret != "" {
		if c.Auth.Secret != "" && c.Auth.Secret != envSecret {
			logger.Warn("API secret from environment variable overrides config file value",
				"env_var", EnvAPISecret)
		}
		return envSecret
	}
	return c.Auth.Secret
}
