package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// structValidator is shared; validator.Validate caches struct metadata.
var structValidator = validator.New()

// Validate checks the configuration for errors. Struct tags cover the
// field-level rules; cross-field and store-specific rules follow.
func Validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return err
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := cfg.Audit.Archive.Validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	if cfg.API.Enabled && len(cfg.API.Secret()) < 32 {
		return fmt.Errorf("api: secret must be at least 32 characters; set api.auth.secret or %s", apiSecretEnvHint)
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry: enabled but no endpoint configured")
	}

	return nil
}

const apiSecretEnvHint = "CIRIS_API_SECRET"
