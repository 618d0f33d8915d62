package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter/api"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/config"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/profile"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the CIRIS agent configuration file.

Checks for syntax errors, missing required fields, and invalid values,
and reports behavior profile warnings when a profile is configured.

Examples:
  # Validate default config
  cirisd config validate

  # Validate specific config file
  cirisd config validate --config /etc/ciris/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	// Determine path for display
	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string

	if !cfg.API.Enabled && !cfg.CLI.Enabled {
		warnings = append(warnings, "no channel adapters enabled - the agent cannot receive messages")
	}

	if cfg.Agent.ProfilePath != "" {
		prof, err := profile.Load(cfg.Agent.ProfilePath)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("behavior profile: %v", err))
		} else {
			for _, w := range prof.Warnings() {
				warnings = append(warnings, fmt.Sprintf("behavior profile: %s", w))
			}
		}
	} else {
		warnings = append(warnings, "no profile_path configured - the built-in default profile will be used")
	}

	if cfg.API.Enabled && os.Getenv(api.EnvAPISecret) == "" && cfg.API.Auth.Secret != "" {
		warnings = append(warnings, fmt.Sprintf("API secret stored in config file - prefer the %s environment variable in production", api.EnvAPISecret))
	}

	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Agent name:      %s\n", cfg.Agent.Name)
	fmt.Printf("  Database driver: %s\n", cfg.Database.Driver)
	fmt.Printf("  API enabled:     %t (port %d)\n", cfg.API.Enabled, cfg.API.Port)
	fmt.Printf("  CLI enabled:     %t\n", cfg.CLI.Enabled)
	fmt.Printf("  Log level:       %s\n", cfg.Logging.Level)

	return nil
}
