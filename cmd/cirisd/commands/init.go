package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	apiadapter "github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter/api"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/config"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/profile"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/cli/prompt"
)

var (
	initForce          bool
	initNonInteractive bool
	initName           string
	initDataDir        string
	initAPIPort        int
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and behavior profile",
	Long: `Initialize a CIRIS agent configuration file and behavior profile.

Runs a short interactive wizard unless --non-interactive is given. By
default, the configuration is created at $XDG_CONFIG_HOME/ciris/config.yaml
with the default behavior profile next to it. Use --config to specify a
custom configuration path.

Examples:
  # Interactive setup with default locations
  cirisd init

  # Accept all defaults without prompting
  cirisd init --non-interactive

  # Initialize with custom path
  cirisd init --config /etc/ciris/config.yaml

  # Force overwrite existing config
  cirisd init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config and profile files")
	initCmd.Flags().BoolVar(&initNonInteractive, "non-interactive", false, "Skip the wizard and accept defaults")
	initCmd.Flags().StringVar(&initName, "name", "", "Agent name (default: ciris-agent)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "", "Data directory for task store and audit trail")
	initCmd.Flags().IntVar(&initAPIPort, "api-port", 0, "API adapter port (default: 8090)")
}

func runInit(cmd *cobra.Command, args []string) error {
	opts := config.InitOptions{
		AgentName:  initName,
		DataDir:    initDataDir,
		APIPort:    initAPIPort,
		CLIEnabled: true,
	}

	if !initNonInteractive {
		answered, err := runInitWizard(cmd, opts)
		if err != nil {
			if prompt.IsAborted(err) {
				fmt.Println("Aborted.")
				return nil
			}
			return err
		}
		opts = answered
	}

	configFile := GetConfigFile()
	configPath := configFile
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	// An existing config is only replaced with --force or an explicit
	// interactive confirmation.
	overwrite := initForce
	if !initNonInteractive {
		if _, err := os.Stat(configPath); err == nil {
			confirmed, err := prompt.ConfirmWithForce(
				fmt.Sprintf("Configuration already exists at %s. Overwrite?", configPath), initForce)
			if err != nil {
				if prompt.IsAborted(err) {
					fmt.Println("Aborted.")
					return nil
				}
				return err
			}
			if !confirmed {
				fmt.Println("Keeping existing configuration.")
				return nil
			}
			overwrite = true
		}
	}

	var err error
	if configFile != "" {
		err = config.InitConfigToPath(configFile, opts, overwrite)
	} else {
		_, err = config.InitConfig(opts, overwrite)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	// Write the default behavior profile next to the config unless one
	// is already there.
	profilePath := config.GetDefaultProfilePath()
	if _, err := os.Stat(profilePath); os.IsNotExist(err) || overwrite {
		if err := profile.Default().Write(profilePath); err != nil {
			return fmt.Errorf("failed to write behavior profile: %w", err)
		}
		fmt.Printf("Behavior profile created at: %s\n", profilePath)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration and profile to customize your agent")
	fmt.Println("  2. Start the agent with: cirisd start")
	fmt.Printf("  3. Or specify custom config: cirisd start --config %s\n", configPath)
	if opts.APISecret == "" {
		fmt.Println("\nSecurity note:")
		fmt.Println("  A random API secret has been generated for development use.")
		fmt.Println("  For production, generate a secure secret and use an environment variable:")
		fmt.Println("    # Generates a 64-character hex string (32 bytes of entropy)")
		fmt.Printf("    export %s=$(openssl rand -hex 32)\n", apiadapter.EnvAPISecret)
	}

	return nil
}

// runInitWizard prompts for the values not already pinned by flags.
func runInitWizard(cmd *cobra.Command, opts config.InitOptions) (config.InitOptions, error) {
	var err error

	if opts.AgentName == "" {
		opts.AgentName, err = prompt.Input("Agent name", "ciris-agent")
		if err != nil {
			return opts, err
		}
	}

	if opts.DataDir == "" {
		opts.DataDir, err = prompt.Input("Data directory", config.GetConfigDir())
		if err != nil {
			return opts, err
		}
	}

	if !cmd.Flags().Changed("api-port") {
		opts.APIPort, err = prompt.InputPort("API port", 8090)
		if err != nil {
			return opts, err
		}
	}

	for {
		opts.APISecret, err = prompt.Password("API secret (leave empty to generate)")
		if err != nil {
			return opts, err
		}
		if opts.APISecret == "" || len(opts.APISecret) >= 32 {
			break
		}
		fmt.Println("The API secret must be at least 32 characters. Leave empty to generate one.")
	}

	opts.LogLevel, err = prompt.SelectString("Log level", []string{"INFO", "DEBUG", "WARN", "ERROR"})
	if err != nil {
		return opts, err
	}

	opts.CLIEnabled, err = prompt.Confirm("Enable the interactive terminal channel", true)
	if err != nil {
		return opts, err
	}

	return opts, nil
}
