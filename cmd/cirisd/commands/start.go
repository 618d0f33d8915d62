package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/internal/telemetry"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter"
	apiadapter "github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter/api"
	cliadapter "github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter/cli"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/audit"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/config"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/metrics"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/persistence"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/profile"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/runtime"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
)

var (
	daemonize bool
	pidFile   string
	logFile   string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the CIRIS agent",
	Long: `Start the CIRIS agent runtime with the specified configuration.

By default, the agent runs in the foreground, attached to the terminal.
Use --daemon to detach and run in the background; in daemon mode the
interactive CLI channel is disabled and output goes to the log file.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/ciris/config.yaml.

Examples:
  # Start in foreground (default)
  cirisd start

  # Start in background
  cirisd start --daemon

  # Start with custom config file
  cirisd start --config /etc/ciris/config.yaml

  # Start with environment variable overrides
  CIRIS_LOGGING_LEVEL=DEBUG cirisd start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&daemonize, "daemon", "d", false, "Run in background (default: foreground)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/ciris/cirisd.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/ciris/cirisd.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background)
	if daemonize {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "cirisd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "cirisd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	fmt.Println("CIRIS Agent Runtime")
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("Telemetry disabled")
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	} else {
		logger.Info("Profiling disabled")
	}

	// Initialize metrics registry before anything that records into it
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	} else {
		logger.Info("Metrics collection disabled")
	}

	clk := clock.Real()

	// Load the behavior profile
	prof, err := loadProfile(cfg)
	if err != nil {
		return err
	}
	logger.Info("Behavior profile loaded", "profile", prof.Name, "shutdown_mode", string(prof.Shutdown.Mode))
	for _, w := range prof.Warnings() {
		logger.Warn("Profile warning", "profile", prof.Name, "warning", w)
	}

	// Open the task store
	store, err := persistence.New(ctx, &cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer func() { _ = store.Stop(context.Background()) }()

	// Open the audit trail
	trail, err := audit.Open(ctx, cfg.Audit, clk)
	if err != nil {
		return fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer func() { _ = trail.Stop(context.Background()) }()

	// Build the enabled channel adapters through the factory
	adapters, err := createAdapters(cfg, clk)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no channel adapters enabled; enable api or cli in the configuration")
	}
	for _, a := range adapters {
		logger.Info("Adapter configured", "adapter", a.Name(), "kind", a.Kind())
	}

	// Assemble the runtime
	rt, err := runtime.New(runtime.Options{
		Profile:            prof,
		Clock:              clk,
		Adapters:           adapters,
		Store:              store,
		Audit:              trail,
		Recorder:           metrics.NewRuntimeMetrics(),
		StartupTimeout:     cfg.Runtime.StartupTimeout,
		ShutdownTimeout:    cfg.Runtime.ShutdownTimeout,
		HealthPollInterval: cfg.Runtime.HealthPollInterval,
		StopBatchTimeout:   cfg.Runtime.StopBatchTimeout,
		ConsentWindow:      cfg.Runtime.ConsentWindow,
		NegotiationRounds:  cfg.Runtime.NegotiationRounds,
		ConditionTimeout:   cfg.Runtime.ConditionTimeout,
		ActivityWindow:     cfg.Runtime.ActivityWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble runtime: %w", err)
	}

	// Attach metric recorders and the exposition listener
	if cfg.Metrics.Enabled {
		dispatch := metrics.NewDispatchMetrics()
		rt.Registry().SetRecorder(dispatch)
		rt.Bus().SetRecorder(dispatch)
		rt.States().SetRecorder(metrics.NewStateMetrics())

		metricsServer := metrics.NewServer(metrics.ServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		})
		if _, err := rt.Registry().Register(services.Spec{
			Type:     services.TypeTelemetry,
			Provider: metricsServer,
			Priority: services.PriorityNormal,
			Bucket:   services.BucketInfra,
		}); err != nil {
			return fmt.Errorf("failed to register metrics server: %w", err)
		}
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	// Run the agent in background
	agentDone := make(chan error, 1)
	go func() {
		agentDone <- rt.Run(ctx)
	}()

	// Wait for interrupt signal or runtime exit
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Agent is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown", "signal", sig.String())
		rt.RequestShutdown(fmt.Sprintf("received signal %s", sig))

		// Wait for the runtime to shut down gracefully
		if err := <-agentDone; err != nil {
			logger.Error("Agent shutdown error", "error", err)
			return err
		}
		logger.Info("Agent stopped gracefully")

	case err := <-agentDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Agent error", "error", err)
			return err
		}
		logger.Info("Agent stopped")
	}

	return nil
}

// loadProfile reads the configured behavior profile, falling back to
// the built-in default when no path is set.
func loadProfile(cfg *config.Config) (*profile.Profile, error) {
	if cfg.Agent.ProfilePath == "" {
		return profile.Default(), nil
	}
	prof, err := profile.Load(cfg.Agent.ProfilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load behavior profile: %w", err)
	}
	return prof, nil
}

// createAdapters builds every enabled channel adapter through the
// factory registry.
func createAdapters(cfg *config.Config, clk clock.Clock) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter

	if cfg.API.Enabled {
		a, err := adapter.Create(apiadapter.Kind, adapter.Deps{Clock: clk, Options: cfg.API})
		if err != nil {
			return nil, fmt.Errorf("failed to create api adapter: %w", err)
		}
		adapters = append(adapters, a)
	}

	if cfg.CLI.Enabled {
		a, err := adapter.Create(cliadapter.Kind, adapter.Deps{Clock: clk, Options: cfg.CLI})
		if err != nil {
			return nil, fmt.Errorf("failed to create cli adapter: %w", err)
		}
		adapters = append(adapters, a)
	}

	return adapters, nil
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// startDaemon starts the agent as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Set default PID file if not specified
	pidPath := pidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	// Check if already running
	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				// Check if process is still running
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("cirisd is already running (PID %d)\nUse 'cirisd stop' to stop the running instance", pid)
					}
				}
			}
		}
		// Stale PID file, remove it
		_ = os.Remove(pidPath)
	}

	// Set default log file if not specified
	logPath := logFile
	if logPath == "" {
		logPath = GetDefaultLogFile()
	}
	if dir := filepath.Dir(logPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	// Get the executable path
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Build arguments for the daemon process (foreground child)
	daemonArgs := []string{"start", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	// Create the daemon process
	cmd := exec.Command(executable, daemonArgs...)

	// The detached child has no terminal; force the interactive CLI
	// channel off regardless of the config file.
	cmd.Env = append(os.Environ(), "CIRIS_CLI_ENABLED=false")

	// Open log file for stdout/stderr
	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	cmd.Stdout = logFileHandle
	cmd.Stderr = logFileHandle

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// Start the daemon
	if err := cmd.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_ = logFileHandle.Close()

	fmt.Printf("cirisd started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'cirisd stop' to stop the agent")
	fmt.Println("Use 'cirisd status' to check agent status")

	return nil
}
