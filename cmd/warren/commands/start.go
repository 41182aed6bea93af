package commands

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the warren daemon",
	Long: `Run the warren daemon in the foreground.

Starts the full service set over the vault: ingestion, planning, approval
evaluation, execution, the file watcher, the dashboard writer, and the
integrity monitor. The process owns the vault until it exits; a pidfile
under System_Log/ refuses a second daemon on the same vault.

Signals:
  SIGINT, SIGTERM - graceful shutdown
  SIGHUP          - reload approval rules from warren.yml`,
	RunE: runStart,
}

var (
	startConfigPath string
	startLogLevel   string
)

func init() {
	startCmd.Flags().StringVar(&startConfigPath, "config", "", "Config file (default: warren.yml in the vault)")
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	var err error
	if startConfigPath != "" {
		cfg, err = config.Load(startConfigPath)
	} else {
		cfg, _, err = loadConfig()
	}
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if startLogLevel != "" {
		level = startLogLevel
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(level),
	}))
	slog.SetDefault(log)

	app, err := orchestrator.Build(cfg, log)
	if err != nil {
		return err
	}

	printer.Info("Starting warren over %s (mode: %s)\n", cfg.VaultPath, cfg.Execution.Mode)
	return app.Orchestrator.Run(context.Background())
}

// slogLevel maps a log level name to slog; unknown values fall back to info.
func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
