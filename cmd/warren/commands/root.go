package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/scaffold"
	"github.com/dyluth/warren/pkg/vault"
)

var (
	version string
	commit  string
	date    string

	// vaultFlag locates the vault; WARREN_VAULT and finally the current
	// directory are the fallbacks.
	vaultFlag string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Warren - local-first automation orchestrator",
	Long: `Warren runs an automation pipeline over a plain folder vault: work
arrives as files in Inbox, flows through planning, approval, and execution
folders, and every state change is an atomic file move recorded in a
hash-chained audit log.

The vault is the single source of truth. There is no server and no database;
any file manager shows you exactly what the system is doing.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultFlag, "vault", "", "Vault directory (default: $WARREN_VAULT or current directory)")
}

// vaultPath resolves the vault directory from the flag, the environment, or
// the working directory, in that order.
func vaultPath() (string, error) {
	path := vaultFlag
	if path == "" {
		path = os.Getenv("WARREN_VAULT")
	}
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving vault path: %w", err)
	}
	return abs, nil
}

// loadConfig reads warren.yml from the vault root.
func loadConfig() (*config.Config, vault.Layout, error) {
	root, err := vaultPath()
	if err != nil {
		return nil, vault.Layout{}, err
	}

	configPath := filepath.Join(root, scaffold.ConfigFileName)
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, vault.Layout{}, fmt.Errorf(`no vault found at %s

No %s in the vault directory.

Initialize a vault first:
  warren init %s

Or point at an existing one:
  warren --vault /path/to/vault %s`, root, scaffold.ConfigFileName, root, "...")
		}
		return nil, vault.Layout{}, err
	}
	return cfg, vault.NewLayout(cfg.VaultPath), nil
}

// daemonPID returns the running daemon's pid, or 0 when none is alive.
func daemonPID(layout vault.Layout) int {
	pid, err := orchestrator.ReadPIDFile(layout)
	if err != nil || pid <= 0 {
		return 0
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil && !errors.Is(err, syscall.EPERM) {
		return 0
	}
	return pid
}

// requireDaemonStopped guards commands that write the audit log. The log has
// exactly one writer; while the daemon runs, that writer is the daemon.
func requireDaemonStopped(layout vault.Layout, what string) error {
	if pid := daemonPID(layout); pid != 0 {
		return fmt.Errorf(`warren is running (pid %d)

%s appends to the audit log, which has a single writer:
the running daemon.

Stop it first:
  warren stop

Then retry.`, pid, what)
	}
	return nil
}
