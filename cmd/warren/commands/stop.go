package commands

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
)

var stopWait time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long: `Stop the daemon by sending SIGTERM to the pid recorded in the
vault's pidfile, then wait for it to exit. The daemon drains its services
and the event bus before exiting, so stopping can take up to the configured
drain deadline.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopWait, "wait", 30*time.Second, "How long to wait for the daemon to exit")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	_, layout, err := loadConfig()
	if err != nil {
		return err
	}

	pid := daemonPID(layout)
	if pid == 0 {
		return printer.Error(
			"warren is not running",
			"No live daemon found for this vault.",
			[]string{"Check the vault path:\n  warren status"},
		)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding daemon process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling daemon %d: %w", pid, err)
	}

	printer.Step("Stopping warren (pid %d)...\n", pid)
	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if daemonPID(layout) == 0 {
			printer.Success("warren stopped\n")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	return printer.Error(
		"daemon did not exit in time",
		fmt.Sprintf("Sent SIGTERM to pid %d but it is still running after %s.", pid, stopWait),
		[]string{
			"Wait and check again:\n  warren status",
			fmt.Sprintf("Force it as a last resort:\n  kill -9 %d", pid),
		},
	)
}
