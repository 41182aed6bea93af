package commands

import (
	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
)

var restartServices []string

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart services inside the running daemon",
	Long: `Ask the running daemon to restart its services in place. Without
--services every service restarts; with it, only the named ones do.

The request is a file dropped into System_Log/.control; the daemon picks it
up within a second. Service names match the status output, for example
execution_service or file_watcher.`,
	RunE: runRestart,
}

func init() {
	restartCmd.Flags().StringSliceVar(&restartServices, "services", nil, "Restart only these services")
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	_, layout, err := loadConfig()
	if err != nil {
		return err
	}

	if daemonPID(layout) == 0 {
		return printer.Error(
			"warren is not running",
			"Restart requests are handled by the live daemon.",
			[]string{"Start it instead:\n  warren start"},
		)
	}

	path, err := orchestrator.WriteControlRequest(layout, orchestrator.ControlRequest{
		Operation: "restart",
		Services:  restartServices,
	})
	if err != nil {
		return err
	}

	if len(restartServices) == 0 {
		printer.Success("restart requested for all services\n")
	} else {
		printer.Success("restart requested for %v\n", restartServices)
	}
	printer.Info("Request: %s\n", path)
	printer.Info("Check progress with: warren status\n")
	return nil
}
