package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and pipeline status",
	Long: `Show the daemon's last written status: service states, bus
statistics, open workflow contexts, and the audit sequence number.

The daemon refreshes System_Log/status.json on every health pass, so the
report can be up to one health interval old. Use --json for machine-readable
output.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, layout, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := orchestrator.ReadStatus(layout)
	if err != nil {
		if os.IsNotExist(err) {
			return printer.Error(
				"no status recorded",
				"The daemon has not written status.json yet.",
				[]string{"Start the daemon:\n  warren start"},
			)
		}
		return err
	}

	if statusJSON {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	running := daemonPID(layout) == st.PID && st.PID != 0
	if running {
		printer.Success("warren is running (pid %d)\n", st.PID)
	} else {
		printer.Warning("warren is not running (last status from pid %d)\n", st.PID)
	}
	printer.Field("Vault", st.VaultPath)
	printer.Field("Updated", st.UpdatedAt.Format(time.RFC3339))
	printer.Field("Open contexts", st.OpenContexts)
	printer.Field("Audit entries", st.AuditSeq)
	if st.AuditBroken {
		printer.Warning("audit chain is broken: %s\n", st.AuditIssue)
	}
	printer.Field("Bus published", st.Bus.Published)
	printer.Field("Bus dropped", st.Bus.Dropped)

	printer.Println()
	printer.Printf("%-22s %-10s %-8s %s\n", "SERVICE", "STATE", "FAILURES", "SINCE")
	for _, svc := range st.Services {
		printer.Printf("%-22s %-10s %-8d %s\n", svc.Name, svc.State, svc.Failures, svc.Since.Format(time.RFC3339))
		if svc.LastErr != "" {
			printer.Printf("  last error: %s\n", svc.LastErr)
		}
	}
	return nil
}
