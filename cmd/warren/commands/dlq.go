package commands

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/timespec"
	"github.com/dyluth/warren/internal/workflow"
	"github.com/dyluth/warren/pkg/vault"
)

var (
	dlqLimit     int
	dlqOlderThan string
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and requeue dead-lettered files",
	Long: `Work with the Dead_Letter folder, where files land after exhausting
their retries. Each entry keeps the original file plus a sidecar recording
where it failed and why.

Retrying restores a file to the folder it failed at, where the daemon picks
it up again. Purging deletes old entries permanently.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined files, newest first",
	RunE:  runDLQList,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <entry>",
	Short: "Requeue a quarantined file",
	Long: `Requeue a quarantined file by restoring it to the path it failed
at. The entry name is the first column of 'warren dlq list'.`,
	Args: cobra.ExactArgs(1),
	RunE: runDLQRetry,
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old quarantine entries",
	RunE:  runDLQPurge,
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "Maximum entries to show")
	dlqPurgeCmd.Flags().StringVar(&dlqOlderThan, "older-than", "", "Delete entries older than this ('72h' or RFC3339), required")
	dlqPurgeCmd.MarkFlagRequired("older-than")

	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}

// runDLQList reads the sidecars directly so listing works while the daemon
// is running; the mutating subcommands go through the engine's quarantine
// manager instead.
func runDLQList(cmd *cobra.Command, args []string) error {
	_, layout, err := loadConfig()
	if err != nil {
		return err
	}

	dir := layout.Dir(vault.FolderDeadLetter)
	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type row struct {
		name string
		meta vault.DeadLetterMeta
	}
	var rows []row
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".meta.yaml") {
			continue
		}
		meta, err := vault.ReadDeadLetterMeta(filepath.Join(dir, f.Name()))
		if err != nil {
			printer.Warning("skipping unreadable sidecar %s: %v\n", f.Name(), err)
			continue
		}
		rows = append(rows, row{name: strings.TrimSuffix(f.Name(), ".meta.yaml"), meta: *meta})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].name > rows[j].name })
	if dlqLimit > 0 && len(rows) > dlqLimit {
		rows = rows[:dlqLimit]
	}

	if len(rows) == 0 {
		printer.Println("Dead letter queue is empty.")
		return nil
	}

	printer.Printf("%-34s %-20s %-9s %s\n", "ENTRY", "QUARANTINED", "ATTEMPTS", "ERROR")
	for _, r := range rows {
		errMsg := r.meta.LastError
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		printer.Printf("%-34s %-20s %-9d %s\n",
			r.name, r.meta.QuarantinedAt.Format("2006-01-02 15:04:05"), r.meta.Attempts, errMsg)
	}
	return nil
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	cfg, layout, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireDaemonStopped(layout, "Requeueing a dead letter"); err != nil {
		return err
	}

	dlq, auditor, b, err := openDeadLetters(cfg, layout)
	if err != nil {
		return err
	}
	defer closeQuiet(auditor, b)

	restored, err := dlq.Retry(args[0])
	if err != nil {
		return err
	}
	printer.Success("requeued %s\n", args[0])
	printer.Info("Restored to: %s\n", restored)
	printer.Info("Start the daemon to process it: warren start\n")
	return nil
}

func runDLQPurge(cmd *cobra.Command, args []string) error {
	cfg, layout, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireDaemonStopped(layout, "Purging dead letters"); err != nil {
		return err
	}

	cutoff, err := timespec.Parse(dlqOlderThan)
	if err != nil {
		return err
	}

	dlq, auditor, b, err := openDeadLetters(cfg, layout)
	if err != nil {
		return err
	}
	defer closeQuiet(auditor, b)

	purged, err := dlq.Purge(timeSince(cutoff))
	if err != nil {
		return err
	}
	printer.Success("purged %d entries older than %s\n", purged, dlqOlderThan)
	return nil
}

// openDeadLetters wires the quarantine manager with its own audit handle and
// a throwaway bus; callers already checked no daemon holds the log.
func openDeadLetters(cfg *config.Config, layout vault.Layout) (*workflow.DeadLetters, *audit.Log, *bus.Bus, error) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor, err := audit.Open(cfg.AuditPath(), layout.ChainSidecar(), log)
	if err != nil {
		return nil, nil, nil, err
	}
	b := bus.NewBus(log, cfg.Bus.HistorySize, cfg.Bus.SubscriberQueue)
	return workflow.NewDeadLetters(layout, auditor, b, log), auditor, b, nil
}
