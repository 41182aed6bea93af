package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/filter"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/timespec"
	"github.com/dyluth/warren/internal/watch"
)

var (
	watchJSONL    bool
	watchTypeGlob string
	watchFolders  []string
	watchSince    string
	watchUntil    string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream vault file activity",
	Long: `Stream file activity in the vault's pipeline folders: creations,
modifications, and deletions, as they happen.

The command runs its own watcher over the vault, so it works whether or not
the daemon is running. Press Ctrl-C to stop.

Examples:
  # Watch everything
  warren watch

  # Only deletions, as JSON lines
  warren watch --type 'file.deleted' --jsonl

  # Only the approval folders
  warren watch --folders Pending_Approval,Approved,Rejected`,
	RunE: runWatchCmd,
}

func init() {
	watchCmd.Flags().BoolVar(&watchJSONL, "jsonl", false, "Output line-delimited JSON")
	watchCmd.Flags().StringVar(&watchTypeGlob, "type", "", "Glob over the event type, e.g. 'file.*'")
	watchCmd.Flags().StringSliceVar(&watchFolders, "folders", nil, "Watch only these folders")
	watchCmd.Flags().StringVar(&watchSince, "since", "", "Drop events before this time ('5m' or RFC3339)")
	watchCmd.Flags().StringVar(&watchUntil, "until", "", "Drop events after this time")
	rootCmd.AddCommand(watchCmd)
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	cfg, layout, err := loadConfig()
	if err != nil {
		return err
	}

	since, until, err := timespec.ParseRange(watchSince, watchUntil)
	if err != nil {
		return err
	}
	criteria := &filter.Criteria{Since: since, Until: until, TypeGlob: watchTypeGlob}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.NewBus(log, cfg.Bus.HistorySize, cfg.Bus.SubscriberQueue)
	watcher := watch.NewWatcher(layout, b, watchFolders, cfg.Ingest.Poll(), log)

	events := make(chan bus.Event, 256)
	handler := func(_ context.Context, e bus.Event) {
		select {
		case events <- e:
		default:
		}
	}
	var subs []*bus.Subscription
	for _, etype := range []bus.EventType{bus.EventFileCreated, bus.EventFileModified, bus.EventFileDeleted} {
		sub, err := b.Subscribe(etype, "cli_watch", handler)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}

	if err := watcher.Start(context.Background()); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		watcher.Stop(ctx)
		for _, sub := range subs {
			b.Unsubscribe(sub)
		}
		b.Close(ctx)
	}()

	if !watchJSONL {
		printer.Info("Watching %s (Ctrl-C to stop)\n", layout.Root())
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		select {
		case <-sigs:
			return nil
		case e := <-events:
			if !criteria.Matches(e) {
				continue
			}
			if watchJSONL {
				raw, err := json.Marshal(e)
				if err != nil {
					return err
				}
				fmt.Println(string(raw))
				continue
			}
			printer.Printf("%s  %-14s %s\n",
				e.Timestamp.Format("15:04:05"), e.EventType, e.Payload["path"])
		}
	}
}
