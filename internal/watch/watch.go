// Package watch implements the polling file watcher over the vault's
// pipeline folders and the ingestion service that feeds Inbox drops into the
// workflow engine. Polling keeps the watcher free of platform notification
// quirks; the period is configurable and defaults to 200ms.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/pkg/vault"
)

const actorWatcher = "file_watcher"

// fileInfo is what a snapshot remembers about one file.
type fileInfo struct {
	size    int64
	modTime time.Time
}

// Watcher polls a set of vault folders and publishes file.created,
// file.modified, and file.deleted events for changes between scans. It does
// not publish file.moved: a poll-based diff cannot correlate a deletion in
// one folder with a creation in another, and the workflow engine publishes
// the authoritative move events anyway.
type Watcher struct {
	layout  vault.Layout
	bus     *bus.Bus
	folders []string
	poll    time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	known  map[string]map[string]fileInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher watches the given vault-relative folders. A nil folder list
// watches every pipeline folder.
func NewWatcher(layout vault.Layout, b *bus.Bus, folders []string, poll time.Duration, log *slog.Logger) *Watcher {
	if folders == nil {
		folders = vault.PipelineFolders()
	}
	return &Watcher{
		layout:  layout,
		bus:     b,
		folders: folders,
		poll:    poll,
		log:     log.With("component", actorWatcher),
	}
}

func (w *Watcher) Name() string { return actorWatcher }

// Start primes the snapshot from the current folder contents without
// publishing, then begins the poll loop. Services that care about files
// already present at startup run their own sweeps.
func (w *Watcher) Start(_ context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		cancel()
		return fmt.Errorf("%s: already started", actorWatcher)
	}
	w.known = w.snapshot()
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go w.loop(runCtx, done)
	return nil
}

func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) HealthCheck(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		return fmt.Errorf("%s: not running", actorWatcher)
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.diff()
		}
	}
}

// snapshot reads every watched folder. Unreadable folders contribute an empty
// map so their files are not reported deleted on a transient error.
func (w *Watcher) snapshot() map[string]map[string]fileInfo {
	out := make(map[string]map[string]fileInfo, len(w.folders))
	for _, folder := range w.folders {
		files := make(map[string]fileInfo)
		entries, err := os.ReadDir(w.layout.Dir(folder))
		if err != nil {
			w.log.Warn("scanning folder", "folder", folder, "error", err)
			out[folder] = w.previous(folder)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			files[entry.Name()] = fileInfo{size: info.Size(), modTime: info.ModTime()}
		}
		out[folder] = files
	}
	return out
}

func (w *Watcher) previous(folder string) map[string]fileInfo {
	if prev, ok := w.known[folder]; ok {
		return prev
	}
	return map[string]fileInfo{}
}

// diff compares the current scan against the last one and publishes one event
// per change, ordered created, modified, deleted within each folder.
func (w *Watcher) diff() {
	current := w.snapshot()

	w.mu.Lock()
	previous := w.known
	w.known = current
	w.mu.Unlock()

	for _, folder := range w.folders {
		prev := previous[folder]
		cur := current[folder]
		for name, info := range cur {
			before, existed := prev[name]
			switch {
			case !existed:
				w.publish(bus.EventFileCreated, folder, name)
			case before.size != info.size || !before.modTime.Equal(info.modTime):
				w.publish(bus.EventFileModified, folder, name)
			}
		}
		for name := range prev {
			if _, still := cur[name]; !still {
				w.publish(bus.EventFileDeleted, folder, name)
			}
		}
	}
}

func (w *Watcher) publish(etype bus.EventType, folder, name string) {
	payload := map[string]any{
		"folder": folder,
		"name":   name,
		"path":   folder + "/" + name,
	}
	if err := w.bus.Publish(bus.New(etype, actorWatcher, "", payload)); err != nil {
		w.log.Warn("publishing file event",
			"event_type", string(etype), "folder", folder, "name", name, "error", err)
	}
}
