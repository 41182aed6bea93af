package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/pkg/vault"
)

const actorDashboard = "dashboard_writer"

// auditTailLines is how many recent audit entries the dashboard shows.
const auditTailLines = 20

// DashboardData is everything one dashboard render needs. Rendering is a
// pure function of this struct so the output can be tested byte for byte.
type DashboardData struct {
	GeneratedAt time.Time
	VaultPath   string
	Folders     []FolderCount
	Services    []ServiceStatus
	Tail        []audit.Entry
}

// FolderCount is one pipeline folder and how many files rest in it.
type FolderCount struct {
	Folder string
	Count  int
}

// Dashboard periodically renders Dashboard.md at the vault root. The file is
// for humans browsing the vault; every write is atomic so a reader never
// sees a half-written document.
type Dashboard struct {
	layout   vault.Layout
	auditor  *audit.Log
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	states func() []ServiceStatus
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDashboard(layout vault.Layout, auditor *audit.Log, interval time.Duration, log *slog.Logger) *Dashboard {
	return &Dashboard{
		layout:   layout,
		auditor:  auditor,
		interval: interval,
		log:      log.With("component", actorDashboard),
	}
}

// BindStates wires the service state snapshot in after the orchestrator
// exists; the dashboard is itself one of the orchestrator's services.
func (d *Dashboard) BindStates(states func() []ServiceStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states = states
}

func (d *Dashboard) Name() string { return actorDashboard }

func (d *Dashboard) Start(_ context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		cancel()
		return fmt.Errorf("%s: already started", actorDashboard)
	}
	d.cancel = cancel
	d.done = done
	d.mu.Unlock()

	go d.loop(runCtx, done)
	return nil
}

func (d *Dashboard) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

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

func (d *Dashboard) HealthCheck(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		return fmt.Errorf("%s: not running", actorDashboard)
	}
	return nil
}

func (d *Dashboard) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.write()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.write()
		}
	}
}

func (d *Dashboard) write() {
	data, err := d.Collect()
	if err != nil {
		d.log.Warn("collecting dashboard data", "error", err)
		return
	}
	path := d.layout.File("", vault.DashboardFile)
	if err := vault.WriteFileAtomic(path, []byte(Render(data)), 0o644); err != nil {
		d.log.Warn("writing dashboard", "error", err)
	}
}

// Collect gathers folder counts, service states, and the audit tail.
func (d *Dashboard) Collect() (DashboardData, error) {
	data := DashboardData{
		GeneratedAt: time.Now().UTC(),
		VaultPath:   d.layout.Root(),
	}

	for _, folder := range vault.PipelineFolders() {
		entries, err := os.ReadDir(d.layout.Dir(folder))
		if err != nil {
			return DashboardData{}, fmt.Errorf("counting %s: %w", folder, err)
		}
		count := 0
		for _, entry := range entries {
			if !entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
				count++
			}
		}
		data.Folders = append(data.Folders, FolderCount{Folder: folder, Count: count})
	}

	d.mu.Lock()
	states := d.states
	d.mu.Unlock()
	if states != nil {
		data.Services = states()
	}

	tail, err := d.auditor.Tail(auditTailLines)
	if err != nil {
		return DashboardData{}, err
	}
	data.Tail = tail
	return data, nil
}

// Render produces the Markdown dashboard for one data snapshot.
func Render(data DashboardData) string {
	var b strings.Builder
	b.WriteString("# Warren Dashboard\n\n")
	fmt.Fprintf(&b, "Generated %s\n\n", data.GeneratedAt.Format(time.RFC3339))

	b.WriteString("## Pipeline\n\n")
	b.WriteString("| Folder | Files |\n|---|---|\n")
	for _, fc := range data.Folders {
		fmt.Fprintf(&b, "| %s | %d |\n", fc.Folder, fc.Count)
	}

	if len(data.Services) > 0 {
		b.WriteString("\n## Services\n\n")
		b.WriteString("| Service | State | Since |\n|---|---|---|\n")
		for _, s := range data.Services {
			state := string(s.State)
			if s.LastErr != "" {
				state += " (" + s.LastErr + ")"
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", s.Name, state, s.Since.Format(time.RFC3339))
		}
	}

	b.WriteString("\n## Recent activity\n\n")
	if len(data.Tail) == 0 {
		b.WriteString("No audit entries yet.\n")
		return b.String()
	}
	for _, e := range data.Tail {
		fmt.Fprintf(&b, "- `%s` %s %s %s",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.EventType, e.Actor, e.ResourceID)
		if e.CorrelationID != "" {
			fmt.Fprintf(&b, " (%s)", shortID(e.CorrelationID))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// shortID trims a UUID for display, matching the engine's log rendering.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
