package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/testutil"
	"github.com/dyluth/warren/pkg/vault"
)

func golden(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestRenderDashboard(t *testing.T) {
	data := DashboardData{
		GeneratedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		VaultPath:   "/vault",
		Folders: []FolderCount{
			{Folder: "Inbox", Count: 2},
			{Folder: "Needs_Action", Count: 1},
			{Folder: "Pending_Approval", Count: 0},
		},
		Services: []ServiceStatus{
			{Name: "file_watcher", State: StateRunning,
				Since: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
			{Name: "ingest_service", State: StateUnhealthy, LastErr: "not subscribed",
				Since: time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC)},
		},
		Tail: []audit.Entry{
			{Timestamp: time.Date(2026, 3, 14, 9, 28, 0, 0, time.UTC),
				EventType: "service.started", Actor: "orchestrator", ResourceID: "file_watcher"},
			{Timestamp: time.Date(2026, 3, 14, 9, 29, 0, 0, time.UTC),
				EventType: "ingest.completed", Actor: "workflow_engine",
				ResourceID:    "11111111-1111-1111-1111-111111111111",
				CorrelationID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"},
		},
	}
	golden(t).Assert(t, "dashboard", []byte(Render(data)))
}

func TestRenderDashboardEmpty(t *testing.T) {
	data := DashboardData{
		GeneratedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		VaultPath:   "/vault",
		Folders:     []FolderCount{{Folder: "Inbox", Count: 0}},
	}
	golden(t).Assert(t, "dashboard_empty", []byte(Render(data)))
}

func TestDashboardCollectAndWrite(t *testing.T) {
	env := testutil.NewEnv(t)
	seedAudit(env, 3)
	env.DropAction(vault.FolderNeedsAction, vault.ActionEmailResponse, 10)

	d := NewDashboard(env.Layout, env.Auditor, time.Minute, env.Log)
	d.BindStates(func() []ServiceStatus {
		return []ServiceStatus{{Name: "dashboard_writer", State: StateRunning, Since: time.Now().UTC()}}
	})

	data, err := d.Collect()
	require.NoError(t, err)
	assert.Len(t, data.Folders, len(vault.PipelineFolders()))
	for _, fc := range data.Folders {
		if fc.Folder == vault.FolderNeedsAction {
			assert.Equal(t, 1, fc.Count)
		}
	}
	assert.Len(t, data.Tail, 3)
	require.Len(t, data.Services, 1)

	d.write()
	raw, err := os.ReadFile(env.Layout.File("", vault.DashboardFile))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "# Warren Dashboard")
	assert.Contains(t, string(raw), "| Needs_Action | 1 |")
}

func TestDashboardLifecycle(t *testing.T) {
	env := testutil.NewEnv(t)
	d := NewDashboard(env.Layout, env.Auditor, 10*time.Millisecond, env.Log)

	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()))

	// The loop renders once immediately.
	deadline := time.Now().Add(time.Second)
	path := env.Layout.File("", vault.DashboardFile)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "dashboard never rendered")
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.Error(t, d.HealthCheck(ctx))
}
