package watch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/testutil"
	"github.com/dyluth/warren/internal/workflow"
	"github.com/dyluth/warren/pkg/vault"
)

func newIngestFixture(t *testing.T) (*testutil.Env, *workflow.Engine, *IngestService) {
	t.Helper()
	env := testutil.NewEnv(t)
	engine := workflow.NewEngine(env.Cfg, env.Auditor, env.Bus, env.Log)
	svc := NewIngestService(engine, env.Bus, env.Log)
	return env, engine, svc
}

func dropRaw(t *testing.T, env *testutil.Env, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(env.Layout.File(vault.FolderInbox, name), []byte(content), 0o644))
}

func TestIngestSweepOnStart(t *testing.T) {
	env, _, svc := newIngestFixture(t)

	dropRaw(t, env, "meeting.yaml", "type: meeting_request\nsource: gmail\nestimated_duration_min: 45\n")
	dropRaw(t, env, ".hidden", "ignored")
	dropRaw(t, env, "partial.tmp", "ignored")

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	entry := env.WaitForAudit(audit.IngestCompleted, 2*time.Second)
	assert.Equal(t, "meeting.yaml", entry.Details["raw"])
	assert.Equal(t, "meeting_request", entry.Details["type"])

	names := env.FolderNames(vault.FolderNeedsAction)
	require.Len(t, names, 1, "hidden and temp files must not be ingested")

	// The raw drop is archived under the action's stem.
	assert.NoFileExists(t, env.Layout.File(vault.FolderInbox, "meeting.yaml"))
	assert.NotEmpty(t, env.FolderNames(vault.FolderArchived))
}

func TestIngestOnFileCreatedEvent(t *testing.T) {
	env, _, svc := newIngestFixture(t)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	dropRaw(t, env, "note.md", "free-form text, no structure")
	require.NoError(t, env.Bus.Publish(bus.New(bus.EventFileCreated, "file_watcher", "", map[string]any{
		"folder": vault.FolderInbox,
		"name":   "note.md",
	})))

	entry := env.WaitForAudit(audit.IngestCompleted, 2*time.Second)
	assert.Equal(t, "note.md", entry.Details["raw"])
	assert.Equal(t, string(vault.ActionOther), entry.Details["type"])
}

func TestIngestIgnoresOtherFolders(t *testing.T) {
	env, _, svc := newIngestFixture(t)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	require.NoError(t, env.Bus.Publish(bus.New(bus.EventFileCreated, "file_watcher", "", map[string]any{
		"folder": vault.FolderPlans,
		"name":   "something.plan.md",
	})))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, env.FolderNames(vault.FolderNeedsAction))
}

func TestIngestHealth(t *testing.T) {
	_, _, svc := newIngestFixture(t)
	assert.Error(t, svc.HealthCheck(context.Background()))

	require.NoError(t, svc.Start(context.Background()))
	assert.NoError(t, svc.HealthCheck(context.Background()))

	require.NoError(t, svc.Stop(context.Background()))
	assert.Error(t, svc.HealthCheck(context.Background()))
}
