package orchestrator

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/vault"
)

func TestPIDFileClaim(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, vault.EnsureLayout(root))
	layout := vault.NewLayout(root)

	require.NoError(t, WritePIDFile(layout))
	pid, err := ReadPIDFile(layout)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	t.Run("live claim refuses a second daemon", func(t *testing.T) {
		assert.Error(t, WritePIDFile(layout))
	})

	t.Run("stale claim from a dead process is replaced", func(t *testing.T) {
		// Pids above the kernel's pid_max never name a live process.
		path := layout.File(vault.FolderSystemLog, vault.PIDFile)
		require.NoError(t, os.WriteFile(path, []byte("99999999\n"), 0o644))

		require.NoError(t, WritePIDFile(layout))
		pid, err := ReadPIDFile(layout)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("remove releases the claim", func(t *testing.T) {
		RemovePIDFile(layout)
		_, err := ReadPIDFile(layout)
		assert.Error(t, err)
		RemovePIDFile(layout) // idempotent
	})
}

func TestStatusRoundTrip(t *testing.T) {
	svc := &fakeService{name: "a"}
	o, env := newTestOrchestrator(t, svc)
	ctx := context.Background()
	require.NoError(t, o.StartAll(ctx))
	defer o.StopAll(ctx)

	o.writeStatus()

	st, err := ReadStatus(env.Layout)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, env.Layout.Root(), st.VaultPath)
	assert.False(t, st.AuditBroken)
	require.Len(t, st.Services, 1)
	assert.Equal(t, "a", st.Services[0].Name)
	assert.Equal(t, StateRunning, st.Services[0].State)
}

func TestReadStatusMissing(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, vault.EnsureLayout(root))
	_, err := ReadStatus(vault.NewLayout(root))
	assert.Error(t, err)
}
