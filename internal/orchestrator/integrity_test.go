package orchestrator

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/testutil"
	"github.com/dyluth/warren/pkg/vault"
)

func seedAudit(env *testutil.Env, n int) {
	for i := 0; i < n; i++ {
		env.Auditor.MustAppend(audit.Request{
			EventType:  audit.IngestCompleted,
			Actor:      "seeder",
			Resource:   "file",
			ResourceID: "stem",
		})
	}
}

func TestIntegrityCheckClean(t *testing.T) {
	env := testutil.NewEnv(t)
	seedAudit(env, 5)

	m := NewIntegrityMonitor(env.Layout, env.Auditor, env.Bus, time.Minute, env.Log)
	state := m.Check()

	assert.True(t, state.OK)
	assert.GreaterOrEqual(t, state.Seq, int64(1))
	assert.LessOrEqual(t, state.Seq, int64(5))

	t.Run("verification is audited", func(t *testing.T) {
		entries, err := env.Auditor.Query(audit.Filter{EventType: audit.IntegrityVerified})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "integrity_monitor", entries[0].Actor)
	})

	t.Run("result is persisted", func(t *testing.T) {
		raw, err := os.ReadFile(env.Layout.File(vault.FolderIntegrity, vault.VerifyStateFile))
		require.NoError(t, err)
		var persisted VerifyState
		require.NoError(t, json.Unmarshal(raw, &persisted))
		assert.True(t, persisted.OK)
		assert.Equal(t, state.Seq, persisted.Seq)
	})
}

func TestIntegrityCheckEmptyLog(t *testing.T) {
	env := testutil.NewEnv(t)
	m := NewIntegrityMonitor(env.Layout, env.Auditor, env.Bus, time.Minute, env.Log)

	state := m.Check()
	assert.True(t, state.OK)
	assert.Zero(t, state.Seq)
}

func TestIntegrityCheckDetectsTampering(t *testing.T) {
	env := testutil.NewEnv(t)
	seedAudit(env, 5)

	// Rewriting the actor in every line breaks every entry hash, so the spot
	// check fails whichever seq it draws.
	path := env.Cfg.AuditPath()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.ReplaceAll(raw, []byte(`"seeder"`), []byte(`"forger"`))
	require.NotEqual(t, raw, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	m := NewIntegrityMonitor(env.Layout, env.Auditor, env.Bus, time.Minute, env.Log)
	state := m.Check()

	assert.False(t, state.OK)
	assert.NotEmpty(t, state.Error)

	broken, why := env.Auditor.Broken()
	assert.True(t, broken, "a failed spot check engages the append latch")
	assert.NotEmpty(t, why)
}
