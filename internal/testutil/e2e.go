// Package testutil builds disposable vaults for tests that exercise the
// pipeline end to end.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/vault"
)

// Env is an isolated vault with the shared plumbing most tests need: a
// configuration rooted in a temp directory, an open audit log, and a bus.
// Everything is cleaned up with the test.
type Env struct {
	T       *testing.T
	Cfg     *config.Config
	Layout  vault.Layout
	Auditor *audit.Log
	Bus     *bus.Bus
	Log     *slog.Logger
}

// NewEnv creates a vault under t.TempDir with default configuration.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, vault.EnsureLayout(root))

	cfg := config.Default(root)
	layout := vault.NewLayout(root)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	auditor, err := audit.Open(cfg.AuditPath(), layout.ChainSidecar(), log)
	require.NoError(t, err)

	b := bus.NewBus(log, cfg.Bus.HistorySize, cfg.Bus.SubscriberQueue)

	env := &Env{T: t, Cfg: cfg, Layout: layout, Auditor: auditor, Bus: b, Log: log}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		env.Bus.Close(ctx)
		env.Auditor.Close()
	})
	return env
}

// DropAction writes a valid action file into the named folder and returns
// its stem.
func (env *Env) DropAction(folder string, actionType vault.ActionType, durationMin int) string {
	env.T.Helper()

	action := &vault.Action{
		ID:                   uuid.New().String(),
		Type:                 actionType,
		Priority:             vault.PriorityMedium,
		CreatedAt:            time.Now().UTC(),
		Source:               "test",
		EstimatedDurationMin: durationMin,
	}
	path := env.Layout.File(folder, action.ID+vault.SuffixAction)
	require.NoError(env.T, vault.WriteActionFile(path, action))
	return action.ID
}

// DropPlan writes a valid plan file into the named folder and returns it.
func (env *Env) DropPlan(folder, actionID string, steps []vault.Step) *vault.Plan {
	env.T.Helper()

	now := time.Now().UTC()
	plan := &vault.Plan{
		ID:        uuid.New().String(),
		ActionID:  actionID,
		Title:     "test plan",
		CreatedAt: now,
		UpdatedAt: now,
		RiskLevel: vault.RiskLow,
		Steps:     steps,
	}
	path := env.Layout.File(folder, actionID+vault.SuffixPlan)
	require.NoError(env.T, vault.WritePlanFile(path, plan, "Test plan body.\n"))
	return plan
}

// WaitForFileIn polls until a file for stem appears in folder or the timeout
// passes.
func (env *Env) WaitForFileIn(folder, stem string, timeout time.Duration) string {
	env.T.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if path, err := vault.FindStemFile(env.Layout.Dir(folder), stem); err == nil {
			return path
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Failf(env.T, "file did not arrive", "stem %s never appeared in %s", stem, folder)
	return ""
}

// WaitForAudit polls until an audit entry of the given type exists.
func (env *Env) WaitForAudit(eventType string, timeout time.Duration) audit.Entry {
	env.T.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		entries, err := env.Auditor.Query(audit.Filter{EventType: eventType})
		if err == nil && len(entries) > 0 {
			return entries[len(entries)-1]
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Failf(env.T, "audit entry did not arrive", "no %s entry within %s", eventType, timeout)
	return audit.Entry{}
}

// FolderNames lists the non-hidden files currently in a folder.
func (env *Env) FolderNames(folder string) []string {
	env.T.Helper()

	entries, err := os.ReadDir(env.Layout.Dir(folder))
	require.NoError(env.T, err)
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) != "" && entry.Name()[0] != '.' {
			names = append(names, entry.Name())
		}
	}
	return names
}
