package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/testutil"
	"github.com/dyluth/warren/pkg/vault"
)

// fakeAdapter counts calls and records rollbacks so tests can assert the
// order the runner drove it in.
type fakeAdapter struct {
	kind        vault.StepKind
	execErr     error
	rollbackErr error
	failsLeft   int
	calls       int
	rollbacks   []string
}

func (a *fakeAdapter) Kind() vault.StepKind { return a.kind }

func (a *fakeAdapter) Execute(_ context.Context, step vault.Step) (string, error) {
	a.calls++
	if a.execErr != nil {
		return "", a.execErr
	}
	if a.failsLeft > 0 {
		a.failsLeft--
		return "", vault.Errorf(vault.KindStepFailed, "transient fault")
	}
	return fmt.Sprintf("tok-%d", step.Index), nil
}

func (a *fakeAdapter) Rollback(_ context.Context, _ vault.Step, token string) error {
	if a.rollbackErr != nil {
		return a.rollbackErr
	}
	a.rollbacks = append(a.rollbacks, token)
	return nil
}

func newTestRunner(env *testutil.Env, mode Mode, strategy Strategy, adapters Registry) *Runner {
	env.Cfg.Execution.Mode = string(mode)
	env.Cfg.Execution.RollbackStrategy = string(strategy)
	env.Cfg.Execution.StepTimeoutMs = 1_000
	env.Cfg.Execution.SimulatedMs = 1
	env.Cfg.Retry.BaseMs = 1
	env.Cfg.Retry.CapMs = 2
	env.Cfg.Retry.MaxAttempts = 2
	return NewRunner(env.Cfg, adapters, env.Auditor, env.Log)
}

func planWith(steps ...vault.Step) *vault.Plan {
	now := time.Now().UTC()
	return &vault.Plan{
		ID:        uuid.New().String(),
		ActionID:  uuid.New().String(),
		Title:     "test plan",
		CreatedAt: now,
		UpdatedAt: now,
		RiskLevel: vault.RiskLow,
		Steps:     steps,
	}
}

func TestRunnerDryRun(t *testing.T) {
	env := testutil.NewEnv(t)
	runner := newTestRunner(env, ModeDryRun, StrategyAutomatic, nil)

	plan := planWith(
		vault.Step{Index: 0, Kind: vault.StepFile, Description: "write draft", Reversible: true},
		vault.Step{Index: 1, Kind: vault.StepEmail, Description: "send it"},
	)
	result, err := runner.Run(context.Background(), plan, "corr-dry")
	require.NoError(t, err)

	assert.Equal(t, StepSucceeded, result.Steps[0].Status)
	assert.Equal(t, StepSucceeded, result.Steps[1].Status)
	assert.Equal(t, plan.ID+"/step-0", result.Steps[0].RollbackToken)
	assert.Empty(t, result.Steps[1].RollbackToken)
	assert.False(t, result.Compensated)

	entries, err := env.Auditor.Query(audit.Filter{EventType: audit.ExecutionCompleted, CorrelationID: "corr-dry"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunnerSimulated(t *testing.T) {
	env := testutil.NewEnv(t)
	runner := newTestRunner(env, ModeSimulated, StrategyAutomatic, nil)

	plan := planWith(
		vault.Step{Index: 0, Kind: vault.StepCalendar, Reversible: true,
			Params: map[string]any{"simulated_ms": 1}},
	)
	result, err := runner.Run(context.Background(), plan, "corr-sim")
	require.NoError(t, err)
	assert.Equal(t, StepSucceeded, result.Steps[0].Status)
	assert.Equal(t, plan.ID+"/step-0", result.Steps[0].RollbackToken)
}

func TestRunnerRealRunsAdapters(t *testing.T) {
	env := testutil.NewEnv(t)
	file := &fakeAdapter{kind: vault.StepFile}
	runner := newTestRunner(env, ModeReal, StrategyAutomatic, NewRegistry(file))

	plan := planWith(vault.Step{Index: 0, Kind: vault.StepFile, Reversible: true})
	result, err := runner.Run(context.Background(), plan, "corr-real")
	require.NoError(t, err)
	assert.Equal(t, 1, file.calls)
	assert.Equal(t, "tok-0", result.Steps[0].RollbackToken)
	assert.Empty(t, file.rollbacks)
}

func TestRunnerRetriesTransientFailures(t *testing.T) {
	env := testutil.NewEnv(t)
	file := &fakeAdapter{kind: vault.StepFile, failsLeft: 1}
	runner := newTestRunner(env, ModeReal, StrategyAutomatic, NewRegistry(file))

	plan := planWith(vault.Step{Index: 0, Kind: vault.StepFile, Reversible: true})
	_, err := runner.Run(context.Background(), plan, "corr-retry")
	require.NoError(t, err)
	assert.Equal(t, 2, file.calls)
}

func TestRunnerAutomaticRollback(t *testing.T) {
	env := testutil.NewEnv(t)
	email := &fakeAdapter{kind: vault.StepEmail}
	file := &fakeAdapter{kind: vault.StepFile}
	script := &fakeAdapter{kind: vault.StepScript,
		execErr: vault.Errorf(vault.KindSchemaInvalid, "bad params")}
	runner := newTestRunner(env, ModeReal, StrategyAutomatic, NewRegistry(email, file, script))

	plan := planWith(
		vault.Step{Index: 0, Kind: vault.StepEmail},
		vault.Step{Index: 1, Kind: vault.StepFile, Reversible: true},
		vault.Step{Index: 2, Kind: vault.StepScript},
	)
	result, err := runner.Run(context.Background(), plan, "corr-rb")
	require.Error(t, err)

	assert.True(t, result.Compensated)
	assert.False(t, result.RollbackFailed)
	assert.Equal(t, StepSucceeded, result.Steps[0].Status) // irreversible stays
	assert.Equal(t, StepRolledBack, result.Steps[1].Status)
	assert.Equal(t, StepFailed, result.Steps[2].Status)
	assert.Equal(t, []string{"tok-1"}, file.rollbacks)
	// The permanent error must not have been retried.
	assert.Equal(t, 1, script.calls)

	entries, err := env.Auditor.Query(audit.Filter{EventType: audit.RollbackNotSupported, CorrelationID: "corr-rb"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunnerRollbackFailure(t *testing.T) {
	env := testutil.NewEnv(t)
	file := &fakeAdapter{kind: vault.StepFile,
		rollbackErr: vault.Errorf(vault.KindRollbackFailed, "artifact vanished")}
	script := &fakeAdapter{kind: vault.StepScript,
		execErr: vault.Errorf(vault.KindSchemaInvalid, "bad params")}
	runner := newTestRunner(env, ModeReal, StrategyAutomatic, NewRegistry(file, script))

	plan := planWith(
		vault.Step{Index: 0, Kind: vault.StepFile, Reversible: true},
		vault.Step{Index: 1, Kind: vault.StepScript},
	)
	result, err := runner.Run(context.Background(), plan, "corr-rbfail")
	require.Error(t, err)
	assert.True(t, result.RollbackFailed)
	assert.False(t, result.Compensated)
}

func TestRunnerManualStrategyPreservesStack(t *testing.T) {
	env := testutil.NewEnv(t)
	file := &fakeAdapter{kind: vault.StepFile}
	script := &fakeAdapter{kind: vault.StepScript,
		execErr: vault.Errorf(vault.KindSchemaInvalid, "bad params")}
	runner := newTestRunner(env, ModeReal, StrategyManual, NewRegistry(file, script))

	plan := planWith(
		vault.Step{Index: 0, Kind: vault.StepFile, Reversible: true},
		vault.Step{Index: 1, Kind: vault.StepScript},
	)
	result, err := runner.Run(context.Background(), plan, "corr-manual")
	require.Error(t, err)
	assert.True(t, result.RollbackPending)
	assert.Equal(t, StepSucceeded, result.Steps[0].Status)
	assert.Empty(t, file.rollbacks)
}

func TestRunnerMissingAdapter(t *testing.T) {
	env := testutil.NewEnv(t)
	runner := newTestRunner(env, ModeReal, StrategyNone, NewRegistry())

	plan := planWith(vault.Step{Index: 0, Kind: vault.StepEmail})
	_, err := runner.Run(context.Background(), plan, "corr-missing")
	require.Error(t, err)
	assert.True(t, vault.IsKind(err, vault.KindStepFailed))
}

func TestParseModeAndStrategy(t *testing.T) {
	for _, raw := range []string{"dry_run", "real", "simulated"} {
		_, err := ParseMode(raw)
		assert.NoError(t, err, raw)
	}
	_, err := ParseMode("yolo")
	assert.Error(t, err)

	for _, raw := range []string{"automatic", "manual", "none"} {
		_, err := ParseStrategy(raw)
		assert.NoError(t, err, raw)
	}
	_, err = ParseStrategy("sometimes")
	assert.Error(t, err)
}
