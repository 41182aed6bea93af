package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/workflow"
	"github.com/dyluth/warren/pkg/vault"
)

const actorRunner = "execution_engine"

// Mode selects how steps take effect.
type Mode string

const (
	ModeDryRun    Mode = "dry_run"
	ModeReal      Mode = "real"
	ModeSimulated Mode = "simulated"
)

// Strategy selects what happens to the rollback stack after a step failure.
type Strategy string

const (
	StrategyAutomatic Strategy = "automatic"
	StrategyManual    Strategy = "manual"
	StrategyNone      Strategy = "none"
)

// StepStatus is the lifecycle of one step within a run.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepSucceeded  StepStatus = "succeeded"
	StepFailed     StepStatus = "failed"
	StepRolledBack StepStatus = "rolled_back"
)

// StepResult records how one step went. Results live in the audit trail and
// the run summary; they are never written into the plan file.
type StepResult struct {
	Index         int        `json:"index"`
	Status        StepStatus `json:"status"`
	DurationMs    int64      `json:"duration_ms"`
	Error         string     `json:"error,omitempty"`
	RollbackToken string     `json:"rollback_token,omitempty"`
}

// RunResult summarises one plan execution.
type RunResult struct {
	PlanID          string       `json:"plan_id"`
	Mode            Mode         `json:"mode"`
	Strategy        Strategy     `json:"strategy"`
	Steps           []StepResult `json:"steps"`
	Compensated     bool         `json:"compensated"`      // Automatic rollback ran to completion
	RollbackPending bool         `json:"rollback_pending"` // Manual strategy preserved the stack
	RollbackFailed  bool         `json:"rollback_failed"`  // A compensation itself failed
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
}

// frame is one rollback stack entry. Every succeeded step is pushed; popping
// a non-reversible one records rollback.not_supported and moves on.
type frame struct {
	step  vault.Step
	token string
}

// Runner executes plans. It is stateless across runs; the service layer owns
// which plan runs when.
type Runner struct {
	adapters Registry
	auditor  *audit.Log
	log      *slog.Logger

	mode        Mode
	strategy    Strategy
	stepTimeout time.Duration
	simulated   time.Duration
	retryBase   time.Duration
	retryCap    time.Duration
	maxAttempts int
}

func NewRunner(cfg *config.Config, adapters Registry, auditor *audit.Log, log *slog.Logger) *Runner {
	return &Runner{
		adapters:    adapters,
		auditor:     auditor,
		log:         log.With("component", actorRunner),
		mode:        Mode(cfg.Execution.Mode),
		strategy:    Strategy(cfg.Execution.RollbackStrategy),
		stepTimeout: cfg.Execution.StepTimeout(),
		simulated:   cfg.Execution.SimulatedDelay(),
		retryBase:   cfg.Retry.Base(),
		retryCap:    cfg.Retry.Cap(),
		maxAttempts: cfg.Retry.MaxAttempts,
	}
}

// Run executes every step of the plan in index order. A nil error means all
// steps succeeded. On failure the returned result tells the caller what state
// the run left behind: fully compensated, stack preserved for an operator, or
// a failed rollback that demands quarantine.
func (r *Runner) Run(ctx context.Context, plan *vault.Plan, correlationID string) (*RunResult, error) {
	result := &RunResult{
		PlanID:    plan.ID,
		Mode:      r.mode,
		Strategy:  r.strategy,
		Steps:     make([]StepResult, len(plan.Steps)),
		StartedAt: time.Now().UTC(),
	}
	for i := range plan.Steps {
		result.Steps[i] = StepResult{Index: i, Status: StepPending}
	}

	r.auditor.MustAppend(audit.Request{
		EventType:     audit.ExecutionStarted,
		Actor:         actorRunner,
		Resource:      "plan",
		ResourceID:    plan.ActionID,
		CorrelationID: correlationID,
		Details: map[string]any{
			"plan_id": plan.ID,
			"mode":    string(r.mode),
			"steps":   len(plan.Steps),
		},
	})

	var stack []frame
	for i := range plan.Steps {
		step := plan.Steps[i]
		res := &result.Steps[i]
		res.Status = StepRunning
		stepStart := time.Now()

		token, err := r.runStep(ctx, plan, step)
		res.DurationMs = time.Since(stepStart).Milliseconds()
		if err != nil {
			res.Status = StepFailed
			res.Error = err.Error()
			r.auditStep(audit.StepFailed, plan, step, correlationID, map[string]any{
				"error":       err.Error(),
				"kind":        string(vault.KindOf(err)),
				"duration_ms": res.DurationMs,
			})
			r.applyStrategy(ctx, plan, correlationID, stack, result)
			result.FinishedAt = time.Now().UTC()
			r.auditor.MustAppend(audit.Request{
				EventType:     audit.ExecutionFailed,
				Actor:         actorRunner,
				Resource:      "plan",
				ResourceID:    plan.ActionID,
				CorrelationID: correlationID,
				Details: map[string]any{
					"plan_id":     plan.ID,
					"failed_step": step.Index,
					"error":       err.Error(),
					"compensated": result.Compensated,
				},
			})
			return result, err
		}

		res.Status = StepSucceeded
		res.RollbackToken = token
		stack = append(stack, frame{step: step, token: token})
		r.auditStep(audit.StepSucceeded, plan, step, correlationID, map[string]any{
			"reversible":  step.Reversible,
			"duration_ms": res.DurationMs,
		})
	}

	result.FinishedAt = time.Now().UTC()
	r.auditor.MustAppend(audit.Request{
		EventType:     audit.ExecutionCompleted,
		Actor:         actorRunner,
		Resource:      "plan",
		ResourceID:    plan.ActionID,
		CorrelationID: correlationID,
		Details: map[string]any{
			"plan_id":     plan.ID,
			"mode":        string(r.mode),
			"duration_ms": result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		},
	})
	return result, nil
}

// runStep drives one step through the retry schedule. Non-retryable failures
// surface immediately; retryable ones get the same backoff the transition
// engine uses.
func (r *Runner) runStep(ctx context.Context, plan *vault.Plan, step vault.Step) (string, error) {
	var token string
	op := func() error {
		t, err := r.executeOnce(ctx, plan, step)
		if err != nil {
			if !vault.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			r.log.Warn("step failed, will retry",
				"plan_id", plan.ID, "step", step.Index, "kind", string(step.Kind), "error", err)
			return err
		}
		token = t
		return nil
	}
	pol := backoff.WithContext(
		backoff.WithMaxRetries(workflow.NewPolicy(r.retryBase, r.retryCap), uint64(r.maxAttempts-1)), ctx)
	if err := backoff.Retry(op, pol); err != nil {
		return "", err
	}
	return token, nil
}

// executeOnce performs a single attempt under the step's soft deadline.
func (r *Runner) executeOnce(ctx context.Context, plan *vault.Plan, step vault.Step) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()

	var token string
	var err error
	switch r.mode {
	case ModeDryRun:
		r.log.Info("would execute",
			"plan_id", plan.ID, "step", step.Index,
			"kind", string(step.Kind), "description", step.Description)
		if step.Reversible {
			token = tokenFor(plan.ID, step)
		}

	case ModeSimulated:
		select {
		case <-time.After(r.simulatedDelayFor(step)):
		case <-stepCtx.Done():
			err = stepCtx.Err()
		}
		if err == nil && step.Reversible {
			token = tokenFor(plan.ID, step)
		}

	case ModeReal:
		adapter, ok := r.adapters[step.Kind]
		if !ok {
			return "", missingAdapter(step)
		}
		token, err = adapter.Execute(stepCtx, step)

	default:
		return "", vault.Errorf(vault.KindSchemaInvalid, "unknown execution mode %q", r.mode)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", vault.Errorf(vault.KindStepTimeout,
				"step %d overran its %s deadline", step.Index, r.stepTimeout)
		}
		if vault.KindOf(err) != "" {
			return "", err
		}
		return "", vault.WrapError(vault.KindStepFailed, err, "step %d (%s)", step.Index, step.Kind)
	}
	return token, nil
}

// simulatedDelayFor honours params.simulated_ms, falling back to the
// configured default. YAML numbers decode as int; JSON-shaped params may
// carry float64.
func (r *Runner) simulatedDelayFor(step vault.Step) time.Duration {
	switch v := step.Params["simulated_ms"].(type) {
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	default:
		return r.simulated
	}
}

// applyStrategy handles the rollback stack after a step failure.
func (r *Runner) applyStrategy(ctx context.Context, plan *vault.Plan, correlationID string, stack []frame, result *RunResult) {
	switch r.strategy {
	case StrategyAutomatic:
		r.compensate(ctx, plan, correlationID, stack, result)
	case StrategyManual:
		result.RollbackPending = true
		r.log.Warn("rollback stack preserved for operator",
			"plan_id", plan.ID, "frames", len(stack))
	case StrategyNone:
	}
}

// compensate pops the stack in reverse, invoking each reversible step's
// compensation. A failed compensation stops the pop: the remaining frames are
// unreachable anyway once the plan is quarantined.
func (r *Runner) compensate(ctx context.Context, plan *vault.Plan, correlationID string, stack []frame, result *RunResult) {
	completed := true
	for i := len(stack) - 1; i >= 0; i-- {
		f := stack[i]
		if !f.step.Reversible {
			r.auditStep(audit.RollbackNotSupported, plan, f.step, correlationID, nil)
			continue
		}
		if err := r.rollbackOnce(ctx, f); err != nil {
			completed = false
			result.RollbackFailed = true
			result.Steps[f.step.Index].Error = err.Error()
			r.auditStep(audit.RollbackFailed, plan, f.step, correlationID, map[string]any{
				"error": err.Error(),
				"token": f.token,
			})
			break
		}
		result.Steps[f.step.Index].Status = StepRolledBack
		r.auditStep(audit.RollbackCompleted, plan, f.step, correlationID, map[string]any{
			"token": f.token,
		})
	}
	result.Compensated = completed
}

// rollbackOnce invokes one compensation. Outside real mode there is nothing
// to undo, so the pop succeeds by definition.
func (r *Runner) rollbackOnce(ctx context.Context, f frame) error {
	if r.mode != ModeReal {
		return nil
	}
	adapter, ok := r.adapters[f.step.Kind]
	if !ok {
		return vault.Errorf(vault.KindRollbackFailed,
			"no adapter registered for %s step %d", f.step.Kind, f.step.Index)
	}
	rbCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()
	return adapter.Rollback(rbCtx, f.step, f.token)
}

func (r *Runner) auditStep(eventType string, plan *vault.Plan, step vault.Step, correlationID string, extra map[string]any) {
	details := map[string]any{
		"plan_id": plan.ID,
		"step":    step.Index,
		"kind":    string(step.Kind),
	}
	for k, v := range extra {
		details[k] = v
	}
	r.auditor.MustAppend(audit.Request{
		EventType:     eventType,
		Actor:         actorRunner,
		Resource:      "step",
		ResourceID:    plan.ActionID,
		CorrelationID: correlationID,
		Details:       details,
	})
}

// ParseMode validates a configured execution mode.
func ParseMode(raw string) (Mode, error) {
	m := Mode(raw)
	switch m {
	case ModeDryRun, ModeReal, ModeSimulated:
		return m, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", raw)
}

// ParseStrategy validates a configured rollback strategy.
func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(raw)
	switch s {
	case StrategyAutomatic, StrategyManual, StrategyNone:
		return s, nil
	}
	return "", fmt.Errorf("unknown rollback strategy %q", raw)
}
