package workflow

import (
	"context"
	"os"
	"time"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/pkg/vault"
)

// WithLock runs fn while holding the stem's two-level lock. Services use it
// for multi-file edits that must not interleave with a transition.
func (e *Engine) WithLock(ctx context.Context, stem string, fn func() error) error {
	release, err := e.locks.Acquire(ctx, stem)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// CompletePlanning finishes the ACTION_PROCESSING -> PLANS edge. The plan
// file is the stem's pipeline file from here on; the action YAML moves to
// Archived for provenance, the same handoff Ingest performs for the raw drop.
func (e *Engine) CompletePlanning(ctx context.Context, correlationID string, plan *vault.Plan, body string) (string, error) {
	stem := plan.ActionID
	req := Request{
		Stem:          stem,
		From:          vault.StateActionProcessing,
		To:            vault.StatePlans,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"plan_id": plan.ID},
	}

	release, err := e.locks.Acquire(ctx, stem)
	if err != nil {
		e.record(req, false, err)
		return "", err
	}
	defer release()

	if cur, ok := e.overlayState(stem); ok && cur != vault.StateActionProcessing {
		err := e.refuse(req, "stem is in "+string(cur))
		e.record(req, false, err)
		return "", err
	}

	actionPath, err := vault.FindStemFile(e.layout.Dir(vault.FolderNeedsAction), stem)
	if err != nil {
		e.record(req, false, err)
		return "", err
	}

	plan.CorrelationID = correlationID
	plan.UpdatedAt = time.Now().UTC()
	planPath := e.layout.File(vault.FolderPlans, stem+vault.SuffixPlan)
	if err := vault.WritePlanFile(planPath, plan, body); err != nil {
		e.record(req, false, err)
		return "", err
	}

	archivedPath := e.layout.File(vault.FolderArchived, stem+vault.SuffixAction)
	if err := vault.Move(actionPath, archivedPath); err != nil {
		// Leaving both files in place would break one-file-per-stem on the
		// next scan. Undo the plan write and surface the failure.
		if rmErr := os.Remove(planPath); rmErr != nil && !os.IsNotExist(rmErr) {
			e.log.Error("orphaned plan file after failed archive", "path", planPath, "error", rmErr)
		}
		e.record(req, false, err)
		return "", err
	}

	e.clearOverlay(stem)
	e.tracker.BindPlan(correlationID, plan.ID)

	e.auditor.MustAppend(audit.Request{
		EventType:     audit.PlanCreated,
		Actor:         actorEngine,
		Resource:      "file",
		ResourceID:    stem,
		CorrelationID: correlationID,
		Details: map[string]any{
			"from":     string(vault.StateActionProcessing),
			"to":       string(vault.StatePlans),
			"plan_id":  plan.ID,
			"path":     e.layout.Rel(planPath),
			"archived": e.layout.Rel(archivedPath),
			"steps":    len(plan.Steps),
		},
	})

	e.publishTransition(req, planPath)
	e.record(req, true, nil)
	return planPath, nil
}

// UpdatePlan rewrites the plan front-matter in place under the stem lock.
// The Markdown body is preserved; UpdatedAt is bumped on every rewrite.
func (e *Engine) UpdatePlan(ctx context.Context, stem string, mutate func(*vault.Plan)) (*vault.Plan, error) {
	var updated *vault.Plan
	err := e.WithLock(ctx, stem, func() error {
		path, err := vault.FindStemFile(e.layout.Dir(vault.FolderPlans), stem)
		if err != nil {
			return err
		}
		plan, body, err := vault.ReadPlanFile(path)
		if err != nil {
			return err
		}
		mutate(plan)
		plan.UpdatedAt = time.Now().UTC()
		if err := vault.WritePlanFile(path, plan, body); err != nil {
			return err
		}
		updated = plan
		return nil
	})
	return updated, err
}
