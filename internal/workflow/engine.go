// Package workflow moves pipeline files between vault folders under the
// state machine in pkg/vault. Every move runs the same gauntlet: per-stem
// locking, edge validation, atomic move, audit, event publication, and
// correlation tracking. Retry with backoff and dead-letter quarantine sit on
// top of the single-shot transition.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/vault"
)

const actorEngine = "workflow_engine"

// Request names one edge to take for one stem. Metadata keys action_id and
// plan_id, when present, are bound to the correlation context and flow into
// the published event payload.
type Request struct {
	Stem          string
	From          vault.State
	To            vault.State
	CorrelationID string
	Metadata      map[string]any
}

// Engine executes folder transitions. Every mutation of pipeline files goes
// through here so locking, audit, events, and correlation tracking cannot be
// skipped.
type Engine struct {
	layout  vault.Layout
	locks   *Locker
	auditor *audit.Log
	bus     *bus.Bus
	tracker *Tracker
	dlq     *DeadLetters
	log     *slog.Logger

	retryBase   time.Duration
	retryCap    time.Duration
	maxAttempts int

	// states overlays the folder-derived state for stems sitting in a
	// logical state, one that shares its folder with the resting state.
	// Lost on restart; a lost overlay degrades to the folder's resting
	// state and the pipeline re-drives the item from there.
	stateMu sync.Mutex
	states  map[string]vault.State
}

func NewEngine(cfg *config.Config, auditor *audit.Log, b *bus.Bus, log *slog.Logger) *Engine {
	lg := log.With("component", actorEngine)
	layout := vault.NewLayout(cfg.VaultPath)
	return &Engine{
		layout:      layout,
		locks:       NewLocker(layout, auditor, lg, cfg.Lock.Timeout(), cfg.Lock.Stale()),
		auditor:     auditor,
		bus:         b,
		tracker:     NewTracker(lg),
		dlq:         NewDeadLetters(layout, auditor, b, lg),
		log:         lg,
		retryBase:   cfg.Retry.Base(),
		retryCap:    cfg.Retry.Cap(),
		maxAttempts: cfg.Retry.MaxAttempts,
		states:      make(map[string]vault.State),
	}
}

func (e *Engine) Layout() vault.Layout      { return e.layout }
func (e *Engine) Tracker() *Tracker         { return e.tracker }
func (e *Engine) DeadLetters() *DeadLetters { return e.dlq }

// Transition takes one edge for one stem. On success it returns the path the
// file now lives at; a transition between states sharing a folder leaves the
// file where it is. Failures are recorded in the correlation history either
// way.
func (e *Engine) Transition(ctx context.Context, req Request) (string, error) {
	if req.Stem == "" {
		return "", vault.Errorf(vault.KindSchemaInvalid, "transition request has no stem")
	}

	release, err := e.locks.Acquire(ctx, req.Stem)
	if err != nil {
		e.record(req, false, err)
		return "", err
	}
	defer release()

	newPath, err := e.locked(req)
	if err != nil {
		e.record(req, false, err)
		return "", err
	}

	e.bindIDs(req)
	e.publishTransition(req, newPath)
	e.record(req, true, nil)
	return newPath, nil
}

// locked performs validation, the move, and the completion audit. The stem
// lock is held by the caller.
func (e *Engine) locked(req Request) (string, error) {
	if cur, ok := e.overlayState(req.Stem); ok && cur != req.From {
		return "", e.refuse(req, fmt.Sprintf("stem is in %s", cur))
	}
	if !req.From.CanTransitionTo(req.To) {
		return "", e.refuse(req, "edge not in transition matrix")
	}

	fromFolder := physicalFolder(req.From)
	toFolder := physicalFolder(req.To)

	srcPath, err := vault.FindStemFile(e.layout.Dir(fromFolder), req.Stem)
	if err != nil {
		if vault.IsKind(err, vault.KindFileNotFound) {
			if actual, ok := e.locateStem(req.Stem); ok {
				return "", e.refuse(req, fmt.Sprintf("stem is in %s", actual))
			}
		}
		return "", err
	}

	newPath := srcPath
	if fromFolder != toFolder {
		dstPath := e.layout.File(toFolder, filepath.Base(srcPath))
		if err := vault.Move(srcPath, dstPath); err != nil {
			return "", err
		}
		newPath = dstPath
	}
	e.setOverlay(req.Stem, req.To, toFolder)

	e.auditor.MustAppend(audit.Request{
		EventType:     audit.TransitionCompleted,
		Actor:         actorEngine,
		Resource:      "file",
		ResourceID:    req.Stem,
		CorrelationID: req.CorrelationID,
		Details: map[string]any{
			"from": string(req.From),
			"to":   string(req.To),
			"path": e.layout.Rel(newPath),
		},
	})
	return newPath, nil
}

// refuse audits and returns an invalid-transition failure.
func (e *Engine) refuse(req Request, reason string) error {
	e.auditor.MustAppend(audit.Request{
		EventType:     audit.TransitionInvalid,
		Actor:         actorEngine,
		Resource:      "file",
		ResourceID:    req.Stem,
		CorrelationID: req.CorrelationID,
		Details: map[string]any{
			"from":   string(req.From),
			"to":     string(req.To),
			"reason": reason,
		},
	})
	return vault.Errorf(vault.KindInvalidTransition, "%s -> %s for stem %s: %s",
		req.From, req.To, req.Stem, reason)
}

// TransitionWithRetry drives Transition through the backoff schedule.
// Non-retryable failures surface immediately; exhausting the schedule
// quarantines the file in Dead_Letter.
func (e *Engine) TransitionWithRetry(ctx context.Context, req Request) (string, error) {
	var newPath string
	attempts := 0
	op := func() error {
		attempts++
		path, err := e.Transition(ctx, req)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			e.log.Warn("transition failed, will retry",
				"stem", req.Stem, "from", req.From, "to", req.To, "attempt", attempts, "error", err)
			return err
		}
		newPath = path
		return nil
	}

	pol := backoff.WithContext(
		backoff.WithMaxRetries(NewPolicy(e.retryBase, e.retryCap), uint64(e.maxAttempts-1)), ctx)
	err := backoff.Retry(op, pol)
	if err == nil {
		return newPath, nil
	}

	if retryable(err) && ctx.Err() == nil {
		// The schedule is spent and the file is still stuck. Quarantine it so
		// the pipeline does not spin on it forever.
		if _, qErr := e.Quarantine(ctx, req, err, attempts); qErr != nil {
			e.log.Error("dead letter admission failed", "stem", req.Stem, "error", qErr)
		}
	}
	return "", err
}

// Quarantine moves the stem's file into Dead_Letter and closes its
// correlation context.
func (e *Engine) Quarantine(ctx context.Context, req Request, cause error, attempts int) (string, error) {
	release, err := e.locks.Acquire(ctx, req.Stem)
	if err != nil {
		return "", err
	}
	defer release()

	snapshot := map[string]string{}
	if c, ok := e.tracker.Lookup(req.CorrelationID); ok {
		if c.ActionID != "" {
			snapshot["action_id"] = c.ActionID
		}
		if c.PlanID != "" {
			snapshot["plan_id"] = c.PlanID
		}
	}

	dlqPath, err := e.dlq.Admit(Admission{
		Stem:          req.Stem,
		SourceState:   req.From,
		CorrelationID: req.CorrelationID,
		Cause:         cause,
		Attempts:      attempts,
		Context:       snapshot,
	})
	if err != nil {
		return "", err
	}

	e.clearOverlay(req.Stem)
	e.record(Request{
		Stem:          req.Stem,
		From:          req.From,
		To:            vault.StateDeadLetter,
		CorrelationID: req.CorrelationID,
	}, true, nil)
	return dlqPath, nil
}

// CurrentState reports where a stem is right now: the overlay when a logical
// state is active, otherwise the resting state of the folder holding it.
func (e *Engine) CurrentState(stem string) (vault.State, bool) {
	if s, ok := e.overlayState(stem); ok {
		return s, true
	}
	return e.locateStem(stem)
}

// physicalFolder maps a state to the folder its file rests in. RETRY is the
// one state without a folder of its own; a retrying file stays in Failed.
func physicalFolder(s vault.State) string {
	if folder, ok := s.Folder(); ok {
		return folder
	}
	return vault.FolderFailed
}

func (e *Engine) overlayState(stem string) (vault.State, bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	s, ok := e.states[stem]
	return s, ok
}

func (e *Engine) setOverlay(stem string, to vault.State, toFolder string) {
	canonical, _ := vault.CanonicalState(toFolder)
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if to == canonical {
		delete(e.states, stem)
	} else {
		e.states[stem] = to
	}
}

func (e *Engine) clearOverlay(stem string) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	delete(e.states, stem)
}

// locateStem searches every resting folder for the stem's file and reports
// the state that folder implies.
func (e *Engine) locateStem(stem string) (vault.State, bool) {
	for _, folder := range vault.PipelineFolders() {
		_, err := vault.FindStemFile(e.layout.Dir(folder), stem)
		if err == nil || vault.IsKind(err, vault.KindSchemaInvalid) {
			if state, ok := vault.CanonicalState(folder); ok {
				return state, true
			}
		}
	}
	return "", false
}

func (e *Engine) bindIDs(req Request) {
	if id, ok := req.Metadata["action_id"].(string); ok && id != "" {
		e.tracker.BindAction(req.CorrelationID, id)
	}
	if id, ok := req.Metadata["plan_id"].(string); ok && id != "" {
		e.tracker.BindPlan(req.CorrelationID, id)
	}
}

func (e *Engine) record(req Request, success bool, err error) {
	change := StateChange{
		From:    req.From,
		To:      req.To,
		At:      time.Now().UTC(),
		Success: success,
	}
	if err != nil {
		change.Err = err.Error()
	}
	e.tracker.Record(req.CorrelationID, change)
}

func (e *Engine) publishTransition(req Request, newPath string) {
	etype, terminal, ok := pipelineEvent(physicalFolder(req.From), physicalFolder(req.To))
	if !ok {
		return
	}
	payload := make(map[string]any, len(req.Metadata)+5)
	for k, v := range req.Metadata {
		payload[k] = v
	}
	payload["stem"] = req.Stem
	payload["from_state"] = string(req.From)
	payload["to_state"] = string(req.To)
	payload["path"] = e.layout.Rel(newPath)
	if terminal {
		payload["terminal"] = true
	}
	if err := e.bus.Publish(bus.New(etype, actorEngine, req.CorrelationID, payload)); err != nil {
		e.log.Warn("publishing transition event",
			"stem", req.Stem, "event_type", etype, "error", err)
	}
}

// pipelineEvent maps a physical folder move to the event watchers see.
// Transitions inside one folder publish nothing here; services that change
// meaning without moving a file publish their own events.
func pipelineEvent(fromFolder, toFolder string) (etype bus.EventType, terminal, ok bool) {
	if fromFolder == toFolder {
		return "", false, false
	}
	switch toFolder {
	case vault.FolderFailed:
		return bus.EventActionFailed, false, true
	case vault.FolderDeadLetter:
		return bus.EventActionFailed, true, true
	}
	switch {
	case fromFolder == vault.FolderInbox && toFolder == vault.FolderNeedsAction:
		return bus.EventActionGenerated, false, true
	case fromFolder == vault.FolderNeedsAction && toFolder == vault.FolderPlans:
		return bus.EventPlanCreated, false, true
	case fromFolder == vault.FolderPlans && toFolder == vault.FolderPendingApproval:
		return bus.EventApprovalRequired, false, true
	case fromFolder == vault.FolderPlans && toFolder == vault.FolderApproved,
		fromFolder == vault.FolderPendingApproval && toFolder == vault.FolderApproved:
		return bus.EventActionApproved, false, true
	case fromFolder == vault.FolderApproved && toFolder == vault.FolderDone:
		return bus.EventPlanExecutionCompleted, false, true
	case fromFolder == vault.FolderPendingApproval && toFolder == vault.FolderRejected:
		return bus.EventApprovalDenied, false, true
	}
	return bus.EventFileMoved, false, true
}
