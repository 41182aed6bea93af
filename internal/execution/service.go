package execution

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/warren/internal/approval"
	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/workflow"
	"github.com/dyluth/warren/pkg/vault"
)

const actorService = "execution_service"

// Service runs every plan that reaches the Approved folder. Two paths feed
// it: the action.approved event for pipeline-driven approvals, and a folder
// poll that catches plans dropped into Approved by hand and work left behind
// by a previous run. A manual move counts as a manual approval; the service
// resolves the open record under approver "manual" before executing.
type Service struct {
	engine  *workflow.Engine
	bus     *bus.Bus
	auditor *audit.Log
	runner  *Runner
	records *approval.Records
	poll    time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(engine *workflow.Engine, b *bus.Bus, auditor *audit.Log, runner *Runner, records *approval.Records, poll time.Duration, log *slog.Logger) *Service {
	return &Service{
		engine:  engine,
		bus:     b,
		auditor: auditor,
		runner:  runner,
		records: records,
		poll:    poll,
		log:     log.With("component", actorService),
	}
}

func (s *Service) Name() string { return actorService }

func (s *Service) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(bus.EventActionApproved, actorService, s.onApproved)
	if err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.sub = sub
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.pollLoop(pollCtx, done)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sub, cancel, done := s.sub, s.cancel, s.done
	s.sub, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	s.bus.Unsubscribe(sub)
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) HealthCheck(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return fmt.Errorf("%s: not subscribed", actorService)
	}
	return nil
}

func (s *Service) onApproved(ctx context.Context, ev bus.Event) {
	stem, _ := ev.Payload["stem"].(string)
	if stem == "" {
		s.log.Warn("action.approved event without stem", "event_id", ev.EventID)
		return
	}
	if err := s.Execute(ctx, stem, ev.CorrelationID); err != nil {
		if !vault.IsKind(err, vault.KindInvalidTransition) {
			s.log.Error("execution failed", "stem", stem, "error", err)
		}
	}
}

// pollLoop sweeps the Approved folder. The first sweep runs immediately so
// restart recovery does not wait a full period.
func (s *Service) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	dir := s.engine.Layout().Dir(vault.FolderApproved)
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Warn("sweeping Approved", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), vault.SuffixPlan) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		stem := vault.Stem(entry.Name())
		if err := s.Execute(ctx, stem, s.correlationFor(stem)); err != nil {
			// The event path losing the race to the poller, or vice versa,
			// shows up as an invalid transition and is not a fault.
			if vault.IsKind(err, vault.KindInvalidTransition) {
				continue
			}
			s.log.Error("executing swept plan failed", "stem", stem, "error", err)
		}
	}
}

func (s *Service) correlationFor(stem string) string {
	if c, ok := s.engine.Tracker().ByActionID(stem); ok {
		return c.CorrelationID
	}
	corr := uuid.New().String()
	s.engine.Tracker().BindAction(corr, stem)
	return corr
}

// Execute claims the stem's plan out of Approved and runs it to a terminal
// folder. The claim transition serialises the event path, the poller, and any
// concurrent peer: exactly one caller wins the EXECUTING edge.
func (s *Service) Execute(ctx context.Context, stem, correlationID string) error {
	from, ok := s.engine.CurrentState(stem)
	if !ok {
		return vault.Errorf(vault.KindFileNotFound, "no pipeline file for stem %s", stem)
	}
	switch from {
	case vault.StateApproved, vault.StateExecutionPending:
	default:
		return vault.Errorf(vault.KindInvalidTransition,
			"stem %s is in %s, not awaiting execution", stem, from)
	}

	if _, err := s.engine.Transition(ctx, workflow.Request{
		Stem:          stem,
		From:          from,
		To:            vault.StateExecuting,
		CorrelationID: correlationID,
	}); err != nil {
		return err
	}

	plan, err := s.readPlan(stem)
	if err != nil {
		return s.fail(ctx, stem, correlationID, false, err)
	}
	s.settleApproval(stem, plan, correlationID)

	result, runErr := s.runner.Run(ctx, plan, correlationID)
	if runErr == nil {
		return s.succeed(ctx, stem, correlationID, plan, result)
	}
	if result.RollbackFailed {
		req := workflow.Request{
			Stem:          stem,
			From:          vault.StateExecuting,
			To:            vault.StateDeadLetter,
			CorrelationID: correlationID,
			Metadata:      map[string]any{"plan_id": plan.ID},
		}
		if _, qErr := s.engine.Quarantine(ctx, req, runErr, 1); qErr != nil {
			s.log.Error("quarantining plan after failed rollback", "stem", stem, "error", qErr)
			return qErr
		}
		return runErr
	}
	return s.fail(ctx, stem, correlationID, result.Compensated, runErr)
}

func (s *Service) readPlan(stem string) (*vault.Plan, error) {
	path, err := vault.FindStemFile(s.engine.Layout().Dir(vault.FolderApproved), stem)
	if err != nil {
		return nil, err
	}
	plan, _, err := vault.ReadPlanFile(path)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// settleApproval reconciles the approval record with the fact the plan is
// about to run. A human approval resolved by the CLI is audited here, on the
// daemon side, because the audit log has a single writer. An unresolved
// record means the file was moved into Approved by hand, which counts as a
// manual approval.
func (s *Service) settleApproval(stem string, plan *vault.Plan, correlationID string) {
	rec, err := s.records.Get(stem)
	if err != nil {
		s.log.Warn("plan has no approval record, treating as manual approval", "stem", stem)
		s.auditor.MustAppend(audit.Request{
			EventType:     audit.ApprovalGranted,
			Actor:         actorService,
			Resource:      "plan",
			ResourceID:    stem,
			CorrelationID: correlationID,
			Details:       map[string]any{"plan_id": plan.ID, "approver": "manual"},
		})
		return
	}

	if !rec.Resolved() {
		resolved, err := s.records.Resolve(stem, "manual", "approved by manual move into Approved", true)
		if err != nil {
			s.log.Warn("resolving record for manually moved plan", "stem", stem, "error", err)
			return
		}
		rec = resolved
	}

	// Auto-approvals were audited when the rule fired; only human or manual
	// grants are audited at pickup.
	if rec.Approver != "" {
		s.auditor.MustAppend(audit.Request{
			EventType:     audit.ApprovalGranted,
			Actor:         actorService,
			Resource:      "plan",
			ResourceID:    stem,
			CorrelationID: correlationID,
			Details: map[string]any{
				"plan_id":     plan.ID,
				"approval_id": rec.ID,
				"approver":    rec.Approver,
				"reason":      rec.Reason,
			},
		})
	}
}

func (s *Service) succeed(ctx context.Context, stem, correlationID string, plan *vault.Plan, result *RunResult) error {
	if _, err := s.engine.TransitionWithRetry(ctx, workflow.Request{
		Stem:          stem,
		From:          vault.StateExecuting,
		To:            vault.StateExecuted,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"plan_id": plan.ID, "mode": string(result.Mode)},
	}); err != nil {
		return err
	}
	if _, err := s.engine.Transition(ctx, workflow.Request{
		Stem:          stem,
		From:          vault.StateExecuted,
		To:            vault.StateDone,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"plan_id": plan.ID},
	}); err != nil {
		return err
	}
	s.log.Info("plan executed",
		"stem", stem, "plan_id", plan.ID,
		"mode", string(result.Mode), "steps", len(result.Steps))
	return nil
}

func (s *Service) fail(ctx context.Context, stem, correlationID string, compensated bool, cause error) error {
	req := workflow.Request{
		Stem:          stem,
		From:          vault.StateExecuting,
		To:            vault.StateFailed,
		CorrelationID: correlationID,
		Metadata: map[string]any{
			"error":       cause.Error(),
			"compensated": compensated,
		},
	}
	if _, err := s.engine.TransitionWithRetry(ctx, req); err != nil {
		s.log.Error("moving failed plan to Failed", "stem", stem, "error", err)
	}
	return cause
}
