package approval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/workflow"
	"github.com/dyluth/warren/pkg/vault"
)

const actorService = "approval_service"

// Service decides the fate of every plan that reaches the Plans folder. It
// assesses risk from the archived action, evaluates the rule list, stamps the
// assessment into the plan front-matter, writes the approval record, and
// routes the plan onward. Anything resting in Plans is by definition
// undecided, so the startup sweep re-drives whatever a previous run left
// there.
type Service struct {
	engine  *workflow.Engine
	bus     *bus.Bus
	auditor *audit.Log
	eval    *Evaluator
	records *Records
	log     *slog.Logger

	mu  sync.Mutex
	sub *bus.Subscription
}

func NewService(engine *workflow.Engine, b *bus.Bus, auditor *audit.Log, eval *Evaluator, log *slog.Logger) *Service {
	return &Service{
		engine:  engine,
		bus:     b,
		auditor: auditor,
		eval:    eval,
		records: NewRecords(engine.Layout()),
		log:     log.With("component", actorService),
	}
}

func (s *Service) Name() string { return actorService }

// Evaluator exposes the rule engine for SIGHUP reloads and status output.
func (s *Service) Evaluator() *Evaluator { return s.eval }

// Records exposes the record manager for the CLI approval commands.
func (s *Service) Records() *Records { return s.records }

func (s *Service) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(bus.EventPlanCreated, actorService, s.onPlanCreated)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.sweep(ctx)
	return nil
}

func (s *Service) Stop(_ context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	s.bus.Unsubscribe(sub)
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

func (s *Service) onPlanCreated(ctx context.Context, ev bus.Event) {
	stem, _ := ev.Payload["stem"].(string)
	if stem == "" {
		s.log.Warn("plan.created event without stem", "event_id", ev.EventID)
		return
	}
	if err := s.Decide(ctx, stem, ev.CorrelationID); err != nil {
		s.log.Error("approval decision failed", "stem", stem, "error", err)
	}
}

func (s *Service) sweep(ctx context.Context) {
	dir := s.engine.Layout().Dir(vault.FolderPlans)
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Warn("sweeping Plans", "error", err)
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
		if err := s.Decide(ctx, stem, s.correlationFor(stem)); err != nil {
			if vault.IsKind(err, vault.KindInvalidTransition) {
				continue
			}
			s.log.Error("deciding swept plan failed", "stem", stem, "error", err)
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

// Decide runs the full decision for the plan sitting in Plans: risk
// assessment, rule evaluation, front-matter stamp, approval record, audit,
// and the routing transition. A plan that cannot be assessed goes to Failed.
func (s *Service) Decide(ctx context.Context, stem, correlationID string) error {
	layout := s.engine.Layout()

	action, err := vault.ReadActionFile(layout.File(vault.FolderArchived, stem+vault.SuffixAction))
	if err != nil {
		return s.fail(ctx, stem, correlationID, err)
	}

	score, level := AssessRisk(action)
	outcome := s.eval.Evaluate(Subject{
		ActionType:  action.Type,
		RiskLevel:   level,
		DurationMin: action.EstimatedDurationMin,
	})

	plan, err := s.engine.UpdatePlan(ctx, stem, func(p *vault.Plan) {
		p.RiskScore = score
		p.RiskLevel = level
		p.RequiresApproval = outcome.Decision != vault.DecisionAutoApprove
		p.MatchedRuleID = outcome.MatchedRuleID
	})
	if err != nil {
		return s.fail(ctx, stem, correlationID, err)
	}

	rec, err := s.records.Create(plan, outcome)
	if err != nil {
		return s.fail(ctx, stem, correlationID, err)
	}

	s.auditor.MustAppend(audit.Request{
		EventType:     auditEventFor(outcome.Decision),
		Actor:         actorService,
		Resource:      "plan",
		ResourceID:    stem,
		CorrelationID: correlationID,
		Details: map[string]any{
			"plan_id":     plan.ID,
			"approval_id": rec.ID,
			"decision":    string(outcome.Decision),
			"rule_id":     outcome.MatchedRuleID,
			"risk_level":  string(level),
			"risk_score":  score,
			"reason":      outcome.Reason,
		},
	})

	s.log.Info("plan decided",
		"stem", stem, "decision", string(outcome.Decision),
		"rule_id", outcome.MatchedRuleID, "risk_level", string(level), "risk_score", score)
	return s.route(ctx, stem, correlationID, plan.ID, outcome.Decision)
}

// route moves the decided plan to the folder its decision demands.
func (s *Service) route(ctx context.Context, stem, correlationID, planID string, decision vault.Decision) error {
	meta := map[string]any{"plan_id": planID, "decision": string(decision)}

	switch decision {
	case vault.DecisionAutoApprove:
		_, err := s.engine.TransitionWithRetry(ctx, workflow.Request{
			Stem:          stem,
			From:          vault.StatePlans,
			To:            vault.StateExecutionPending,
			CorrelationID: correlationID,
			Metadata:      meta,
		})
		return err

	case vault.DecisionRequireApproval, vault.DecisionEscalate:
		_, err := s.engine.TransitionWithRetry(ctx, workflow.Request{
			Stem:          stem,
			From:          vault.StatePlans,
			To:            vault.StatePendingApproval,
			CorrelationID: correlationID,
			Metadata:      meta,
		})
		return err

	case vault.DecisionAutoReject:
		// The matrix has no direct edge out of Plans into Rejected; the
		// rejection walks the review states so the audit trail shows the
		// same path a human denial takes.
		hops := []struct{ from, to vault.State }{
			{vault.StatePlans, vault.StatePendingApproval},
			{vault.StatePendingApproval, vault.StateApprovalReview},
			{vault.StateApprovalReview, vault.StateRejected},
		}
		for _, hop := range hops {
			if _, err := s.engine.Transition(ctx, workflow.Request{
				Stem:          stem,
				From:          hop.from,
				To:            hop.to,
				CorrelationID: correlationID,
				Metadata:      meta,
			}); err != nil {
				return err
			}
		}
		return nil

	default:
		return vault.Errorf(vault.KindSchemaInvalid, "unknown decision %q for stem %s", decision, stem)
	}
}

func (s *Service) fail(ctx context.Context, stem, correlationID string, cause error) error {
	req := workflow.Request{
		Stem:          stem,
		From:          vault.StatePlans,
		To:            vault.StateFailed,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"error": cause.Error()},
	}
	if _, err := s.engine.TransitionWithRetry(ctx, req); err != nil {
		s.log.Error("moving undecidable plan to Failed", "stem", stem, "error", err)
	}
	return cause
}

// auditEventFor maps a decision to its audit event name.
func auditEventFor(d vault.Decision) string {
	switch d {
	case vault.DecisionAutoApprove:
		return audit.ApprovalAutoApprove
	case vault.DecisionAutoReject:
		return audit.ApprovalAutoReject
	case vault.DecisionEscalate:
		return audit.ApprovalEscalated
	default:
		return audit.ApprovalRequired
	}
}
