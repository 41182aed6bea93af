package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/workflow"
	"github.com/dyluth/warren/pkg/vault"
)

const actorService = "planner_service"

// Service drives actions from NEEDS_ACTION to PLANS. It subscribes to
// action.generated and, on start, sweeps Needs_Action for work left behind by
// a previous run, since the overlay states do not survive a restart.
type Service struct {
	engine  *workflow.Engine
	bus     *bus.Bus
	planner Planner
	log     *slog.Logger

	mu  sync.Mutex
	sub *bus.Subscription
}

func NewService(engine *workflow.Engine, b *bus.Bus, p Planner, log *slog.Logger) *Service {
	return &Service{
		engine:  engine,
		bus:     b,
		planner: p,
		log:     log.With("component", actorService),
	}
}

func (s *Service) Name() string { return actorService }

// Start subscribes to action.generated and sweeps actions already resting in
// Needs_Action.
func (s *Service) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(bus.EventActionGenerated, actorService, s.onActionGenerated)
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

func (s *Service) onActionGenerated(ctx context.Context, ev bus.Event) {
	stem, _ := ev.Payload["stem"].(string)
	if stem == "" {
		s.log.Warn("action.generated event without stem", "event_id", ev.EventID)
		return
	}
	if err := s.Process(ctx, stem, ev.CorrelationID); err != nil {
		s.log.Error("planning failed", "stem", stem, "error", err)
	}
}

// sweep plans every action resting in Needs_Action. Races with the event path
// are resolved by the stem lock and the ACTION_PROCESSING overlay: the loser
// sees an invalid transition and moves on.
func (s *Service) sweep(ctx context.Context) {
	dir := s.engine.Layout().Dir(vault.FolderNeedsAction)
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Warn("sweeping Needs_Action", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), vault.SuffixAction) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		stem := vault.Stem(entry.Name())
		corr := s.correlationFor(stem)
		if err := s.Process(ctx, stem, corr); err != nil {
			if vault.IsKind(err, vault.KindInvalidTransition) {
				continue
			}
			s.log.Error("planning swept action failed", "stem", stem, "error", err)
		}
	}
}

// Process plans one action: claim it, build the plan, and hand the result to
// the engine. A planning failure moves the action to Failed with retry so a
// flaky planner gets its backoff schedule before quarantine.
func (s *Service) Process(ctx context.Context, stem, correlationID string) error {
	if _, err := s.engine.Transition(ctx, workflow.Request{
		Stem:          stem,
		From:          vault.StateNeedsAction,
		To:            vault.StateActionProcessing,
		CorrelationID: correlationID,
	}); err != nil {
		return err
	}

	action, err := s.readAction(stem)
	if err != nil {
		return s.fail(ctx, stem, correlationID, err)
	}

	plan, body, err := s.planner.Plan(ctx, action)
	if err != nil {
		return s.fail(ctx, stem, correlationID, err)
	}

	if _, err := s.engine.CompletePlanning(ctx, correlationID, plan, body); err != nil {
		return s.fail(ctx, stem, correlationID, err)
	}
	s.log.Info("planned action", "action", action.String(), "plan_id", plan.ID, "steps", len(plan.Steps))
	return nil
}

// correlationFor finds the open context owning the stem, minting a fresh one
// for work rediscovered after a restart with no snapshot.
func (s *Service) correlationFor(stem string) string {
	if c, ok := s.engine.Tracker().ByActionID(stem); ok {
		return c.CorrelationID
	}
	corr := uuid.New().String()
	s.engine.Tracker().BindAction(corr, stem)
	return corr
}

func (s *Service) readAction(stem string) (*vault.Action, error) {
	path, err := vault.FindStemFile(s.engine.Layout().Dir(vault.FolderNeedsAction), stem)
	if err != nil {
		return nil, err
	}
	return vault.ReadActionFile(path)
}

// fail routes the claimed action to Failed and reports the original cause.
func (s *Service) fail(ctx context.Context, stem, correlationID string, cause error) error {
	req := workflow.Request{
		Stem:          stem,
		From:          vault.StateActionProcessing,
		To:            vault.StateFailed,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"error": cause.Error()},
	}
	if _, err := s.engine.TransitionWithRetry(ctx, req); err != nil {
		s.log.Error("moving failed action to Failed", "stem", stem, "error", err)
	}
	return cause
}
