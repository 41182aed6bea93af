package orchestrator

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dyluth/warren/internal/approval"
	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/execution"
	"github.com/dyluth/warren/internal/planner"
	"github.com/dyluth/warren/internal/watch"
	"github.com/dyluth/warren/internal/workflow"
	"github.com/dyluth/warren/pkg/vault"
)

// App is the fully wired daemon: one audit log, one bus, one engine, and the
// service set handed to the orchestrator.
type App struct {
	Cfg          *config.Config
	Layout       vault.Layout
	Auditor      *audit.Log
	Bus          *bus.Bus
	Engine       *workflow.Engine
	Approvals    *approval.Service
	Orchestrator *Orchestrator
}

// Build constructs every component from configuration. Construction order
// matters: the audit log first so everything else can record, then the bus,
// then the engine, then the services that sit on top of them. Service start
// order is consumers before producers, so nothing publishes into a void:
// executor, approver, planner, ingest, watcher, then the reporting pair.
func Build(cfg *config.Config, log *slog.Logger) (*App, error) {
	layout := vault.NewLayout(cfg.VaultPath)
	if err := vault.EnsureLayout(cfg.VaultPath); err != nil {
		return nil, err
	}

	auditor, err := audit.Open(cfg.AuditPath(), layout.ChainSidecar(), log)
	if err != nil {
		return nil, err
	}

	b := bus.NewBus(log, cfg.Bus.HistorySize, cfg.Bus.SubscriberQueue)
	engine := workflow.NewEngine(cfg, auditor, b, log)

	// Restore correlation IDs: prefer the shutdown snapshot, fall back to
	// rescanning the vault so a crash without a snapshot still recovers.
	tracker := engine.Tracker()
	contextsPath := layout.File(vault.FolderSystemLog, vault.ContextsFile)
	if restored, err := tracker.Load(contextsPath); err != nil {
		log.Warn("loading context snapshot, rebuilding from vault", "error", err)
	} else if restored > 0 {
		log.Info("restored open contexts", "contexts", restored)
	}
	if rebuilt, err := tracker.Rebuild(layout); err != nil {
		auditor.Close()
		return nil, fmt.Errorf("rebuilding contexts from vault: %w", err)
	} else if rebuilt > 0 {
		log.Info("rebuilt contexts from vault scan", "contexts", rebuilt)
	}

	evaluator, err := approval.NewEvaluator(cfg.Approval.Rules, log)
	if err != nil {
		auditor.Close()
		return nil, err
	}

	adapters := execution.NewRegistry(
		execution.NewFileAdapter(filepath.Join(layout.Root(), "Artifacts")),
	)
	runner := execution.NewRunner(cfg, adapters, auditor, log)

	approvalSvc := approval.NewService(engine, b, auditor, evaluator, log)
	executionSvc := execution.NewService(engine, b, auditor, runner, approvalSvc.Records(), cfg.Execution.Poll(), log)
	plannerSvc := planner.NewService(engine, b, planner.NewTemplate(), log)
	ingestSvc := watch.NewIngestService(engine, b, log)
	watcher := watch.NewWatcher(layout, b, nil, cfg.Ingest.Poll(), log)
	dashboard := NewDashboard(layout, auditor, cfg.Dashboard.Interval(), log)
	integrity := NewIntegrityMonitor(layout, auditor, b, cfg.Integrity.Interval(), log)

	services := []Service{
		executionSvc,
		approvalSvc,
		plannerSvc,
		ingestSvc,
		watcher,
		dashboard,
		integrity,
	}

	orch := New(cfg, b, auditor, engine, services, evaluator.Reload, log)
	dashboard.BindStates(orch.ServiceStates)

	return &App{
		Cfg:          cfg,
		Layout:       layout,
		Auditor:      auditor,
		Bus:          b,
		Engine:       engine,
		Approvals:    approvalSvc,
		Orchestrator: orch,
	}, nil
}

// ServiceStates snapshots every managed service for reporting.
func (o *Orchestrator) ServiceStates() []ServiceStatus {
	out := make([]ServiceStatus, 0, len(o.services))
	for _, m := range o.services {
		state, failures, lastErr, since := m.current()
		out = append(out, ServiceStatus{
			Name:     m.svc.Name(),
			State:    state,
			Failures: failures,
			LastErr:  lastErr,
			Since:    since,
		})
	}
	return out
}
