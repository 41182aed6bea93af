package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/workflow"
	"github.com/dyluth/warren/pkg/vault"
)

const actorOrchestrator = "orchestrator"

// Orchestrator starts the services in declared order, watches their health,
// and shuts everything down in reverse when asked. One orchestrator runs per
// vault; the pidfile enforces that.
type Orchestrator struct {
	cfg      *config.Config
	layout   vault.Layout
	bus      *bus.Bus
	auditor  *audit.Log
	engine   *workflow.Engine
	services []*managed
	log      *slog.Logger

	// reloadRules is invoked on SIGHUP with freshly parsed configuration.
	reloadRules func([]config.RuleConfig) error
}

// New assembles an orchestrator over already-constructed services. Startup
// order follows the slice; shutdown reverses it.
func New(cfg *config.Config, b *bus.Bus, auditor *audit.Log, engine *workflow.Engine, services []Service, reloadRules func([]config.RuleConfig) error, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		layout:      engine.Layout(),
		bus:         b,
		auditor:     auditor,
		engine:      engine,
		log:         log.With("component", actorOrchestrator),
		reloadRules: reloadRules,
	}
	for _, svc := range services {
		o.services = append(o.services, newManaged(svc))
	}
	return o
}

// StartAll brings services up in declared order. The first failure marks the
// offender ERROR, rewinds everything already running in reverse order, and
// surfaces the failure.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	for i, m := range o.services {
		m.setState(StateStarting, nil)
		if err := m.svc.Start(ctx); err != nil {
			m.setState(StateError, err)
			o.log.Error("service failed to start", "service", m.svc.Name(), "error", err)
			o.auditService(audit.ServiceError, m.svc.Name(), map[string]any{"error": err.Error(), "phase": "start"})
			o.rewind(ctx, i-1)
			return fmt.Errorf("starting %s: %w", m.svc.Name(), err)
		}
		m.setState(StateRunning, nil)
		o.log.Info("service started", "service", m.svc.Name())
		o.auditService(audit.ServiceStarted, m.svc.Name(), nil)
		o.publishService(bus.EventServiceStarted, m.svc.Name(), "")
	}
	return nil
}

// rewind stops services [0..last] in reverse order after a startup failure.
func (o *Orchestrator) rewind(ctx context.Context, last int) {
	for i := last; i >= 0; i-- {
		m := o.services[i]
		m.setState(StateStopping, nil)
		if err := m.svc.Stop(ctx); err != nil {
			m.setState(StateError, err)
			o.log.Warn("service failed to stop during rewind", "service", m.svc.Name(), "error", err)
			continue
		}
		m.setState(StateStopped, nil)
	}
}

// StopAll winds services down in reverse declared order. Every service gets
// its Stop call even when an earlier one fails.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	var firstErr error
	for i := len(o.services) - 1; i >= 0; i-- {
		m := o.services[i]
		m.setState(StateStopping, nil)
		if err := m.svc.Stop(ctx); err != nil {
			m.setState(StateError, err)
			o.log.Error("service failed to stop", "service", m.svc.Name(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("stopping %s: %w", m.svc.Name(), err)
			}
			continue
		}
		m.setState(StateStopped, nil)
		o.log.Info("service stopped", "service", m.svc.Name())
		o.auditService(audit.ServiceStopped, m.svc.Name(), nil)
		o.publishService(bus.EventServiceStopped, m.svc.Name(), "")
	}
	return firstErr
}

// Run is the daemon main loop: pidfile, startup, health loop, control
// polling, then block until a shutdown trigger and unwind. It owns SIGINT,
// SIGTERM, and SIGHUP for the process.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := WritePIDFile(o.layout); err != nil {
		return err
	}
	defer RemovePIDFile(o.layout)

	if err := o.StartAll(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	healthDone := make(chan struct{})
	go o.healthLoop(runCtx, healthDone)
	controlDone := make(chan struct{})
	go o.controlLoop(runCtx, controlDone)

	shutdownEvents := make(chan struct{}, 1)
	sub, err := o.bus.Subscribe(bus.EventSystemShutdown, actorOrchestrator, func(context.Context, bus.Event) {
		select {
		case shutdownEvents <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	o.log.Info("warren is running", "vault", o.layout.Root(), "services", len(o.services))

	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				o.reloadConfig()
				continue
			}
			o.log.Info("shutdown signal received", "signal", sig.String())
			return o.shutdown(cancel, healthDone, controlDone, sub)
		case <-shutdownEvents:
			o.log.Info("shutdown requested on the bus")
			return o.shutdown(cancel, healthDone, controlDone, sub)
		case <-ctx.Done():
			return o.shutdown(cancel, healthDone, controlDone, sub)
		}
	}
}

// shutdown is the ordered unwind: stop the loops, stop services in reverse,
// snapshot open contexts, drain the bus under its deadline, write the final
// status, and close the audit log last so every stop is still recorded.
func (o *Orchestrator) shutdown(cancel context.CancelFunc, healthDone, controlDone chan struct{}, sub *bus.Subscription) error {
	cancel()
	<-healthDone
	<-controlDone
	o.bus.Unsubscribe(sub)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), o.cfg.Bus.Drain())
	defer stopCancel()
	stopErr := o.StopAll(stopCtx)

	if err := o.engine.Tracker().Snapshot(o.layout.File(vault.FolderSystemLog, vault.ContextsFile)); err != nil {
		o.log.Warn("snapshotting open contexts", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), o.cfg.Bus.Drain())
	defer drainCancel()
	if undelivered, err := o.bus.Close(drainCtx); err != nil {
		o.log.Warn("bus drain", "error", err)
	} else if undelivered > 0 {
		o.log.Warn("bus drain cancelled events", "undelivered", undelivered)
	}

	o.writeStatus()
	if err := o.auditor.Close(); err != nil {
		o.log.Warn("closing audit log", "error", err)
	}
	o.log.Info("warren stopped")
	return stopErr
}

// reloadConfig re-reads warren.yml on SIGHUP and hot-swaps the approval
// rules. Everything else keeps its boot-time value; a bad file is rejected
// whole with the old rules left active.
func (o *Orchestrator) reloadConfig() {
	path := o.cfg.SourcePath()
	if path == "" {
		o.log.Warn("config reload requested but boot config had no file path")
		return
	}
	fresh, err := config.Load(path)
	if err != nil {
		o.log.Error("config reload rejected", "path", path, "error", err)
		return
	}
	if o.reloadRules == nil {
		return
	}
	if err := o.reloadRules(fresh.Approval.Rules); err != nil {
		o.log.Error("approval rules reload rejected", "error", err)
		return
	}
	o.log.Info("approval rules reloaded", "rules", len(fresh.Approval.Rules))
}

// Restart stops and restarts the named services in place. Unknown names are
// reported; the rest still restart.
func (o *Orchestrator) Restart(ctx context.Context, names []string) error {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var firstErr error
	for _, m := range o.services {
		if len(names) > 0 && !want[m.svc.Name()] {
			continue
		}
		delete(want, m.svc.Name())
		o.log.Info("restarting service", "service", m.svc.Name())
		m.setState(StateStopping, nil)
		if err := m.svc.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping %s: %w", m.svc.Name(), err)
		}
		m.setState(StateStarting, nil)
		if err := m.svc.Start(ctx); err != nil {
			m.setState(StateError, err)
			o.auditService(audit.ServiceError, m.svc.Name(), map[string]any{"error": err.Error(), "phase": "restart"})
			if firstErr == nil {
				firstErr = fmt.Errorf("restarting %s: %w", m.svc.Name(), err)
			}
			continue
		}
		m.setState(StateRunning, nil)
		o.auditService(audit.ServiceStarted, m.svc.Name(), map[string]any{"restart": true})
	}

	for name := range want {
		o.log.Warn("restart requested for unknown service", "service", name)
	}
	return firstErr
}

func (o *Orchestrator) auditService(eventType, name string, details map[string]any) {
	o.auditor.MustAppend(audit.Request{
		EventType:  eventType,
		Actor:      actorOrchestrator,
		Resource:   "service",
		ResourceID: name,
		Details:    details,
	})
}

func (o *Orchestrator) publishService(etype bus.EventType, name, detail string) {
	payload := map[string]any{"service": name}
	if detail != "" {
		payload["detail"] = detail
	}
	if err := o.bus.Publish(bus.New(etype, actorOrchestrator, "", payload)); err != nil {
		o.log.Warn("publishing service event", "service", name, "error", err)
	}
}
