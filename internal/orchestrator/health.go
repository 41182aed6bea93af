package orchestrator

import (
	"context"
	"time"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/pkg/vault"
)

// healthLoop probes every service on the configured interval. Three
// consecutive failures mark a service UNHEALTHY and publish service.error;
// there is no automatic restart, an operator decides what to do. Each pass
// also refreshes System_Log/status.json for the CLI.
func (o *Orchestrator) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.Health.Interval())
	defer ticker.Stop()

	o.writeStatus()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.probeAll(ctx)
			o.writeStatus()
		}
	}
}

func (o *Orchestrator) probeAll(ctx context.Context) {
	for _, m := range o.services {
		state, _, _, _ := m.current()
		if state != StateRunning && state != StateUnhealthy {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, o.cfg.Health.Timeout())
		err := m.svc.HealthCheck(probeCtx)
		if err == nil && probeCtx.Err() != nil {
			err = vault.Errorf(vault.KindHealthTimeout, "health probe for %s missed its deadline", m.svc.Name())
		}
		cancel()

		if err == nil {
			m.probeOK()
			continue
		}

		o.log.Warn("health probe failed", "service", m.svc.Name(), "error", err)
		if m.probeFailed(err) {
			o.log.Error("service marked unhealthy", "service", m.svc.Name(), "error", err)
			o.auditService(audit.ServiceError, m.svc.Name(), map[string]any{
				"error":    err.Error(),
				"failures": unhealthyAfter,
			})
			o.publishService(bus.EventServiceError, m.svc.Name(), err.Error())
		}
	}
}
