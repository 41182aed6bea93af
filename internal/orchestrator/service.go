// Package orchestrator owns the lifecycle of the warren services: ordered
// startup with rewind on failure, health monitoring, signal handling, and
// graceful shutdown. It also hosts the two housekeeping services that have no
// package of their own, the dashboard writer and the integrity monitor.
package orchestrator

import (
	"context"
	"sync"
	"time"
)

// Service is the lifecycle contract every managed component satisfies. Start
// must return once the service is accepting work; long-running loops belong
// on goroutines the service owns and Stop must wind down.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// State is the lifecycle state of one managed service.
type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateError     State = "error"
	StateUnhealthy State = "unhealthy"
)

// unhealthyAfter is how many consecutive probe failures mark a service
// UNHEALTHY. A single miss under load is noise; three in a row is a fault.
const unhealthyAfter = 3

// managed wraps a service with its lifecycle bookkeeping.
type managed struct {
	svc Service

	mu       sync.Mutex
	state    State
	failures int // consecutive health probe failures
	lastErr  string
	since    time.Time
}

func newManaged(svc Service) *managed {
	return &managed{svc: svc, state: StateStopped, since: time.Now().UTC()}
}

func (m *managed) setState(s State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.since = time.Now().UTC()
	if err != nil {
		m.lastErr = err.Error()
	}
}

func (m *managed) current() (State, int, string, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.failures, m.lastErr, m.since
}

// probeFailed bumps the failure streak and reports whether the service just
// crossed the unhealthy threshold.
func (m *managed) probeFailed(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	m.lastErr = err.Error()
	if m.failures == unhealthyAfter && m.state == StateRunning {
		m.state = StateUnhealthy
		m.since = time.Now().UTC()
		return true
	}
	return false
}

// probeOK clears the failure streak. A service that was UNHEALTHY and probes
// clean again returns to RUNNING; there is no auto-restart, only reporting.
func (m *managed) probeOK() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.lastErr = ""
	if m.state == StateUnhealthy {
		m.state = StateRunning
		m.since = time.Now().UTC()
	}
}
