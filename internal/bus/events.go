// Package bus implements the in-process publish/subscribe broker that
// connects the warren services. Publishing never blocks on handler
// execution: every subscriber owns a bounded queue and a dispatch goroutine,
// and when a queue fills the oldest entries are dropped for that subscriber
// alone. The bus keeps a fixed-size replay ring for diagnostics; it is not a
// durable log.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType names one kind of event. The set is closed: subscribers register
// against exactly one type, and unknown types are rejected at subscribe time.
type EventType string

const (
	EventFileCreated  EventType = "file.created"
	EventFileModified EventType = "file.modified"
	EventFileMoved    EventType = "file.moved"
	EventFileDeleted  EventType = "file.deleted"

	EventActionGenerated EventType = "action.generated"
	EventActionProcessed EventType = "action.processed"
	EventActionApproved  EventType = "action.approved"
	EventActionExecuted  EventType = "action.executed"
	EventActionFailed    EventType = "action.failed"

	EventPlanCreated            EventType = "plan.created"
	EventPlanApproved           EventType = "plan.approved"
	EventPlanExecutionCompleted EventType = "plan.execution_completed"

	EventEmailReceived EventType = "email.received"

	EventApprovalRequired EventType = "approval.required"
	EventApprovalGranted  EventType = "approval.granted"
	EventApprovalDenied   EventType = "approval.denied"

	EventServiceStarted EventType = "service.started"
	EventServiceStopped EventType = "service.stopped"
	EventServiceError   EventType = "service.error"

	EventHealthCheck  EventType = "health.check"
	EventHealthStatus EventType = "health.status"

	EventSystemShutdown EventType = "system.shutdown"
	EventSystemRestart  EventType = "system.restart"

	// EventBusOverflow is published by the bus itself when a subscriber
	// queue drops events, at most once per subscriber per minute.
	EventBusOverflow EventType = "bus.overflow"
)

// AllEventTypes lists every event type the bus accepts.
func AllEventTypes() []EventType {
	return []EventType{
		EventFileCreated, EventFileModified, EventFileMoved, EventFileDeleted,
		EventActionGenerated, EventActionProcessed, EventActionApproved,
		EventActionExecuted, EventActionFailed,
		EventPlanCreated, EventPlanApproved, EventPlanExecutionCompleted,
		EventEmailReceived,
		EventApprovalRequired, EventApprovalGranted, EventApprovalDenied,
		EventServiceStarted, EventServiceStopped, EventServiceError,
		EventHealthCheck, EventHealthStatus,
		EventSystemShutdown, EventSystemRestart,
		EventBusOverflow,
	}
}

// knownTypes indexes AllEventTypes for subscribe-time checks.
var knownTypes = func() map[EventType]bool {
	m := make(map[EventType]bool)
	for _, t := range AllEventTypes() {
		m[t] = true
	}
	return m
}()

// Known reports whether t is part of the closed event type set.
func (t EventType) Known() bool {
	return knownTypes[t]
}

// Event is a single bus message. Seq is assigned by the bus at publish time
// and orders the replay ring; everything else is caller-supplied.
type Event struct {
	Seq           int64          `json:"seq"`                      // Bus-assigned, monotonically increasing
	EventType     EventType      `json:"event_type"`               // One of the closed set
	EventID       string         `json:"event_id"`                 // UUID, assigned at publish if empty
	Timestamp     time.Time      `json:"timestamp"`                // Publish time, UTC
	Source        string         `json:"source"`                   // Publishing component name
	CorrelationID string         `json:"correlation_id,omitempty"` // Workflow correlation, optional
	Payload       map[string]any `json:"payload,omitempty"`        // Free-form detail
}

// New builds an event ready for publishing. Seq, EventID, and Timestamp are
// finalised by the bus.
func New(t EventType, source, correlationID string, payload map[string]any) Event {
	return Event{
		EventType:     t,
		EventID:       uuid.New().String(),
		Source:        source,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}
