package vault

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActionType classifies the work an action asks for. The type feeds the risk
// assessor, so additions here need a corresponding base-score entry.
type ActionType string

const (
	// ActionEmailResponse is a reply to an existing email thread.
	ActionEmailResponse ActionType = "email_response"

	// ActionMeetingRequest schedules or amends a calendar meeting.
	ActionMeetingRequest ActionType = "meeting_request"

	// ActionDocumentCreation produces a new document in the vault.
	ActionDocumentCreation ActionType = "document_creation"

	// ActionDataAnalysis runs analysis over referenced data sources.
	ActionDataAnalysis ActionType = "data_analysis"

	// ActionReportGeneration builds a recurring or ad-hoc report.
	ActionReportGeneration ActionType = "report_generation"

	// ActionFollowUp is a lightweight reminder or nudge.
	ActionFollowUp ActionType = "follow_up"

	// ActionOther is the fallback for unrecognised ingress content.
	ActionOther ActionType = "other"
)

// Priority is the urgency the source assigned to an action.
type Priority string

const (
	// PriorityLow actions may wait behind everything else.
	PriorityLow Priority = "low"

	// PriorityMedium is the default when ingestion cannot tell.
	PriorityMedium Priority = "medium"

	// PriorityHigh actions raise the risk score by two.
	PriorityHigh Priority = "high"

	// PriorityCritical actions raise the risk score by three.
	PriorityCritical Priority = "critical"
)

// ParseActionType normalises raw input to a known action type.
func ParseActionType(raw string) (ActionType, bool) {
	t := ActionType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case ActionEmailResponse, ActionMeetingRequest, ActionDocumentCreation,
		ActionDataAnalysis, ActionReportGeneration, ActionFollowUp, ActionOther:
		return t, true
	}
	return "", false
}

// ParsePriority normalises raw input to a known priority.
func ParsePriority(raw string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p, true
	}
	return "", false
}

// RiskLevel buckets a numeric risk score for rule matching and reporting.
type RiskLevel string

const (
	// RiskLow covers scores 0 through 3.
	RiskLow RiskLevel = "low"

	// RiskMedium covers scores 4 and 5.
	RiskMedium RiskLevel = "medium"

	// RiskHigh covers scores 6 and 7.
	RiskHigh RiskLevel = "high"

	// RiskCritical covers scores 8 and above.
	RiskCritical RiskLevel = "critical"
)

// rank orders risk levels so rules can express "this level or above".
func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether r is the same level as min or a more severe one.
// Unknown levels never satisfy a threshold.
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	return r.rank() >= 0 && r.rank() >= min.rank()
}

// AtMost reports whether r is the same level as max or a less severe one.
// Unknown levels never satisfy a threshold.
func (r RiskLevel) AtMost(max RiskLevel) bool {
	return r.rank() >= 0 && max.rank() >= 0 && r.rank() <= max.rank()
}

// Decision is the outcome of evaluating approval rules against a plan.
type Decision string

const (
	// DecisionAutoApprove lets the plan proceed without human review.
	DecisionAutoApprove Decision = "auto_approve"

	// DecisionRequireApproval halts the plan in Pending_Approval.
	DecisionRequireApproval Decision = "require_approval"

	// DecisionAutoReject denies the plan outright.
	DecisionAutoReject Decision = "auto_reject"

	// DecisionEscalate requires review by the escalation approvers.
	DecisionEscalate Decision = "escalate"
)

// Action is the YAML document materialised in Needs_Action for each piece of
// ingested work. The file is named <uuid>.action.yaml and the UUID stem
// correlates every later artefact for the same work.
type Action struct {
	ID                   string            `yaml:"id" json:"id"`                                                                   // UUID stem, assigned at ingestion
	Type                 ActionType        `yaml:"type" json:"type"`                                                               // Classification, defaults to "other"
	Priority             Priority          `yaml:"priority" json:"priority"`                                                       // Source-assigned urgency
	CreatedAt            time.Time         `yaml:"created_at" json:"created_at"`                                                   // Ingestion time, UTC
	Source               string            `yaml:"source" json:"source"`                                                           // Origin, e.g. "gmail", "filedrop", "external"
	EstimatedDurationMin int               `yaml:"estimated_duration_min,omitempty" json:"estimated_duration_min,omitempty"`       // Planner estimate, feeds the risk score
	Context              map[string]string `yaml:"context,omitempty" json:"context,omitempty"`                                     // Free-form scalar details from ingestion
}

// Validate checks that the action is structurally sound. Engines refuse to
// plan or transition an action that fails validation.
func (a *Action) Validate() error {
	if _, err := uuid.Parse(a.ID); err != nil {
		return Errorf(KindSchemaInvalid, "action id %q is not a valid UUID", a.ID)
	}
	switch a.Type {
	case ActionEmailResponse, ActionMeetingRequest, ActionDocumentCreation,
		ActionDataAnalysis, ActionReportGeneration, ActionFollowUp, ActionOther:
	default:
		return Errorf(KindSchemaInvalid, "action %s has unknown type %q", a.ID, a.Type)
	}
	switch a.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
	default:
		return Errorf(KindSchemaInvalid, "action %s has unknown priority %q", a.ID, a.Priority)
	}
	if a.CreatedAt.IsZero() {
		return Errorf(KindSchemaInvalid, "action %s is missing created_at", a.ID)
	}
	if a.Source == "" {
		return Errorf(KindSchemaInvalid, "action %s is missing source", a.ID)
	}
	if a.EstimatedDurationMin < 0 {
		return Errorf(KindSchemaInvalid, "action %s has negative estimated_duration_min", a.ID)
	}
	return nil
}

// StepKind names the adapter a plan step binds to.
type StepKind string

const (
	// StepEmail sends or drafts an email.
	StepEmail StepKind = "email"

	// StepCalendar creates or updates a calendar entry.
	StepCalendar StepKind = "calendar"

	// StepFile reads, writes, or moves a file inside the vault.
	StepFile StepKind = "file"

	// StepAPI calls an external HTTP endpoint.
	StepAPI StepKind = "api"

	// StepScript runs a whitelisted local script.
	StepScript StepKind = "script"
)

// Step is one entry in a plan's ordered step list. Steps execute strictly in
// index order and reversible steps push a rollback frame when they complete.
type Step struct {
	Index          int            `yaml:"index" json:"index"`                                         // Position in the plan, starting at 0
	Kind           StepKind       `yaml:"kind" json:"kind"`                                           // Adapter the step binds to
	Description    string         `yaml:"description,omitempty" json:"description,omitempty"`         // One line for the plan body and dashboard
	Params         map[string]any `yaml:"params,omitempty" json:"params,omitempty"`                   // Adapter-specific parameters
	Reversible     bool           `yaml:"reversible" json:"reversible"`                               // Whether the step can be compensated
	RollbackParams map[string]any `yaml:"rollback_params,omitempty" json:"rollback_params,omitempty"` // Parameters for the compensating call
}

// Validate checks a single step at position want in the step list.
func (s *Step) Validate(want int) error {
	if s.Index != want {
		return Errorf(KindSchemaInvalid, "step at position %d carries index %d", want, s.Index)
	}
	switch s.Kind {
	case StepEmail, StepCalendar, StepFile, StepAPI, StepScript:
	default:
		return Errorf(KindSchemaInvalid, "step %d has unknown kind %q", s.Index, s.Kind)
	}
	return nil
}

// Plan is the front-matter of a <uuid>.plan.md file. The Markdown body below
// the front-matter is free-form and preserved verbatim by the codecs.
type Plan struct {
	ID                   string    `yaml:"id" json:"id"`                                                             // UUID of the plan itself
	ActionID             string    `yaml:"action_id" json:"action_id"`                                               // Stem of the action the plan fulfils
	Title                string    `yaml:"title" json:"title"`                                                       // Short human summary
	CreatedAt            time.Time `yaml:"created_at" json:"created_at"`                                             // Plan generation time, UTC
	UpdatedAt            time.Time `yaml:"updated_at" json:"updated_at"`                                             // Last front-matter rewrite, UTC
	EstimatedDurationMin int       `yaml:"estimated_duration_min,omitempty" json:"estimated_duration_min,omitempty"` // Carried over from the action
	RiskLevel            RiskLevel `yaml:"risk_level" json:"risk_level"`                                             // Assessed at planning time
	RiskScore            int       `yaml:"risk_score" json:"risk_score"`                                             // Numeric score behind the level
	RequiresApproval     bool      `yaml:"requires_approval" json:"requires_approval"`                               // Whether the rules demanded review
	MatchedRuleID        string    `yaml:"matched_rule_id,omitempty" json:"matched_rule_id,omitempty"`               // Rule that produced the decision
	CorrelationID        string    `yaml:"correlation_id,omitempty" json:"correlation_id,omitempty"`                 // Workflow correlation id
	Steps                []Step    `yaml:"steps" json:"steps"`                                                       // Ordered execution steps
}

// Validate checks plan identity, linkage, and step ordering.
func (p *Plan) Validate() error {
	if _, err := uuid.Parse(p.ID); err != nil {
		return Errorf(KindSchemaInvalid, "plan id %q is not a valid UUID", p.ID)
	}
	if _, err := uuid.Parse(p.ActionID); err != nil {
		return Errorf(KindSchemaInvalid, "plan %s has invalid action_id %q", p.ID, p.ActionID)
	}
	if p.Title == "" {
		return Errorf(KindSchemaInvalid, "plan %s is missing a title", p.ID)
	}
	if p.CreatedAt.IsZero() {
		return Errorf(KindSchemaInvalid, "plan %s is missing created_at", p.ID)
	}
	switch p.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return Errorf(KindSchemaInvalid, "plan %s has unknown risk_level %q", p.ID, p.RiskLevel)
	}
	if len(p.Steps) == 0 {
		return Errorf(KindSchemaInvalid, "plan %s has no steps", p.ID)
	}
	for i := range p.Steps {
		if err := p.Steps[i].Validate(i); err != nil {
			return err
		}
	}
	return nil
}

// Approval is the front-matter of an approval record under
// System_Log/Approvals. One record exists per plan that reached a decision.
type Approval struct {
	ID          string     `yaml:"id" json:"id"`                                         // UUID of the approval record
	ActionID    string     `yaml:"action_id" json:"action_id"`                           // Stem of the originating action
	PlanID      string     `yaml:"plan_id" json:"plan_id"`                               // Plan the decision applies to
	Decision    Decision   `yaml:"decision" json:"decision"`                             // Outcome of rule evaluation or review
	RiskLevel   RiskLevel  `yaml:"risk_level" json:"risk_level"`                         // Copied from the plan at decision time
	RuleID      string     `yaml:"rule_id,omitempty" json:"rule_id,omitempty"`           // Matched rule, empty for manual decisions
	RequestedAt time.Time  `yaml:"requested_at" json:"requested_at"`                     // When the decision was requested
	ResolvedAt  *time.Time `yaml:"resolved_at,omitempty" json:"resolved_at,omitempty"`   // When a human resolved it, nil while pending
	Approver    string     `yaml:"approver,omitempty" json:"approver,omitempty"`         // Resolver identity, empty for rule decisions
	Reason      string     `yaml:"reason,omitempty" json:"reason,omitempty"`             // Free-form justification
}

// Validate checks record identity and linkage.
func (ap *Approval) Validate() error {
	if _, err := uuid.Parse(ap.ID); err != nil {
		return Errorf(KindSchemaInvalid, "approval id %q is not a valid UUID", ap.ID)
	}
	if _, err := uuid.Parse(ap.ActionID); err != nil {
		return Errorf(KindSchemaInvalid, "approval %s has invalid action_id %q", ap.ID, ap.ActionID)
	}
	if _, err := uuid.Parse(ap.PlanID); err != nil {
		return Errorf(KindSchemaInvalid, "approval %s has invalid plan_id %q", ap.ID, ap.PlanID)
	}
	switch ap.Decision {
	case DecisionAutoApprove, DecisionRequireApproval, DecisionAutoReject, DecisionEscalate:
	default:
		return Errorf(KindSchemaInvalid, "approval %s has unknown decision %q", ap.ID, ap.Decision)
	}
	if ap.RequestedAt.IsZero() {
		return Errorf(KindSchemaInvalid, "approval %s is missing requested_at", ap.ID)
	}
	return nil
}

// Resolved reports whether a human or rule has finalised the record.
func (ap *Approval) Resolved() bool {
	return ap.ResolvedAt != nil
}

// DeadLetterMeta is the sidecar YAML written next to a quarantined file in
// Dead_Letter. It carries everything needed to inspect and requeue the file.
type DeadLetterMeta struct {
	Stem          string            `yaml:"stem" json:"stem"`                                   // UUID stem of the quarantined file
	OriginalPath  string            `yaml:"original_path" json:"original_path"`                 // Vault-relative path before quarantine
	SourceState   State             `yaml:"source_state" json:"source_state"`                   // State the file failed out of
	LastError     string            `yaml:"last_error" json:"last_error"`                       // Final error message
	ErrorKind     ErrorKind         `yaml:"error_kind,omitempty" json:"error_kind,omitempty"`   // Taxonomy kind of the final error
	Attempts      int               `yaml:"attempts" json:"attempts"`                           // Retry attempts consumed
	CorrelationID string            `yaml:"correlation_id" json:"correlation_id"`               // Workflow correlation id
	QuarantinedAt time.Time         `yaml:"quarantined_at" json:"quarantined_at"`               // When the file entered Dead_Letter
	Context       map[string]string `yaml:"context,omitempty" json:"context,omitempty"`         // Extra diagnostic detail
}

// Validate checks the sidecar carries enough to requeue the file.
func (m *DeadLetterMeta) Validate() error {
	if m.Stem == "" {
		return Errorf(KindSchemaInvalid, "dead letter record is missing stem")
	}
	if m.OriginalPath == "" {
		return Errorf(KindSchemaInvalid, "dead letter record %s is missing original_path", m.Stem)
	}
	if !m.SourceState.Known() {
		return Errorf(KindSchemaInvalid, "dead letter record %s has unknown source_state %q", m.Stem, m.SourceState)
	}
	if m.QuarantinedAt.IsZero() {
		return Errorf(KindSchemaInvalid, "dead letter record %s is missing quarantined_at", m.Stem)
	}
	return nil
}

// String renders an action reference the way log lines and the dashboard
// show it: the first eight characters of the stem plus the type.
func (a *Action) String() string {
	return fmt.Sprintf("%s (%s)", shortID(a.ID), a.Type)
}

// shortID trims a UUID to its first eight characters for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
