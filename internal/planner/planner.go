// Package planner produces plans from actions. The production system expects
// an external adapter to draft plan text; this package defines the contract
// that adapter satisfies and ships a deterministic template planner so the
// pipeline is complete without one.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/warren/pkg/vault"
)

// Planner turns one action into an ordered plan plus its Markdown body.
// Implementations must be side-effect free: the workflow engine owns writing
// the plan into the vault.
type Planner interface {
	Plan(ctx context.Context, action *vault.Action) (*vault.Plan, string, error)
}

// Template is the built-in deterministic planner. Each action type expands to
// a fixed step template parameterised by the action's context.
type Template struct {
	now func() time.Time
}

var _ Planner = (*Template)(nil)

func NewTemplate() *Template {
	return &Template{now: time.Now}
}

// Plan builds the plan skeleton for an action. Risk and approval fields are
// left zeroed; assessment belongs to the approval engine, not the planner.
func (t *Template) Plan(_ context.Context, action *vault.Action) (*vault.Plan, string, error) {
	if err := action.Validate(); err != nil {
		return nil, "", err
	}

	steps := stepsFor(action)
	plan := &vault.Plan{
		ID:                   uuid.New().String(),
		ActionID:             action.ID,
		Title:                titleFor(action),
		CreatedAt:            t.now().UTC(),
		UpdatedAt:            t.now().UTC(),
		EstimatedDurationMin: action.EstimatedDurationMin,
		Steps:                steps,
	}
	return plan, renderBody(action, plan), nil
}

func titleFor(action *vault.Action) string {
	if subject := action.Context["subject"]; subject != "" {
		return subject
	}
	return fmt.Sprintf("%s from %s", strings.ReplaceAll(string(action.Type), "_", " "), action.Source)
}

// stepsFor expands the per-type step template. Reversible steps carry the
// parameters their compensation needs.
func stepsFor(action *vault.Action) []vault.Step {
	ref := map[string]any{"action_id": action.ID}

	switch action.Type {
	case vault.ActionEmailResponse, vault.ActionFollowUp:
		return []vault.Step{
			{Index: 0, Kind: vault.StepEmail, Description: "Draft and send the reply",
				Params: withRef(ref, map[string]any{"to": action.Context["from"]}),
				Reversible: false},
		}

	case vault.ActionMeetingRequest:
		return []vault.Step{
			{Index: 0, Kind: vault.StepCalendar, Description: "Create the calendar event",
				Params: withRef(ref, map[string]any{"title": action.Context["subject"]}),
				Reversible:     true,
				RollbackParams: map[string]any{"operation": "delete_event"}},
			{Index: 1, Kind: vault.StepEmail, Description: "Send the invitation",
				Params: withRef(ref, nil), Reversible: false},
		}

	case vault.ActionDocumentCreation:
		return []vault.Step{
			{Index: 0, Kind: vault.StepFile, Description: "Create the document",
				Params:         withRef(ref, map[string]any{"name": action.ID + ".document.md"}),
				Reversible:     true,
				RollbackParams: map[string]any{"operation": "delete_file"}},
		}

	case vault.ActionDataAnalysis, vault.ActionReportGeneration:
		return []vault.Step{
			{Index: 0, Kind: vault.StepScript, Description: "Run the analysis",
				Params: withRef(ref, map[string]any{"script": "analyze"}), Reversible: false},
			{Index: 1, Kind: vault.StepFile, Description: "Write the result document",
				Params:         withRef(ref, map[string]any{"name": action.ID + ".report.md"}),
				Reversible:     true,
				RollbackParams: map[string]any{"operation": "delete_file"}},
		}

	default:
		return []vault.Step{
			{Index: 0, Kind: vault.StepFile, Description: "Record the item for manual handling",
				Params:         withRef(ref, map[string]any{"name": action.ID + ".note.md"}),
				Reversible:     true,
				RollbackParams: map[string]any{"operation": "delete_file"}},
		}
	}
}

func withRef(ref, extra map[string]any) map[string]any {
	out := make(map[string]any, len(ref)+len(extra))
	for k, v := range ref {
		out[k] = v
	}
	for k, v := range extra {
		if v != "" && v != nil {
			out[k] = v
		}
	}
	return out
}

// renderBody writes the Markdown half of the plan file.
func renderBody(action *vault.Action, plan *vault.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Objectives\n\nFulfil %s action `%s` from source `%s`.\n\n",
		action.Type, action.ID, action.Source)

	b.WriteString("# Steps\n\n")
	for _, step := range plan.Steps {
		marker := ""
		if step.Reversible {
			marker = " (reversible)"
		}
		fmt.Fprintf(&b, "%d. **%s**%s — %s\n", step.Index+1, step.Kind, marker, step.Description)
	}

	b.WriteString("\n# Resources\n\n")
	if len(action.Context) == 0 {
		b.WriteString("None recorded.\n")
	}
	for _, k := range sortedKeys(action.Context) {
		fmt.Fprintf(&b, "- %s: %s\n", k, action.Context[k])
	}

	b.WriteString("\n# Success Criteria\n\n")
	fmt.Fprintf(&b, "All %d step(s) complete without error and the plan reaches Done.\n", len(plan.Steps))
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
