package planner

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/vault"
)

func testAction(t vault.ActionType, ctx map[string]string) *vault.Action {
	return &vault.Action{
		ID:                   uuid.New().String(),
		Type:                 t,
		Priority:             vault.PriorityMedium,
		CreatedAt:            time.Now().UTC(),
		Source:               "test",
		EstimatedDurationMin: 30,
		Context:              ctx,
	}
}

func TestTemplatePlan(t *testing.T) {
	planner := NewTemplate()

	t.Run("meeting request expands to calendar plus invite", func(t *testing.T) {
		action := testAction(vault.ActionMeetingRequest, map[string]string{"subject": "Quarterly review"})
		plan, body, err := planner.Plan(context.Background(), action)
		require.NoError(t, err)
		require.NoError(t, plan.Validate())

		require.Len(t, plan.Steps, 2)
		assert.Equal(t, vault.StepCalendar, plan.Steps[0].Kind)
		assert.True(t, plan.Steps[0].Reversible)
		assert.Equal(t, vault.StepEmail, plan.Steps[1].Kind)
		assert.False(t, plan.Steps[1].Reversible)

		assert.Equal(t, "Quarterly review", plan.Title)
		assert.Equal(t, action.ID, plan.ActionID)
		assert.Equal(t, 30, plan.EstimatedDurationMin)
		assert.Contains(t, body, "# Steps")
		assert.Contains(t, body, "# Success Criteria")
	})

	t.Run("title falls back to type and source", func(t *testing.T) {
		action := testAction(vault.ActionEmailResponse, nil)
		plan, _, err := planner.Plan(context.Background(), action)
		require.NoError(t, err)
		assert.Equal(t, "email response from test", plan.Title)
	})

	t.Run("risk fields stay zeroed for the approval engine", func(t *testing.T) {
		plan, _, err := planner.Plan(context.Background(), testAction(vault.ActionDocumentCreation, nil))
		require.NoError(t, err)
		assert.Zero(t, plan.RiskScore)
		assert.False(t, plan.RequiresApproval)
	})

	t.Run("unknown content gets a manual handling note", func(t *testing.T) {
		plan, _, err := planner.Plan(context.Background(), testAction(vault.ActionOther, nil))
		require.NoError(t, err)
		require.Len(t, plan.Steps, 1)
		assert.Equal(t, vault.StepFile, plan.Steps[0].Kind)
		assert.True(t, plan.Steps[0].Reversible)
	})

	t.Run("invalid action is refused", func(t *testing.T) {
		action := testAction(vault.ActionEmailResponse, nil)
		action.Source = ""
		_, _, err := planner.Plan(context.Background(), action)
		require.Error(t, err)
		assert.True(t, vault.IsKind(err, vault.KindSchemaInvalid))
	})

	t.Run("context appears in the resources section", func(t *testing.T) {
		action := testAction(vault.ActionDataAnalysis, map[string]string{"dataset": "sales.csv"})
		_, body, err := planner.Plan(context.Background(), action)
		require.NoError(t, err)
		assert.Contains(t, body, "- dataset: sales.csv")
	})
}
