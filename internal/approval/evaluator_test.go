package approval

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/vault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func action(t vault.ActionType, priority vault.Priority, source string, duration int) *vault.Action {
	return &vault.Action{
		ID:                   "11111111-1111-1111-1111-111111111111",
		Type:                 t,
		Priority:             priority,
		CreatedAt:            time.Now().UTC(),
		Source:               source,
		EstimatedDurationMin: duration,
	}
}

func TestRiskScore(t *testing.T) {
	cases := []struct {
		name      string
		action    *vault.Action
		wantScore int
		wantLevel vault.RiskLevel
	}{
		{
			name:      "short email response",
			action:    action(vault.ActionEmailResponse, vault.PriorityMedium, "gmail", 10),
			wantScore: 1,
			wantLevel: vault.RiskLow,
		},
		{
			name:      "three hour data analysis",
			action:    action(vault.ActionDataAnalysis, vault.PriorityMedium, "filedrop", 180),
			wantScore: 6,
			wantLevel: vault.RiskHigh,
		},
		{
			name:      "critical external report",
			action:    action(vault.ActionReportGeneration, vault.PriorityCritical, "external", 200),
			wantScore: 11,
			wantLevel: vault.RiskCritical,
		},
		{
			name:      "hour boundary does not bump",
			action:    action(vault.ActionFollowUp, vault.PriorityMedium, "filedrop", 60),
			wantScore: 1,
			wantLevel: vault.RiskLow,
		},
		{
			name:      "high priority meeting",
			action:    action(vault.ActionMeetingRequest, vault.PriorityHigh, "gmail", 90),
			wantScore: 5,
			wantLevel: vault.RiskMedium,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, level := AssessRisk(tc.action)
			assert.Equal(t, tc.wantScore, score)
			assert.Equal(t, tc.wantLevel, level)
		})
	}
}

func TestEvaluateDefaults(t *testing.T) {
	eval, err := NewEvaluator(nil, testLogger())
	require.NoError(t, err)

	t.Run("long analysis reports the duration rule", func(t *testing.T) {
		out := eval.Evaluate(Subject{ActionType: vault.ActionDataAnalysis, RiskLevel: vault.RiskHigh, DurationMin: 180})
		assert.Equal(t, vault.DecisionRequireApproval, out.Decision)
		assert.Equal(t, "duration>120", out.MatchedRuleID)
	})

	t.Run("critical risk escalates before anything else", func(t *testing.T) {
		out := eval.Evaluate(Subject{ActionType: vault.ActionReportGeneration, RiskLevel: vault.RiskCritical, DurationMin: 200})
		assert.Equal(t, vault.DecisionEscalate, out.Decision)
		assert.Equal(t, "critical-risk", out.MatchedRuleID)
	})

	t.Run("quick email auto-approves", func(t *testing.T) {
		out := eval.Evaluate(Subject{ActionType: vault.ActionEmailResponse, RiskLevel: vault.RiskLow, DurationMin: 10})
		assert.Equal(t, vault.DecisionAutoApprove, out.Decision)
		assert.Equal(t, "quick-email", out.MatchedRuleID)
	})

	t.Run("thirty minute email is over the cap", func(t *testing.T) {
		out := eval.Evaluate(Subject{ActionType: vault.ActionEmailResponse, RiskLevel: vault.RiskLow, DurationMin: 30})
		assert.NotEqual(t, vault.DecisionAutoApprove, out.Decision)
	})

	t.Run("unmatched subject requires approval", func(t *testing.T) {
		out := eval.Evaluate(Subject{ActionType: vault.ActionOther, RiskLevel: vault.RiskLow, DurationMin: 5})
		assert.Equal(t, vault.DecisionRequireApproval, out.Decision)
		assert.Empty(t, out.MatchedRuleID)
	})
}

func TestCompileRulesMerge(t *testing.T) {
	t.Run("configured rule overrides builtin by id", func(t *testing.T) {
		rules, err := CompileRules([]config.RuleConfig{{
			RuleID:   "quick-email",
			Priority: 5,
			Decision: "auto_reject",
		}})
		require.NoError(t, err)

		var found *Rule
		for i := range rules {
			if rules[i].RuleID == "quick-email" {
				found = &rules[i]
				break
			}
		}
		require.NotNil(t, found)
		assert.Equal(t, vault.DecisionAutoReject, found.Decision)
		assert.Equal(t, 5, found.Priority)
		// The override moved ahead of every builtin.
		assert.Equal(t, "quick-email", rules[0].RuleID)
	})

	t.Run("wildcard action type matches everything", func(t *testing.T) {
		rules, err := CompileRules([]config.RuleConfig{{
			RuleID:      "catch-all",
			Priority:    1,
			ActionTypes: []string{"*"},
			Decision:    "auto_approve",
		}})
		require.NoError(t, err)
		assert.Nil(t, rules[0].ActionTypes)
	})

	t.Run("unknown action type is rejected", func(t *testing.T) {
		_, err := CompileRules([]config.RuleConfig{{
			RuleID:      "bad",
			ActionTypes: []string{"teleportation"},
			Decision:    "auto_approve",
		}})
		assert.Error(t, err)
	})
}

func TestEvaluatorReload(t *testing.T) {
	eval, err := NewEvaluator(nil, testLogger())
	require.NoError(t, err)
	before := len(eval.Rules())

	require.NoError(t, eval.Reload([]config.RuleConfig{{
		RuleID:   "extra",
		Priority: 1,
		Decision: "auto_reject",
	}}))
	assert.Equal(t, before+1, len(eval.Rules()))

	// A bad reload keeps the previous list active.
	err = eval.Reload([]config.RuleConfig{{
		RuleID:      "broken",
		ActionTypes: []string{"nope"},
		Decision:    "auto_approve",
	}})
	assert.Error(t, err)
	assert.Equal(t, before+1, len(eval.Rules()))
}
