package approval

import (
	"fmt"
	"sort"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/vault"
)

// noDurationCap disables the max-duration predicate on a rule.
const noDurationCap = -1

// Rule is one compiled approval rule. Every active predicate must hold for
// the rule to match; zero-valued predicates are inactive.
type Rule struct {
	RuleID          string
	Name            string
	Priority        int // Lower evaluates first
	ActionTypes     map[vault.ActionType]bool // nil matches every type
	MinRiskLevel    vault.RiskLevel           // "" disables
	MaxRiskLevel    vault.RiskLevel           // "" disables
	MaxDurationMin  int                       // noDurationCap disables; matches duration <= cap
	DurationOverMin int                       // 0 disables; matches duration > threshold
	Decision        vault.Decision
	Approvers       []string // Advisory routing metadata on the record
}

// matches reports whether every active predicate holds for the subject.
func (r *Rule) matches(s Subject) bool {
	if r.ActionTypes != nil && !r.ActionTypes[s.ActionType] {
		return false
	}
	if r.MinRiskLevel != "" && !s.RiskLevel.AtLeast(r.MinRiskLevel) {
		return false
	}
	if r.MaxRiskLevel != "" && !s.RiskLevel.AtMost(r.MaxRiskLevel) {
		return false
	}
	if r.MaxDurationMin != noDurationCap && s.DurationMin > r.MaxDurationMin {
		return false
	}
	if r.DurationOverMin > 0 && s.DurationMin <= r.DurationOverMin {
		return false
	}
	return true
}

// DefaultRules is the built-in rule set, priority ascending. The concrete
// duration rule sits ahead of the generic high-risk rule so an over-budget
// plan is reported with the cause an operator can act on, not just a bucket.
func DefaultRules() []Rule {
	return []Rule{
		{
			RuleID:         "critical-risk",
			Name:           "Critical risk requires escalation",
			Priority:       10,
			MinRiskLevel:   vault.RiskCritical,
			MaxDurationMin: noDurationCap,
			Decision:       vault.DecisionEscalate,
		},
		{
			RuleID:          "duration>120",
			Name:            "Tasks over two hours require approval",
			Priority:        20,
			MaxDurationMin:  noDurationCap,
			DurationOverMin: 120,
			Decision:        vault.DecisionRequireApproval,
		},
		{
			RuleID:         "high-risk",
			Name:           "High risk requires approval",
			Priority:       30,
			MinRiskLevel:   vault.RiskHigh,
			MaxDurationMin: noDurationCap,
			Decision:       vault.DecisionRequireApproval,
		},
		{
			RuleID: "analysis-review",
			Name:   "Data analysis and reporting require approval",
			Priority: 40,
			ActionTypes: map[vault.ActionType]bool{
				vault.ActionDataAnalysis:     true,
				vault.ActionReportGeneration: true,
			},
			MaxDurationMin: noDurationCap,
			Decision:       vault.DecisionRequireApproval,
		},
		{
			RuleID:   "quick-email",
			Name:     "Short email responses run unattended",
			Priority: 50,
			ActionTypes: map[vault.ActionType]bool{
				vault.ActionEmailResponse: true,
			},
			MaxDurationMin: 29,
			Decision:       vault.DecisionAutoApprove,
		},
		{
			RuleID:   "low-risk-follow-up",
			Name:     "Short low-risk follow-ups run unattended",
			Priority: 60,
			ActionTypes: map[vault.ActionType]bool{
				vault.ActionFollowUp: true,
			},
			MaxRiskLevel:   vault.RiskLow,
			MaxDurationMin: 29,
			Decision:       vault.DecisionAutoApprove,
		},
	}
}

// CompileRules turns configured rules into compiled ones and merges them with
// the defaults, sorted by ascending priority. A configured rule whose rule_id
// collides with a built-in replaces it, keeping its own priority.
func CompileRules(configured []config.RuleConfig) ([]Rule, error) {
	byID := make(map[string]int)
	rules := DefaultRules()
	for i, r := range rules {
		byID[r.RuleID] = i
	}

	for _, rc := range configured {
		rule, err := compileRule(rc)
		if err != nil {
			return nil, err
		}
		if i, ok := byID[rule.RuleID]; ok {
			rules[i] = rule
			continue
		}
		byID[rule.RuleID] = len(rules)
		rules = append(rules, rule)
	}

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	return rules, nil
}

func compileRule(rc config.RuleConfig) (Rule, error) {
	rule := Rule{
		RuleID:          rc.RuleID,
		Name:            rc.Name,
		Priority:        rc.Priority,
		MaxDurationMin:  noDurationCap,
		DurationOverMin: rc.DurationOverMin,
		Decision:        vault.Decision(rc.Decision),
		Approvers:       append([]string(nil), rc.Approvers...),
	}
	if rc.MaxDurationMin > 0 {
		rule.MaxDurationMin = rc.MaxDurationMin
	}

	for _, raw := range rc.ActionTypes {
		if raw == "*" {
			rule.ActionTypes = nil
			break
		}
		t, ok := vault.ParseActionType(raw)
		if !ok {
			return Rule{}, fmt.Errorf("approval rule %q: unknown action type %q", rc.RuleID, raw)
		}
		if rule.ActionTypes == nil {
			rule.ActionTypes = make(map[vault.ActionType]bool)
		}
		rule.ActionTypes[t] = true
	}

	if rc.MinRiskLevel != "" && rc.MinRiskLevel != "*" {
		rule.MinRiskLevel = vault.RiskLevel(rc.MinRiskLevel)
	}
	if rc.MaxRiskLevel != "" && rc.MaxRiskLevel != "*" {
		rule.MaxRiskLevel = vault.RiskLevel(rc.MaxRiskLevel)
	}
	return rule, nil
}
