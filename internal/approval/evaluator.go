package approval

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/vault"
)

// Subject is what a rule sees of a plan under evaluation.
type Subject struct {
	ActionType  vault.ActionType
	RiskLevel   vault.RiskLevel
	DurationMin int
}

// Outcome is the result of evaluating the rule list against a subject.
type Outcome struct {
	Decision      vault.Decision
	MatchedRuleID string // Empty when the default applied
	Reason        string
	RiskLevel     vault.RiskLevel
	Approvers     []string
}

// Evaluator holds the active rule list behind an atomic pointer so a SIGHUP
// reload swaps the whole list without blocking in-flight evaluations.
type Evaluator struct {
	rules atomic.Pointer[[]Rule]
	log   *slog.Logger
}

// NewEvaluator compiles the configured rules over the defaults.
func NewEvaluator(configured []config.RuleConfig, log *slog.Logger) (*Evaluator, error) {
	e := &Evaluator{log: log.With("component", "approval_rules")}
	if err := e.Reload(configured); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload recompiles and atomically swaps the rule list. A compile failure
// leaves the previous list active.
func (e *Evaluator) Reload(configured []config.RuleConfig) error {
	rules, err := CompileRules(configured)
	if err != nil {
		return err
	}
	e.rules.Store(&rules)
	e.log.Info("approval rules loaded", "count", len(rules))
	return nil
}

// Rules returns the active rule list, ascending priority.
func (e *Evaluator) Rules() []Rule {
	return *e.rules.Load()
}

// Evaluate walks the rules in ascending priority and returns the first match.
// No match falls back to require_approval: unmatched work never runs without
// a human looking at it.
func (e *Evaluator) Evaluate(s Subject) Outcome {
	rules := e.Rules()
	for i := range rules {
		rule := &rules[i]
		if !rule.matches(s) {
			continue
		}
		return Outcome{
			Decision:      rule.Decision,
			MatchedRuleID: rule.RuleID,
			Reason:        rule.Name,
			RiskLevel:     s.RiskLevel,
			Approvers:     append([]string(nil), rule.Approvers...),
		}
	}
	return Outcome{
		Decision:  vault.DecisionRequireApproval,
		Reason:    fmt.Sprintf("no rule matched %s at %s risk", s.ActionType, s.RiskLevel),
		RiskLevel: s.RiskLevel,
	}
}
