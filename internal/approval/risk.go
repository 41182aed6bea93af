// Package approval decides what happens to a freshly generated plan: it runs,
// it waits for a human, it is escalated, or it is rejected outright. The
// decision comes from an ordered rule list evaluated against the action's
// risk score, and every decision is materialised as an approval record under
// System_Log/Approvals.
package approval

import (
	"github.com/dyluth/warren/pkg/vault"
)

// Risk bucket boundaries. Scores at or above each threshold fall into that
// bucket; below riskMediumMin is low.
const (
	riskMediumMin   = 4
	riskHighMin     = 6
	riskCriticalMin = 8
)

// RiskScore totals the risk contributions of an action: what kind of work it
// is, how long it is expected to run, how urgent the source marked it, and
// whether it originated outside the host.
func RiskScore(action *vault.Action) int {
	score := typeScore(action.Type)

	switch d := action.EstimatedDurationMin; {
	case d > 180:
		score += 3
	case d > 120:
		score += 2
	case d > 60:
		score += 1
	}

	switch action.Priority {
	case vault.PriorityHigh:
		score += 2
	case vault.PriorityCritical:
		score += 3
	}

	if action.Source == "external" {
		score++
	}
	return score
}

// typeScore is the base risk of each action type. Unrecognised content lands
// as ActionOther, which sits mid-table: not trusted like a reply, not feared
// like analysis over live data.
func typeScore(t vault.ActionType) int {
	switch t {
	case vault.ActionEmailResponse, vault.ActionFollowUp:
		return 1
	case vault.ActionMeetingRequest:
		return 2
	case vault.ActionDocumentCreation:
		return 3
	case vault.ActionDataAnalysis, vault.ActionReportGeneration:
		return 4
	default:
		return 2
	}
}

// BucketRisk maps a numeric score onto the four named risk levels.
func BucketRisk(score int) vault.RiskLevel {
	switch {
	case score >= riskCriticalMin:
		return vault.RiskCritical
	case score >= riskHighMin:
		return vault.RiskHigh
	case score >= riskMediumMin:
		return vault.RiskMedium
	default:
		return vault.RiskLow
	}
}

// AssessRisk scores and buckets an action in one call.
func AssessRisk(action *vault.Action) (int, vault.RiskLevel) {
	score := RiskScore(action)
	return score, BucketRisk(score)
}
