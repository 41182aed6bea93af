package approval

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/warren/pkg/vault"
)

// Records manages the approval files under System_Log/Approvals. One record
// exists per plan that reached a decision; the record outlives the plan's
// journey so `warren approval history` works after the pipeline is done.
type Records struct {
	layout vault.Layout
	now    func() time.Time
}

func NewRecords(layout vault.Layout) *Records {
	return &Records{layout: layout, now: time.Now}
}

// Create writes the record for a fresh decision. Auto decisions are born
// resolved; require_approval and escalate stay open until a human acts.
func (r *Records) Create(plan *vault.Plan, outcome Outcome) (*vault.Approval, error) {
	rec := &vault.Approval{
		ID:          uuid.New().String(),
		ActionID:    plan.ActionID,
		PlanID:      plan.ID,
		Decision:    outcome.Decision,
		RiskLevel:   outcome.RiskLevel,
		RuleID:      outcome.MatchedRuleID,
		RequestedAt: r.now().UTC(),
		Reason:      outcome.Reason,
	}
	if rec.Decision == vault.DecisionAutoApprove || rec.Decision == vault.DecisionAutoReject {
		ts := rec.RequestedAt
		rec.ResolvedAt = &ts
	}

	path := r.layout.ApprovalFile(plan.ActionID)
	if err := vault.WriteApprovalFile(path, rec, recordBody(plan, outcome)); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads the record for a stem.
func (r *Records) Get(stem string) (*vault.Approval, error) {
	rec, _, err := vault.ReadApprovalFile(r.layout.ApprovalFile(stem))
	return rec, err
}

// Resolve finalises an open record with the human's decision. Already
// resolved records are refused so a decision cannot be silently rewritten.
func (r *Records) Resolve(stem, approver, reason string, granted bool) (*vault.Approval, error) {
	path := r.layout.ApprovalFile(stem)
	rec, body, err := vault.ReadApprovalFile(path)
	if err != nil {
		return nil, err
	}
	if rec.Resolved() {
		return nil, vault.Errorf(vault.KindInvalidTransition,
			"approval for %s already resolved by %s", stem, resolvedBy(rec))
	}

	ts := r.now().UTC()
	rec.ResolvedAt = &ts
	rec.Approver = approver
	if reason != "" {
		rec.Reason = reason
	}
	if granted {
		rec.Decision = vault.DecisionAutoApprove
	} else {
		rec.Decision = vault.DecisionAutoReject
	}
	// The original decision stays visible in the body; the front-matter
	// carries the final outcome.
	if err := vault.WriteApprovalFile(path, rec, body); err != nil {
		return nil, err
	}
	return rec, nil
}

// Entry pairs a record with its stem for listings.
type Entry struct {
	Stem   string
	Record vault.Approval
}

// List returns every record, newest request first. With pendingOnly set, only
// unresolved records are returned.
func (r *Records) List(pendingOnly bool, limit int) ([]Entry, error) {
	dir := r.layout.Dir(vault.FolderApprovals)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, vault.WrapError(vault.KindFileNotFound, err, "reading approvals folder")
	}

	var out []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), vault.SuffixApproval) {
			continue
		}
		stem := vault.Stem(f.Name())
		rec, err := r.Get(stem)
		if err != nil {
			continue
		}
		if pendingOnly && rec.Resolved() {
			continue
		}
		out = append(out, Entry{Stem: stem, Record: *rec})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Record.RequestedAt.After(out[j].Record.RequestedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func resolvedBy(rec *vault.Approval) string {
	if rec.Approver != "" {
		return rec.Approver
	}
	return "rule engine"
}

// recordBody renders the human-facing half of the approval file: what the
// plan wants to do and why the rules decided the way they did.
func recordBody(plan *vault.Plan, outcome Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Approval: %s\n\n", plan.Title)
	fmt.Fprintf(&b, "Decision `%s`", outcome.Decision)
	if outcome.MatchedRuleID != "" {
		fmt.Fprintf(&b, " by rule `%s`", outcome.MatchedRuleID)
	}
	fmt.Fprintf(&b, ": %s\n\n", outcome.Reason)
	if len(outcome.Approvers) > 0 {
		fmt.Fprintf(&b, "Suggested approvers: %s\n\n", strings.Join(outcome.Approvers, ", "))
	}
	b.WriteString("## Steps\n\n")
	for _, step := range plan.Steps {
		fmt.Fprintf(&b, "%d. [%s] %s\n", step.Index+1, step.Kind, step.Description)
	}
	return b.String()
}
