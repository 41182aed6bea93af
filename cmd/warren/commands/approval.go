package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/approval"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/resolver"
	"github.com/dyluth/warren/pkg/vault"
)

var (
	approvalPendingOnly bool
	approvalLimit       int
	approvalJSON        bool
	approvalApprover    string
	approvalReason      string
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Review and resolve pending approvals",
	Long: `Work with the approval queue. Plans that the rules could not decide
automatically wait in Pending_Approval until someone approves or rejects
them here (or moves the file by hand, which counts as approval).

Approving moves the plan to Approved/, where the daemon picks it up and
executes it; the daemon also records the approval in the audit log at
pickup. Rejecting moves it to Rejected/, which is terminal.`,
}

var approvalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval records",
	RunE:  runApprovalList,
}

var approvalShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one approval record and its plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalShow,
}

var approvalApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalApprove,
}

var approvalRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalReject,
}

var approvalHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List every approval decision, resolved included",
	RunE:  runApprovalHistory,
}

func init() {
	approvalListCmd.Flags().BoolVar(&approvalPendingOnly, "pending", true, "Show only unresolved approvals")
	for _, c := range []*cobra.Command{approvalListCmd, approvalHistoryCmd} {
		c.Flags().IntVar(&approvalLimit, "limit", 50, "Maximum records to show")
		c.Flags().BoolVar(&approvalJSON, "json", false, "Output records as JSON lines")
	}
	for _, c := range []*cobra.Command{approvalApproveCmd, approvalRejectCmd} {
		c.Flags().StringVarP(&approvalApprover, "approver", "a", "", "Approver identity (default: $USER)")
		c.Flags().StringVarP(&approvalReason, "reason", "r", "", "Reason recorded on the approval")
	}

	approvalCmd.AddCommand(approvalListCmd, approvalShowCmd, approvalApproveCmd, approvalRejectCmd, approvalHistoryCmd)
	rootCmd.AddCommand(approvalCmd)
}

func runApprovalList(cmd *cobra.Command, args []string) error {
	_, layout, err := loadConfig()
	if err != nil {
		return err
	}
	return printApprovals(approval.NewRecords(layout), approvalPendingOnly)
}

func runApprovalHistory(cmd *cobra.Command, args []string) error {
	_, layout, err := loadConfig()
	if err != nil {
		return err
	}
	return printApprovals(approval.NewRecords(layout), false)
}

func printApprovals(records *approval.Records, pendingOnly bool) error {
	entries, err := records.List(pendingOnly, approvalLimit)
	if err != nil {
		return err
	}
	if approvalJSON {
		for _, e := range entries {
			raw, err := json.Marshal(e.Record)
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
		}
		return nil
	}
	if len(entries) == 0 {
		if pendingOnly {
			printer.Println("No pending approvals.")
		} else {
			printer.Println("No approval records.")
		}
		return nil
	}

	printer.Printf("%-10s %-18s %-9s %-20s %s\n", "ID", "DECISION", "RISK", "REQUESTED", "RESOLVED BY")
	for _, e := range entries {
		resolved := "-"
		if e.Record.Resolved() {
			resolved = e.Record.Approver
			if resolved == "" {
				resolved = "rule engine"
			}
		}
		printer.Printf("%-10s %-18s %-9s %-20s %s\n",
			shortStem(e.Stem), e.Record.Decision, e.Record.RiskLevel,
			e.Record.RequestedAt.Format("2006-01-02 15:04:05"), resolved)
	}
	return nil
}

func runApprovalShow(cmd *cobra.Command, args []string) error {
	_, layout, err := loadConfig()
	if err != nil {
		return err
	}

	stem, err := resolveStemArg(layout, args[0])
	if err != nil {
		return err
	}

	rec, err := approval.NewRecords(layout).Get(stem)
	if err != nil {
		return err
	}

	printer.Printf("Approval %s\n", rec.ID)
	printer.Field("Action", rec.ActionID)
	printer.Field("Plan", rec.PlanID)
	printer.Field("Decision", rec.Decision)
	printer.Field("Risk", rec.RiskLevel)
	if rec.RuleID != "" {
		printer.Field("Rule", rec.RuleID)
	}
	printer.Field("Requested", rec.RequestedAt.Format(time.RFC3339))
	if rec.Resolved() {
		printer.Field("Resolved", rec.ResolvedAt.Format(time.RFC3339))
		if rec.Approver != "" {
			printer.Field("Approver", rec.Approver)
		}
	}
	if rec.Reason != "" {
		printer.Field("Reason", rec.Reason)
	}

	if planPath, err := vault.FindStemFile(layout.Dir(vault.FolderPendingApproval), stem); err == nil {
		if plan, body, err := vault.ReadPlanFile(planPath); err == nil {
			printer.Println()
			printer.Printf("Plan: %s (%d steps, score %d)\n", plan.Title, len(plan.Steps), plan.RiskScore)
			printer.Println()
			printer.Println(body)
		}
	}
	return nil
}

func runApprovalApprove(cmd *cobra.Command, args []string) error {
	return resolvePending(args[0], true)
}

func runApprovalReject(cmd *cobra.Command, args []string) error {
	// Rejections are terminal, so the reason is not optional.
	if approvalReason == "" {
		return fmt.Errorf("rejecting requires --reason")
	}
	return resolvePending(args[0], false)
}

// resolvePending finalises the approval record and moves the plan file out of
// Pending_Approval. The CLI never appends to the audit log: for approvals the
// daemon records approval.granted when it picks the plan up from Approved/.
func resolvePending(arg string, granted bool) error {
	_, layout, err := loadConfig()
	if err != nil {
		return err
	}

	stem, err := resolveStemArg(layout, arg)
	if err != nil {
		return err
	}

	pendingPath, err := vault.FindStemFile(layout.Dir(vault.FolderPendingApproval), stem)
	if err != nil {
		return printer.ErrorWithContext(
			"plan is not awaiting approval",
			fmt.Sprintf("No file for %s in Pending_Approval.", shortStem(stem)),
			map[string]string{"id": stem},
			[]string{"List what is pending:\n  warren approval list"},
		)
	}

	approver := approvalApprover
	if approver == "" {
		approver = os.Getenv("USER")
	}
	if approver == "" {
		approver = "operator"
	}

	records := approval.NewRecords(layout)
	if _, err := records.Resolve(stem, approver, approvalReason, granted); err != nil {
		if vault.IsKind(err, vault.KindFileNotFound) {
			printer.Warning("no approval record for %s, moving the file anyway\n", shortStem(stem))
		} else {
			return err
		}
	}

	target := vault.FolderApproved
	if !granted {
		target = vault.FolderRejected
	}
	if err := vault.Move(pendingPath, layout.File(target, filepath.Base(pendingPath))); err != nil {
		return err
	}

	if granted {
		printer.Success("approved %s, moved to Approved/\n", shortStem(stem))
		printer.Info("The daemon will execute it on its next poll.\n")
	} else {
		printer.Success("rejected %s, moved to Rejected/\n", shortStem(stem))
	}
	return nil
}

// resolveStemArg turns CLI input (full UUID or short prefix) into a stem.
func resolveStemArg(layout vault.Layout, arg string) (string, error) {
	match, err := resolver.ResolveStem(layout, arg)
	if err != nil {
		if ambiguous, ok := err.(*resolver.AmbiguousError); ok {
			fmt.Fprintln(os.Stderr, resolver.FormatAmbiguousError(ambiguous))
		}
		return "", err
	}
	return match.Stem, nil
}

func shortStem(stem string) string {
	if len(stem) > 8 {
		return stem[:8]
	}
	return stem
}
