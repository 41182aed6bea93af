package vault

// State is a workflow state. Apart from the logical states RETRY,
// ACTION_PROCESSING, APPROVAL_REVIEW, EXECUTION_PENDING, EXECUTING, and
// EXECUTED, each state corresponds to a pipeline folder, and the folder a
// file sits in is authoritative for its state.
type State string

const (
	// StateInbox is raw ingress that has not been materialised yet.
	StateInbox State = "inbox"

	// StateNeedsAction is a materialised action awaiting planning.
	StateNeedsAction State = "needs_action"

	// StateActionProcessing is an action currently being planned.
	StateActionProcessing State = "action_processing"

	// StatePlans is a generated plan awaiting an approval decision.
	StatePlans State = "plans"

	// StatePendingApproval is a plan halted for human review.
	StatePendingApproval State = "pending_approval"

	// StateApprovalReview is a plan whose review is in progress.
	StateApprovalReview State = "approval_review"

	// StateApproved is a plan cleared for execution.
	StateApproved State = "approved"

	// StateRejected is a plan denied by rule or human.
	StateRejected State = "rejected"

	// StateExecutionPending is an approved plan queued for execution.
	StateExecutionPending State = "execution_pending"

	// StateExecuting is a plan whose steps are running.
	StateExecuting State = "executing"

	// StateExecuted is a plan whose steps all succeeded.
	StateExecuted State = "executed"

	// StateDone is terminal success.
	StateDone State = "done"

	// StateFailed is a plan that failed, possibly after compensation.
	StateFailed State = "failed"

	// StateRetry is a transient state between a failure and the next attempt.
	StateRetry State = "retry"

	// StateDeadLetter is terminal quarantine with a metadata sidecar.
	StateDeadLetter State = "dead_letter"

	// StateArchived is terminal provenance storage.
	StateArchived State = "archived"
)

// validTransitions is the authoritative edge set. RETRY is handled separately
// because its forward edge returns to whichever state the work failed out of.
var validTransitions = map[State][]State{
	StateInbox:            {StateNeedsAction, StateFailed},
	StateNeedsAction:      {StateActionProcessing, StateFailed},
	StateActionProcessing: {StatePlans, StateFailed, StateRetry},
	StatePlans:            {StatePendingApproval, StateExecutionPending, StateFailed},
	StatePendingApproval:  {StateApprovalReview, StateFailed},
	StateApprovalReview:   {StateApproved, StateRejected, StateFailed},
	StateApproved:         {StateExecuting, StateFailed},
	StateExecuting:        {StateExecuted, StateFailed, StateRetry},
	StateExecuted:         {StateDone, StateFailed},
	StateDone:             {StateArchived},
	StateRejected:         {StateArchived, StateDeadLetter},
	StateFailed:           {StateRetry, StateDeadLetter},
	StateExecutionPending: {StateExecuting, StateFailed},
	StateDeadLetter:       {},
	StateArchived:         {},
}

// retrySources holds the states a RETRY edge may return to. It is derived
// from the matrix: exactly the states that can fail, directly or via FAILED.
var retrySources = func() map[State]bool {
	out := make(map[State]bool)
	for from, targets := range validTransitions {
		for _, to := range targets {
			if to == StateFailed || to == StateRetry {
				out[from] = true
			}
		}
	}
	return out
}()

// Known reports whether s is one of the sixteen workflow states.
func (s State) Known() bool {
	if s == StateRetry {
		return true
	}
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether the workflow context for s is closed. A terminal
// file is finished work; the one move still legal afterwards is archival of
// DONE, which is housekeeping rather than workflow.
func (s State) Terminal() bool {
	return s == StateDone || s == StateArchived || s == StateDeadLetter
}

// CanTransitionTo reports whether the edge s -> to is in the matrix. A RETRY
// edge may return to any state that work can fail out of, or give up into
// DEAD_LETTER; everything else follows the static edge set.
func (s State) CanTransitionTo(to State) bool {
	if s == StateRetry {
		return to == StateDeadLetter || retrySources[to]
	}
	for _, t := range validTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Folder returns the pipeline folder backing s. ok is false for RETRY, which
// keeps the file wherever it already sits until the next attempt resolves.
func (s State) Folder() (string, bool) {
	switch s {
	case StateInbox:
		return FolderInbox, true
	case StateNeedsAction, StateActionProcessing:
		return FolderNeedsAction, true
	case StatePlans:
		return FolderPlans, true
	case StatePendingApproval, StateApprovalReview:
		return FolderPendingApproval, true
	case StateApproved, StateExecutionPending, StateExecuting:
		return FolderApproved, true
	case StateExecuted, StateDone:
		return FolderDone, true
	case StateFailed:
		return FolderFailed, true
	case StateRejected:
		return FolderRejected, true
	case StateDeadLetter:
		return FolderDeadLetter, true
	case StateArchived:
		return FolderArchived, true
	default:
		return "", false
	}
}

// CanonicalState maps a pipeline folder back to the state a file at rest in
// that folder is considered to hold. Logical states (ACTION_PROCESSING,
// EXECUTING, ...) only exist while an engine is actively working a file, so
// a rebuild scan reports the resting state of each folder.
func CanonicalState(folder string) (State, bool) {
	switch folder {
	case FolderInbox:
		return StateInbox, true
	case FolderNeedsAction:
		return StateNeedsAction, true
	case FolderPlans:
		return StatePlans, true
	case FolderPendingApproval:
		return StatePendingApproval, true
	case FolderApproved:
		return StateApproved, true
	case FolderDone:
		return StateDone, true
	case FolderFailed:
		return StateFailed, true
	case FolderRejected:
		return StateRejected, true
	case FolderDeadLetter:
		return StateDeadLetter, true
	case FolderArchived:
		return StateArchived, true
	default:
		return "", false
	}
}

// ParseState converts a wire string into a State.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Known() {
		return "", Errorf(KindSchemaInvalid, "unknown workflow state %q", raw)
	}
	return s, nil
}

// AllStates lists every workflow state in pipeline order.
func AllStates() []State {
	return []State{
		StateInbox, StateNeedsAction, StateActionProcessing, StatePlans,
		StatePendingApproval, StateApprovalReview, StateApproved, StateRejected,
		StateExecutionPending, StateExecuting, StateExecuted, StateDone,
		StateFailed, StateRetry, StateDeadLetter, StateArchived,
	}
}
