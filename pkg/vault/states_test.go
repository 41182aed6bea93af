package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionTo(t *testing.T) {
	t.Run("allows every edge in the matrix", func(t *testing.T) {
		edges := [][2]State{
			{StateInbox, StateNeedsAction},
			{StateInbox, StateFailed},
			{StateNeedsAction, StateActionProcessing},
			{StateActionProcessing, StatePlans},
			{StateActionProcessing, StateRetry},
			{StatePlans, StatePendingApproval},
			{StatePlans, StateExecutionPending},
			{StatePendingApproval, StateApprovalReview},
			{StateApprovalReview, StateApproved},
			{StateApprovalReview, StateRejected},
			{StateApproved, StateExecuting},
			{StateExecutionPending, StateExecuting},
			{StateExecuting, StateExecuted},
			{StateExecuting, StateRetry},
			{StateExecuted, StateDone},
			{StateDone, StateArchived},
			{StateRejected, StateArchived},
			{StateRejected, StateDeadLetter},
			{StateFailed, StateRetry},
			{StateFailed, StateDeadLetter},
		}
		for _, e := range edges {
			assert.True(t, e[0].CanTransitionTo(e[1]), "%s -> %s should be valid", e[0], e[1])
		}
	})

	t.Run("refuses edges outside the matrix", func(t *testing.T) {
		edges := [][2]State{
			{StateInbox, StatePlans},
			{StateInbox, StateDone},
			{StateNeedsAction, StateApproved},
			{StatePlans, StateExecuting},
			{StatePendingApproval, StateApproved},
			{StateApproved, StateDone},
			{StateDone, StateInbox},
			{StateArchived, StateInbox},
			{StateDeadLetter, StateNeedsAction},
			{StateFailed, StateDone},
		}
		for _, e := range edges {
			assert.False(t, e[0].CanTransitionTo(e[1]), "%s -> %s should be refused", e[0], e[1])
		}
	})

	t.Run("terminal states accept no edges at all", func(t *testing.T) {
		for _, from := range []State{StateDone, StateArchived, StateDeadLetter} {
			if from == StateDone {
				continue // DONE -> ARCHIVED is the one legal terminal-adjacent edge
			}
			for _, to := range AllStates() {
				assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
			}
		}
	})

	t.Run("retry returns only to failable states or dead letter", func(t *testing.T) {
		assert.True(t, StateRetry.CanTransitionTo(StateExecuting))
		assert.True(t, StateRetry.CanTransitionTo(StateNeedsAction))
		assert.True(t, StateRetry.CanTransitionTo(StateActionProcessing))
		assert.True(t, StateRetry.CanTransitionTo(StateDeadLetter))
		assert.False(t, StateRetry.CanTransitionTo(StateDone))
		assert.False(t, StateRetry.CanTransitionTo(StateArchived))
		assert.False(t, StateRetry.CanTransitionTo(StateRetry))
	})
}

func TestTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateDone: true, StateArchived: true, StateDeadLetter: true,
	}
	for _, s := range AllStates() {
		assert.Equal(t, terminal[s], s.Terminal(), "state %s", s)
	}
}

func TestStateFolder(t *testing.T) {
	t.Run("logical states share their resting folder", func(t *testing.T) {
		cases := map[State]string{
			StateInbox:            FolderInbox,
			StateNeedsAction:      FolderNeedsAction,
			StateActionProcessing: FolderNeedsAction,
			StatePlans:            FolderPlans,
			StatePendingApproval:  FolderPendingApproval,
			StateApprovalReview:   FolderPendingApproval,
			StateApproved:         FolderApproved,
			StateExecutionPending: FolderApproved,
			StateExecuting:        FolderApproved,
			StateExecuted:         FolderDone,
			StateDone:             FolderDone,
			StateFailed:           FolderFailed,
			StateRejected:         FolderRejected,
			StateDeadLetter:       FolderDeadLetter,
			StateArchived:         FolderArchived,
		}
		for state, want := range cases {
			folder, ok := state.Folder()
			require.True(t, ok, "state %s", state)
			assert.Equal(t, want, folder, "state %s", state)
		}
	})

	t.Run("retry keeps the file where it sits", func(t *testing.T) {
		_, ok := StateRetry.Folder()
		assert.False(t, ok)
	})
}

func TestCanonicalState(t *testing.T) {
	for _, folder := range PipelineFolders() {
		state, ok := CanonicalState(folder)
		require.True(t, ok, "folder %s", folder)

		back, backOK := state.Folder()
		require.True(t, backOK)
		assert.Equal(t, folder, back)
	}

	_, ok := CanonicalState(FolderSystemLog)
	assert.False(t, ok)
}

func TestParseState(t *testing.T) {
	s, err := ParseState("pending_approval")
	require.NoError(t, err)
	assert.Equal(t, StatePendingApproval, s)

	_, err = ParseState("limbo")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSchemaInvalid))
}
