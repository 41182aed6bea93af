package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureLayout(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureLayout(root))

	for _, folder := range AllFolders() {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(folder)))
		require.NoError(t, err, "folder %s", folder)
		assert.True(t, info.IsDir(), "folder %s", folder)
	}

	// A second run is a no-op and leaves existing content alone.
	marker := filepath.Join(root, FolderInbox, "keep.txt")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))
	require.NoError(t, EnsureLayout(root))
	_, err := os.Stat(marker)
	assert.NoError(t, err)
}

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("/vault")

	assert.Equal(t, "/vault", l.Root())
	assert.Equal(t, filepath.Join("/vault", "Needs_Action"), l.Dir(FolderNeedsAction))
	assert.Equal(t, filepath.Join("/vault", "System_Log", "Audit"), l.Dir(FolderAudit))
	assert.Equal(t, filepath.Join("/vault", "System_Log", "Audit", "immutable_audit.jsonl"), l.AuditLog())
	assert.Equal(t, filepath.Join("/vault", ".locks", "abc.lock"), l.LockFile("abc"))
	assert.Equal(t, filepath.Join("/vault", "System_Log", "Approvals", "abc.approval.md"), l.ApprovalFile("abc"))

	dir, ok := l.StateDir(StateExecuting)
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/vault", "Approved"), dir)

	_, ok = l.StateDir(StateRetry)
	assert.False(t, ok)
}

func TestLayoutRel(t *testing.T) {
	l := NewLayout("/vault")
	assert.Equal(t, "Plans/x.plan.md", l.Rel(filepath.Join("/vault", "Plans", "x.plan.md")))
	assert.Equal(t, "/elsewhere/x", l.Rel("/elsewhere/x"))
}

func TestNonTerminalFolders(t *testing.T) {
	folders := NonTerminalFolders()
	assert.ElementsMatch(t, []string{
		FolderInbox, FolderNeedsAction, FolderPlans, FolderPendingApproval,
		FolderApproved, FolderFailed, FolderRejected,
	}, folders)
}

func TestStem(t *testing.T) {
	id := uuid.New().String()
	assert.Equal(t, id, Stem(id+SuffixAction))
	assert.Equal(t, id, Stem(id+SuffixPlan))
	assert.Equal(t, id, Stem(id+SuffixApproval))
	assert.Equal(t, id, Stem(filepath.Join("Plans", id+SuffixPlan)))
	assert.Equal(t, "notes", Stem("notes.txt"))
	assert.Equal(t, "README", Stem("README"))
}

func TestFindStemFile(t *testing.T) {
	dir := t.TempDir()
	stem := uuid.New().String()

	t.Run("missing file", func(t *testing.T) {
		_, err := FindStemFile(dir, stem)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindFileNotFound))
	})

	t.Run("single match", func(t *testing.T) {
		path := filepath.Join(dir, stem+SuffixPlan)
		require.NoError(t, os.WriteFile(path, []byte("---\n---\n"), 0o644))

		found, err := FindStemFile(dir, stem)
		require.NoError(t, err)
		assert.Equal(t, path, found)
	})

	t.Run("prefix of another stem does not match", func(t *testing.T) {
		other := stem[:8]
		_, err := FindStemFile(dir, other)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindFileNotFound))
	})

	t.Run("duplicate stems are refused", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, stem+SuffixAction), []byte("id: x"), 0o644))

		_, err := FindStemFile(dir, stem)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSchemaInvalid))
	})
}
