package execution

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/vault"
)

func TestFileAdapterExecute(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Artifacts")
	adapter := NewFileAdapter(root)

	step := vault.Step{Index: 0, Kind: vault.StepFile, Reversible: true,
		Params: map[string]any{"name": "summary.md", "content": "hello\n"}}

	token, err := adapter.Execute(context.Background(), step)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "summary.md"), token)

	raw, err := os.ReadFile(token)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(raw))

	t.Run("existing artifact is refused", func(t *testing.T) {
		_, err := adapter.Execute(context.Background(), step)
		require.Error(t, err)
		assert.True(t, vault.IsKind(err, vault.KindTargetExists))
	})

	t.Run("rollback removes the artifact", func(t *testing.T) {
		require.NoError(t, adapter.Rollback(context.Background(), step, token))
		_, err := os.Stat(token)
		assert.True(t, os.IsNotExist(err))

		// Rolling back an already-absent artifact is not an error.
		assert.NoError(t, adapter.Rollback(context.Background(), step, token))
	})
}

func TestFileAdapterRejectsEscapingNames(t *testing.T) {
	adapter := NewFileAdapter(t.TempDir())

	for _, name := range []string{"", "../outside.md", "sub/dir.md", "/etc/passwd"} {
		step := vault.Step{Index: 0, Kind: vault.StepFile, Params: map[string]any{"name": name}}
		_, err := adapter.Execute(context.Background(), step)
		require.Error(t, err, "name %q", name)
		assert.True(t, vault.IsKind(err, vault.KindSchemaInvalid), "name %q", name)
	}
}

func TestFileAdapterRollbackRefusesForeignTokens(t *testing.T) {
	adapter := NewFileAdapter(t.TempDir())
	step := vault.Step{Index: 0, Kind: vault.StepFile}

	err := adapter.Rollback(context.Background(), step, "/tmp/elsewhere.md")
	require.Error(t, err)
	assert.True(t, vault.IsKind(err, vault.KindRollbackFailed))
}
