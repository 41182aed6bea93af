package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/vault"
)

func TestInitialize(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")

	created, err := Initialize(root, false)
	require.NoError(t, err)
	require.Len(t, created, 3)

	t.Run("folder tree exists", func(t *testing.T) {
		for _, folder := range vault.AllFolders() {
			info, err := os.Stat(filepath.Join(root, filepath.FromSlash(folder)))
			require.NoError(t, err, folder)
			assert.True(t, info.IsDir(), folder)
		}
	})

	t.Run("generated config loads with defaults applied", func(t *testing.T) {
		cfg, err := config.Load(filepath.Join(root, ConfigFileName))
		require.NoError(t, err)
		abs, _ := filepath.Abs(root)
		assert.Equal(t, abs, cfg.VaultPath)
		assert.NotEmpty(t, cfg.Approval.Rules, "starter config ships sample rules")
	})

	t.Run("dashboard and example action exist", func(t *testing.T) {
		assert.FileExists(t, filepath.Join(root, vault.DashboardFile))
		assert.FileExists(t, filepath.Join(root, "example.action.yaml"))
	})

	t.Run("second init is refused", func(t *testing.T) {
		_, err := Initialize(root, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--force")
	})

	t.Run("force overwrites config but keeps pipeline files", func(t *testing.T) {
		keeper := filepath.Join(root, vault.FolderInbox, "drop.md")
		require.NoError(t, os.WriteFile(keeper, []byte("keep me"), 0o644))

		_, err := Initialize(root, true)
		require.NoError(t, err)
		assert.FileExists(t, keeper)
	})
}

func TestCheckExisting(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, CheckExisting(root))

	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte("vault_path: .\n"), 0o644))
	assert.Error(t, CheckExisting(root))
}
