package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/testutil"
	"github.com/dyluth/warren/pkg/vault"
)

func newTestStore(t *testing.T) (*Store, *testutil.Env) {
	t.Helper()
	env := testutil.NewEnv(t)
	store, err := Open(env.Layout, "correct horse", env.Auditor, env.Log)
	require.NoError(t, err)
	require.NoError(t, store.Init())
	return store, env
}

func TestStoreRoundTrip(t *testing.T) {
	store, env := newTestStore(t)

	require.NoError(t, store.Set("gmail_token", "s3cret", nil))
	value, err := store.Get("gmail_token")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", value)

	t.Run("set replaces but keeps created_at", func(t *testing.T) {
		require.NoError(t, store.Set("gmail_token", "rotated", nil))
		infos, err := store.List()
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.True(t, infos[0].UpdatedAt.After(infos[0].CreatedAt) ||
			infos[0].UpdatedAt.Equal(infos[0].CreatedAt))

		value, err := store.Get("gmail_token")
		require.NoError(t, err)
		assert.Equal(t, "rotated", value)
	})

	t.Run("access is audited without the value", func(t *testing.T) {
		entries, err := env.Auditor.Query(audit.Filter{EventType: audit.CredentialAccessed})
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		for _, e := range entries {
			assert.NotContains(t, e.Details, "value")
		}
	})
}

func TestStoreMissingAndExpired(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get("nope")
	require.Error(t, err)
	assert.True(t, vault.IsKind(err, vault.KindCredentialMissing))

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Set("stale", "old", &past))
	_, err = store.Get("stale")
	require.Error(t, err)
	assert.True(t, vault.IsKind(err, vault.KindCredentialMissing))

	infos, err := store.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Expired)
}

func TestStoreDelete(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Set("api_key", "k", nil))
	require.NoError(t, store.Delete("api_key"))

	_, err := store.Get("api_key")
	assert.True(t, vault.IsKind(err, vault.KindCredentialMissing))

	err = store.Delete("api_key")
	require.Error(t, err)
	assert.True(t, vault.IsKind(err, vault.KindCredentialMissing))
}

func TestStoreListSorted(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Set("zulu", "z", nil))
	require.NoError(t, store.Set("alpha", "a", nil))

	infos, err := store.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "zulu", infos[1].Name)
}

func TestStoreRotate(t *testing.T) {
	store, env := newTestStore(t)
	require.NoError(t, store.Set("token", "v", nil))

	require.NoError(t, store.Rotate("new passphrase"))

	// The rotated handle keeps working.
	value, err := store.Get("token")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	// The old passphrase no longer opens the file.
	stale, err := Open(env.Layout, "correct horse", env.Auditor, env.Log)
	require.NoError(t, err)
	_, err = stale.Get("token")
	require.Error(t, err)

	fresh, err := Open(env.Layout, "new passphrase", env.Auditor, env.Log)
	require.NoError(t, err)
	value, err = fresh.Get("token")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	entries, err := env.Auditor.Query(audit.Filter{EventType: audit.CredentialRotated})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStoreInitRefusesOverwrite(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Error(t, store.Init())
}

func TestStoreBeforeInit(t *testing.T) {
	env := testutil.NewEnv(t)
	store, err := Open(env.Layout, "pw", env.Auditor, env.Log)
	require.NoError(t, err)

	_, err = store.Get("anything")
	require.Error(t, err)
	assert.True(t, vault.IsKind(err, vault.KindCredentialMissing))
}

func TestOpenRejectsEmptyPassphrase(t *testing.T) {
	env := testutil.NewEnv(t)
	_, err := Open(env.Layout, "", env.Auditor, env.Log)
	assert.Error(t, err)
}
