package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkbase/weavemigrate/pkg/store"
)

func TestRouting_DefaultsToSQLiteOnly(t *testing.T) {
	r, err := store.OpenRouting(filepath.Join(t.TempDir(), "runtime_config.json"))
	require.NoError(t, err)

	assert.Equal(t, store.ModeSQLiteOnly, r.Mode())
	assert.False(t, r.DualWriteEnabled())
	assert.False(t, r.ReadPrimary())
}

func TestRouting_SetModePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_config.json")
	r, err := store.OpenRouting(path)
	require.NoError(t, err)

	require.NoError(t, r.SetMode(store.ModeDualWrite))
	assert.True(t, r.DualWriteEnabled())
	assert.False(t, r.ReadPrimary())

	// A second process sees the same decision.
	reloaded, err := store.OpenRouting(path)
	require.NoError(t, err)
	assert.Equal(t, store.ModeDualWrite, reloaded.Mode())

	require.NoError(t, r.SetMode(store.ModeWeaviatePrimary))
	assert.True(t, r.DualWriteEnabled())
	assert.True(t, r.ReadPrimary())
}

func TestRouting_RejectsInvalidMode(t *testing.T) {
	r, err := store.OpenRouting(filepath.Join(t.TempDir(), "runtime_config.json"))
	require.NoError(t, err)
	assert.Error(t, r.SetMode("postgres_primary"))
	assert.Equal(t, store.ModeSQLiteOnly, r.Mode())
}

func TestRouting_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"migration_mode":"sideways"}`), 0o600))

	_, err := store.OpenRouting(path)
	assert.Error(t, err)
}

func TestRouting_EnvironmentOverrides(t *testing.T) {
	t.Run("MigrationMode", func(t *testing.T) {
		t.Setenv("MIGRATION_MODE", "weaviate_primary")
		r, err := store.OpenRouting(filepath.Join(t.TempDir(), "runtime_config.json"))
		require.NoError(t, err)

		assert.Equal(t, store.ModeWeaviatePrimary, r.Mode())
		assert.True(t, r.DualWriteEnabled())
		assert.True(t, r.ReadPrimary())
	})

	t.Run("BooleanToggles", func(t *testing.T) {
		t.Setenv("DUAL_WRITE_ENABLED", "true")
		t.Setenv("WEAVIATE_PRIMARY", "false")
		r, err := store.OpenRouting(filepath.Join(t.TempDir(), "runtime_config.json"))
		require.NoError(t, err)

		assert.True(t, r.DualWriteEnabled())
		assert.False(t, r.ReadPrimary())
	})

	t.Run("OverrideIsNotPersisted", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "runtime_config.json")
		r, err := store.OpenRouting(path)
		require.NoError(t, err)
		require.NoError(t, r.SetMode(store.ModeDualWrite))

		t.Setenv("MIGRATION_MODE", "sqlite_only")
		overridden, err := store.OpenRouting(path)
		require.NoError(t, err)
		assert.Equal(t, store.ModeSQLiteOnly, overridden.Mode())

		// The file still carries the durable decision.
		os.Unsetenv("MIGRATION_MODE")
		durable, err := store.OpenRouting(path)
		require.NoError(t, err)
		assert.Equal(t, store.ModeDualWrite, durable.Mode())
	})
}
