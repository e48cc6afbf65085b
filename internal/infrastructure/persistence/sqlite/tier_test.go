package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
	"github.com/alem-hub/roadmap-tracker/pkg/logger"
)

func openTestTier(t *testing.T, maxBytes int64) *Tier {
	t.Helper()
	tier, err := Open(filepath.Join(t.TempDir(), "data", "roadmap.db"), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })
	return tier
}

func TestTier_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	tier := openTestTier(t, 0)

	_, err := tier.Get(ctx, "k")
	assert.ErrorIs(t, err, resilient.ErrNotFound)

	require.NoError(t, tier.Set(ctx, "k", []byte("one")))
	require.NoError(t, tier.Set(ctx, "k", []byte("three")))
	got, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "three", string(got))

	used, err := tier.UsedBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)

	require.NoError(t, tier.Delete(ctx, "k"))
	_, err = tier.Get(ctx, "k")
	assert.ErrorIs(t, err, resilient.ErrNotFound)
}

func TestTier_Quota(t *testing.T) {
	ctx := context.Background()
	tier := openTestTier(t, 10)

	require.NoError(t, tier.Set(ctx, "a", []byte("123456")))
	err := tier.Set(ctx, "b", []byte("12345"))
	assert.ErrorIs(t, err, resilient.ErrCapacity)

	// Overwriting a key only counts its new size.
	require.NoError(t, tier.Set(ctx, "a", []byte("1234567890")))
	_, err = tier.Get(ctx, "b")
	assert.ErrorIs(t, err, resilient.ErrNotFound)
}

func TestTier_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "roadmap.db")
	tier, err := Open(path, 0)
	require.NoError(t, err)
	require.NoError(t, tier.Set(ctx, "k", []byte("kept")))
	require.NoError(t, tier.Close())

	reopened, err := Open(path, 0)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got))
}

func TestTier_FullDemotesResilientStore(t *testing.T) {
	ctx := context.Background()
	tier := openTestTier(t, 256)
	store, err := resilient.New(tier, resilient.Options{Namespace: "alice"},
		resilient.WithLogger(logger.Discard()),
		resilient.WithMemoryTier(resilient.NewMemoryTier("memory", 0)))
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "progress", map[string]string{"note": strings.Repeat("n", 512)}))
	assert.Equal(t, "memory", store.ActiveTier())
	assert.True(t, store.Stats().Degraded)
}
