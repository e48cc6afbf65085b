package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
	"github.com/alem-hub/roadmap-tracker/pkg/logger"
)

func newTestTier(t *testing.T) (*Tier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Config{}, logger.Discard()), mr
}

func TestTier_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	tier, mr := newTestTier(t)

	_, err := tier.Get(ctx, "roadmap:alice:progress")
	assert.ErrorIs(t, err, resilient.ErrNotFound)

	require.NoError(t, tier.Set(ctx, "roadmap:alice:progress", []byte(`{"v":1}`)))
	got, err := tier.Get(ctx, "roadmap:alice:progress")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got))
	mr.CheckGet(t, "roadmap:alice:progress", `{"v":1}`)

	require.NoError(t, tier.Delete(ctx, "roadmap:alice:progress"))
	assert.False(t, mr.Exists("roadmap:alice:progress"))
}

func TestTier_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	tier := New(client, Config{TTL: time.Hour}, logger.Discard())

	require.NoError(t, tier.Set(context.Background(), "k", []byte("v")))
	assert.Equal(t, time.Hour, mr.TTL("k"))
}

func TestTier_OutOfMemoryIsCapacity(t *testing.T) {
	tier, mr := newTestTier(t)
	mr.SetError("OOM command not allowed when used memory > 'maxmemory'.")
	defer mr.SetError("")

	err := tier.client.Set(context.Background(), "k", "v", 0).Err()
	require.Error(t, err)
	assert.ErrorIs(t, classify(err), resilient.ErrCapacity)

	mr.SetError("LOADING Redis is loading the dataset in memory")
	err = tier.client.Set(context.Background(), "k", "v", 0).Err()
	assert.NotErrorIs(t, classify(err), resilient.ErrCapacity)
}

func TestTier_WatchReceivesAnnouncedKeys(t *testing.T) {
	tier, mr := newTestTier(t)
	other := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), Config{}, logger.Discard())
	defer other.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- tier.Watch(ctx, func(key string) {
			mu.Lock()
			seen = append(seen, key)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, other.Set(ctx, "roadmap:alice:progress", []byte("x")))
	require.NoError(t, other.Delete(ctx, "roadmap:alice:progress"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"roadmap:alice:progress", "roadmap:alice:progress"}, seen)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestTier_BehindResilientStore(t *testing.T) {
	ctx := context.Background()
	tier, _ := newTestTier(t)
	store, err := resilient.New(tier, resilient.Options{Namespace: "alice"},
		resilient.WithLogger(logger.Discard()),
		resilient.WithMemoryTier(resilient.NewMemoryTier("memory", 0)))
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "progress", map[string]int{"done": 3}))
	var got map[string]int
	meta, err := store.Load(ctx, "progress", &got)
	require.NoError(t, err)
	assert.Equal(t, "redis", meta.Tier)
	assert.Equal(t, 3, got["done"])
}
