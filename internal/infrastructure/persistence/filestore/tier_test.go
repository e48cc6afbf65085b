package filestore

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alem-hub/roadmap-tracker/internal/domain/shared"
	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
	"github.com/alem-hub/roadmap-tracker/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTier_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	tier, err := Open(t.TempDir(), 0, logger.Discard())
	require.NoError(t, err)

	_, err = tier.Get(ctx, "roadmap:alice:progress")
	assert.ErrorIs(t, err, resilient.ErrNotFound)

	require.NoError(t, tier.Set(ctx, "roadmap:alice:progress", []byte("v1")))
	require.NoError(t, tier.Set(ctx, "roadmap:alice:progress", []byte("v2")))
	got, err := tier.Get(ctx, "roadmap:alice:progress")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	entries, err := os.ReadDir(tier.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files are cleaned up")
	key, ok := keyOf(entries[0].Name())
	require.True(t, ok)
	assert.Equal(t, "roadmap:alice:progress", key)

	require.NoError(t, tier.Delete(ctx, "roadmap:alice:progress"))
	require.NoError(t, tier.Delete(ctx, "roadmap:alice:progress"))
	_, err = tier.Get(ctx, "roadmap:alice:progress")
	assert.ErrorIs(t, err, resilient.ErrNotFound)
}

func TestTier_Quota(t *testing.T) {
	ctx := context.Background()
	tier, err := Open(t.TempDir(), 8, logger.Discard())
	require.NoError(t, err)

	require.NoError(t, tier.Set(ctx, "a", []byte("12345")))
	assert.ErrorIs(t, tier.Set(ctx, "b", []byte("12345")), resilient.ErrCapacity)
	require.NoError(t, tier.Set(ctx, "a", []byte("12345678")))
}

func TestKeyOf_IgnoresForeignFiles(t *testing.T) {
	for _, name := range []string{".tmp-123", "notes.txt", "!!!.rec"} {
		_, ok := keyOf(name)
		assert.False(t, ok, name)
	}
}

func TestClassify(t *testing.T) {
	err := &os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC}
	assert.ErrorIs(t, classify(err), resilient.ErrCapacity)
	assert.NotErrorIs(t, classify(os.ErrPermission), resilient.ErrCapacity)
}

func TestTier_Watch(t *testing.T) {
	dir := t.TempDir()
	tier, err := Open(dir, 0, logger.Discard())
	require.NoError(t, err)
	other, err := Open(dir, 0, logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	done := make(chan error, 1)
	go func() {
		done <- tier.Watch(ctx, func(key string) {
			mu.Lock()
			seen[key] = true
			mu.Unlock()
		})
	}()

	// The watcher registers asynchronously; keep writing until it reports.
	require.Eventually(t, func() bool {
		_ = other.Set(ctx, "roadmap:alice:progress", []byte(time.Now().String()))
		mu.Lock()
		defer mu.Unlock()
		return seen["roadmap:alice:progress"]
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) Publish(e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestTier_TwoStoresSync(t *testing.T) {
	dir := t.TempDir()
	tierA, err := Open(dir, 0, logger.Discard())
	require.NoError(t, err)
	tierB, err := Open(dir, 0, logger.Discard())
	require.NoError(t, err)

	events := &recorder{}
	a, err := resilient.New(tierA, resilient.Options{Namespace: "alice"},
		resilient.WithLogger(logger.Discard()),
		resilient.WithMemoryTier(resilient.NewMemoryTier("memory", 0)),
		resilient.WithPublisher(events))
	require.NoError(t, err)
	b, err := resilient.New(tierB, resilient.Options{Namespace: "alice"},
		resilient.WithLogger(logger.Discard()),
		resilient.WithMemoryTier(resilient.NewMemoryTier("memory", 0)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Watch(ctx) }()

	n := 0
	require.Eventually(t, func() bool {
		n++
		_ = b.Save(ctx, "progress", map[string]int{"n": n})
		return events.len() > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
