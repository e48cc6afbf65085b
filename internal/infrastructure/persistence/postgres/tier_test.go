package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
	"github.com/alem-hub/roadmap-tracker/pkg/logger"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		capacity bool
	}{
		{"disk full", &pgconn.PgError{Code: "53100"}, true},
		{"out of memory", &pgconn.PgError{Code: "53200"}, true},
		{"program limit", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "54000"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"network", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.capacity, errors.Is(classify(tt.err), resilient.ErrCapacity))
		})
	}
	assert.NoError(t, classify(nil))
}

func TestConfig_DSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Password = "pw"
	assert.Equal(t, "host=localhost port=5432 dbname=roadmap user=postgres password=pw sslmode=disable connect_timeout=10", cfg.DSN())

	cfg.URL = "postgres://u:p@db:5432/x"
	assert.Equal(t, "postgres://u:p@db:5432/x", cfg.DSN())

	pc, err := cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, int32(10), pc.MaxConns)
}

func TestMigrations_Ordered(t *testing.T) {
	migs := Migrations()
	require.NotEmpty(t, migs)
	for i, m := range migs {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.UpSQL)
		assert.NotEmpty(t, m.DownSQL)
	}
}

// The remaining tests need a database: ROADMAP_TEST_DATABASE_URL.
func openTestTier(t *testing.T) *Tier {
	t.Helper()
	url := os.Getenv("ROADMAP_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ROADMAP_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tier, err := Open(ctx, Config{URL: url, Channel: "roadmap_changes_test"}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })
	return tier
}

func TestTier_Integration(t *testing.T) {
	tier := openTestTier(t)
	ctx := context.Background()
	key := "roadmap:itest:" + t.Name()

	var (
		mu   sync.Mutex
		seen []string
	)
	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- tier.Watch(watchCtx, func(k string) {
			mu.Lock()
			seen = append(seen, k)
			mu.Unlock()
		})
	}()
	time.Sleep(200 * time.Millisecond)

	_, err := tier.Get(ctx, key)
	assert.ErrorIs(t, err, resilient.ErrNotFound)

	require.NoError(t, tier.Set(ctx, key, []byte("one")))
	require.NoError(t, tier.Set(ctx, key, []byte("two")))
	got, err := tier.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, tier.Delete(ctx, key))
	_, err = tier.Get(ctx, key)
	assert.ErrorIs(t, err, resilient.ErrNotFound)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
