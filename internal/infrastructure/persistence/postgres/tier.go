package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
	"github.com/alem-hub/roadmap-tracker/pkg/retry"
)

// DefaultChannel is the NOTIFY channel used when Config.Channel is empty.
const DefaultChannel = "roadmap_changes"

// Tier stores records in the roadmap_records table.
type Tier struct {
	conn    *Connection
	channel string
	logger  *slog.Logger
}

// NewTier wraps a migrated connection.
func NewTier(conn *Connection, channel string, logger *slog.Logger) *Tier {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tier{conn: conn, channel: channel, logger: logger.With("component", "tier.postgres")}
}

// Open connects, migrates and returns a tier.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Tier, error) {
	conn, err := NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := NewMigrator(conn).Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return NewTier(conn, cfg.Channel, logger), nil
}

func (t *Tier) Name() string { return "postgres" }

// Connection returns the underlying connection.
func (t *Tier) Connection() *Connection { return t.conn }

// Ping checks if the database is reachable.
func (t *Tier) Ping(ctx context.Context) error { return t.conn.Ping(ctx) }

// Close closes the pool.
func (t *Tier) Close() error {
	t.conn.Close()
	return nil
}

func (t *Tier) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := t.conn.QueryRow(ctx, `SELECT value FROM roadmap_records WHERE key = $1`, key).Scan(&value)
	if IsNoRows(err) {
		return nil, resilient.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return value, nil
}

// Set upserts the record and notifies listeners in the same transaction, so
// a notification is only delivered for a committed write.
func (t *Tier) Set(ctx context.Context, key string, value []byte) error {
	err := t.conn.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO roadmap_records (key, namespace, value, size, updated_at)
			VALUES ($1, split_part($1, ':', 2), $2, $3, NOW())
			ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, size = EXCLUDED.size, updated_at = EXCLUDED.updated_at
		`, key, value, len(value))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, t.channel, key)
		return err
	})
	return classify(err)
}

func (t *Tier) Delete(ctx context.Context, key string) error {
	err := t.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM roadmap_records WHERE key = $1`, key); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, t.channel, key)
		return err
	})
	return classify(err)
}

// Watch LISTENs on the change channel and calls fn with each notified key
// until ctx ends. A dropped connection is re-acquired with backoff.
func (t *Tier) Watch(ctx context.Context, fn func(key string)) error {
	for {
		err := retry.FeedReconnect().Do(ctx, func(ctx context.Context) error {
			return t.listen(ctx, fn)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("listen %s: %w", t.channel, err)
		}
	}
}

// listen holds one pooled connection until ctx ends or the connection fails.
func (t *Tier) listen(ctx context.Context, fn func(key string)) error {
	conn, err := t.conn.Pool().Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		return err
	}
	t.logger.Info("listening for changes", "channel", t.channel)

	start := time.Now()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("change feed dropped", "after", time.Since(start), "error", err)
			// The connection may be broken; drop it instead of returning it
			// to the pool.
			_ = conn.Conn().Close(context.Background())
			return err
		}
		fn(n.Payload)
	}
}

// classify maps resource-exhaustion errors to resilient.ErrCapacity.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsCapacityError(err) || errors.Is(err, resilient.ErrCapacity) {
		return fmt.Errorf("%w: %v", resilient.ErrCapacity, err)
	}
	return err
}
