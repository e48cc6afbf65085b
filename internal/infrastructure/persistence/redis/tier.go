// Package redis implements a resilient.Tier on Redis. Records are plain
// string keys; every write and delete is announced on a pub/sub channel so
// other instances can follow changes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	Host     string
	Port     int
	Password string

	// DB is the Redis database number (0-15).
	DB int

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration

	// Channel carries change notifications.
	Channel string

	// TTL expires records after the given time; 0 keeps them forever.
	TTL time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		Channel:      DefaultChannel,
	}
}

// DefaultChannel is the pub/sub channel used when Config.Channel is empty.
const DefaultChannel = "roadmap:changes"

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ErrConnection is returned by Open when Redis is unreachable.
var ErrConnection = errors.New("redis tier: connection failed")

// ══════════════════════════════════════════════════════════════════════════════
// TIER
// ══════════════════════════════════════════════════════════════════════════════

// Tier stores records in Redis.
type Tier struct {
	client  *redis.Client
	channel string
	ttl     time.Duration
	logger  *slog.Logger
}

// Open connects to Redis and checks the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Tier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return New(client, cfg, logger), nil
}

// New wraps an existing client.
func New(client *redis.Client, cfg Config, logger *slog.Logger) *Tier {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tier{
		client:  client,
		channel: cfg.Channel,
		ttl:     cfg.TTL,
		logger:  logger.With("component", "tier.redis"),
	}
}

func (t *Tier) Name() string { return "redis" }

// Client returns the underlying client.
func (t *Tier) Client() *redis.Client { return t.client }

// Ping checks if Redis is reachable.
func (t *Tier) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the connection pool.
func (t *Tier) Close() error {
	return t.client.Close()
}

func (t *Tier) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := t.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, resilient.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return b, nil
}

// Set writes the record and announces the key in one round trip.
func (t *Tier) Set(ctx context.Context, key string, value []byte) error {
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, value, t.ttl)
		pipe.Publish(ctx, t.channel, key)
		return nil
	})
	return classify(err)
}

func (t *Tier) Delete(ctx context.Context, key string) error {
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.Publish(ctx, t.channel, key)
		return nil
	})
	return classify(err)
}

// Watch subscribes to the change channel and calls fn with each announced
// key until ctx ends. go-redis re-subscribes after a dropped connection.
func (t *Tier) Watch(ctx context.Context, fn func(key string)) error {
	sub := t.client.Subscribe(ctx, t.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", t.channel, err)
	}
	t.logger.Info("watching change channel", "channel", t.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis tier: change channel closed")
			}
			fn(msg.Payload)
		}
	}
}

// classify maps Redis out-of-memory replies to resilient.ErrCapacity.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "OOM") {
		return fmt.Errorf("%w: %v", resilient.ErrCapacity, err)
	}
	return err
}
