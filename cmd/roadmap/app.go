package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/alem-hub/roadmap-tracker/config"
	"github.com/alem-hub/roadmap-tracker/internal/application/progress"
	"github.com/alem-hub/roadmap-tracker/internal/domain/achievement"
	"github.com/alem-hub/roadmap-tracker/internal/domain/analytics"
	domain "github.com/alem-hub/roadmap-tracker/internal/domain/progress"
	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/messaging"
	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/filestore"
	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/postgres"
	redistier "github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/sqlite"
	"github.com/alem-hub/roadmap-tracker/internal/interface/http/handlers"
	"github.com/alem-hub/roadmap-tracker/pkg/logger"
	"github.com/alem-hub/roadmap-tracker/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// APPLICATION WIRING
// ══════════════════════════════════════════════════════════════════════════════

// app holds everything one process shares: the tier chain, the event bus and
// the per-user registry.
type app struct {
	cfg         *config.Config
	log         *slog.Logger
	bus         *messaging.InMemoryEventBus
	persistence *resilient.Store
	registry    *progress.Registry
	health      *handlers.CompositeHealthChecker

	closers []io.Closer
}

type appOptions struct {
	// async runs bus handlers on the worker pool. One-shot commands keep
	// the bus synchronous so every handler finishes before exit.
	async bool

	// registerer receives the persistence metrics. Nil disables them.
	registerer prometheus.Registerer
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	busCfg := messaging.DefaultConfig()
	busCfg.AsyncMode = opts.async
	busCfg.Logger = log
	a.bus = messaging.NewInMemoryEventBus(busCfg)

	primary, err := openTier(ctx, cfg, log)
	if err != nil {
		return a, err
	}
	if c, ok := primary.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	options := []resilient.Option{
		resilient.WithLogger(log),
		resilient.WithPublisher(a.bus),
	}
	if opts.registerer != nil {
		options = append(options, resilient.WithMetrics(resilient.NewMetrics(opts.registerer)))
	}
	a.persistence, err = resilient.New(primary, resilient.Options{
		Namespace:         cfg.Storage.Namespace,
		SchemaVersion:     progress.SchemaVersion,
		Compress:          cfg.Storage.Compress,
		CompressThreshold: cfg.Storage.CompressThreshold,
		Encrypt:           cfg.Storage.Encrypt,
		Secret:            cfg.Storage.Secret,
		MaxBytes:          cfg.Storage.MaxRecordBytes,
		SessionFallback:   cfg.Storage.SessionFallback,
		OpTimeout:         cfg.Storage.OpTimeout,
	}, options...)
	if err != nil {
		return a, fmt.Errorf("persistence: %w", err)
	}

	catalog, err := achievement.Catalog()
	if err != nil {
		return a, fmt.Errorf("achievement catalog: %w", err)
	}

	features := cfg.Features
	a.registry, err = progress.NewRegistry(progress.Deps{
		Persistence: a.persistence,
		Reducer: domain.NewReducer(
			domain.WithLogger(log),
			domain.WithLocation(cfg.App.Location),
		),
		Catalog:   catalog,
		Publisher: a.bus,
		Logger:    log,
		Analytics: analytics.Options{
			MinActivitySeconds: cfg.Analytics.MinActivitySeconds,
			VelocityDays:       cfg.Analytics.VelocityDays,
			Granularity:        analytics.Granularity(cfg.Analytics.Granularity),
			Location:           cfg.App.Location,
		},
		CacheTTL: cfg.Analytics.CacheTTL,
		AutoUnlock: func(userID string) bool {
			return features.IsEnabled(config.FeatureAutoUnlock, userID)
		},
	}, a.bus)
	if err != nil {
		return a, fmt.Errorf("registry: %w", err)
	}

	a.health = handlers.NewCompositeHealthChecker(cfg.App.Version)
	if p, ok := primary.(handlers.Pinger); ok {
		a.health.AddCheck("storage."+primary.Name(), handlers.NewPingCheck(p))
	}
	a.health.AddOptionalCheck("storage.active_tier", handlers.NewTierCheck(a.persistence, primary.Name()))
	return a, nil
}

// Close releases the tiers and drains the bus.
func (a *app) Close() error {
	var errs []error
	if a.persistence != nil {
		a.persistence.EndSession()
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// ══════════════════════════════════════════════════════════════════════════════
// TIER SELECTION
// ══════════════════════════════════════════════════════════════════════════════

// openTier opens the configured primary tier, retrying backends that may
// still be starting.
func openTier(ctx context.Context, cfg *config.Config, log *slog.Logger) (resilient.Tier, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return resilient.ProcessMemory(), nil
	case config.BackendFile:
		t, err := filestore.Open(cfg.File.Dir, cfg.File.MaxBytes, log)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.BackendSQLite:
		t, err := sqlite.Open(cfg.SQLite.Path, cfg.SQLite.MaxBytes)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.BackendRedis:
		rc, err := redisConfig(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return connect(ctx, cfg, log, func(ctx context.Context) (*redistier.Tier, error) {
			return redistier.Open(ctx, rc, log)
		})
	case config.BackendPostgres:
		pc := postgres.DefaultConfig()
		pc.URL = cfg.Database.URL
		pc.MaxConns = int32(cfg.Database.MaxConns)
		pc.MinConns = int32(cfg.Database.MinConns)
		pc.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		pc.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
		pc.Channel = cfg.Database.Channel
		return connect(ctx, cfg, log, func(ctx context.Context) (*postgres.Tier, error) {
			return postgres.Open(ctx, pc, log)
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func connect[T resilient.Tier](ctx context.Context, cfg *config.Config, log *slog.Logger, open func(context.Context) (T, error)) (resilient.Tier, error) {
	tier, err := retry.DoValue(ctx, open,
		retry.WithMaxAttempts(cfg.Storage.ConnectAttempts),
		retry.WithInitialDelay(cfg.Storage.ConnectDelay),
		retry.WithMaxDelay(4*time.Second),
		retry.WithJitter(0.2),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			log.Warn("storage tier not ready, retrying",
				logger.Tier(cfg.Storage.Backend),
				"attempt", attempt,
				"delay", delay,
				logger.Err(err),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s tier: %w", cfg.Storage.Backend, err)
	}
	return tier, nil
}

// redisConfig prefers REDIS_URL over the individual settings.
func redisConfig(c config.RedisConfig) (redistier.Config, error) {
	rc := redistier.DefaultConfig()
	rc.Host, rc.Port, rc.Password, rc.DB = c.Host, c.Port, c.Password, c.DB
	rc.PoolSize = c.PoolSize
	rc.MinIdleConns = c.MinIdleConns
	rc.DialTimeout = c.DialTimeout
	rc.ReadTimeout = c.ReadTimeout
	rc.WriteTimeout = c.WriteTimeout
	if c.Channel != "" {
		rc.Channel = c.Channel
	}
	if c.URL == "" {
		return rc, nil
	}

	opts, err := goredis.ParseURL(c.URL)
	if err != nil {
		return rc, fmt.Errorf("REDIS_URL: %w", err)
	}
	host, port, err := net.SplitHostPort(opts.Addr)
	if err != nil {
		return rc, fmt.Errorf("REDIS_URL address: %w", err)
	}
	rc.Host = host
	if rc.Port, err = strconv.Atoi(port); err != nil {
		return rc, fmt.Errorf("REDIS_URL port: %w", err)
	}
	rc.Password = opts.Password
	rc.DB = opts.DB
	return rc, nil
}
