package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/roadmap-tracker/config"
	httpserver "github.com/alem-hub/roadmap-tracker/internal/interface/http"
	"github.com/alem-hub/roadmap-tracker/pkg/logger"
)

func newServeCmd(o *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the progress API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				o.cfg.HTTP.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, o.cfg, o)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (env HTTP_PORT)")
	return cmd
}

// serve runs the API and the change-feed follower until ctx ends or one of
// them fails, then shuts the server down within the configured timeout.
func serve(ctx context.Context, cfg *config.Config, o *rootOptions) error {
	log := o.log
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(ctx, cfg, log, appOptions{async: true, registerer: reg})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("closing storage", logger.Err(err))
		}
	}()

	hc := httpserver.DefaultConfig()
	hc.Host = cfg.HTTP.Host
	hc.Port = cfg.HTTP.Port
	hc.ReadTimeout = cfg.HTTP.ReadTimeout
	hc.WriteTimeout = cfg.HTTP.WriteTimeout
	hc.IdleTimeout = cfg.HTTP.IdleTimeout
	hc.MaxBodyBytes = cfg.HTTP.MaxBodyBytes
	hc.EnableCORS = cfg.HTTP.EnableCORS
	hc.AllowedOrigins = cfg.HTTP.AllowedOrigins
	hc.EnableMetrics = cfg.HTTP.EnableMetrics
	hc.RateLimitPerMinute = cfg.HTTP.RateLimitPerMinute
	hc.APIKeyHeader = cfg.HTTP.APIKeyHeader
	hc.APIKeys = cfg.HTTP.APIKeys

	srv, err := httpserver.NewServer(hc, httpserver.Dependencies{
		Registry:      a.registry,
		Bus:           a.bus,
		HealthChecker: a.health,
		Features:      cfg.Features,
		Registerer:    reg,
		Gatherer:      reg,
		Logger:        log,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Features.IsEnabled(config.FeatureSync, "") {
		g.Go(func() error { return a.registry.Watch(gctx) })
	}

	log.Info("roadmap tracker is running",
		"http_address", hc.Address(),
		logger.Tier(a.persistence.ActiveTier()),
		"namespace", cfg.Storage.Namespace,
	)
	err = g.Wait()
	log.Info("shutdown completed")
	return err
}
