package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alem-hub/roadmap-tracker/config"
	"github.com/alem-hub/roadmap-tracker/internal/application/progress"
	"github.com/alem-hub/roadmap-tracker/pkg/logger"
)

// rootOptions are the persistent flags. Set flags win over the environment.
type rootOptions struct {
	user      string
	backend   string
	dir       string
	sqlite    string
	namespace string
	logLevel  string
	logFormat string

	cfg *config.Config
	log *slog.Logger
	now func() time.Time
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{now: time.Now}
	cmd := &cobra.Command{
		Use:           "roadmap",
		Short:         "Track learning roadmap progress",
		Long:          "roadmap records progress through learning paths and skills, computes analytics and unlocks achievements.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.load(cmd)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&o.user, "user", "u", defaultUser(), "user whose progress to operate on (env ROADMAP_USER)")
	f.StringVar(&o.backend, "backend", "", "primary storage tier: memory, file, sqlite, redis or postgres (env STORAGE_BACKEND)")
	f.StringVar(&o.dir, "dir", "", "directory of the file tier (env FILE_STORE_DIR)")
	f.StringVar(&o.sqlite, "sqlite", "", "database path of the sqlite tier (env SQLITE_PATH)")
	f.StringVar(&o.namespace, "namespace", "", "storage namespace (env STORAGE_NAMESPACE)")
	f.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	f.StringVar(&o.logFormat, "log-format", "", "json or text (env LOG_FORMAT)")

	cmd.AddCommand(
		newServeCmd(o),
		newStartCmd(o),
		newCompleteCmd(o),
		newDispatchCmd(o),
		newStatsCmd(o),
		newExportCmd(o),
		newImportCmd(o),
		newResetCmd(o),
	)
	return cmd
}

func defaultUser() string {
	if u := os.Getenv("ROADMAP_USER"); u != "" {
		return u
	}
	return "local"
}

// load reads the environment, applies flag overrides and builds the logger.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	override := func(name string, dst *string, val string) {
		if flags.Changed(name) {
			*dst = val
		}
	}
	override("backend", &cfg.Storage.Backend, o.backend)
	override("dir", &cfg.File.Dir, o.dir)
	override("sqlite", &cfg.SQLite.Path, o.sqlite)
	override("namespace", &cfg.Storage.Namespace, o.namespace)
	override("log-level", &cfg.Log.Level, o.logLevel)
	override("log-format", &cfg.Log.Format, o.logFormat)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := progress.ValidateUserID(o.user); err != nil {
		return fmt.Errorf("--user: %w", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	format, err := logger.ParseFormat(cfg.Log.Format)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.log = logger.New(logger.Options{Level: level, Format: format, Output: cmd.ErrOrStderr()}).
		With("app", cfg.App.Name, "env", string(cfg.App.Environment))
	return nil
}

// withStore opens a one-shot app, hands fn the user's store and closes the
// app afterwards. A persistence failure is reported but not fatal: the
// action itself has been applied.
func (o *rootOptions) withStore(ctx context.Context, cmd *cobra.Command, fn func(*progress.Store) error) error {
	a, err := newApp(ctx, o.cfg, o.log, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			o.log.Warn("shutdown", logger.Err(err))
		}
	}()

	store, err := a.registry.Get(ctx, o.user)
	if err != nil {
		return err
	}
	if err := fn(store); err != nil {
		return err
	}
	if err := store.PersistenceError(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: progress was not saved to %s: %v\n",
			store.Persistence().ActiveTier(), err)
	}
	return nil
}
