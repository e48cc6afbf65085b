package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alem-hub/roadmap-tracker/config"
	"github.com/alem-hub/roadmap-tracker/internal/application/exchange"
	"github.com/alem-hub/roadmap-tracker/internal/application/progress"
	"github.com/alem-hub/roadmap-tracker/internal/domain/analytics"
)

func newExportCmd(o *rootOptions) *cobra.Command {
	var (
		format      string
		out         string
		noAnalytics bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export progress as JSON, CSV or a text summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := exchange.ParseFormat(format)
			if err != nil {
				return err
			}
			return o.withStore(cmd.Context(), cmd, func(s *progress.Store) error {
				var bundle *analytics.Bundle
				if !noAnalytics && o.cfg.Features.IsEnabled(config.FeatureExportStats, s.UserID()) {
					b := s.Analytics(analytics.Options{})
					bundle = &b
				}
				env := exchange.NewEnvelope(s.State(), o.now(), bundle)

				if out == "" || out == "-" {
					return exchange.Write(cmd.OutOrStdout(), env, f)
				}
				file, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := exchange.Write(file, env, f); err != nil {
					_ = file.Close()
					return err
				}
				if err := file.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %s progress to %s\n", f, out)
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&format, "format", "f", "json", "json, csv or summary")
	fl.StringVarP(&out, "output", "o", "", "output file (default stdout)")
	fl.BoolVar(&noAnalytics, "no-analytics", false, "leave the analytics bundle out")
	return cmd
}

func newImportCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace progress with a JSON export (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer file.Close()
				r = file
			}
			env, err := exchange.Read(r)
			if err != nil {
				return err
			}
			return o.withStore(cmd.Context(), cmd, func(s *progress.Store) error {
				if !o.cfg.Features.IsEnabled(config.FeatureImport, s.UserID()) {
					return fmt.Errorf("feature %s is disabled for %s", config.FeatureImport, s.UserID())
				}
				next := s.Replace(cmd.Context(), env.State(s.UserID()))
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d paths, %d skills, %d practice sessions (export of %s)\n",
					len(next.LearningPaths), len(next.Skills), len(next.PracticeSessions),
					env.ExportDate.Format("2006-01-02"))
				return nil
			})
		},
	}
	return cmd
}
