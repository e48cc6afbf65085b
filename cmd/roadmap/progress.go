package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alem-hub/roadmap-tracker/internal/application/progress"
	"github.com/alem-hub/roadmap-tracker/internal/domain/analytics"
	domain "github.com/alem-hub/roadmap-tracker/internal/domain/progress"
	"github.com/alem-hub/roadmap-tracker/pkg/timeutil"
)

// errNoChange is returned when the reducer rejected an action.
var errNoChange = errors.New("nothing changed: unknown id or milestone already complete")

func newStartCmd(o *rootOptions) *cobra.Command {
	var roadmapFile string
	cmd := &cobra.Command{
		Use:   "start <topic>",
		Short: "Start a learning path from a JSON roadmap file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withStore(cmd.Context(), cmd, func(s *progress.Store) error {
				prev := s.State()
				next, err := s.StartFromSource(cmd.Context(), progress.FileSource{Path: roadmapFile}, args[0])
				if err != nil {
					return err
				}
				for id, p := range next.LearningPaths {
					if _, existed := prev.LearningPaths[id]; !existed {
						fmt.Fprintf(cmd.OutOrStdout(), "started path %s: %s (%d milestones)\n", id, p.Topic, len(p.Milestones))
						return nil
					}
				}
				return errNoChange
			})
		},
	}
	cmd.Flags().StringVarP(&roadmapFile, "roadmap", "r", "roadmap.json", "roadmap file: a milestone array or an object keyed by topic")
	return cmd
}

func newCompleteCmd(o *rootOptions) *cobra.Command {
	var (
		pathID, skillID string
		level           int
		minutes         int
		score           int
		notes           string
	)
	cmd := &cobra.Command{
		Use:   "complete <milestone-id>",
		Short: "Mark a path milestone or a skill row complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (pathID == "") == (skillID == "") {
				return errors.New("exactly one of --path or --skill is required")
			}
			var action domain.Action
			if pathID != "" {
				a := domain.MarkMilestoneComplete{PathID: pathID, MilestoneID: args[0], TimeSpent: minutes * 60}
				if cmd.Flags().Changed("score") {
					a.Score = &score
				}
				if notes != "" {
					a.Notes = &notes
				}
				action = a
			} else {
				a := domain.MarkMilestoneCompleteSkill{SkillID: skillID, MilestoneID: args[0], LevelNumber: level, TimeSpent: minutes * 60}
				if notes != "" {
					a.Notes = &notes
				}
				action = a
			}

			return o.withStore(cmd.Context(), cmd, func(s *progress.Store) error {
				prev := s.State()
				next := s.Dispatch(cmd.Context(), action)
				if next == prev {
					return errNoChange
				}
				fmt.Fprintf(cmd.OutOrStdout(), "completed %s\n", args[0])
				for _, a := range newlyUnlocked(prev, next) {
					fmt.Fprintf(cmd.OutOrStdout(), "achievement unlocked: %s %s\n", a.Icon, a.Title)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&pathID, "path", "", "learning path id")
	f.StringVar(&skillID, "skill", "", "skill id")
	f.IntVar(&level, "level", 0, "skill level of the row (0 matches the first row)")
	f.IntVarP(&minutes, "minutes", "m", 0, "time spent, in minutes")
	f.IntVar(&score, "score", 0, "score for the milestone")
	f.StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

func newlyUnlocked(prev, next *domain.State) []domain.Achievement {
	was := make(map[string]bool, len(prev.Achievements))
	for _, a := range prev.Achievements {
		was[a.ID] = a.Unlocked
	}
	var out []domain.Achievement
	for _, a := range next.Achievements {
		if a.Unlocked && !was[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

func newDispatchCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <action-json | ->",
		Short: "Apply one action envelope {\"type\": ..., \"payload\": ...}",
		Long: "dispatch applies any progress action, e.g.\n" +
			`  roadmap dispatch '{"type":"switch_to_skill","payload":{"skillId":"guitar"}}'` + "\n" +
			"Pass - to read the envelope from stdin.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(args[0])
			if args[0] == "-" {
				var err error
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			action, err := domain.DecodeAction(data)
			if err != nil {
				return err
			}
			return o.withStore(cmd.Context(), cmd, func(s *progress.Store) error {
				prev := s.State()
				next := s.Dispatch(cmd.Context(), action)
				if next == prev {
					return errNoChange
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s applied, revision %d\n", action.Type(), next.Revision)
				for _, a := range newlyUnlocked(prev, next) {
					fmt.Fprintf(cmd.OutOrStdout(), "achievement unlocked: %s %s\n", a.Icon, a.Title)
				}
				return nil
			})
		},
	}
}

func newStatsCmd(o *rootOptions) *cobra.Command {
	var (
		asJSON      bool
		granularity string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show progress analytics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := analytics.Options{
				MinActivitySeconds: o.cfg.Analytics.MinActivitySeconds,
				VelocityDays:       o.cfg.Analytics.VelocityDays,
				Granularity:        analytics.Granularity(o.cfg.Analytics.Granularity),
				Location:           o.cfg.App.Location,
			}
			if granularity != "" {
				opts.Granularity = analytics.Granularity(granularity)
				if !opts.Granularity.IsValid() {
					return fmt.Errorf("--granularity %q: want day, week or month", granularity)
				}
			}

			return o.withStore(cmd.Context(), cmd, func(s *progress.Store) error {
				b := s.Analytics(opts)
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(b)
				}
				return printStats(cmd, s.State(), b)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full analytics bundle as JSON")
	cmd.Flags().StringVar(&granularity, "granularity", "", "time series bucket: day, week or month")
	return cmd
}

func printStats(cmd *cobra.Command, st *domain.State, b analytics.Bundle) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Completion\t%d%% (%d/%d milestones)\n", b.CompletionPercentage, b.CompletedMilestones, b.TotalMilestones)
	fmt.Fprintf(w, "Time spent\t%s\n", timeutil.FormatDuration(b.TotalTimeSpent))
	fmt.Fprintf(w, "Velocity\t%.2f milestones/day\n", b.Velocity)
	fmt.Fprintf(w, "Streak\t%d days (longest %d)\n", b.CurrentStreak, b.LongestStreak)
	fmt.Fprintf(w, "Trend\t%s\n", b.Trend)
	fmt.Fprintf(w, "Practice sessions\t%d\n", b.PracticeSessions)

	if len(b.Paths) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "PATH\tTOPIC\tPROGRESS\tTIME")
		for _, p := range b.Paths {
			fmt.Fprintf(w, "%s\t%s\t%d%% (%d/%d)\t%s\n", p.ID, p.Topic, p.Progress, p.Completed, p.Total, timeutil.FormatDuration(p.TimeSpent))
		}
	}

	var unlocked []domain.Achievement
	for _, a := range st.Achievements {
		if a.Unlocked {
			unlocked = append(unlocked, a)
		}
	}
	sort.Slice(unlocked, func(i, j int) bool { return unlocked[i].UnlockedAt.Before(*unlocked[j].UnlockedAt) })
	fmt.Fprintf(w, "\nAchievements\t%d/%d\n", len(unlocked), len(st.Achievements))
	for _, a := range unlocked {
		fmt.Fprintf(w, "  %s %s\t%s\n", a.Icon, a.Title, a.UnlockedAt.Format(timeutil.FormatDate))
	}
	return w.Flush()
}

func newResetCmd(o *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all progress of the user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes every path, skill and achievement; pass --yes to confirm")
			}
			return o.withStore(cmd.Context(), cmd, func(s *progress.Store) error {
				if err := s.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "progress of %s cleared\n", s.UserID())
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")
	return cmd
}
