package analytics

import (
	"time"

	"github.com/alem-hub/roadmap-tracker/internal/domain/progress"
)

// Options parameterize a metrics bundle.
type Options struct {
	// MinActivitySeconds excludes completions with less recorded time from
	// streaks and the thresholded completion percentage.
	MinActivitySeconds int

	// VelocityDays is the trailing window for Velocity. Default: 7.
	VelocityDays int

	// Granularity of the time series. Default: Day.
	Granularity Granularity

	// Location defines calendar days. Default: UTC.
	Location *time.Location
}

func (o Options) withDefaults() Options {
	if o.VelocityDays <= 0 {
		o.VelocityDays = 7
	}
	if !o.Granularity.IsValid() {
		o.Granularity = Day
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.MinActivitySeconds < 0 {
		o.MinActivitySeconds = 0
	}
	return o
}

// PathSummary is the per-path slice of a bundle.
type PathSummary struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Progress  int    `json:"progress"`
	TimeSpent int    `json:"timeSpent"`
}

// Bundle is every derived metric for one snapshot.
type Bundle struct {
	GeneratedAt             time.Time                    `json:"generatedAt"`
	PathCount               int                          `json:"pathCount"`
	SkillCount              int                          `json:"skillCount"`
	CompletedMilestones     int                          `json:"completedMilestones"`
	TotalMilestones         int                          `json:"totalMilestones"`
	CompletionPercentage    int                          `json:"completionPercentage"`
	MaxCompletionPercentage int                          `json:"maxCompletionPercentage"`
	Velocity                float64                      `json:"velocity"`
	CurrentStreak           int                          `json:"currentStreak"`
	LongestStreak           int                          `json:"longestStreak"`
	TotalTimeSpent          int                          `json:"totalTimeSpent"`
	HoursSpent              float64                      `json:"hoursSpent"`
	TimeByType              map[progress.ContentKind]int `json:"timeByType"`
	TimeByPeriod            []Bucket                     `json:"timeByPeriod"`
	Trend                   Trend                        `json:"trend"`
	Productivity            ProductivityMetrics          `json:"productivity"`
	PracticeSessions        int                          `json:"practiceSessions"`
	SkillsPastFirstLevel    int                          `json:"skillsPastFirstLevel"`
	Paths                   []PathSummary                `json:"paths"`
}

// Completions flattens every path milestone and every skill row into one
// milestone list. Skill rows count as exercises.
func Completions(s *progress.State) []progress.Milestone {
	var out []progress.Milestone
	for _, p := range s.Paths() {
		out = append(out, p.Milestones...)
	}
	for _, sk := range s.SkillList() {
		for _, row := range sk.Milestones {
			kind := row.Kind
			if !kind.IsValid() {
				kind = progress.KindExercise
			}
			out = append(out, progress.Milestone{
				ID:          sk.ID + "/" + row.MilestoneID,
				Title:       row.Title,
				Kind:        kind,
				Completed:   row.Status == progress.StatusCompleted,
				CompletedAt: row.CompletedAt,
				TimeSpent:   row.TimeSpent,
			})
		}
	}
	return out
}

// Compute derives the full bundle for s at now.
func Compute(s *progress.State, opts Options, now time.Time) Bundle {
	opts = opts.withDefaults()
	ms := Completions(s)
	series := TimeByPeriod(ms, opts.Granularity, opts.Location)

	b := Bundle{
		GeneratedAt:          now,
		PathCount:            len(s.LearningPaths),
		SkillCount:           len(s.Skills),
		TotalMilestones:      len(ms),
		CompletionPercentage: CompletionPercentage(ms, opts.MinActivitySeconds),
		Velocity:             Velocity(ms, opts.VelocityDays, now),
		CurrentStreak:        CurrentStreak(ms, now, opts.MinActivitySeconds, opts.Location),
		LongestStreak:        LongestStreak(ms, opts.MinActivitySeconds, opts.Location),
		TotalTimeSpent:       s.TotalTimeSpent,
		HoursSpent:           float64(s.TotalTimeSpent) / 3600,
		TimeByType:           TimeByType(ms),
		TimeByPeriod:         series,
		Trend:                TrendOf(series),
		Productivity:         Productivity(ms, opts.Location),
		PracticeSessions:     len(s.PracticeSessions),
		Paths:                []PathSummary{},
	}
	for _, m := range ms {
		if m.Completed {
			b.CompletedMilestones++
		}
	}
	for _, p := range s.Paths() {
		b.MaxCompletionPercentage = max(b.MaxCompletionPercentage, p.Progress())
		b.Paths = append(b.Paths, PathSummary{
			ID:        p.ID,
			Topic:     p.Topic,
			Completed: p.CompletedCount(),
			Total:     p.TotalCount(),
			Progress:  p.Progress(),
			TimeSpent: p.TimeSpent(),
		})
	}
	for _, sk := range s.Skills {
		b.MaxCompletionPercentage = max(b.MaxCompletionPercentage, sk.OverallProgress())
		if sk.CurrentLevel > 1 {
			b.SkillsPastFirstLevel++
		}
	}
	return b
}
