package achievement

import (
	"log/slog"

	"github.com/alem-hub/roadmap-tracker/internal/domain/analytics"
	"github.com/alem-hub/roadmap-tracker/internal/domain/progress"
)

// Evaluator decides which catalog entries a snapshot has earned.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates an evaluator. A nil logger uses slog.Default.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger.With("component", "achievement.evaluator")}
}

// Evaluate returns one unlock action per locked achievement whose criterion
// is met by b. Unlocked entries are skipped, so repeated calls on the same
// snapshot after the unlocks are applied return nothing.
func (e *Evaluator) Evaluate(s *progress.State, b analytics.Bundle) []progress.UnlockAchievement {
	var out []progress.UnlockAchievement
	for _, a := range s.Achievements {
		if a.Unlocked {
			continue
		}
		current, ok := e.current(a.Criterion.Kind, b)
		if !ok {
			e.logger.Error("unknown criterion kind", "achievement_id", a.ID, "kind", a.Criterion.Kind)
			continue
		}
		if current >= a.Criterion.Threshold {
			out = append(out, progress.UnlockAchievement{ID: a.ID})
		}
	}
	return out
}

// current measures b in the unit of kind.
func (e *Evaluator) current(kind progress.CriterionKind, b analytics.Bundle) (float64, bool) {
	switch kind {
	case progress.CriterionMilestoneCount:
		return milestoneCount(b), true
	case progress.CriterionCompletionPercentage:
		return completionPercentage(b), true
	case progress.CriterionTimeSpent:
		return hoursSpent(b), true
	case progress.CriterionStreakDays:
		return streakDays(b), true
	case progress.CriterionPracticeSessions:
		return practiceSessions(b), true
	case progress.CriterionSkillLevelCompleted:
		return skillLevels(b), true
	default:
		return 0, false
	}
}

func milestoneCount(b analytics.Bundle) float64 { return float64(b.CompletedMilestones) }

func completionPercentage(b analytics.Bundle) float64 { return float64(b.MaxCompletionPercentage) }

func hoursSpent(b analytics.Bundle) float64 { return float64(b.TotalTimeSpent) / 3600 }

func streakDays(b analytics.Bundle) float64 { return float64(b.CurrentStreak) }

func practiceSessions(b analytics.Bundle) float64 { return float64(b.PracticeSessions) }

func skillLevels(b analytics.Bundle) float64 { return float64(b.SkillsPastFirstLevel) }
