package achievement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/roadmap-tracker/internal/domain/analytics"
	"github.com/alem-hub/roadmap-tracker/internal/domain/progress"
)

func TestCatalog(t *testing.T) {
	c, err := Catalog()
	require.NoError(t, err)
	require.NotEmpty(t, c)

	kinds := make(map[progress.CriterionKind]bool)
	for _, a := range c {
		assert.NotEmpty(t, a.Title, a.ID)
		assert.False(t, a.Unlocked, a.ID)
		kinds[a.Criterion.Kind] = true
	}
	for _, k := range progress.CriterionKinds {
		assert.True(t, kinds[k], "catalog has no %s entry", k)
	}

	// Callers get their own copy.
	c[0].Title = "changed"
	again := MustCatalog()
	assert.NotEqual(t, "changed", again[0].Title)
}

func TestParseCatalog_Rejects(t *testing.T) {
	tests := map[string]string{
		"missing id":     "- {title: x, criterion: {kind: milestone_count, threshold: 1}}",
		"duplicate id":   "- {id: a, criterion: {kind: milestone_count, threshold: 1}}\n- {id: a, criterion: {kind: streak_days, threshold: 1}}",
		"unknown kind":   "- {id: a, criterion: {kind: karma, threshold: 1}}",
		"zero threshold": "- {id: a, criterion: {kind: streak_days, threshold: 0}}",
		"malformed yaml": "- {id: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func stateWith(entries ...progress.Achievement) *progress.State {
	return progress.NewState("learner", entries)
}

func entry(id string, kind progress.CriterionKind, threshold float64) progress.Achievement {
	return progress.Achievement{ID: id, Title: id, Criterion: progress.Criterion{Kind: kind, Threshold: threshold}}
}

func TestEvaluate_TimeSpentExactlyOneHour(t *testing.T) {
	s := stateWith(entry("first-hour", progress.CriterionTimeSpent, 1))
	e := NewEvaluator(nil)

	assert.Empty(t, e.Evaluate(s, analytics.Bundle{TotalTimeSpent: 3599}))
	assert.Equal(t,
		[]progress.UnlockAchievement{{ID: "first-hour"}},
		e.Evaluate(s, analytics.Bundle{TotalTimeSpent: 3600}))
}

func TestEvaluate_EachCriterion(t *testing.T) {
	b := analytics.Bundle{
		CompletedMilestones:     3,
		MaxCompletionPercentage: 60,
		TotalTimeSpent:          1800,
		CurrentStreak:           2,
		PracticeSessions:        5,
		SkillsPastFirstLevel:    1,
	}
	tests := []struct {
		kind      progress.CriterionKind
		met, miss float64
	}{
		{progress.CriterionMilestoneCount, 3, 4},
		{progress.CriterionCompletionPercentage, 60, 61},
		{progress.CriterionTimeSpent, 0.5, 1},
		{progress.CriterionStreakDays, 2, 3},
		{progress.CriterionPracticeSessions, 5, 6},
		{progress.CriterionSkillLevelCompleted, 1, 2},
	}
	e := NewEvaluator(nil)
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			s := stateWith(entry("met", tt.kind, tt.met), entry("miss", tt.kind, tt.miss))
			assert.Equal(t, []progress.UnlockAchievement{{ID: "met"}}, e.Evaluate(s, b))
		})
	}
}

func TestEvaluate_SkipsUnlockedAndUnknown(t *testing.T) {
	s := stateWith(
		entry("done", progress.CriterionMilestoneCount, 1),
		entry("odd", progress.CriterionKind("karma"), 1),
	)
	r := progress.NewReducer(progress.WithClock(func() time.Time { return time.Unix(0, 0) }))
	s = r.Reduce(s, progress.UnlockAchievement{ID: "done"})

	assert.Empty(t, NewEvaluator(nil).Evaluate(s, analytics.Bundle{CompletedMilestones: 10}))
}

func TestEvaluate_ClosedLoopIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r := progress.NewReducer(progress.WithClock(func() time.Time { return now }))
	s := progress.NewState("learner", MustCatalog())
	s = r.Reduce(s, progress.StartLearningPath{PathID: "p", Topic: "Go", Seeds: []progress.MilestoneSeed{{ID: "a"}, {ID: "b"}}})
	s = r.Reduce(s, progress.MarkMilestoneComplete{PathID: "p", MilestoneID: "a", TimeSpent: 3600})

	e := NewEvaluator(nil)
	unlocks := e.Evaluate(s, analytics.Compute(s, analytics.Options{}, now))
	assert.ElementsMatch(t, []progress.UnlockAchievement{
		{ID: "first-step"}, {ID: "halfway"}, {ID: "first-hour"},
	}, unlocks)

	for _, u := range unlocks {
		s = r.Reduce(s, u)
	}
	assert.Empty(t, e.Evaluate(s, analytics.Compute(s, analytics.Options{}, now)))
	assert.Len(t, s.UnlockedAchievements(), 3)
}
