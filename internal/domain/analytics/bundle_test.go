package analytics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/roadmap-tracker/internal/domain/progress"
)

func seededState(t *testing.T, now time.Time) *progress.State {
	t.Helper()
	r := progress.NewReducer(progress.WithClock(func() time.Time { return now }))

	seeds := make([]progress.MilestoneSeed, 5)
	for i := range seeds {
		seeds[i] = progress.MilestoneSeed{ID: fmt.Sprintf("m%d", i+1), Title: "step", Kind: progress.KindArticle}
	}
	s := progress.NewState("learner", nil)
	s = r.Reduce(s, progress.StartLearningPath{PathID: "go", Topic: "Go", Seeds: seeds})
	for i := 1; i <= 3; i++ {
		s = r.Reduce(s, progress.MarkMilestoneComplete{PathID: "go", MilestoneID: fmt.Sprintf("m%d", i), TimeSpent: 600})
	}
	require.Equal(t, 1800, s.TotalTimeSpent)
	return s
}

func TestCompute(t *testing.T) {
	s := seededState(t, base)

	b := Compute(s, Options{}, base)
	assert.Equal(t, 1, b.PathCount)
	assert.Equal(t, 3, b.CompletedMilestones)
	assert.Equal(t, 5, b.TotalMilestones)
	assert.Equal(t, 60, b.CompletionPercentage)
	assert.Equal(t, 60, b.MaxCompletionPercentage)
	assert.Equal(t, 1800, b.TotalTimeSpent)
	assert.Equal(t, 0.5, b.HoursSpent)
	assert.Equal(t, 1, b.CurrentStreak)
	assert.Equal(t, 1800, b.TimeByType[progress.KindArticle])
	require.Len(t, b.Paths, 1)
	assert.Equal(t, 60, b.Paths[0].Progress)
	assert.Equal(t, 1800, b.Paths[0].TimeSpent)
}

func TestCompute_IncludesSkills(t *testing.T) {
	r := progress.NewReducer(progress.WithClock(func() time.Time { return base }))
	s := progress.NewState("learner", nil)
	s = r.Reduce(s, progress.StartSkillDeconstruction{SkillID: "guitar", Spec: progress.SkillSpec{
		SkillName: "Guitar",
		Levels: []progress.LevelSpec{
			{Milestones: []progress.MilestoneSeed{{ID: "chords"}}},
			{Milestones: []progress.MilestoneSeed{{ID: "scales"}}},
		},
	}})
	s = r.Reduce(s, progress.MarkMilestoneCompleteSkill{SkillID: "guitar", MilestoneID: "chords", TimeSpent: 900})

	b := Compute(s, Options{}, base)
	assert.Equal(t, 1, b.SkillCount)
	assert.Equal(t, 1, b.SkillsPastFirstLevel)
	assert.Equal(t, 1, b.CompletedMilestones)
	assert.Equal(t, 2, b.TotalMilestones)
	assert.Equal(t, 50, b.MaxCompletionPercentage)
}

func TestCache_HitsUntilExpiry(t *testing.T) {
	now := base
	c := NewCache(time.Minute, func() time.Time { return now })
	s := seededState(t, base)

	first := c.Bundle(s, Options{})
	second := c.Bundle(s, Options{})
	assert.Equal(t, first, second)
	assert.Equal(t, CacheStats{Entries: 1, Hits: 1, Misses: 1}, c.Stats())

	now = now.Add(2 * time.Minute)
	third := c.Bundle(s, Options{})
	assert.Equal(t, now, third.GeneratedAt)
	assert.Equal(t, int64(2), c.Stats().Misses)
}

func TestCache_KeyedByOptionsRevisionAndPathCount(t *testing.T) {
	assert.Equal(t, Key(Options{}, 4, 1), Key(Options{VelocityDays: 7, Granularity: Day}, 4, 1))
	assert.NotEqual(t, Key(Options{}, 4, 1), Key(Options{}, 4, 2))
	assert.NotEqual(t, Key(Options{}, 4, 1), Key(Options{}, 5, 1))
	assert.NotEqual(t, Key(Options{}, 4, 1), Key(Options{Granularity: Week}, 4, 1))
	assert.NotEqual(t, Key(Options{}, 4, 1), Key(Options{MinActivitySeconds: 60}, 4, 1))
}

func TestCache_NewerRevisionIsRecomputed(t *testing.T) {
	c := NewCache(time.Hour, func() time.Time { return base })
	old := seededState(t, base)
	require.Equal(t, 60, c.Bundle(old, Options{}).CompletionPercentage)

	r := progress.NewReducer(progress.WithClock(func() time.Time { return base }))
	next := r.Reduce(old, progress.MarkMilestoneComplete{PathID: "go", MilestoneID: "m4", TimeSpent: 600})
	require.Equal(t, len(old.LearningPaths), len(next.LearningPaths))

	// No Purge in between: the old entry must not answer for the new state.
	assert.Equal(t, 80, c.Bundle(next, Options{}).CompletionPercentage)
	assert.Equal(t, 60, c.Bundle(old, Options{}).CompletionPercentage)
}

func TestCache_Purge(t *testing.T) {
	c := NewCache(0, nil)
	s := seededState(t, base)
	c.Bundle(s, Options{})
	c.Bundle(s, Options{Granularity: Month})
	require.Equal(t, 2, c.Stats().Entries)

	c.Purge()
	assert.Zero(t, c.Stats().Entries)
}

func TestCache_ConcurrentReaders(t *testing.T) {
	c := NewCache(time.Minute, nil)
	s := seededState(t, base)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := c.Bundle(s, Options{})
			assert.Equal(t, 60, b.CompletionPercentage)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, c.Stats().Entries)
}
