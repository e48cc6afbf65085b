package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestReducer() (*Reducer, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	n := 0
	r := NewReducer(
		WithClock(clock.Now),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%d", n) }),
	)
	return r, clock
}

func testCatalog() []Achievement {
	return []Achievement{
		{ID: "first-step", Title: "First Step", Criterion: Criterion{Kind: CriterionMilestoneCount, Threshold: 1}},
		{ID: "first-hour", Title: "First Hour", Criterion: Criterion{Kind: CriterionTimeSpent, Threshold: 1}},
	}
}

func fiveSeeds() []MilestoneSeed {
	seeds := make([]MilestoneSeed, 5)
	for i := range seeds {
		seeds[i] = MilestoneSeed{ID: fmt.Sprintf("m%d", i+1), Title: fmt.Sprintf("Step %d", i+1), Kind: KindVideo, EstimatedMinutes: 10}
	}
	return seeds
}

func withPath(t *testing.T, r *Reducer) *State {
	t.Helper()
	s := r.Reduce(NewState("learner", testCatalog()), StartLearningPath{PathID: "go", Topic: "Go", Seeds: fiveSeeds()})
	require.Contains(t, s.LearningPaths, "go")
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// LEARNING PATHS
// ══════════════════════════════════════════════════════════════════════════════

func TestStartLearningPath(t *testing.T) {
	r, clock := newTestReducer()
	s0 := NewState("learner", nil)

	s1 := r.Reduce(s0, StartLearningPath{Topic: "Rust", Seeds: []MilestoneSeed{{Title: "Ownership", Kind: "podcast"}, {}}})

	require.Len(t, s1.LearningPaths, 1)
	path := s1.LearningPaths["id-1"]
	assert.Equal(t, "Rust", path.Topic)
	assert.Equal(t, clock.now, path.CreatedAt)
	require.Len(t, path.Milestones, 2)
	assert.Equal(t, KindVideo, path.Milestones[0].Kind)
	assert.Equal(t, "Milestone 2", path.Milestones[1].Title)
	assert.Equal(t, "milestone-2", path.Milestones[1].ID)
	assert.Zero(t, path.Progress())
	assert.Empty(t, s0.LearningPaths, "previous snapshot untouched")
	assert.Equal(t, uint64(1), s1.Revision)
}

func TestStartLearningPath_DuplicateIDIsNoop(t *testing.T) {
	r, _ := newTestReducer()
	s := withPath(t, r)

	assert.Same(t, s, r.Reduce(s, StartLearningPath{PathID: "go", Topic: "again"}))
}

func TestMarkMilestoneComplete_ProgressAndTime(t *testing.T) {
	r, _ := newTestReducer()
	s := withPath(t, r)

	for i := 1; i <= 3; i++ {
		s = r.Reduce(s, MarkMilestoneComplete{PathID: "go", MilestoneID: fmt.Sprintf("m%d", i), TimeSpent: 600})
	}

	path := s.LearningPaths["go"]
	assert.Equal(t, 60, path.Progress())
	assert.Equal(t, 3, path.CompletedCount())
	assert.Equal(t, 5, path.TotalCount())
	assert.Equal(t, 1800, s.TotalTimeSpent)
	for _, m := range path.Milestones {
		assert.Equal(t, m.Completed, m.CompletedAt != nil, m.ID)
	}
}

func TestMarkMilestoneComplete_RecompleteKeepsRecordedTime(t *testing.T) {
	r, _ := newTestReducer()
	s := withPath(t, r)
	s = r.Reduce(s, MarkMilestoneComplete{PathID: "go", MilestoneID: "m1", TimeSpent: 600})

	for _, spent := range []int{0, 900} {
		again := r.Reduce(s, MarkMilestoneComplete{PathID: "go", MilestoneID: "m1", TimeSpent: spent})
		assert.Same(t, s, again, "time spent %d", spent)
	}
	assert.Equal(t, 600, s.TotalTimeSpent)
	assert.Equal(t, 600, s.LearningPaths["go"].Milestones[0].TimeSpent)
	assert.Equal(t, s.LearningPaths["go"].TimeSpent(), s.TotalTimeSpent)
}

func TestMarkMilestoneComplete_ScoreAndNotes(t *testing.T) {
	r, _ := newTestReducer()
	s := withPath(t, r)
	score, bad, notes := 85, 140, "tricky"

	s = r.Reduce(s, MarkMilestoneComplete{PathID: "go", MilestoneID: "m1", TimeSpent: 60, Score: &score, Notes: &notes})
	s = r.Reduce(s, MarkMilestoneComplete{PathID: "go", MilestoneID: "m2", TimeSpent: 60, Score: &bad})

	ms := s.LearningPaths["go"].Milestones
	require.NotNil(t, ms[0].Score)
	assert.Equal(t, 85, *ms[0].Score)
	assert.Equal(t, "tricky", ms[0].Notes)
	assert.Nil(t, ms[1].Score, "out-of-range score dropped")
	assert.True(t, ms[1].Completed)
}

func TestUnknownTargetsReturnSamePointer(t *testing.T) {
	r, _ := newTestReducer()
	s := withPath(t, r)

	actions := []Action{
		MarkMilestoneComplete{PathID: "nope", MilestoneID: "m1"},
		MarkMilestoneComplete{PathID: "go", MilestoneID: "nope"},
		UpdateMilestone{PathID: "go", MilestoneID: "nope"},
		ResetMilestone{PathID: "nope", MilestoneID: "m1"},
		MarkMilestoneCompleteSkill{SkillID: "nope", MilestoneID: "x"},
		StartPracticeSession{SkillID: "nope"},
		CompletePracticeSession{SessionID: "nope"},
		UnlockAchievement{ID: "nope"},
		ClearProgress{PathID: "nope"},
		ClearProgress{SkillID: "nope"},
		SwitchToSkill{SkillID: "nope"},
		nil,
		&UnlockAchievement{ID: "first-step"},
	}
	for _, a := range actions {
		assert.Same(t, s, r.Reduce(s, a), "%T", a)
	}
}

func TestUpdateMilestone(t *testing.T) {
	r, clock := newTestReducer()
	s := withPath(t, r)
	title, spent, done := "Renamed", 300, true

	s = r.Reduce(s, UpdateMilestone{PathID: "go", MilestoneID: "m2", Patch: MilestonePatch{Title: &title, TimeSpent: &spent, Completed: &done}})
	m := s.LearningPaths["go"].Milestones[1]
	assert.Equal(t, "Renamed", m.Title)
	assert.True(t, m.Completed)
	require.NotNil(t, m.CompletedAt)
	assert.Equal(t, clock.now, *m.CompletedAt)
	assert.Equal(t, 300, s.TotalTimeSpent)
	assert.Equal(t, 1, s.CurrentStreak)

	undo := false
	s = r.Reduce(s, UpdateMilestone{PathID: "go", MilestoneID: "m2", Patch: MilestonePatch{Completed: &undo}})
	m = s.LearningPaths["go"].Milestones[1]
	assert.False(t, m.Completed)
	assert.Nil(t, m.CompletedAt)
	assert.Equal(t, 300, s.TotalTimeSpent, "time is kept until reset")
}

func TestResetMilestone(t *testing.T) {
	r, _ := newTestReducer()
	s := withPath(t, r)
	score := 90
	s = r.Reduce(s, MarkMilestoneComplete{PathID: "go", MilestoneID: "m1", TimeSpent: 600, Score: &score})
	s = r.Reduce(s, MarkMilestoneComplete{PathID: "go", MilestoneID: "m2", TimeSpent: 400})

	s = r.Reduce(s, ResetMilestone{PathID: "go", MilestoneID: "m1"})
	m := s.LearningPaths["go"].Milestones[0]
	assert.False(t, m.Completed)
	assert.Nil(t, m.CompletedAt)
	assert.Nil(t, m.Score)
	assert.Zero(t, m.TimeSpent)
	assert.Equal(t, 400, s.TotalTimeSpent)
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAKS
// ══════════════════════════════════════════════════════════════════════════════

func TestStreakCounters(t *testing.T) {
	r, clock := newTestReducer()
	s := withPath(t, r)
	complete := func(id string) {
		s = r.Reduce(s, MarkMilestoneComplete{PathID: "go", MilestoneID: id, TimeSpent: 60})
	}

	complete("m1")
	assert.Equal(t, 1, s.CurrentStreak)

	clock.Advance(2 * time.Hour)
	complete("m2")
	assert.Equal(t, 1, s.CurrentStreak, "same day absorbed")

	clock.Advance(24 * time.Hour)
	complete("m3")
	assert.Equal(t, 2, s.CurrentStreak)

	clock.Advance(72 * time.Hour)
	complete("m4")
	assert.Equal(t, 1, s.CurrentStreak, "gap restarts")
	assert.Equal(t, 2, s.LongestStreak)
	assert.Equal(t, clock.now, *s.LastActivityAt)
}

// ══════════════════════════════════════════════════════════════════════════════
// SKILLS & PRACTICE
// ══════════════════════════════════════════════════════════════════════════════

func guitarSpec() SkillSpec {
	return SkillSpec{
		SkillName:  "Guitar",
		Difficulty: "Expert",
		Levels: []LevelSpec{
			{Number: 1, Milestones: []MilestoneSeed{{ID: "chords", Title: "Open chords", Kind: KindExercise}, {ID: "strum", Title: "Strumming", Kind: KindExercise}}},
			{Number: 2, Milestones: []MilestoneSeed{{ID: "barre", Title: "Barre chords", Kind: KindExercise}}},
		},
	}
}

func withSkill(t *testing.T, r *Reducer) *State {
	t.Helper()
	s := r.Reduce(NewState("learner", nil), StartSkillDeconstruction{SkillID: "guitar", Spec: guitarSpec()})
	require.Contains(t, s.Skills, "guitar")
	return s
}

func TestStartSkillDeconstruction(t *testing.T) {
	r, _ := newTestReducer()
	s := withSkill(t, r)

	sk := s.Skills["guitar"]
	assert.Equal(t, DifficultyBeginner, sk.Difficulty)
	assert.Equal(t, 2, sk.TotalLevels)
	assert.Equal(t, 1, sk.CurrentLevel)
	assert.Equal(t, "chords", sk.CurrentMilestoneID)
	require.Len(t, sk.Milestones, 3)
	for _, row := range sk.Milestones {
		assert.Equal(t, StatusNotStarted, row.Status)
	}
	assert.Empty(t, s.CurrentSkillID)
}

func TestMarkMilestoneCompleteSkill_AdvancesLevel(t *testing.T) {
	r, _ := newTestReducer()
	s := withSkill(t, r)
	rating := 4

	s = r.Reduce(s, MarkMilestoneCompleteSkill{SkillID: "guitar", MilestoneID: "chords", LevelNumber: 1, TimeSpent: 600, DifficultyRating: &rating})
	sk := s.Skills["guitar"]
	assert.Equal(t, 1, sk.CurrentLevel, "level 1 still has an open row")
	assert.Equal(t, "strum", sk.CurrentMilestoneID)
	assert.Equal(t, 4, sk.Milestones[0].DifficultyRating)
	assert.Equal(t, 1, sk.Milestones[0].Attempts)

	s = r.Reduce(s, MarkMilestoneCompleteSkill{SkillID: "guitar", MilestoneID: "strum", TimeSpent: 300})
	sk = s.Skills["guitar"]
	assert.Equal(t, 2, sk.CurrentLevel)
	assert.Equal(t, "barre", sk.CurrentMilestoneID)
	assert.Equal(t, 67, sk.OverallProgress())
	assert.Equal(t, 900, sk.TotalTimeSpent)
	assert.Equal(t, 900, s.TotalTimeSpent)

	s = r.Reduce(s, MarkMilestoneCompleteSkill{SkillID: "guitar", MilestoneID: "barre", TimeSpent: 100})
	sk = s.Skills["guitar"]
	assert.Equal(t, 3, sk.CurrentLevel, "one past the last level when finished")
	assert.Empty(t, sk.CurrentMilestoneID)
	assert.Equal(t, 100, sk.OverallProgress())
}

func TestPracticeSessions(t *testing.T) {
	r, clock := newTestReducer()
	s := withSkill(t, r)

	s = r.Reduce(s, StartPracticeSession{SessionID: "s1", SkillID: "guitar", MilestoneID: "chords", ActivityType: "drills"})
	assert.Equal(t, StatusInProgress, s.Skills["guitar"].Milestones[0].Status)
	assert.Equal(t, "strum", s.Skills["guitar"].CurrentMilestoneID)

	clock.Advance(10 * time.Minute)
	s = r.Reduce(s, StartPracticeSession{SessionID: "s2", SkillID: "guitar", ActivityType: "songs"})
	s = r.Reduce(s, StartPracticeSession{SessionID: "s3", SkillID: "guitar", ActivityType: "scales"})

	clock.Advance(20 * time.Minute)
	s = r.Reduce(s, CompletePracticeSession{SessionID: "s1", DifficultyRating: 5, Successful: true})
	s = r.Reduce(s, CompletePracticeSession{SessionID: "s2", DifficultyRating: 3, Duration: 600})

	assert.Equal(t, 1800, s.PracticeSessions["s1"].Duration, "elapsed time when no duration given")
	pa := s.Skills["guitar"].Practice
	assert.Equal(t, 3, pa.TotalSessions)
	assert.Equal(t, 2, pa.CompletedSessions)
	assert.Equal(t, 2400, pa.TotalPracticeTime)
	assert.Equal(t, 4.0, pa.AverageDifficultyRating)
	assert.Equal(t, "drills", pa.MostChallengingActivity)
	assert.InDelta(t, 2.0/3.0, pa.CompletionRate, 1e-9)
	assert.Equal(t, 1, s.Skills["guitar"].Milestones[0].SuccessfulAttempts)
	assert.Zero(t, s.TotalTimeSpent)

	again := r.Reduce(s, CompletePracticeSession{SessionID: "s1", DifficultyRating: 1})
	assert.Same(t, s, again, "completed sessions cannot be completed twice")
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS, CLEARING, NAVIGATION
// ══════════════════════════════════════════════════════════════════════════════

func TestUnlockAchievement_Idempotent(t *testing.T) {
	r, clock := newTestReducer()
	s := NewState("learner", testCatalog())

	s1 := r.Reduce(s, UnlockAchievement{ID: "first-step"})
	a, ok := s1.Achievement("first-step")
	require.True(t, ok)
	require.True(t, a.Unlocked)
	unlockedAt := *a.UnlockedAt

	clock.Advance(time.Hour)
	s2 := r.Reduce(s1, UnlockAchievement{ID: "first-step"})
	assert.Same(t, s1, s2)
	a, _ = s2.Achievement("first-step")
	assert.Equal(t, unlockedAt, *a.UnlockedAt)

	prev, _ := s.Achievement("first-step")
	assert.False(t, prev.Unlocked, "previous snapshot untouched")
}

func TestClearProgress(t *testing.T) {
	r, _ := newTestReducer()
	s := withPath(t, r)
	s = r.Reduce(s, MarkMilestoneComplete{PathID: "go", MilestoneID: "m1", TimeSpent: 600})
	s = r.Reduce(s, StartSkillDeconstruction{SkillID: "guitar", Spec: guitarSpec()})
	s = r.Reduce(s, MarkMilestoneCompleteSkill{SkillID: "guitar", MilestoneID: "chords", TimeSpent: 300})
	s = r.Reduce(s, StartPracticeSession{SessionID: "s1", SkillID: "guitar", ActivityType: "drills"})
	s = r.Reduce(s, SwitchToSkill{SkillID: "guitar"})
	s = r.Reduce(s, UnlockAchievement{ID: "first-step"})
	require.Equal(t, 900, s.TotalTimeSpent)

	t.Run("path", func(t *testing.T) {
		next := r.Reduce(s, ClearProgress{PathID: "go", SkillID: "guitar"})
		assert.NotContains(t, next.LearningPaths, "go")
		assert.Contains(t, next.Skills, "guitar", "path id wins")
		assert.Equal(t, 300, next.TotalTimeSpent)
	})

	t.Run("skill", func(t *testing.T) {
		next := r.Reduce(s, ClearProgress{SkillID: "guitar"})
		assert.NotContains(t, next.Skills, "guitar")
		assert.Empty(t, next.PracticeSessions)
		assert.Empty(t, next.CurrentSkillID)
		assert.Empty(t, next.SkillHistory)
		assert.Equal(t, 600, next.TotalTimeSpent)
		assert.Contains(t, s.PracticeSessions, "s1", "previous snapshot untouched")
	})

	t.Run("everything", func(t *testing.T) {
		next := r.Reduce(s, ClearProgress{})
		assert.Empty(t, next.LearningPaths)
		assert.Empty(t, next.Skills)
		assert.Empty(t, next.PracticeSessions)
		assert.Zero(t, next.TotalTimeSpent)
		assert.Zero(t, next.CurrentStreak)
		assert.Nil(t, next.LastActivityAt)
		assert.Len(t, next.UnlockedAchievements(), 1, "achievements survive")
	})
}

func TestSwitchToSkill_HistoryCapped(t *testing.T) {
	r, _ := newTestReducer()
	s := NewState("learner", nil)
	for i := range 12 {
		s = r.Reduce(s, StartSkillDeconstruction{SkillID: fmt.Sprintf("sk%d", i), Spec: SkillSpec{SkillName: "x"}})
	}
	for i := range 12 {
		s = r.Reduce(s, SwitchToSkill{SkillID: fmt.Sprintf("sk%d", i)})
	}
	require.Len(t, s.SkillHistory, MaxSkillHistory)
	assert.Equal(t, "sk11", s.SkillHistory[0])
	assert.Equal(t, "sk2", s.SkillHistory[MaxSkillHistory-1])

	s = r.Reduce(s, SwitchToSkill{SkillID: "sk5"})
	assert.Equal(t, "sk5", s.CurrentSkillID)
	assert.Equal(t, []string{"sk5", "sk11", "sk10", "sk9", "sk8", "sk7", "sk6", "sk4", "sk3", "sk2"}, s.SkillHistory)

	assert.Same(t, s, r.Reduce(s, SwitchToSkill{SkillID: "sk5"}))
}
