package progress

import (
	"encoding/json"
	"math"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// ContentKind is the kind of learning content behind a milestone.
type ContentKind string

const (
	KindVideo    ContentKind = "video"
	KindArticle  ContentKind = "article"
	KindExercise ContentKind = "exercise"
	KindQuiz     ContentKind = "quiz"
)

// IsValid reports whether k is one of the known content kinds.
func (k ContentKind) IsValid() bool {
	switch k {
	case KindVideo, KindArticle, KindExercise, KindQuiz:
		return true
	}
	return false
}

// Difficulty is the declared difficulty of a skill curriculum.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

// IsValid reports whether d is a known difficulty.
func (d Difficulty) IsValid() bool {
	switch d {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced:
		return true
	}
	return false
}

// MilestoneStatus is the lifecycle status of a skill milestone row.
type MilestoneStatus string

const (
	StatusNotStarted MilestoneStatus = "not_started"
	StatusInProgress MilestoneStatus = "in_progress"
	StatusCompleted  MilestoneStatus = "completed"
	StatusFailed     MilestoneStatus = "failed"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEARNING PATHS
// ══════════════════════════════════════════════════════════════════════════════

// Milestone is one unit of learning content inside a LearningPath.
// CompletedAt is set if and only if Completed is true.
type Milestone struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Kind             ContentKind `json:"kind"`
	EstimatedMinutes int         `json:"estimatedMinutes"`
	Completed        bool        `json:"completed"`
	CompletedAt      *time.Time  `json:"completedAt,omitempty"`
	TimeSpent        int         `json:"timeSpent"` // seconds
	Score            *int        `json:"score,omitempty"`
	Notes            string      `json:"notes,omitempty"`
}

// LearningPath is an ordered list of milestones under one topic.
type LearningPath struct {
	ID             string      `json:"id"`
	Topic          string      `json:"topic"`
	Milestones     []Milestone `json:"milestones"`
	CreatedAt      time.Time   `json:"createdAt"`
	LastAccessedAt time.Time   `json:"lastAccessedAt"`
}

// CompletedCount returns the number of completed milestones.
func (p LearningPath) CompletedCount() int {
	n := 0
	for _, m := range p.Milestones {
		if m.Completed {
			n++
		}
	}
	return n
}

// TotalCount returns the number of milestones.
func (p LearningPath) TotalCount() int {
	return len(p.Milestones)
}

// Progress returns round(100*completed/total), 0 for an empty path.
func (p LearningPath) Progress() int {
	return Percent(p.CompletedCount(), p.TotalCount())
}

// TimeSpent returns the seconds recorded across all milestones.
func (p LearningPath) TimeSpent() int {
	total := 0
	for _, m := range p.Milestones {
		total += m.TimeSpent
	}
	return total
}

func (p LearningPath) milestoneIndex(id string) int {
	for i, m := range p.Milestones {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// MarshalJSON adds the derived counters to the serialized path.
func (p LearningPath) MarshalJSON() ([]byte, error) {
	type plain LearningPath
	return json.Marshal(struct {
		plain
		CompletedMilestones int `json:"completedMilestones"`
		TotalMilestones     int `json:"totalMilestones"`
		TotalProgress       int `json:"totalProgress"`
	}{
		plain:               plain(p),
		CompletedMilestones: p.CompletedCount(),
		TotalMilestones:     p.TotalCount(),
		TotalProgress:       p.Progress(),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// SKILL DECONSTRUCTION
// ══════════════════════════════════════════════════════════════════════════════

// MilestoneProgress is one milestone row of a multi-level skill curriculum.
type MilestoneProgress struct {
	MilestoneID        string          `json:"milestoneId"`
	LevelNumber        int             `json:"levelNumber"`
	Title              string          `json:"title"`
	Kind               ContentKind     `json:"kind"`
	Status             MilestoneStatus `json:"status"`
	StartedAt          *time.Time      `json:"startedAt,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
	TimeSpent          int             `json:"timeSpent"`
	Attempts           int             `json:"attempts"`
	SuccessfulAttempts int             `json:"successfulAttempts"`
	DifficultyRating   int             `json:"difficultyRating,omitempty"`
	Notes              string          `json:"notes,omitempty"`
}

// PracticeAnalytics summarizes the practice sessions of one skill.
type PracticeAnalytics struct {
	TotalSessions           int     `json:"totalSessions"`
	CompletedSessions       int     `json:"completedSessions"`
	TotalPracticeTime       int     `json:"totalPracticeTime"`
	AverageDifficultyRating float64 `json:"averageDifficultyRating"`
	MostChallengingActivity string  `json:"mostChallengingActivity,omitempty"`
	CompletionRate          float64 `json:"completionRate"`
}

// SkillProgress tracks a learner through a deconstructed, multi-level skill.
// CurrentLevel moves one past the last level once every level is done.
type SkillProgress struct {
	ID                 string              `json:"id"`
	SkillName          string              `json:"skillName"`
	Difficulty         Difficulty          `json:"difficulty"`
	TotalLevels        int                 `json:"totalLevels"`
	CurrentLevel       int                 `json:"currentLevel"`
	CurrentMilestoneID string              `json:"currentMilestoneId,omitempty"`
	Milestones         []MilestoneProgress `json:"milestones"`
	Practice           PracticeAnalytics   `json:"practice"`
	StartedAt          time.Time           `json:"startedAt"`
	LastActivityAt     time.Time           `json:"lastActivityAt"`
	TotalTimeSpent     int                 `json:"totalTimeSpent"`
}

// CompletedCount returns the number of completed rows.
func (s SkillProgress) CompletedCount() int {
	n := 0
	for _, m := range s.Milestones {
		if m.Status == StatusCompleted {
			n++
		}
	}
	return n
}

// OverallProgress returns round(100*completed/total).
func (s SkillProgress) OverallProgress() int {
	return Percent(s.CompletedCount(), len(s.Milestones))
}

func (s SkillProgress) rowIndex(milestoneID string, level int) int {
	for i, m := range s.Milestones {
		if m.MilestoneID == milestoneID && (level == 0 || m.LevelNumber == level) {
			return i
		}
	}
	return -1
}

func (s SkillProgress) levelComplete(level int) bool {
	seen := false
	for _, m := range s.Milestones {
		if m.LevelNumber != level {
			continue
		}
		seen = true
		if m.Status != StatusCompleted {
			return false
		}
	}
	return seen
}

func (s SkillProgress) firstNotStarted() string {
	for _, m := range s.Milestones {
		if m.Status == StatusNotStarted {
			return m.MilestoneID
		}
	}
	return ""
}

// MarshalJSON adds the derived overall percentage.
func (s SkillProgress) MarshalJSON() ([]byte, error) {
	type plain SkillProgress
	return json.Marshal(struct {
		plain
		OverallProgress int `json:"overallProgress"`
	}{
		plain:           plain(s),
		OverallProgress: s.OverallProgress(),
	})
}

// PracticeSession is one practice attempt against a skill milestone.
type PracticeSession struct {
	ID               string     `json:"id"`
	SkillID          string     `json:"skillId"`
	MilestoneID      string     `json:"milestoneId,omitempty"`
	ActivityType     string     `json:"activityType"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Duration         int        `json:"duration"` // seconds
	DifficultyRating int        `json:"difficultyRating,omitempty"`
	Successful       bool       `json:"successful"`
	Reps             int        `json:"reps,omitempty"`
	Sets             int        `json:"sets,omitempty"`
	SuccessCriteria  []string   `json:"successCriteria,omitempty"`
	Notes            string     `json:"notes,omitempty"`
}

// IsCompleted reports whether the session has finished.
func (p PracticeSession) IsCompleted() bool {
	return p.CompletedAt != nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

// CriterionKind is the closed set of achievement unlock criteria.
type CriterionKind string

const (
	CriterionMilestoneCount       CriterionKind = "milestone_count"
	CriterionCompletionPercentage CriterionKind = "completion_percentage"
	CriterionTimeSpent            CriterionKind = "time_spent" // threshold in hours
	CriterionStreakDays           CriterionKind = "streak_days"
	CriterionPracticeSessions     CriterionKind = "practice_sessions"
	CriterionSkillLevelCompleted  CriterionKind = "skill_level_completed"
)

// CriterionKinds lists every criterion kind.
var CriterionKinds = []CriterionKind{
	CriterionMilestoneCount,
	CriterionCompletionPercentage,
	CriterionTimeSpent,
	CriterionStreakDays,
	CriterionPracticeSessions,
	CriterionSkillLevelCompleted,
}

// IsValid reports whether k is a known criterion kind.
func (k CriterionKind) IsValid() bool {
	for _, c := range CriterionKinds {
		if c == k {
			return true
		}
	}
	return false
}

// Criterion is the unlock condition of an achievement.
type Criterion struct {
	Kind      CriterionKind `json:"kind" yaml:"kind"`
	Threshold float64       `json:"threshold" yaml:"threshold"`
}

// Achievement is a catalog entry plus its unlock state.
type Achievement struct {
	ID          string     `json:"id" yaml:"id"`
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description" yaml:"description"`
	Icon        string     `json:"icon" yaml:"icon"`
	Criterion   Criterion  `json:"criterion" yaml:"criterion"`
	Unlocked    bool       `json:"unlocked" yaml:"-"`
	UnlockedAt  *time.Time `json:"unlockedAt,omitempty" yaml:"-"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// Percent returns round(100*part/total), or 0 when total is 0.
func Percent(part, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(part) / float64(total)))
}
