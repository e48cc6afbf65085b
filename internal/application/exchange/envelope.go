// Package exchange converts a progress aggregate to and from its portable
// export envelope, and renders the envelope as JSON, CSV or a text summary.
package exchange

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/alem-hub/roadmap-tracker/internal/domain/analytics"
	"github.com/alem-hub/roadmap-tracker/internal/domain/progress"
)

// Version is the envelope version written by this package. Imports accept
// any minor version of the same major.
const Version = "1.0"

// Stats are the aggregate counters carried next to the collections.
type Stats struct {
	TotalTimeSpent       int        `json:"totalTimeSpent"`
	CurrentStreak        int        `json:"currentStreak"`
	LongestStreak        int        `json:"longestStreak"`
	LastActivityAt       *time.Time `json:"lastActivityAt,omitempty"`
	CurrentSkillID       string     `json:"currentSkillId,omitempty"`
	SkillHistory         []string   `json:"skillHistory"`
	CompletedMilestones  int        `json:"completedMilestones"`
	TotalMilestones      int        `json:"totalMilestones"`
	UnlockedAchievements int        `json:"unlockedAchievements"`
}

// Envelope is the export document.
type Envelope struct {
	Version          string                     `json:"version"`
	ExportDate       time.Time                  `json:"exportDate"`
	UserID           string                     `json:"userId,omitempty"`
	LearningPaths    []progress.LearningPath    `json:"learningPaths"`
	Skills           []progress.SkillProgress   `json:"skills"`
	PracticeSessions []progress.PracticeSession `json:"practiceSessions"`
	Achievements     []progress.Achievement     `json:"achievements"`
	Stats            Stats                      `json:"stats"`
	Analytics        *analytics.Bundle          `json:"analytics,omitempty"`
}

// NewEnvelope captures s at exportDate. bundle is optional.
func NewEnvelope(s *progress.State, exportDate time.Time, bundle *analytics.Bundle) Envelope {
	env := Envelope{
		Version:          Version,
		ExportDate:       exportDate.UTC(),
		UserID:           s.UserID,
		LearningPaths:    s.Paths(),
		Skills:           s.SkillList(),
		PracticeSessions: sessions(s),
		Achievements:     slices.Clone(s.Achievements),
		Analytics:        bundle,
	}
	if env.LearningPaths == nil {
		env.LearningPaths = []progress.LearningPath{}
	}
	if env.Skills == nil {
		env.Skills = []progress.SkillProgress{}
	}
	for i := range env.LearningPaths {
		if env.LearningPaths[i].Milestones == nil {
			env.LearningPaths[i].Milestones = []progress.Milestone{}
		}
	}
	for i := range env.Skills {
		if env.Skills[i].Milestones == nil {
			env.Skills[i].Milestones = []progress.MilestoneProgress{}
		}
	}
	if env.Achievements == nil {
		env.Achievements = []progress.Achievement{}
	}

	env.Stats = Stats{
		TotalTimeSpent: s.TotalTimeSpent,
		CurrentStreak:  s.CurrentStreak,
		LongestStreak:  s.LongestStreak,
		LastActivityAt: s.LastActivityAt,
		CurrentSkillID: s.CurrentSkillID,
		SkillHistory:   slices.Clone(s.SkillHistory),
	}
	if env.Stats.SkillHistory == nil {
		env.Stats.SkillHistory = []string{}
	}
	for _, p := range env.LearningPaths {
		env.Stats.CompletedMilestones += p.CompletedCount()
		env.Stats.TotalMilestones += p.TotalCount()
	}
	for _, sk := range env.Skills {
		env.Stats.CompletedMilestones += sk.CompletedCount()
		env.Stats.TotalMilestones += len(sk.Milestones)
	}
	for _, a := range env.Achievements {
		if a.Unlocked {
			env.Stats.UnlockedAchievements++
		}
	}
	return env
}

func sessions(s *progress.State) []progress.PracticeSession {
	out := make([]progress.PracticeSession, 0, len(s.PracticeSessions))
	for _, ps := range s.PracticeSessions {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// State rebuilds the aggregate for userID. Collections keyed by id; the
// analytics section is ignored since it is derived.
func (e Envelope) State(userID string) *progress.State {
	s := progress.NewState(userID, nil)
	for _, p := range e.LearningPaths {
		s.LearningPaths[p.ID] = p
	}
	for _, sk := range e.Skills {
		s.Skills[sk.ID] = sk
	}
	for _, ps := range e.PracticeSessions {
		s.PracticeSessions[ps.ID] = ps
	}
	s.Achievements = append(s.Achievements, e.Achievements...)
	s.TotalTimeSpent = e.Stats.TotalTimeSpent
	s.CurrentStreak = e.Stats.CurrentStreak
	s.LongestStreak = e.Stats.LongestStreak
	s.LastActivityAt = e.Stats.LastActivityAt
	s.CurrentSkillID = e.Stats.CurrentSkillID
	s.SkillHistory = append(s.SkillHistory, e.Stats.SkillHistory...)
	return s
}

func major(version string) string {
	m, _, _ := strings.Cut(version, ".")
	return m
}
