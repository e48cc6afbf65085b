package progress

import (
	"maps"
	"slices"
	"sort"
	"time"
)

// MaxSkillHistory bounds State.SkillHistory.
const MaxSkillHistory = 10

// State is the aggregate root: everything known about one user's progress.
// A State value must be treated as immutable; use a Reducer to derive the
// next one.
type State struct {
	UserID           string                     `json:"userId"`
	LearningPaths    map[string]LearningPath    `json:"learningPaths"`
	Skills           map[string]SkillProgress   `json:"skills"`
	PracticeSessions map[string]PracticeSession `json:"practiceSessions"`
	Achievements     []Achievement              `json:"achievements"`
	TotalTimeSpent   int                        `json:"totalTimeSpent"`
	CurrentStreak    int                        `json:"currentStreak"`
	LongestStreak    int                        `json:"longestStreak"`
	LastActivityAt   *time.Time                 `json:"lastActivityAt,omitempty"`
	CurrentSkillID   string                     `json:"currentSkillId,omitempty"`
	SkillHistory     []string                   `json:"skillHistory"`

	// Revision counts effective transitions in this process. Not persisted.
	Revision uint64 `json:"-"`
}

// NewState returns an empty aggregate for userID seeded with catalog.
func NewState(userID string, catalog []Achievement) *State {
	s := &State{
		UserID:           userID,
		LearningPaths:    make(map[string]LearningPath),
		Skills:           make(map[string]SkillProgress),
		PracticeSessions: make(map[string]PracticeSession),
		Achievements:     make([]Achievement, 0, len(catalog)),
		SkillHistory:     []string{},
	}
	for _, a := range catalog {
		a.Unlocked = false
		a.UnlockedAt = nil
		s.Achievements = append(s.Achievements, a)
	}
	return s
}

// Normalize replaces nil collections with empty ones. Decoded states go
// through it before use.
func (s *State) Normalize() *State {
	if s.LearningPaths == nil {
		s.LearningPaths = make(map[string]LearningPath)
	}
	if s.Skills == nil {
		s.Skills = make(map[string]SkillProgress)
	}
	if s.PracticeSessions == nil {
		s.PracticeSessions = make(map[string]PracticeSession)
	}
	if s.Achievements == nil {
		s.Achievements = []Achievement{}
	}
	if s.SkillHistory == nil {
		s.SkillHistory = []string{}
	}
	return s
}

// WithCatalog returns a snapshot whose achievement list follows catalog order
// while keeping the unlock state of entries already present. Entries unknown
// to catalog are kept at the end so earned achievements are never lost.
func (s *State) WithCatalog(catalog []Achievement) *State {
	existing := make(map[string]Achievement, len(s.Achievements))
	for _, a := range s.Achievements {
		existing[a.ID] = a
	}

	merged := make([]Achievement, 0, len(catalog)+len(s.Achievements))
	seen := make(map[string]bool, len(catalog))
	for _, def := range catalog {
		seen[def.ID] = true
		def.Unlocked = false
		def.UnlockedAt = nil
		if prev, ok := existing[def.ID]; ok {
			def.Unlocked = prev.Unlocked
			def.UnlockedAt = prev.UnlockedAt
		}
		merged = append(merged, def)
	}
	for _, a := range s.Achievements {
		if !seen[a.ID] {
			merged = append(merged, a)
		}
	}

	next := s.clone()
	next.Achievements = merged
	return next
}

// Achievement looks up an achievement by id.
func (s *State) Achievement(id string) (Achievement, bool) {
	if i := s.achievementIndex(id); i >= 0 {
		return s.Achievements[i], true
	}
	return Achievement{}, false
}

// UnlockedAchievements returns the unlocked subset, in catalog order.
func (s *State) UnlockedAchievements() []Achievement {
	var out []Achievement
	for _, a := range s.Achievements {
		if a.Unlocked {
			out = append(out, a)
		}
	}
	return out
}

// Paths returns learning paths ordered by creation time, then id.
func (s *State) Paths() []LearningPath {
	out := slices.Collect(maps.Values(s.LearningPaths))
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SkillList returns skills ordered by start time, then id.
func (s *State) SkillList() []SkillProgress {
	out := slices.Collect(maps.Values(s.Skills))
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Sessions returns practice sessions ordered by start time, then id. When
// skillID is non-empty only that skill's sessions are returned.
func (s *State) Sessions(skillID string) []PracticeSession {
	out := make([]PracticeSession, 0, len(s.PracticeSessions))
	for _, p := range s.PracticeSessions {
		if skillID == "" || p.SkillID == skillID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CurrentSkill returns the skill the learner navigated to last.
func (s *State) CurrentSkill() (SkillProgress, bool) {
	sk, ok := s.Skills[s.CurrentSkillID]
	return sk, ok
}

func (s *State) achievementIndex(id string) int {
	for i, a := range s.Achievements {
		if a.ID == id {
			return i
		}
	}
	return -1
}

// clone copies the top-level struct. Maps and slices stay shared until a
// transition replaces the ones it touches.
func (s *State) clone() *State {
	next := *s
	return &next
}

func (s *State) withPath(p LearningPath) *State {
	next := s.clone()
	next.LearningPaths = cloneMap(s.LearningPaths)
	next.LearningPaths[p.ID] = p
	return next
}

func (s *State) withSkill(sk SkillProgress) *State {
	next := s.clone()
	next.Skills = cloneMap(s.Skills)
	next.Skills[sk.ID] = sk
	return next
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return make(map[K]V)
	}
	return maps.Clone(m)
}
