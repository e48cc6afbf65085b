package progress

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// MilestoneSeed is the shape a roadmap generator hands us for one milestone.
// Nothing beyond the shape is trusted; see NormalizeSeeds.
type MilestoneSeed struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Kind             ContentKind `json:"kind"`
	EstimatedMinutes int         `json:"estimatedMinutes"`
}

// LevelSpec is one level of a skill curriculum.
type LevelSpec struct {
	Number     int             `json:"number"`
	Title      string          `json:"title"`
	Milestones []MilestoneSeed `json:"milestones"`
}

// SkillSpec is a multi-level curriculum produced by a generator.
type SkillSpec struct {
	SkillName  string      `json:"skillName"`
	Difficulty Difficulty  `json:"difficulty"`
	Levels     []LevelSpec `json:"levels"`
}

// RoadmapSource generates the milestone list for a topic. Implementations
// live outside this module (LLM pipelines, search APIs, static files).
type RoadmapSource interface {
	GenerateRoadmap(ctx context.Context, topic string) ([]MilestoneSeed, error)
}

// NormalizeSeeds defaults malformed entries: a missing title becomes
// "Milestone {n}", an unknown kind becomes video, a missing id becomes
// "milestone-{n}" and duplicate ids get a positional suffix. n is 1-based.
func NormalizeSeeds(seeds []MilestoneSeed) []MilestoneSeed {
	out := make([]MilestoneSeed, len(seeds))
	seen := make(map[string]bool, len(seeds))
	for i, s := range seeds {
		n := i + 1
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			s.ID = fmt.Sprintf("milestone-%d", n)
		}
		if seen[s.ID] {
			s.ID = fmt.Sprintf("%s-%d", s.ID, n)
		}
		seen[s.ID] = true

		s.Title = strings.TrimSpace(s.Title)
		if s.Title == "" {
			s.Title = fmt.Sprintf("Milestone %d", n)
		}
		if !s.Kind.IsValid() {
			s.Kind = KindVideo
		}
		if s.EstimatedMinutes < 0 {
			s.EstimatedMinutes = 0
		}
		out[i] = s
	}
	return out
}

// NormalizeDifficulty maps anything unknown to beginner.
func NormalizeDifficulty(d Difficulty) Difficulty {
	d = Difficulty(strings.ToLower(strings.TrimSpace(string(d))))
	if !d.IsValid() {
		return DifficultyBeginner
	}
	return d
}

// NormalizeSkillSpec defaults the difficulty, numbers unnumbered levels by
// position, orders levels by number and normalizes each level's seeds.
func NormalizeSkillSpec(spec SkillSpec) SkillSpec {
	spec.SkillName = strings.TrimSpace(spec.SkillName)
	if spec.SkillName == "" {
		spec.SkillName = "Untitled skill"
	}
	spec.Difficulty = NormalizeDifficulty(spec.Difficulty)

	levels := make([]LevelSpec, len(spec.Levels))
	for i, l := range spec.Levels {
		if l.Number <= 0 {
			l.Number = i + 1
		}
		if strings.TrimSpace(l.Title) == "" {
			l.Title = fmt.Sprintf("Level %d", l.Number)
		}
		l.Milestones = NormalizeSeeds(l.Milestones)
		levels[i] = l
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Number < levels[j].Number })
	spec.Levels = levels
	return spec
}
