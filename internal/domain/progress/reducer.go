package progress

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/roadmap-tracker/internal/domain/shared"
	"github.com/alem-hub/roadmap-tracker/pkg/timeutil"
)

// Reducer applies actions to states. Given the same clock readings and ids it
// is a pure function of (state, action).
type Reducer struct {
	now    func() time.Time
	newID  func() string
	loc    *time.Location
	logger *slog.Logger
}

// ReducerOption configures a Reducer.
type ReducerOption func(*Reducer)

// WithClock sets the time source used for completion and start timestamps.
func WithClock(now func() time.Time) ReducerOption {
	return func(r *Reducer) { r.now = now }
}

// WithIDGenerator sets the generator for path, skill and session ids.
func WithIDGenerator(newID func() string) ReducerOption {
	return func(r *Reducer) { r.newID = newID }
}

// WithLocation sets the location that defines calendar days for streaks.
func WithLocation(loc *time.Location) ReducerOption {
	return func(r *Reducer) { r.loc = loc }
}

// WithLogger sets the logger used for rejected actions.
func WithLogger(logger *slog.Logger) ReducerOption {
	return func(r *Reducer) { r.logger = logger }
}

// NewReducer creates a reducer with UTC days, the wall clock and uuid ids.
func NewReducer(opts ...ReducerOption) *Reducer {
	r := &Reducer{
		now:    time.Now,
		newID:  uuid.NewString,
		loc:    time.UTC,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "progress.reducer")
	return r
}

// Location returns the location calendar days are computed in.
func (r *Reducer) Location() *time.Location {
	return r.loc
}

// Reduce returns the state after applying action. When the action is unknown
// or targets a missing identifier, s itself is returned.
func (r *Reducer) Reduce(s *State, action Action) *State {
	var next *State
	switch a := action.(type) {
	case StartLearningPath:
		next = r.startLearningPath(s, a)
	case MarkMilestoneComplete:
		next = r.markMilestoneComplete(s, a)
	case UpdateMilestone:
		next = r.updateMilestone(s, a)
	case ResetMilestone:
		next = r.resetMilestone(s, a)
	case StartSkillDeconstruction:
		next = r.startSkill(s, a)
	case MarkMilestoneCompleteSkill:
		next = r.markSkillMilestoneComplete(s, a)
	case StartPracticeSession:
		next = r.startPracticeSession(s, a)
	case CompletePracticeSession:
		next = r.completePracticeSession(s, a)
	case UnlockAchievement:
		next = r.unlockAchievement(s, a)
	case ClearProgress:
		next = r.clearProgress(s, a)
	case SwitchToSkill:
		next = r.switchToSkill(s, a)
	default:
		return s
	}

	if next == s {
		return s
	}
	next.Revision = s.Revision + 1
	return next
}

// ══════════════════════════════════════════════════════════════════════════════
// LEARNING PATHS
// ══════════════════════════════════════════════════════════════════════════════

func (r *Reducer) startLearningPath(s *State, a StartLearningPath) *State {
	id := a.PathID
	if id == "" {
		id = r.newID()
	}
	if _, exists := s.LearningPaths[id]; exists {
		r.reject(a, shared.ErrAlreadyExists, "path_id", id)
		return s
	}

	now := r.now()
	seeds := NormalizeSeeds(a.Seeds)
	milestones := make([]Milestone, len(seeds))
	for i, seed := range seeds {
		milestones[i] = Milestone{
			ID:               seed.ID,
			Title:            seed.Title,
			Kind:             seed.Kind,
			EstimatedMinutes: seed.EstimatedMinutes,
		}
	}

	return s.withPath(LearningPath{
		ID:             id,
		Topic:          a.Topic,
		Milestones:     milestones,
		CreatedAt:      now,
		LastAccessedAt: now,
	})
}

func (r *Reducer) markMilestoneComplete(s *State, a MarkMilestoneComplete) *State {
	path, idx, ok := r.lookupMilestone(s, a, a.PathID, a.MilestoneID)
	if !ok {
		return s
	}

	if path.Milestones[idx].Completed {
		r.reject(a, shared.ErrMilestoneCompleted, "path_id", a.PathID, "milestone_id", a.MilestoneID)
		return s
	}

	now := r.now()
	ms := slices.Clone(path.Milestones)
	m := ms[idx]
	spent := nonNegative(a.TimeSpent)

	m.Completed = true
	m.CompletedAt = timePtr(now)
	m.TimeSpent = spent
	if a.Score != nil {
		if score, err := shared.NewScore(*a.Score); err == nil {
			m.Score = intPtr(int(score))
		} else {
			r.logger.Warn("ignoring invalid score", "milestone_id", a.MilestoneID, "score", *a.Score)
		}
	}
	if a.Notes != nil {
		m.Notes = *a.Notes
	}
	ms[idx] = m
	path.Milestones = ms
	path.LastAccessedAt = now

	next := s.withPath(path)
	next.TotalTimeSpent += spent
	r.recordActivity(next, now)
	return next
}

func (r *Reducer) updateMilestone(s *State, a UpdateMilestone) *State {
	path, idx, ok := r.lookupMilestone(s, a, a.PathID, a.MilestoneID)
	if !ok {
		return s
	}

	now := r.now()
	ms := slices.Clone(path.Milestones)
	m := ms[idx]
	delta := 0
	p := a.Patch

	if p.Title != nil {
		m.Title = *p.Title
	}
	if p.Notes != nil {
		m.Notes = *p.Notes
	}
	if p.Score != nil {
		if score, err := shared.NewScore(*p.Score); err == nil {
			m.Score = intPtr(int(score))
		} else {
			r.logger.Warn("ignoring invalid score", "milestone_id", a.MilestoneID, "score", *p.Score)
		}
	}
	if p.TimeSpent != nil {
		spent := nonNegative(*p.TimeSpent)
		delta += spent - m.TimeSpent
		m.TimeSpent = spent
	}
	completedNow := false
	if p.Completed != nil && *p.Completed != m.Completed {
		m.Completed = *p.Completed
		if m.Completed {
			m.CompletedAt = timePtr(now)
			completedNow = true
		} else {
			m.CompletedAt = nil
		}
	}

	ms[idx] = m
	path.Milestones = ms
	path.LastAccessedAt = now

	next := s.withPath(path)
	next.TotalTimeSpent += delta
	if completedNow {
		r.recordActivity(next, now)
	}
	return next
}

func (r *Reducer) resetMilestone(s *State, a ResetMilestone) *State {
	path, idx, ok := r.lookupMilestone(s, a, a.PathID, a.MilestoneID)
	if !ok {
		return s
	}

	ms := slices.Clone(path.Milestones)
	m := ms[idx]
	removed := m.TimeSpent
	m.Completed = false
	m.CompletedAt = nil
	m.TimeSpent = 0
	m.Score = nil
	ms[idx] = m
	path.Milestones = ms
	path.LastAccessedAt = r.now()

	next := s.withPath(path)
	next.TotalTimeSpent -= removed
	return next
}

func (r *Reducer) lookupMilestone(s *State, a Action, pathID, milestoneID string) (LearningPath, int, bool) {
	path, ok := s.LearningPaths[pathID]
	if !ok {
		r.reject(a, shared.ErrPathNotFound, "path_id", pathID)
		return LearningPath{}, -1, false
	}
	idx := path.milestoneIndex(milestoneID)
	if idx < 0 {
		r.reject(a, shared.ErrMilestoneNotFound, "path_id", pathID, "milestone_id", milestoneID)
		return LearningPath{}, -1, false
	}
	return path, idx, true
}

// ══════════════════════════════════════════════════════════════════════════════
// SKILLS
// ══════════════════════════════════════════════════════════════════════════════

func (r *Reducer) startSkill(s *State, a StartSkillDeconstruction) *State {
	id := a.SkillID
	if id == "" {
		id = r.newID()
	}
	if _, exists := s.Skills[id]; exists {
		r.reject(a, shared.ErrAlreadyExists, "skill_id", id)
		return s
	}

	now := r.now()
	spec := NormalizeSkillSpec(a.Spec)
	var rows []MilestoneProgress
	seen := make(map[string]bool)
	for _, level := range spec.Levels {
		for _, seed := range level.Milestones {
			rowID := seed.ID
			if seen[rowID] {
				rowID = fmt.Sprintf("%s-l%d", seed.ID, level.Number)
			}
			seen[rowID] = true
			rows = append(rows, MilestoneProgress{
				MilestoneID: rowID,
				LevelNumber: level.Number,
				Title:       seed.Title,
				Kind:        seed.Kind,
				Status:      StatusNotStarted,
			})
		}
	}

	current := 1
	if len(spec.Levels) > 0 {
		current = spec.Levels[0].Number
	}
	sk := SkillProgress{
		ID:             id,
		SkillName:      spec.SkillName,
		Difficulty:     spec.Difficulty,
		TotalLevels:    len(spec.Levels),
		CurrentLevel:   current,
		Milestones:     rows,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if sk.Milestones == nil {
		sk.Milestones = []MilestoneProgress{}
	}
	sk.CurrentMilestoneID = sk.firstNotStarted()
	return s.withSkill(sk)
}

func (r *Reducer) markSkillMilestoneComplete(s *State, a MarkMilestoneCompleteSkill) *State {
	sk, ok := s.Skills[a.SkillID]
	if !ok {
		r.reject(a, shared.ErrSkillNotFound, "skill_id", a.SkillID)
		return s
	}
	idx := sk.rowIndex(a.MilestoneID, a.LevelNumber)
	if idx < 0 {
		r.reject(a, shared.ErrMilestoneNotFound, "skill_id", a.SkillID,
			"milestone_id", a.MilestoneID, "level", a.LevelNumber)
		return s
	}

	now := r.now()
	spent := nonNegative(a.TimeSpent)
	rows := slices.Clone(sk.Milestones)
	row := rows[idx]
	row.Status = StatusCompleted
	if row.StartedAt == nil {
		row.StartedAt = timePtr(now)
	}
	row.CompletedAt = timePtr(now)
	row.TimeSpent += spent
	row.Attempts++
	row.SuccessfulAttempts++
	if a.Notes != nil {
		row.Notes = *a.Notes
	}
	if a.DifficultyRating != nil {
		if rating, err := shared.NewRating(*a.DifficultyRating); err == nil {
			row.DifficultyRating = rating.Int()
		} else {
			r.logger.Warn("ignoring invalid difficulty rating", "skill_id", a.SkillID, "rating", *a.DifficultyRating)
		}
	}
	rows[idx] = row

	sk.Milestones = rows
	sk.TotalTimeSpent += spent
	sk.LastActivityAt = now
	sk.CurrentMilestoneID = sk.firstNotStarted()
	if sk.levelComplete(sk.CurrentLevel) {
		sk.CurrentLevel++
	}

	next := s.withSkill(sk)
	next.TotalTimeSpent += spent
	r.recordActivity(next, now)
	return next
}

// ══════════════════════════════════════════════════════════════════════════════
// PRACTICE SESSIONS
// ══════════════════════════════════════════════════════════════════════════════

func (r *Reducer) startPracticeSession(s *State, a StartPracticeSession) *State {
	sk, ok := s.Skills[a.SkillID]
	if !ok {
		r.reject(a, shared.ErrSkillNotFound, "skill_id", a.SkillID)
		return s
	}
	id := a.SessionID
	if id == "" {
		id = r.newID()
	}
	if _, exists := s.PracticeSessions[id]; exists {
		r.reject(a, shared.ErrAlreadyExists, "session_id", id)
		return s
	}

	now := r.now()
	if a.MilestoneID != "" {
		idx := sk.rowIndex(a.MilestoneID, 0)
		if idx < 0 {
			r.reject(a, shared.ErrMilestoneNotFound, "skill_id", a.SkillID, "milestone_id", a.MilestoneID)
			return s
		}
		if sk.Milestones[idx].Status == StatusNotStarted {
			rows := slices.Clone(sk.Milestones)
			rows[idx].Status = StatusInProgress
			rows[idx].StartedAt = timePtr(now)
			sk.Milestones = rows
			sk.CurrentMilestoneID = sk.firstNotStarted()
		}
	}

	next := s.clone()
	next.PracticeSessions = cloneMap(s.PracticeSessions)
	next.PracticeSessions[id] = PracticeSession{
		ID:              id,
		SkillID:         a.SkillID,
		MilestoneID:     a.MilestoneID,
		ActivityType:    a.ActivityType,
		StartedAt:       now,
		Reps:            a.Reps,
		Sets:            a.Sets,
		SuccessCriteria: slices.Clone(a.SuccessCriteria),
	}

	sk.LastActivityAt = now
	sk.Practice = practiceAnalytics(next.PracticeSessions, sk.ID)
	next.Skills = cloneMap(s.Skills)
	next.Skills[sk.ID] = sk
	return next
}

func (r *Reducer) completePracticeSession(s *State, a CompletePracticeSession) *State {
	sess, ok := s.PracticeSessions[a.SessionID]
	if !ok {
		r.reject(a, shared.ErrSessionNotFound, "session_id", a.SessionID)
		return s
	}
	if sess.IsCompleted() {
		r.reject(a, shared.ErrStateTransition, "session_id", a.SessionID)
		return s
	}

	now := r.now()
	sess.CompletedAt = timePtr(now)
	sess.Duration = a.Duration
	if sess.Duration <= 0 {
		sess.Duration = nonNegative(int(now.Sub(sess.StartedAt).Seconds()))
	}
	sess.Successful = a.Successful
	if a.DifficultyRating != 0 {
		if rating, err := shared.NewRating(a.DifficultyRating); err == nil {
			sess.DifficultyRating = rating.Int()
		} else {
			r.logger.Warn("ignoring invalid difficulty rating", "session_id", a.SessionID, "rating", a.DifficultyRating)
		}
	}
	if a.Notes != nil {
		sess.Notes = *a.Notes
	}

	next := s.clone()
	next.PracticeSessions = cloneMap(s.PracticeSessions)
	next.PracticeSessions[sess.ID] = sess

	if sk, ok := s.Skills[sess.SkillID]; ok {
		if idx := sk.rowIndex(sess.MilestoneID, 0); sess.MilestoneID != "" && idx >= 0 {
			rows := slices.Clone(sk.Milestones)
			rows[idx].Attempts++
			if sess.Successful {
				rows[idx].SuccessfulAttempts++
			}
			sk.Milestones = rows
		}
		sk.LastActivityAt = now
		sk.Practice = practiceAnalytics(next.PracticeSessions, sk.ID)
		next.Skills = cloneMap(s.Skills)
		next.Skills[sk.ID] = sk
	}
	return next
}

// practiceAnalytics recomputes the practice summary of one skill. Sessions
// are visited in start order so ties on difficulty resolve to the earliest.
func practiceAnalytics(sessions map[string]PracticeSession, skillID string) PracticeAnalytics {
	ordered := (&State{PracticeSessions: sessions}).Sessions(skillID)

	var (
		pa      PracticeAnalytics
		ratings []shared.Rating
		hardest int
	)
	for _, sess := range ordered {
		pa.TotalSessions++
		if !sess.IsCompleted() {
			continue
		}
		pa.CompletedSessions++
		pa.TotalPracticeTime += sess.Duration
		if sess.DifficultyRating > 0 {
			ratings = append(ratings, shared.Rating(sess.DifficultyRating))
			if sess.DifficultyRating > hardest {
				hardest = sess.DifficultyRating
				pa.MostChallengingActivity = sess.ActivityType
			}
		}
	}
	pa.AverageDifficultyRating = shared.AverageRating(ratings)
	if pa.TotalSessions > 0 {
		pa.CompletionRate = float64(pa.CompletedSessions) / float64(pa.TotalSessions)
	}
	return pa
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS, CLEARING, NAVIGATION
// ══════════════════════════════════════════════════════════════════════════════

func (r *Reducer) unlockAchievement(s *State, a UnlockAchievement) *State {
	idx := s.achievementIndex(a.ID)
	if idx < 0 {
		r.logger.Debug("unknown achievement", "achievement_id", a.ID)
		return s
	}
	if s.Achievements[idx].Unlocked {
		return s
	}

	next := s.clone()
	next.Achievements = slices.Clone(s.Achievements)
	next.Achievements[idx].Unlocked = true
	next.Achievements[idx].UnlockedAt = timePtr(r.now())
	return next
}

func (r *Reducer) clearProgress(s *State, a ClearProgress) *State {
	switch {
	case a.PathID != "":
		path, ok := s.LearningPaths[a.PathID]
		if !ok {
			r.reject(a, shared.ErrPathNotFound, "path_id", a.PathID)
			return s
		}
		next := s.clone()
		next.LearningPaths = cloneMap(s.LearningPaths)
		delete(next.LearningPaths, a.PathID)
		next.TotalTimeSpent -= path.TimeSpent()
		return next

	case a.SkillID != "":
		sk, ok := s.Skills[a.SkillID]
		if !ok {
			r.reject(a, shared.ErrSkillNotFound, "skill_id", a.SkillID)
			return s
		}
		next := s.clone()
		next.Skills = cloneMap(s.Skills)
		delete(next.Skills, a.SkillID)
		next.PracticeSessions = cloneMap(s.PracticeSessions)
		maps.DeleteFunc(next.PracticeSessions, func(_ string, p PracticeSession) bool {
			return p.SkillID == a.SkillID
		})
		next.TotalTimeSpent -= sk.TotalTimeSpent
		if next.CurrentSkillID == a.SkillID {
			next.CurrentSkillID = ""
		}
		next.SkillHistory = slices.DeleteFunc(slices.Clone(s.SkillHistory), func(id string) bool {
			return id == a.SkillID
		})
		return next

	default:
		next := s.clone()
		next.LearningPaths = make(map[string]LearningPath)
		next.Skills = make(map[string]SkillProgress)
		next.PracticeSessions = make(map[string]PracticeSession)
		next.TotalTimeSpent = 0
		next.CurrentStreak = 0
		next.LongestStreak = 0
		next.LastActivityAt = nil
		next.CurrentSkillID = ""
		next.SkillHistory = []string{}
		return next
	}
}

func (r *Reducer) switchToSkill(s *State, a SwitchToSkill) *State {
	if _, ok := s.Skills[a.SkillID]; !ok {
		r.reject(a, shared.ErrSkillNotFound, "skill_id", a.SkillID)
		return s
	}
	if s.CurrentSkillID == a.SkillID && len(s.SkillHistory) > 0 && s.SkillHistory[0] == a.SkillID {
		return s
	}

	history := make([]string, 0, MaxSkillHistory)
	history = append(history, a.SkillID)
	for _, id := range s.SkillHistory {
		if id != a.SkillID && len(history) < MaxSkillHistory {
			history = append(history, id)
		}
	}

	next := s.clone()
	next.CurrentSkillID = a.SkillID
	next.SkillHistory = history
	return next
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// recordActivity updates the streak counters of a freshly cloned state.
// Same day: unchanged. Next day: extend. Later gap: restart at 1. Activity
// stamped before the last recorded day does not move the counters.
func (r *Reducer) recordActivity(next *State, at time.Time) {
	if next.LastActivityAt == nil {
		next.CurrentStreak = 1
		next.LongestStreak = max(next.LongestStreak, 1)
		next.LastActivityAt = timePtr(at)
		return
	}

	switch diff := timeutil.DayNumber(at, r.loc) - timeutil.DayNumber(*next.LastActivityAt, r.loc); {
	case diff < 0:
		return
	case diff == 0:
	case diff == 1:
		next.CurrentStreak++
	default:
		next.CurrentStreak = 1
	}
	next.LongestStreak = max(next.LongestStreak, next.CurrentStreak)
	next.LastActivityAt = timePtr(at)
}

func (r *Reducer) reject(a Action, reason error, attrs ...any) {
	args := append([]any{"action", a.Type(), "reason", reason.Error()}, attrs...)
	r.logger.Warn("action ignored", args...)
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func timePtr(t time.Time) *time.Time { return &t }

func intPtr(v int) *int { return &v }
