// Package progress runs the per-user progress service: it serializes actions
// through the reducer, persists every transition, unlocks achievements and
// fans changes out to subscribers and the event bus.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alem-hub/roadmap-tracker/internal/domain/achievement"
	"github.com/alem-hub/roadmap-tracker/internal/domain/analytics"
	domain "github.com/alem-hub/roadmap-tracker/internal/domain/progress"
	"github.com/alem-hub/roadmap-tracker/internal/domain/shared"
	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
	"github.com/alem-hub/roadmap-tracker/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE
// One aggregate per user. Dispatch runs a whole transition under one lock:
// reduce, persist, evaluate achievements, unlock, persist again. Subscribers
// are called after the lock is released.
// ══════════════════════════════════════════════════════════════════════════════

// SchemaVersion is the version of the persisted state document.
const SchemaVersion = 2

// KeyPrefix prefixes the storage key of every user's state.
const KeyPrefix = "progress:"

// StateKey returns the storage key of userID's state.
func StateKey(userID string) string { return KeyPrefix + userID }

// UserOf reverses StateKey.
func UserOf(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, KeyPrefix)
	return id, ok && id != ""
}

// Listener receives the snapshots on both sides of an effective transition.
type Listener func(prev, next *domain.State)

// Deps are the collaborators shared by every user's store.
type Deps struct {
	Persistence *resilient.Store
	Reducer     *domain.Reducer
	Evaluator   *achievement.Evaluator
	Catalog     []domain.Achievement
	Publisher   shared.EventPublisher
	Logger      *slog.Logger
	Now         func() time.Time

	// Analytics are the default options for bundles and achievement checks.
	Analytics analytics.Options
	CacheTTL  time.Duration

	// AutoUnlock reports whether achievements are evaluated after each of
	// userID's transitions. Nil means always.
	AutoUnlock func(userID string) bool
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Reducer == nil {
		d.Reducer = domain.NewReducer(domain.WithLogger(d.Logger))
	}
	if d.Evaluator == nil {
		d.Evaluator = achievement.NewEvaluator(d.Logger)
	}
	if d.Catalog == nil {
		d.Catalog = achievement.MustCatalog()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Analytics.Location == nil {
		d.Analytics.Location = d.Reducer.Location()
	}
	return d
}

// Store is the progress service for one user.
type Store struct {
	userID string
	key    string
	deps   Deps
	cache  *analytics.Cache
	logger *slog.Logger

	mu    sync.Mutex // serializes transitions
	state *domain.State

	errMu      sync.RWMutex
	persistErr error

	subMu     sync.RWMutex
	listeners map[int]Listener
	nextSub   int
}

// ValidateUserID rejects ids that are not key-safe.
func ValidateUserID(userID string) error {
	if !shared.UserID(userID).IsValid() {
		return shared.ErrInvalidUserID
	}
	return nil
}

// Open loads userID's state from persistence, migrating old documents. A
// missing or unreadable document starts an empty state; the read error is
// kept in PersistenceError.
func Open(ctx context.Context, userID string, deps Deps) (*Store, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	if deps.Persistence == nil {
		return nil, shared.NewDomainError("progress", "Open", shared.ErrInvalidInput, "persistence is required")
	}
	if v := deps.Persistence.SchemaVersion(); v != SchemaVersion {
		return nil, shared.NewDomainError("progress", "Open", shared.ErrInvalidInput,
			fmt.Sprintf("persistence writes schema v%d, want v%d", v, SchemaVersion))
	}
	deps = deps.withDefaults()

	s := &Store{
		userID:    userID,
		key:       StateKey(userID),
		deps:      deps,
		cache:     analytics.NewCache(deps.CacheTTL, deps.Now),
		logger:    deps.Logger.With(logger.Component("progress.store"), logger.UserID(userID)),
		listeners: make(map[int]Listener),
	}

	state, err := s.load(ctx)
	if err != nil {
		s.logger.Error("loading state failed, starting empty", logger.Err(err))
		s.setPersistErr(err)
		state = domain.NewState(userID, deps.Catalog)
	}
	s.state = state
	return s, nil
}

func (s *Store) load(ctx context.Context) (*domain.State, error) {
	raw, meta, err := s.deps.Persistence.LoadRaw(ctx, s.key)
	if errors.Is(err, resilient.ErrNotFound) {
		return domain.NewState(s.userID, s.deps.Catalog), nil
	}
	if err != nil {
		return nil, err
	}

	if meta.Version < SchemaVersion {
		migrated, merr := s.deps.Persistence.Migrate(ctx, s.key, SchemaVersion, MigrateState)
		if merr != nil {
			return nil, merr
		}
		if migrated {
			s.logger.Info("state migrated", "from", meta.Version, "to", SchemaVersion)
			raw, _, err = s.deps.Persistence.LoadRaw(ctx, s.key)
			if err != nil {
				return nil, err
			}
		}
	} else if meta.Version > SchemaVersion {
		s.logger.Warn("state written by a newer schema", "version", meta.Version)
	}

	return s.decode(raw)
}

func (s *Store) decode(raw []byte) (*domain.State, error) {
	var st domain.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, shared.WrapError("progress", "Decode", shared.ErrInvalidFormat, "stored state is not valid", err)
	}
	st.UserID = s.userID
	return st.Normalize().WithCatalog(s.deps.Catalog), nil
}

// UserID returns the user this store belongs to.
func (s *Store) UserID() string { return s.userID }

// State returns the current snapshot. Callers must not modify it.
func (s *Store) State() *domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatch applies action and returns the resulting snapshot. A no-op action
// returns the current snapshot unchanged and notifies nobody. Persistence
// failures do not fail the dispatch; see PersistenceError.
func (s *Store) Dispatch(ctx context.Context, action domain.Action) *domain.State {
	if action == nil {
		return s.State()
	}

	s.mu.Lock()
	prev := s.state
	next := s.deps.Reducer.Reduce(prev, action)
	if next == prev {
		s.mu.Unlock()
		return prev
	}
	s.persist(ctx, next)

	s.cache.Purge()
	var unlocked []domain.Achievement
	for _, u := range s.evaluate(next) {
		after := s.deps.Reducer.Reduce(next, u)
		if after == next {
			continue
		}
		next = after
		if a, ok := next.Achievement(u.ID); ok {
			unlocked = append(unlocked, a)
		}
	}
	if len(unlocked) > 0 {
		s.cache.Purge()
		s.persist(ctx, next)
	}
	s.state = next
	s.mu.Unlock()

	s.notify(prev, next)
	s.publishTransition(action, next, unlocked)
	return next
}

func (s *Store) evaluate(st *domain.State) []domain.UnlockAchievement {
	if s.deps.AutoUnlock != nil && !s.deps.AutoUnlock(s.userID) {
		return nil
	}
	return s.deps.Evaluator.Evaluate(st, s.cache.Bundle(st, s.deps.Analytics))
}

// StartFromSource asks src for topic's roadmap and starts a path from it.
func (s *Store) StartFromSource(ctx context.Context, src domain.RoadmapSource, topic string) (*domain.State, error) {
	seeds, err := src.GenerateRoadmap(ctx, topic)
	if err != nil {
		return nil, shared.WrapError("roadmap", "Generate", shared.ErrServiceUnavailable,
			fmt.Sprintf("generating %q", topic), errors.Join(shared.ErrRoadmapSourceFailed, err))
	}
	return s.Dispatch(ctx, domain.StartLearningPath{Topic: topic, Seeds: seeds}), nil
}

// Replace swaps the whole aggregate, e.g. after an import. The new state is
// persisted and announced like any other transition.
func (s *Store) Replace(ctx context.Context, st *domain.State) *domain.State {
	s.mu.Lock()
	prev := s.state
	next := s.adopt(st, prev)
	s.persist(ctx, next)
	s.cache.Purge()
	s.state = next
	s.mu.Unlock()

	s.notify(prev, next)
	s.publish(shared.NewStateChangedEvent(s.userID, next.Revision, "replace", false))
	return next
}

// ApplyExternal adopts a state document another process wrote. Nothing is
// persisted: the document already is.
func (s *Store) ApplyExternal(data []byte) error {
	st, err := s.decode(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.state
	next := s.adopt(st, prev)
	s.cache.Purge()
	s.state = next
	s.mu.Unlock()

	s.logger.Debug("external change applied", "revision", next.Revision)
	s.notify(prev, next)
	s.publish(shared.NewStateChangedEvent(s.userID, next.Revision, "external", true))
	return nil
}

func (s *Store) adopt(st *domain.State, prev *domain.State) *domain.State {
	next := *st
	next.UserID = s.userID
	next.Revision = prev.Revision + 1
	return next.Normalize().WithCatalog(s.deps.Catalog)
}

// Analytics returns the bundle for the current snapshot. Zero options use
// the store defaults.
func (s *Store) Analytics(opts analytics.Options) analytics.Bundle {
	if opts == (analytics.Options{}) {
		opts = s.deps.Analytics
	}
	if opts.Location == nil {
		opts.Location = s.deps.Analytics.Location
	}
	return s.cache.Bundle(s.State(), opts)
}

// CacheStats reports the analytics cache counters.
func (s *Store) CacheStats() analytics.CacheStats { return s.cache.Stats() }

// PersistenceError returns the last persistence failure, or nil once a save
// has succeeded since.
func (s *Store) PersistenceError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.persistErr
}

// Persistence returns the store's persistence layer.
func (s *Store) Persistence() *resilient.Store { return s.deps.Persistence }

// Reset deletes the persisted document and starts over with an empty state.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	err := s.deps.Persistence.Delete(ctx, s.key)
	next := domain.NewState(s.userID, s.deps.Catalog)
	next.Revision = prev.Revision + 1
	s.cache.Purge()
	s.state = next
	s.mu.Unlock()

	s.setPersistErr(err)
	s.notify(prev, next)
	s.publish(shared.NewProgressClearedEvent(s.userID, "", ""))
	s.publish(shared.NewStateChangedEvent(s.userID, next.Revision, "reset", false))
	return err
}

// Subscribe registers fn for every effective transition. The returned func
// removes it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.listeners, id)
			s.subMu.Unlock()
		})
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERNALS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Store) persist(ctx context.Context, st *domain.State) {
	err := s.deps.Persistence.Save(ctx, s.key, st)
	if err != nil {
		s.logger.Warn("persisting state failed", logger.Err(err))
	}
	s.setPersistErr(err)
}

func (s *Store) setPersistErr(err error) {
	s.errMu.Lock()
	s.persistErr = err
	s.errMu.Unlock()
}

func (s *Store) notify(prev, next *domain.State) {
	s.subMu.RLock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(prev, next)
	}
}

func (s *Store) publishTransition(action domain.Action, next *domain.State, unlocked []domain.Achievement) {
	switch a := action.(type) {
	case domain.MarkMilestoneComplete:
		s.publish(shared.NewMilestoneCompletedEvent(s.userID, a.PathID, a.MilestoneID, a.TimeSpent))
	case domain.ClearProgress:
		if a.PathID != "" {
			a.SkillID = ""
		}
		s.publish(shared.NewProgressClearedEvent(s.userID, a.PathID, a.SkillID))
	}
	for _, a := range unlocked {
		at := s.deps.Now()
		if a.UnlockedAt != nil {
			at = *a.UnlockedAt
		}
		s.publish(shared.NewAchievementUnlockedEvent(s.userID, a.ID, a.Title, at))
	}
	s.publish(shared.NewStateChangedEvent(s.userID, next.Revision, string(action.Type()), false))
}

func (s *Store) publish(e shared.Event) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.Publish(e); err != nil {
		s.logger.Debug("event not published", "event_type", string(e.EventType()), logger.Err(err))
	}
}
