package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/roadmap-tracker/internal/domain/achievement"
	"github.com/alem-hub/roadmap-tracker/internal/domain/analytics"
	domain "github.com/alem-hub/roadmap-tracker/internal/domain/progress"
	"github.com/alem-hub/roadmap-tracker/internal/domain/shared"
	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/messaging"
	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
	"github.com/alem-hub/roadmap-tracker/pkg/logger"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) Publish(e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []shared.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]shared.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType()
	}
	return out
}

func newPersistence(t *testing.T, primary resilient.Tier, version int, opts ...func(*resilient.Options)) *resilient.Store {
	t.Helper()
	o := resilient.Options{Namespace: "test", SchemaVersion: version}
	for _, fn := range opts {
		fn(&o)
	}
	p, err := resilient.New(primary, o,
		resilient.WithLogger(logger.Discard()),
		resilient.WithMemoryTier(resilient.NewMemoryTier("memory", 0)),
		resilient.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	return p
}

func newDeps(t *testing.T, p *resilient.Store, events shared.EventPublisher) Deps {
	t.Helper()
	n := 0
	return Deps{
		Persistence: p,
		Reducer: domain.NewReducer(
			domain.WithClock(func() time.Time { return t0 }),
			domain.WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%d", n) }),
			domain.WithLogger(logger.Discard()),
		),
		Evaluator: achievement.NewEvaluator(logger.Discard()),
		Catalog:   achievement.MustCatalog(),
		Publisher: events,
		Logger:    logger.Discard(),
		Now:       func() time.Time { return t0 },
	}
}

func newTestStore(t *testing.T) (*Store, *recorder) {
	t.Helper()
	events := &recorder{}
	p := newPersistence(t, resilient.NewMemoryTier("primary", 0), SchemaVersion)
	s, err := Open(context.Background(), "alice", newDeps(t, p, events))
	require.NoError(t, err)
	return s, events
}

func seeds(n int) []domain.MilestoneSeed {
	out := make([]domain.MilestoneSeed, n)
	for i := range out {
		out[i] = domain.MilestoneSeed{ID: fmt.Sprintf("m%d", i+1), Title: fmt.Sprintf("Step %d", i+1), Kind: domain.KindVideo}
	}
	return out
}

func TestValidateUserID(t *testing.T) {
	assert.NoError(t, ValidateUserID("alice"))
	for _, id := range []string{"", "a b", "a/b", string(make([]byte, 129))} {
		assert.ErrorIs(t, ValidateUserID(id), shared.ErrInvalidUserID, "%q", id)
	}
}

func TestStateKey(t *testing.T) {
	id, ok := UserOf(StateKey("alice"))
	assert.True(t, ok)
	assert.Equal(t, "alice", id)

	_, ok = UserOf("settings")
	assert.False(t, ok)
	_, ok = UserOf(KeyPrefix)
	assert.False(t, ok)
}

func TestStore_DispatchUnlocksBeforeNotifying(t *testing.T) {
	ctx := context.Background()
	s, events := newTestStore(t)

	var seen []*domain.State
	unsubscribe := s.Subscribe(func(prev, next *domain.State) {
		assert.Greater(t, next.Revision, prev.Revision)
		seen = append(seen, next)
	})
	defer unsubscribe()

	s.Dispatch(ctx, domain.StartLearningPath{PathID: "go", Topic: "Go", Seeds: seeds(5)})
	next := s.Dispatch(ctx, domain.MarkMilestoneComplete{PathID: "go", MilestoneID: "m1", TimeSpent: 3600})

	require.Len(t, seen, 2)
	assert.Same(t, next, seen[1])
	for _, id := range []string{"first-step", "first-hour"} {
		a, ok := seen[1].Achievement(id)
		require.True(t, ok, id)
		assert.True(t, a.Unlocked, id)
		assert.Equal(t, t0, *a.UnlockedAt, id)
	}
	halfway, _ := next.Achievement("halfway")
	assert.False(t, halfway.Unlocked)

	assert.Equal(t, []shared.EventType{
		shared.EventStateChanged,
		shared.EventMilestoneCompleted,
		shared.EventAchievementUnlocked,
		shared.EventAchievementUnlocked,
		shared.EventStateChanged,
	}, events.types())
	assert.NoError(t, s.PersistenceError())
}

func TestStore_AutoUnlockDisabled(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t, newPersistence(t, resilient.NewMemoryTier("primary", 0), SchemaVersion), nil)
	deps.AutoUnlock = func(userID string) bool { return userID != "alice" }
	s, err := Open(ctx, "alice", deps)
	require.NoError(t, err)

	s.Dispatch(ctx, domain.StartLearningPath{PathID: "go", Topic: "Go", Seeds: seeds(2)})
	next := s.Dispatch(ctx, domain.MarkMilestoneComplete{PathID: "go", MilestoneID: "m1", TimeSpent: 3600})

	first, ok := next.Achievement("first-step")
	require.True(t, ok)
	assert.False(t, first.Unlocked)
}

func TestStore_NoOpKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	s, events := newTestStore(t)
	calls := 0
	s.Subscribe(func(_, _ *domain.State) { calls++ })

	before := s.State()
	after := s.Dispatch(ctx, domain.MarkMilestoneComplete{PathID: "missing", MilestoneID: "m1"})

	assert.Same(t, before, after)
	assert.Zero(t, calls)
	assert.Empty(t, events.types())
	assert.Same(t, before, s.Dispatch(ctx, nil))
}

func TestStore_Unsubscribe(t *testing.T) {
	s, _ := newTestStore(t)
	calls := 0
	unsubscribe := s.Subscribe(func(_, _ *domain.State) { calls++ })
	s.Dispatch(context.Background(), domain.StartLearningPath{Topic: "Go", Seeds: seeds(1)})
	unsubscribe()
	unsubscribe()
	s.Dispatch(context.Background(), domain.StartLearningPath{Topic: "Rust", Seeds: seeds(1)})
	assert.Equal(t, 1, calls)
}

func TestStore_ReloadsPersistedState(t *testing.T) {
	ctx := context.Background()
	primary := resilient.NewMemoryTier("primary", 0)
	p := newPersistence(t, primary, SchemaVersion)

	s, err := Open(ctx, "alice", newDeps(t, p, nil))
	require.NoError(t, err)
	s.Dispatch(ctx, domain.StartLearningPath{PathID: "go", Topic: "Go", Seeds: seeds(3)})
	score := 90
	s.Dispatch(ctx, domain.MarkMilestoneComplete{PathID: "go", MilestoneID: "m2", TimeSpent: 600, Score: &score})

	reopened, err := Open(ctx, "alice", newDeps(t, newPersistence(t, primary, SchemaVersion), nil))
	require.NoError(t, err)

	diff := cmp.Diff(s.State(), reopened.State(),
		cmpopts.IgnoreFields(domain.State{}, "Revision"),
		cmpopts.EquateEmpty())
	assert.Empty(t, diff)
}

func TestStore_PersistenceErrorDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	p := newPersistence(t, resilient.NewMemoryTier("primary", 0), SchemaVersion,
		func(o *resilient.Options) { o.MaxBytes = 64 })
	s, err := Open(ctx, "alice", newDeps(t, p, nil))
	require.NoError(t, err)

	next := s.Dispatch(ctx, domain.StartLearningPath{PathID: "go", Topic: "Go", Seeds: seeds(3)})

	assert.Contains(t, next.LearningPaths, "go")
	assert.Same(t, next, s.State())
	assert.ErrorIs(t, s.PersistenceError(), resilient.ErrQuotaExceeded)
}

func TestStore_CorruptDocumentStartsEmpty(t *testing.T) {
	ctx := context.Background()
	primary := resilient.NewMemoryTier("primary", 0)
	p := newPersistence(t, primary, SchemaVersion)
	require.NoError(t, primary.Set(ctx, p.StorageKey(StateKey("alice")), []byte("not a record")))

	s, err := Open(ctx, "alice", newDeps(t, p, nil))
	require.NoError(t, err)
	assert.Empty(t, s.State().LearningPaths)
	assert.ErrorIs(t, s.PersistenceError(), resilient.ErrCorruption)
}

func TestStore_MigratesV1Documents(t *testing.T) {
	ctx := context.Background()
	primary := resilient.NewMemoryTier("primary", 0)

	v1 := map[string]any{
		"userId": "alice",
		"learningPaths": map[string]any{
			"go": map[string]any{
				"id":    "go",
				"topic": "Go",
				"milestones": []map[string]any{
					{"id": "m1", "title": "Intro", "kind": "video", "completed": true, "completedAt": t0, "timeSpent": 60},
					{"id": "m2", "title": "Types", "kind": "article"},
				},
				"completedMilestones": 1,
				"totalMilestones":     2,
				"totalProgress":       50,
			},
		},
	}
	old := newPersistence(t, primary, 1)
	require.NoError(t, old.Save(ctx, StateKey("alice"), v1))

	p := newPersistence(t, primary, SchemaVersion)
	s, err := Open(ctx, "alice", newDeps(t, p, nil))
	require.NoError(t, err)
	require.NoError(t, s.PersistenceError())

	path := s.State().LearningPaths["go"]
	assert.Equal(t, 50, path.Progress())
	assert.Len(t, s.State().Achievements, len(achievement.MustCatalog()))

	raw, meta, err := p.LoadRaw(ctx, StateKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, meta.Version)
	assert.NotContains(t, string(raw), "totalProgress")
}

func TestMigrateState(t *testing.T) {
	in := `{"userId":"a","learningPaths":{"p":{"id":"p","totalProgress":10,"totalMilestones":3,"completedMilestones":1,"topic":"x"}}}`
	out, err := MigrateState([]byte(in), 1)
	require.NoError(t, err)

	var doc struct {
		LearningPaths map[string]map[string]any `json:"learningPaths"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, map[string]any{"id": "p", "topic": "x"}, doc.LearningPaths["p"])

	_, err = MigrateState([]byte(in), 3)
	assert.Error(t, err)
	_, err = MigrateState([]byte("[]"), 1)
	assert.Error(t, err)

	out, err = MigrateState([]byte(`{"userId":"a","learningPaths":null}`), 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"a","learningPaths":null}`, string(out))
}

func TestStore_ApplyExternal(t *testing.T) {
	s, events := newTestStore(t)
	var got *domain.State
	s.Subscribe(func(_, next *domain.State) { got = next })

	remote := domain.NewState("someone-else", nil)
	remote.LearningPaths["rust"] = domain.LearningPath{ID: "rust", Topic: "Rust"}
	data, err := json.Marshal(remote)
	require.NoError(t, err)

	require.NoError(t, s.ApplyExternal(data))
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.UserID)
	assert.Contains(t, got.LearningPaths, "rust")
	assert.Len(t, got.Achievements, len(achievement.MustCatalog()))
	assert.Equal(t, uint64(1), got.Revision)
	assert.Equal(t, []shared.EventType{shared.EventStateChanged}, events.types())

	assert.Error(t, s.ApplyExternal([]byte("{")))
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	s.Dispatch(ctx, domain.StartLearningPath{PathID: "go", Topic: "Go", Seeds: seeds(2)})

	require.NoError(t, s.Reset(ctx))
	assert.Empty(t, s.State().LearningPaths)

	_, _, err := s.Persistence().LoadRaw(ctx, StateKey("alice"))
	assert.ErrorIs(t, err, resilient.ErrNotFound)
}

type fakeSource struct {
	seeds []domain.MilestoneSeed
	err   error
}

func (f fakeSource) GenerateRoadmap(context.Context, string) ([]domain.MilestoneSeed, error) {
	return f.seeds, f.err
}

func TestStore_StartFromSource(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	next, err := s.StartFromSource(ctx, fakeSource{seeds: seeds(2)}, "Go")
	require.NoError(t, err)
	require.Len(t, next.LearningPaths, 1)

	_, err = s.StartFromSource(ctx, fakeSource{err: errors.New("quota")}, "Go")
	assert.ErrorIs(t, err, shared.ErrRoadmapSourceFailed)
	assert.ErrorIs(t, err, shared.ErrServiceUnavailable)
}

func TestStore_Analytics(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	s.Dispatch(ctx, domain.StartLearningPath{PathID: "go", Topic: "Go", Seeds: seeds(5)})
	for _, id := range []string{"m1", "m2", "m3"} {
		s.Dispatch(ctx, domain.MarkMilestoneComplete{PathID: "go", MilestoneID: id, TimeSpent: 600})
	}

	b := s.Analytics(analytics.Options{})
	assert.Equal(t, 60, b.CompletionPercentage)
	assert.Equal(t, 1800, b.TotalTimeSpent)

	s.Analytics(analytics.Options{})
	assert.GreaterOrEqual(t, s.CacheStats().Hits, int64(1))
}

func TestOpen_RejectsMismatchedPersistence(t *testing.T) {
	p := newPersistence(t, resilient.NewMemoryTier("primary", 0), 1)
	_, err := Open(context.Background(), "alice", newDeps(t, p, nil))
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = Open(context.Background(), "alice", Deps{})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	bus := messaging.NewInMemoryEventBus(messaging.Config{Logger: logger.Discard()})
	defer bus.Close()

	p := newPersistence(t, resilient.NewMemoryTier("primary", 0), SchemaVersion)
	r, err := NewRegistry(newDeps(t, p, bus), bus)
	require.NoError(t, err)

	alice, err := r.Get(ctx, "alice")
	require.NoError(t, err)
	again, err := r.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Same(t, alice, again)

	_, err = r.Get(ctx, "")
	assert.ErrorIs(t, err, shared.ErrInvalidUserID)
	assert.Equal(t, []string{"alice"}, r.Users())

	remote := domain.NewState("alice", nil)
	remote.LearningPaths["rust"] = domain.LearningPath{ID: "rust", Topic: "Rust"}
	data, err := json.Marshal(remote)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(shared.NewExternalChangeEvent("other-namespace", StateKey("alice"), data, SchemaVersion, t0, "redis")))
	assert.Empty(t, alice.State().LearningPaths)

	require.NoError(t, bus.Publish(shared.NewExternalChangeEvent("test", StateKey("bob"), data, SchemaVersion, t0, "redis")))
	_, loaded := r.Loaded("bob")
	assert.False(t, loaded)

	require.NoError(t, bus.Publish(shared.NewExternalChangeEvent("test", StateKey("alice"), data, SchemaVersion, t0, "redis")))
	assert.Contains(t, alice.State().LearningPaths, "rust")
}

func TestRegistry_WatchWithoutFeed(t *testing.T) {
	p := newPersistence(t, resilient.NewMemoryTier("primary", 0), SchemaVersion)
	r, err := NewRegistry(newDeps(t, p, nil), nil)
	require.NoError(t, err)
	assert.NoError(t, r.Watch(context.Background()))
}

func TestFileSource(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	bare := filepath.Join(dir, "bare.json")
	require.NoError(t, os.WriteFile(bare, []byte(`[{"title":"Intro"},{"id":"x","kind":"podcast"}]`), 0o644))
	got, err := FileSource{Path: bare}.GenerateRoadmap(ctx, "anything")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "milestone-1", got[0].ID)
	assert.Equal(t, "Milestone 2", got[1].Title)
	assert.Equal(t, domain.KindVideo, got[1].Kind)

	byTopic := filepath.Join(dir, "topics.json")
	require.NoError(t, os.WriteFile(byTopic, []byte(`{"Go":[{"id":"g1","title":"Tour"}],"*":[{"id":"d1","title":"Basics"}]}`), 0o644))
	got, err = FileSource{Path: byTopic}.GenerateRoadmap(ctx, "go")
	require.NoError(t, err)
	assert.Equal(t, "g1", got[0].ID)
	got, err = FileSource{Path: byTopic}.GenerateRoadmap(ctx, "Zig")
	require.NoError(t, err)
	assert.Equal(t, "d1", got[0].ID)

	noFallback := filepath.Join(dir, "strict.json")
	require.NoError(t, os.WriteFile(noFallback, []byte(`{"Go":[]}`), 0o644))
	_, err = FileSource{Path: noFallback}.GenerateRoadmap(ctx, "Zig")
	assert.Error(t, err)

	_, err = FileSource{Path: filepath.Join(dir, "missing.json")}.GenerateRoadmap(ctx, "Go")
	assert.Error(t, err)
}
