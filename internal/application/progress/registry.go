package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/alem-hub/roadmap-tracker/internal/domain/shared"
	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
	"github.com/alem-hub/roadmap-tracker/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// One Store per user, created on first use. All stores share the same
// persistence chain and collaborators.
// ══════════════════════════════════════════════════════════════════════════════

// Registry hands out per-user stores.
type Registry struct {
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry creates a registry. When bus is non-nil, external changes the
// persistence layer reports on it are applied to the loaded stores.
func NewRegistry(deps Deps, bus shared.EventSubscriber) (*Registry, error) {
	if deps.Persistence == nil {
		return nil, shared.NewDomainError("progress", "NewRegistry", shared.ErrInvalidInput, "persistence is required")
	}
	deps = deps.withDefaults()
	r := &Registry{
		deps:   deps,
		logger: deps.Logger.With(logger.Component("progress.registry")),
		stores: make(map[string]*Store),
	}
	if bus != nil {
		if err := bus.Subscribe(shared.EventExternalChange, r.onExternalChange); err != nil {
			return nil, fmt.Errorf("subscribe to external changes: %w", err)
		}
	}
	return r, nil
}

// Get returns userID's store, loading it on first use.
func (r *Registry) Get(ctx context.Context, userID string) (*Store, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[userID]; ok {
		return s, nil
	}
	s, err := Open(ctx, userID, r.deps)
	if err != nil {
		return nil, err
	}
	r.stores[userID] = s
	r.logger.Debug("store opened", logger.UserID(userID))
	return s, nil
}

// Loaded returns the store for userID if it is already open.
func (r *Registry) Loaded(userID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[userID]
	return s, ok
}

// Users lists the users with an open store, sorted.
func (r *Registry) Users() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Persistence returns the shared persistence layer.
func (r *Registry) Persistence() *resilient.Store { return r.deps.Persistence }

// Watch follows the primary tier's change feed until ctx ends. A primary
// without a feed returns nil immediately.
func (r *Registry) Watch(ctx context.Context) error {
	err := r.deps.Persistence.Watch(ctx)
	if errors.Is(err, resilient.ErrWatchUnsupported) {
		r.logger.Info("primary tier has no change feed, cross-instance sync disabled")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Registry) onExternalChange(e shared.Event) error {
	ev, ok := e.(shared.ExternalChangeEvent)
	if !ok || ev.AggregateID() != r.deps.Persistence.Namespace() {
		return nil
	}
	userID, ok := UserOf(ev.Key)
	if !ok {
		return nil
	}
	s, ok := r.Loaded(userID)
	if !ok {
		// Not loaded here; the next Get reads the new document.
		return nil
	}
	if err := s.ApplyExternal(ev.Data); err != nil {
		return fmt.Errorf("apply external change for %s: %w", userID, err)
	}
	return nil
}
