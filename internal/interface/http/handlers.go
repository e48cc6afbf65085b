package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alem-hub/roadmap-tracker/config"
	"github.com/alem-hub/roadmap-tracker/internal/application/exchange"
	"github.com/alem-hub/roadmap-tracker/internal/domain/analytics"
	domain "github.com/alem-hub/roadmap-tracker/internal/domain/progress"
	"github.com/alem-hub/roadmap-tracker/internal/domain/shared"
	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
	"github.com/alem-hub/roadmap-tracker/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot serves the root endpoint with basic API information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"name":    "Roadmap Tracker API",
		"version": "v1",
		"endpoints": map[string]string{
			"health":      "/health",
			"state":       "/api/v1/users/{userID}/state",
			"actions":     "/api/v1/users/{userID}/actions",
			"analytics":   "/api/v1/users/{userID}/analytics",
			"export":      "/api/v1/users/{userID}/export",
			"import":      "/api/v1/users/{userID}/import",
			"persistence": "/api/v1/users/{userID}/persistence",
			"ws":          "/api/v1/users/{userID}/ws",
		},
	}, nil)
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Healthy {
		writeJSON(w, r, http.StatusServiceUnavailable, status, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, status, nil)
}

// handleReady handles the readiness probe endpoint (for Kubernetes).
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Ready {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": status.Message,
		}, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"}, nil)
}

// handleLive handles the liveness probe endpoint (for Kubernetes).
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"}, nil)
}

// ══════════════════════════════════════════════════════════════════════════════
// STATE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetState returns the current snapshot.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	st := storeFrom(r).State()
	writeJSON(w, r, http.StatusOK, st, &ResponseMeta{Revision: st.Revision})
}

// handlePostAction decodes one action envelope and dispatches it. A no-op
// action answers with the unchanged snapshot.
func (s *Server) handlePostAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	action, err := domain.DecodeAction(body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	store := storeFrom(r)
	prev := store.State()
	next := store.Dispatch(r.Context(), action)
	logger.FromContext(r.Context()).Debug("action dispatched",
		"action", string(action.Type()),
		"changed", next != prev,
		"revision", next.Revision,
	)
	writeJSON(w, r, http.StatusOK, next, &ResponseMeta{Revision: next.Revision})
}

// handleResetState clears all progress for the user.
func (s *Server) handleResetState(w http.ResponseWriter, r *http.Request) {
	store := storeFrom(r)
	if err := store.Reset(r.Context()); err != nil {
		logger.FromContext(r.Context()).Warn("reset did not reach persistence", logger.Err(err))
	}
	st := store.State()
	writeJSON(w, r, http.StatusOK, st, &ResponseMeta{Revision: st.Revision})
}

// ══════════════════════════════════════════════════════════════════════════════
// ANALYTICS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetAnalytics returns the metrics bundle. Query: granularity,
// velocityDays, minActivitySeconds, tz.
func (s *Server) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	opts, err := analyticsOptions(r)
	if err != nil {
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_request", "Invalid analytics parameters", err.Error())
		return
	}
	store := storeFrom(r)
	writeJSON(w, r, http.StatusOK, store.Analytics(opts), &ResponseMeta{Revision: store.State().Revision})
}

func analyticsOptions(r *http.Request) (analytics.Options, error) {
	q := r.URL.Query()
	var opts analytics.Options

	if g := q.Get("granularity"); g != "" {
		opts.Granularity = analytics.Granularity(g)
		if !opts.Granularity.IsValid() {
			return opts, fmt.Errorf("granularity %q: want day, week or month", g)
		}
	}
	opts.VelocityDays = getQueryParamInt(r, "velocityDays", 0)
	opts.MinActivitySeconds = getQueryParamInt(r, "minActivitySeconds", 0)
	if tz := q.Get("tz"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return opts, fmt.Errorf("tz %q: %w", tz, err)
		}
		opts.Location = loc
	}
	return opts, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EXCHANGE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleExport renders the export envelope. Query: format (json, csv,
// summary), analytics (include the bundle, default true).
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := exchange.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	opts, err := analyticsOptions(r)
	if err != nil {
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_request", "Invalid analytics parameters", err.Error())
		return
	}

	store := storeFrom(r)
	now := s.deps.Now()
	var bundle *analytics.Bundle
	if getQueryParamBool(r, "analytics", s.featureEnabled(config.FeatureExportStats, store.UserID())) {
		b := store.Analytics(opts)
		bundle = &b
	}
	env := exchange.NewEnvelope(store.State(), now, bundle)

	filename := fmt.Sprintf("roadmap-progress-%s-%s.%s", store.UserID(), now.UTC().Format("2006-01-02"), format.Extension())
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if err := exchange.Write(w, env, format); err != nil {
		logger.FromContext(r.Context()).Error("export write failed", logger.Err(err))
	}
}

// handleImport replaces the user's state with an uploaded envelope.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	store := storeFrom(r)
	if !s.featureEnabled(config.FeatureImport, store.UserID()) {
		writeFeatureDisabled(w, config.FeatureImport)
		return
	}
	env, err := exchange.Read(r.Body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	next := store.Replace(r.Context(), env.State(store.UserID()))
	logger.FromContext(r.Context()).Info("progress imported",
		"envelope_version", env.Version,
		"paths", len(next.LearningPaths),
		"skills", len(next.Skills),
	)
	writeJSON(w, r, http.StatusOK, next, &ResponseMeta{Revision: next.Revision})
}

func writeFeatureDisabled(w http.ResponseWriter, name string) {
	writeJSONErrorWithDetails(w, http.StatusForbidden, "feature_disabled", "Feature is not enabled for this user", name)
}

// ══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE STATUS
// ══════════════════════════════════════════════════════════════════════════════

// PersistenceStatus reports the health of the storage chain for one user.
type PersistenceStatus struct {
	Error      string               `json:"error,omitempty"`
	Kind       string               `json:"kind,omitempty"`
	ActiveTier string               `json:"activeTier"`
	Stats      resilient.Stats      `json:"stats"`
	Cache      analytics.CacheStats `json:"cache"`
	Namespace  string               `json:"namespace"`
	Schema     int                  `json:"schemaVersion"`
	Revision   uint64               `json:"revision"`
	Users      int                  `json:"loadedUsers"`
}

// handleGetPersistence reports the last persistence failure and tier stats.
func (s *Server) handleGetPersistence(w http.ResponseWriter, r *http.Request) {
	store := storeFrom(r)
	p := store.Persistence()
	status := PersistenceStatus{
		ActiveTier: p.ActiveTier(),
		Stats:      p.Stats(),
		Cache:      store.CacheStats(),
		Namespace:  p.Namespace(),
		Schema:     p.SchemaVersion(),
		Revision:   store.State().Revision,
		Users:      len(s.deps.Registry.Users()),
	}
	if err := store.PersistenceError(); err != nil {
		status.Error = err.Error()
		status.Kind = string(resilient.KindOf(err))
	}
	writeJSON(w, r, http.StatusOK, status, nil)
}

// ══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET
// ══════════════════════════════════════════════════════════════════════════════

// handleWebSocket streams the user's events. The first frame is a snapshot;
// clients may send action envelopes, answered with an "ack" or "error" frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	store := storeFrom(r)
	if !s.featureEnabled(config.FeatureWebSocket, store.UserID()) {
		writeFeatureDisabled(w, config.FeatureWebSocket)
		return
	}
	log := logger.FromContext(r.Context())
	snapshot := &Message{Type: "snapshot", UserID: store.UserID(), At: s.deps.Now().UTC(), State: store.State()}

	inbound := func(data []byte) *Message {
		action, err := domain.DecodeAction(data)
		if err != nil {
			return &Message{Type: "error", UserID: store.UserID(), At: s.deps.Now().UTC(), Error: err.Error()}
		}
		// The request context ends with the upgrade handler.
		next := store.Dispatch(context.Background(), action)
		return &Message{
			Type:    "ack",
			UserID:  store.UserID(),
			At:      s.deps.Now().UTC(),
			Payload: map[string]interface{}{"action": string(action.Type()), "revision": next.Revision},
		}
	}

	if err := s.hub.Serve(w, r, store.UserID(), snapshot, inbound); err != nil {
		log.Warn("websocket upgrade failed", logger.Err(err))
	}
}

// forwardEvent pushes bus events to websocket clients. State changes carry
// the new snapshot. Raw external changes stay internal; the registry turns
// them into state changes.
func (s *Server) forwardEvent(e shared.Event) error {
	switch e.EventType() {
	case shared.EventExternalChange:
		return nil
	case shared.EventStateChanged:
		m := eventMessage(e)
		if store, ok := s.deps.Registry.Loaded(e.AggregateID()); ok {
			m.State = store.State()
		}
		s.hub.Send(e.AggregateID(), m)
		return nil
	}
	return s.hub.HandleEvent(e)
}
