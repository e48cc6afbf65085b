// Package messaging is the in-process event bus. Progress stores publish
// domain events on it; the websocket hub, storage watchers and loggers
// subscribe.
package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alem-hub/roadmap-tracker/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panicked")
)

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Middleware wraps every handler registered after it is installed.
type Middleware func(shared.EventHandler) shared.EventHandler

// RecoveryMiddleware turns handler panics into ErrHandlerPanic errors.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("event handler panicked",
						"event_type", string(event.EventType()),
						"panic", r,
						"stack", string(debug.Stack()),
					)
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(event)
		}
	}
}

// LoggingMiddleware logs every handled event at debug level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			start := time.Now()
			err := next(event)
			logger.Debug("event handled",
				"event_type", string(event.EventType()),
				"aggregate_id", event.AggregateID(),
				"duration", time.Since(start),
				"success", err == nil,
			)
			return err
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// Config configures an InMemoryEventBus.
type Config struct {
	// AsyncMode runs handlers on pooled goroutines; Publish returns before
	// they finish. Sync mode runs them in publish order on the caller.
	AsyncMode bool

	// WorkerPoolSize bounds concurrent async handlers.
	WorkerPoolSize int

	Logger *slog.Logger
}

// DefaultConfig returns an async bus with ten workers.
func DefaultConfig() Config {
	return Config{AsyncMode: true, WorkerPoolSize: 10}
}

// InMemoryEventBus implements shared.EventBus inside one process.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	middlewares []Middleware
	asyncMode   bool
	workerPool  chan struct{}
	logger      *slog.Logger
	metrics     *Metrics
	closed      bool
	closeCh     chan struct{}
	wg          sync.WaitGroup
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)

// NewInMemoryEventBus creates a bus with panic recovery installed.
func NewInMemoryEventBus(cfg Config) *InMemoryEventBus {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 10
	}
	logger := cfg.Logger.With("component", "eventbus")
	return &InMemoryEventBus{
		handlers:    make(map[shared.EventType][]shared.EventHandler),
		middlewares: []Middleware{RecoveryMiddleware(logger)},
		asyncMode:   cfg.AsyncMode,
		workerPool:  make(chan struct{}, cfg.WorkerPoolSize),
		logger:      logger,
		metrics:     &Metrics{},
		closeCh:     make(chan struct{}),
	}
}

// Use installs middleware for handlers subscribed afterwards. The first
// installed middleware is the outermost.
func (b *InMemoryEventBus) Use(m Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, m)
}

func (b *InMemoryEventBus) wrap(h shared.EventHandler) shared.EventHandler {
	for i := len(b.middlewares) - 1; i >= 0; i-- {
		h = b.middlewares[i](h)
	}
	return h
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	b.handlers[eventType] = append(b.handlers[eventType], b.wrap(handler))
	b.logger.Debug("subscribed handler", "event_type", string(eventType))
	return nil
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	b.allHandlers = append(b.allHandlers, b.wrap(handler))
	return nil
}

// Publish delivers event to the type's handlers, then to catch-all handlers.
// Handler errors are logged, never returned.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)
	if b.asyncMode {
		// Registered under the read lock so Close cannot miss it.
		b.wg.Add(len(handlers))
	}
	b.mu.RUnlock()

	b.metrics.published.Add(1)
	for _, h := range handlers {
		if b.asyncMode {
			go b.runAsync(event, h)
		} else {
			b.run(event, h)
		}
	}
	return nil
}

func (b *InMemoryEventBus) runAsync(event shared.Event, h shared.EventHandler) {
	defer b.wg.Done()
	select {
	case b.workerPool <- struct{}{}:
		defer func() { <-b.workerPool }()
	case <-b.closeCh:
		b.metrics.dropped.Add(1)
		return
	}
	b.run(event, h)
}

func (b *InMemoryEventBus) run(event shared.Event, h shared.EventHandler) {
	if err := h(event); err != nil {
		b.metrics.failed.Add(1)
		b.logger.Error("handler error", "event_type", string(event.EventType()), "error", err)
		return
	}
	b.metrics.handled.Add(1)
}

// Close rejects further publishes and waits for running handlers.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("event bus closed")
	return nil
}

// Metrics returns the bus counters.
func (b *InMemoryEventBus) Metrics() MetricsSnapshot {
	return b.metrics.snapshot()
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// Metrics counts bus traffic.
type Metrics struct {
	published atomic.Int64
	handled   atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Published int64 `json:"published"`
	Handled   int64 `json:"handled"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Published: m.published.Load(),
		Handled:   m.handled.Load(),
		Failed:    m.failed.Load(),
		Dropped:   m.dropped.Load(),
	}
}
