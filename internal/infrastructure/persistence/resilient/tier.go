package resilient

import (
	"context"
	"maps"
	"sync"
)

// Tier is one storage backend. Implementations must be safe for concurrent
// use and return ErrNotFound for missing keys and ErrCapacity (possibly
// wrapped) when a write does not fit.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Watcher is implemented by tiers that can report writes made by other
// processes. Watch blocks until ctx ends, calling fn with the storage key of
// every changed entry.
type Watcher interface {
	Watch(ctx context.Context, fn func(key string)) error
}

// ══════════════════════════════════════════════════════════════════════════════
// MEMORY TIER
// ══════════════════════════════════════════════════════════════════════════════

// MemoryTier keeps values in a map. A positive maxBytes caps the sum of
// stored value sizes.
type MemoryTier struct {
	name     string
	maxBytes int

	mu    sync.RWMutex
	data  map[string][]byte
	bytes int
}

// NewMemoryTier creates an isolated memory tier.
func NewMemoryTier(name string, maxBytes int) *MemoryTier {
	return &MemoryTier{name: name, maxBytes: maxBytes, data: make(map[string][]byte)}
}

var (
	processMemoryOnce sync.Once
	processMemory     *MemoryTier
)

// ProcessMemory returns the memory tier shared by every store in this
// process.
func ProcessMemory() *MemoryTier {
	processMemoryOnce.Do(func() {
		processMemory = NewMemoryTier("memory", 0)
	})
	return processMemory
}

func (m *MemoryTier) Name() string { return m.name }

func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryTier) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.bytes - len(m.data[key]) + len(value)
	if m.maxBytes > 0 && next > m.maxBytes {
		return ErrCapacity
	}
	m.data[key] = append([]byte(nil), value...)
	m.bytes = next
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes -= len(m.data[key])
	delete(m.data, key)
	return nil
}

// Keys returns a snapshot of the stored keys.
func (m *MemoryTier) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range maps.Keys(m.data) {
		keys = append(keys, k)
	}
	return keys
}

// Bytes returns the total size of stored values.
func (m *MemoryTier) Bytes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION TIER
// ══════════════════════════════════════════════════════════════════════════════

// SessionTier is a memory tier scoped to one session. End drops its data;
// later writes start a fresh session.
type SessionTier struct {
	*MemoryTier
	sessionID string
}

// NewSessionTier creates an empty tier for sessionID.
func NewSessionTier(sessionID string) *SessionTier {
	return &SessionTier{MemoryTier: NewMemoryTier("session", 0), sessionID: sessionID}
}

// SessionID returns the owning session.
func (s *SessionTier) SessionID() string { return s.sessionID }

// End discards everything stored in the session.
func (s *SessionTier) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	s.bytes = 0
}
