package resilient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/roadmap-tracker/internal/domain/shared"
	"github.com/alem-hub/roadmap-tracker/pkg/circuitbreaker"
)

// KeyPrefix starts every storage key: roadmap:{namespace}:{key}.
const KeyPrefix = "roadmap"

// Defaults applied by New.
const (
	DefaultCompressThreshold = 1024
	DefaultMaxBytes          = 5 * 1024 * 1024
	DefaultOpTimeout         = 3 * time.Second
)

// Options control the record format and the fallback chain.
type Options struct {
	Namespace     string
	SchemaVersion int

	// Compress gzips payloads of at least CompressThreshold bytes.
	Compress          bool
	CompressThreshold int

	// Encrypt seals payloads with a key derived from Secret.
	Encrypt bool
	Secret  string

	// MaxBytes caps a serialized record. Larger writes fail with
	// quota_exceeded and nothing is written.
	MaxBytes int

	// SessionFallback demotes a full primary to the session tier instead of
	// process memory.
	SessionFallback bool

	// OpTimeout bounds each tier call.
	OpTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = "default"
	}
	if o.SchemaVersion <= 0 {
		o.SchemaVersion = 1
	}
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	return o
}

// Meta describes a loaded record.
type Meta struct {
	Key       string    `json:"key"`
	Version   int       `json:"version"`
	WrittenAt time.Time `json:"writtenAt"`
	Tier      string    `json:"tier"`
	Size      int       `json:"size"`

	// Warning is set, with the data still returned, when the stored
	// version differs from Options.SchemaVersion.
	Warning *Error `json:"warning,omitempty"`
}

// Stats is a snapshot of store health.
type Stats struct {
	ActiveTier    string    `json:"activeTier"`
	Degraded      bool      `json:"degraded"`
	LastWriteTier string    `json:"lastWriteTier,omitempty"`
	LastWriteSize int       `json:"lastWriteSize"`
	LastWriteAt   time.Time `json:"lastWriteAt,omitempty"`
	Writes        int64     `json:"writes"`
	Reads         int64     `json:"reads"`
	Fallbacks     int64     `json:"fallbacks"`
}

// Option configures collaborators of a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithPublisher sets where degradation and external-change events go.
func WithPublisher(p shared.EventPublisher) Option {
	return func(s *Store) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMemoryTier replaces the process-global memory tier.
func WithMemoryTier(m *MemoryTier) Option {
	return func(s *Store) { s.memory = m }
}

// WithSessionID names the session tier. Default: a random uuid.
func WithSessionID(id string) Option {
	return func(s *Store) { s.sessionID = id }
}

// WithBreaker guards the primary tier. Default: circuitbreaker.StorageTier.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Store) { s.breaker = b }
}

// Store is a namespaced, integrity-checked key/value store over a chain of
// tiers: primary, process memory and, when enabled, a session tier. It is
// safe for concurrent use.
type Store struct {
	opts      Options
	codec     codec
	chain     []Tier
	session   *SessionTier
	memory    *MemoryTier
	sessionID string
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
	metrics   *Metrics
	publisher shared.EventPublisher
	now       func() time.Time

	mu      sync.Mutex
	active  int
	lastErr error
	stats   Stats
	known   map[string][]string // storage key → fingerprints of recent records we wrote or observed
	placed  map[string]int      // storage key → tier holding our newest write
}

// New builds a store over primary.
func New(primary Tier, opts Options, options ...Option) (*Store, error) {
	if primary == nil {
		return nil, errors.New("resilient: nil primary tier")
	}
	opts = opts.withDefaults()
	s := &Store{
		opts:   opts,
		logger: slog.Default(),
		now:    time.Now,
		known:  make(map[string][]string),
		placed: make(map[string]int),
	}
	for _, o := range options {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = nopMetrics()
	}
	if s.memory == nil {
		s.memory = ProcessMemory()
	}
	if s.sessionID == "" {
		s.sessionID = uuid.NewString()
	}
	s.logger = s.logger.With("component", "resilient.store", "namespace", opts.Namespace)

	s.codec = codec{compress: opts.Compress, threshold: opts.CompressThreshold}
	if opts.Encrypt {
		c, err := NewAEAD([]byte(opts.Secret), opts.Namespace)
		if err != nil {
			return nil, newError(KindEncryptionFailed, "new", "", err)
		}
		s.codec.cipher = c
	}

	s.chain = []Tier{primary}
	if Tier(s.memory) != primary {
		s.chain = append(s.chain, s.memory)
	}
	if opts.SessionFallback {
		s.session = NewSessionTier(s.sessionID)
		s.chain = append(s.chain, s.session)
	}
	if s.breaker == nil && len(s.chain) > 1 {
		s.breaker = circuitbreaker.StorageTier(primary.Name(), isAnswer, s.onBreakerChange)
	}
	s.stats.ActiveTier = primary.Name()
	return s, nil
}

// isAnswer reports tier errors that describe data rather than an outage.
func isAnswer(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCapacity)
}

func (s *Store) onBreakerChange(name string, from, to circuitbreaker.State) {
	s.logger.Warn("primary tier breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
}

// StorageKey returns the namespaced key under which key is stored.
func (s *Store) StorageKey(key string) string {
	return KeyPrefix + ":" + s.opts.Namespace + ":" + key
}

// Namespace returns the configured namespace.
func (s *Store) Namespace() string { return s.opts.Namespace }

// SchemaVersion returns the version written with every record.
func (s *Store) SchemaVersion() int { return s.opts.SchemaVersion }

// ══════════════════════════════════════════════════════════════════════════════
// WRITE PATH
// ══════════════════════════════════════════════════════════════════════════════

// Save stores value as JSON under key with the current schema version.
func (s *Store) Save(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return s.capture(fmt.Errorf("save %q: marshal: %w", key, err))
	}
	return s.saveRaw(ctx, key, payload, s.opts.SchemaVersion)
}

func (s *Store) saveRaw(ctx context.Context, key string, payload []byte, version int) error {
	skey := s.StorageKey(key)
	raw, rec, err := s.codec.encode(skey, payload, version, s.now())
	if err != nil {
		return s.capture(err)
	}
	if s.opts.MaxBytes > 0 && len(raw) > s.opts.MaxBytes {
		return s.capture(newError(KindQuotaExceeded, "save", skey,
			fmt.Errorf("record is %d bytes, limit is %d", len(raw), s.opts.MaxBytes)))
	}

	// Registered before the write so a change notification racing the
	// write is still recognized as ours.
	s.remember(skey, fingerprint(rec))

	start := s.activeIndex()
	var lastErr error
	for i := start; i >= 0 && i < len(s.chain); {
		tier := s.chain[i]
		err := s.set(ctx, i, skey, raw)
		if err == nil {
			s.metrics.Writes.WithLabelValues(tier.Name(), "ok").Inc()
			s.metrics.PayloadBytes.Observe(float64(len(raw)))
			s.recordWrite(skey, rec, i, start, len(raw))
			return nil
		}

		s.metrics.Writes.WithLabelValues(tier.Name(), "error").Inc()
		lastErr = err
		if errors.Is(err, ErrCapacity) && i == s.activeIndex() {
			i = s.demote(i, err)
			continue
		}
		s.logger.Warn("tier write failed, trying next tier", "tier", tier.Name(), "key", skey, "error", err)
		i++
	}

	kind := KindUnavailable
	if errors.Is(lastErr, ErrCapacity) {
		kind = KindQuotaExceeded
	}
	return s.capture(newError(kind, "save", skey, lastErr))
}

func (s *Store) set(ctx context.Context, i int, key string, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	tier := s.chain[i]
	if i == 0 && s.breaker != nil {
		return s.breaker.Execute(ctx, func(ctx context.Context) error {
			return tier.Set(ctx, key, raw)
		})
	}
	return tier.Set(ctx, key, raw)
}

func (s *Store) recordWrite(skey string, rec Record, tier, start, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placed[skey] = tier
	s.lastErr = nil
	s.stats.Writes++
	s.stats.LastWriteTier = s.chain[tier].Name()
	s.stats.LastWriteSize = size
	s.stats.LastWriteAt = rec.WrittenAt()
	if tier != start {
		s.stats.Fallbacks++
		s.metrics.Fallbacks.WithLabelValues(s.chain[start].Name(), s.chain[tier].Name(), "transient").Inc()
	}
}

// demote permanently moves writes away from tier i after a capacity error
// and returns the next tier to try, or -1 when none is left.
func (s *Store) demote(i int, cause error) int {
	s.mu.Lock()
	if s.active != i {
		next := s.active
		s.mu.Unlock()
		return next
	}
	next := i + 1
	if i == 0 && s.session != nil {
		next = len(s.chain) - 1
	}
	if next >= len(s.chain) {
		s.mu.Unlock()
		return -1
	}
	from, to := s.chain[i].Name(), s.chain[next].Name()
	s.active = next
	s.stats.ActiveTier = to
	s.stats.Degraded = true
	s.stats.Fallbacks++
	s.mu.Unlock()

	s.metrics.Fallbacks.WithLabelValues(from, to, "capacity").Inc()
	if i == 0 {
		s.metrics.Degraded.Inc()
	}
	s.logger.Warn("tier full, demoting permanently", "from", from, "to", to, "error", cause)
	s.publish(shared.NewStorageDegradedEvent(s.opts.Namespace, from, to, cause.Error()))
	return next
}

func (s *Store) activeIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ══════════════════════════════════════════════════════════════════════════════
// READ PATH
// ══════════════════════════════════════════════════════════════════════════════

// Load decodes the value stored under key into dst. It returns ErrNotFound
// when no tier holds the key and a corruption error when the stored record
// fails verification; in both cases dst is untouched.
func (s *Store) Load(ctx context.Context, key string, dst any) (Meta, error) {
	payload, meta, err := s.LoadRaw(ctx, key)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return meta, s.capture(newError(KindCorruption, "load", s.StorageKey(key), err))
	}
	return meta, nil
}

// LoadRaw returns the verified JSON payload stored under key. The tier that
// took this store's last write of key is consulted first, then the active
// tier, then the rest of the chain in order.
func (s *Store) LoadRaw(ctx context.Context, key string) ([]byte, Meta, error) {
	skey := s.StorageKey(key)
	meta := Meta{Key: key}
	for _, i := range s.readOrder(skey) {
		tier := s.chain[i]
		raw, err := s.get(ctx, i, skey)
		switch {
		case errors.Is(err, ErrNotFound):
			s.metrics.Reads.WithLabelValues(tier.Name(), "miss").Inc()
			continue
		case err != nil:
			s.metrics.Reads.WithLabelValues(tier.Name(), "error").Inc()
			s.logger.Warn("tier read failed, trying next tier", "tier", tier.Name(), "key", skey, "error", err)
			continue
		}

		meta.Tier = tier.Name()
		meta.Size = len(raw)
		rec, payload, err := s.codec.decode(skey, raw)
		if err != nil {
			s.metrics.Reads.WithLabelValues(tier.Name(), "corrupt").Inc()
			return nil, meta, s.capture(err)
		}
		s.metrics.Reads.WithLabelValues(tier.Name(), "ok").Inc()
		s.mu.Lock()
		s.stats.Reads++
		s.mu.Unlock()

		meta.Version = rec.Version
		meta.WrittenAt = rec.WrittenAt()
		if rec.Version != s.opts.SchemaVersion {
			meta.Warning = newError(KindVersionMismatch, "load", skey,
				fmt.Errorf("stored version %d, expected %d", rec.Version, s.opts.SchemaVersion))
			s.capture(meta.Warning)
		}
		return payload, meta, nil
	}
	return nil, meta, ErrNotFound
}

func (s *Store) get(ctx context.Context, i int, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	tier := s.chain[i]
	if i == 0 && s.breaker != nil {
		var out []byte
		err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			v, err := tier.Get(ctx, key)
			out = v
			return err
		})
		return out, err
	}
	return tier.Get(ctx, key)
}

func (s *Store) readOrder(skey string) []int {
	s.mu.Lock()
	active := s.active
	placed, ok := s.placed[skey]
	s.mu.Unlock()

	order := make([]int, 0, len(s.chain))
	if ok {
		order = append(order, placed)
	}
	if !ok || placed != active {
		order = append(order, active)
	}
	for i := range s.chain {
		if i != active && (!ok || i != placed) {
			order = append(order, i)
		}
	}
	return order
}

// Delete removes key from every tier.
func (s *Store) Delete(ctx context.Context, key string) error {
	skey := s.StorageKey(key)
	var errs []error
	for i, tier := range s.chain {
		ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
		err := tier.Delete(ctx, skey)
		cancel()
		if err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("tier %d (%s): %w", i, tier.Name(), err))
		}
	}
	s.mu.Lock()
	delete(s.known, skey)
	delete(s.placed, skey)
	s.mu.Unlock()
	if err := errors.Join(errs...); err != nil {
		return s.capture(newError(KindUnavailable, "delete", skey, err))
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// OBSERVABILITY
// ══════════════════════════════════════════════════════════════════════════════

// LastError returns the most recent failure, or nil once a later write
// succeeded.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stats returns a snapshot of store health.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ActiveTier names the tier currently receiving writes.
func (s *Store) ActiveTier() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain[s.active].Name()
}

// EndSession drops the session tier's data, if there is one.
func (s *Store) EndSession() {
	if s.session != nil {
		s.session.End()
	}
}

func (s *Store) capture(err error) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind == "" {
		kind = "other"
	}
	s.metrics.Errors.WithLabelValues(string(kind)).Inc()
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if kind == KindVersionMismatch {
		s.logger.Info("stored record has an older schema", "error", err)
	} else {
		s.logger.Error("store operation failed", "kind", string(kind), "error", err)
	}
	return err
}

func (s *Store) publish(e shared.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(e); err != nil {
		s.logger.Warn("publish store event", "type", string(e.EventType()), "error", err)
	}
}

func fingerprint(rec Record) string {
	return rec.Checksum + "@" + strconv.FormatInt(rec.Timestamp, 10)
}

// recentFingerprints bounds how many records per key are remembered.
const recentFingerprints = 16

// remember adds fp to the recent fingerprints of skey and reports whether it
// was new.
func (s *Store) remember(skey, fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	fps := s.known[skey]
	if slices.Contains(fps, fp) {
		return false
	}
	if len(fps) == recentFingerprints {
		fps = slices.Delete(fps, 0, 1)
	}
	s.known[skey] = append(fps, fp)
	return true
}

// ══════════════════════════════════════════════════════════════════════════════
// CROSS-INSTANCE SYNC
// ══════════════════════════════════════════════════════════════════════════════

// Watch follows the primary tier's change feed until ctx ends. For every
// changed key in this namespace whose record differs from the last one this
// store wrote or saw, it publishes a shared.ExternalChangeEvent carrying the
// verified payload. Last writer wins.
func (s *Store) Watch(ctx context.Context) error {
	w, ok := s.chain[0].(Watcher)
	if !ok {
		return ErrWatchUnsupported
	}
	prefix := s.StorageKey("")
	return w.Watch(ctx, func(skey string) {
		if !strings.HasPrefix(skey, prefix) {
			return
		}
		s.onExternalChange(ctx, strings.TrimPrefix(skey, prefix), skey)
	})
}

func (s *Store) onExternalChange(ctx context.Context, key, skey string) {
	raw, err := s.get(ctx, 0, skey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("re-read after change notification failed", "key", skey, "error", err)
		}
		return
	}
	rec, payload, err := s.codec.decode(skey, raw)
	if err != nil {
		s.capture(err)
		return
	}

	if !s.remember(skey, fingerprint(rec)) {
		return
	}

	s.logger.Debug("external change", "key", skey, "version", rec.Version)
	s.publish(shared.NewExternalChangeEvent(s.opts.Namespace, key, payload, rec.Version, rec.WrittenAt(), s.chain[0].Name()))
}
