// Package circuitbreaker guards calls to a storage backend that may be down.
//
// A breaker starts closed. After FailureThreshold consecutive failures it
// opens and rejects calls until Cooldown elapses, then lets a limited number
// of probe calls through (half-open). SuccessThreshold consecutive probe
// successes close it again; any probe failure reopens it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without calling fn while the breaker is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrProbeLimit is returned when every half-open probe slot is taken.
	ErrProbeLimit = errors.New("circuit breaker probe limit reached")
)

// Config holds breaker settings.
type Config struct {
	Name string

	// FailureThreshold consecutive failures open the breaker. Default: 5.
	FailureThreshold int

	// SuccessThreshold consecutive half-open successes close it. Default: 2.
	SuccessThreshold int

	// Cooldown is the time spent open before probing. Default: 30s.
	Cooldown time.Duration

	// MaxProbes bounds concurrent half-open calls. Default: 1.
	MaxProbes int

	// OnStateChange runs under the breaker lock; keep it short.
	OnStateChange func(name string, from, to State)

	// IsFailure classifies errors. Nil counts every non-nil error.
	IsFailure func(error) bool

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// DefaultConfig returns the defaults documented on Config.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		MaxProbes:        1,
		Now:              time.Now,
	}
}

// Option adjusts a Config.
type Option func(*Config)

func WithFailureThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.FailureThreshold = n
		}
	}
}

func WithSuccessThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.SuccessThreshold = n
		}
	}
}

func WithCooldown(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Cooldown = d
		}
	}
}

func WithMaxProbes(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxProbes = n
		}
	}
}

func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(c *Config) { c.OnStateChange = fn }
}

func WithIsFailure(fn func(error) bool) Option {
	return func(c *Config) { c.IsFailure = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Now = now
		}
	}
}

// Counts are lifetime and streak counters.
type Counts struct {
	Requests             int
	TotalSuccesses       int
	TotalFailures        int
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	Rejected             int
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probes   int
}

// New creates a closed breaker.
func New(name string, opts ...Option) *Breaker {
	cfg := DefaultConfig(name)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Breaker{cfg: cfg}
}

// Execute calls fn unless the breaker rejects the call, and records the
// outcome. Rejections return ErrOpen or ErrProbeLimit.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// Rejected reports whether err came from the breaker rather than from fn.
func Rejected(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrProbeLimit)
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.counts.Rejected++
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probes = 1
		return nil
	case StateHalfOpen:
		if b.probes >= b.cfg.MaxProbes {
			b.counts.Rejected++
			return ErrProbeLimit
		}
		b.probes++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Requests++
	failed := err != nil
	if failed && b.cfg.IsFailure != nil {
		failed = b.cfg.IsFailure(err)
	}

	if !failed {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.probes--
			if b.counts.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
				b.transition(StateClosed)
			}
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch b.state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.counts.ConsecutiveSuccesses = 0
	b.counts.ConsecutiveFailures = 0
	b.probes = 0
	if to == StateOpen {
		b.openedAt = b.cfg.Now()
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current position. An open breaker whose cooldown has
// elapsed still reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns a copy of the counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.counts = Counts{}
	b.probes = 0
}

func (b *Breaker) Name() string { return b.cfg.Name }

// StorageTier returns a breaker tuned for a primary storage tier: quick to
// open, short cooldown, one probe at a time. ignore reports errors that are
// answers rather than outages (a missing key, a full quota) and so must not
// count as failures.
func StorageTier(name string, ignore func(error) bool, onStateChange func(name string, from, to State)) *Breaker {
	return New(
		"tier:"+name,
		WithFailureThreshold(3),
		WithSuccessThreshold(1),
		WithCooldown(10*time.Second),
		WithMaxProbes(1),
		WithIsFailure(func(err error) bool { return ignore == nil || !ignore(err) }),
		WithOnStateChange(onStateChange),
	)
}
