// Package retry runs an operation again with exponential backoff and jitter.
// It is used where a dependency may come up later than this process: storage
// tiers at startup and change-feed reconnects.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// PermanentError stops retrying immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Config holds backoff settings.
type Config struct {
	// MaxAttempts counts the first call. Default: 3.
	MaxAttempts int

	// InitialDelay precedes the second attempt. Default: 100ms.
	InitialDelay time.Duration

	// MaxDelay caps any single wait. Default: 30s.
	MaxDelay time.Duration

	// Multiplier grows the delay per attempt. Default: 2.
	Multiplier float64

	// Jitter spreads each delay by ±Jitter of itself. Default: 0.1.
	Jitter float64

	// RetryIf decides whether a non-permanent error is retried.
	// Default: every non-permanent error is.
	RetryIf func(error) bool

	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the defaults documented on Config.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Option adjusts a Config.
type Option func(*Config)

func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.InitialDelay = d
		}
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.MaxDelay = d
		}
	}
}

func WithMultiplier(m float64) Option {
	return func(c *Config) {
		if m >= 1 {
			c.Multiplier = m
		}
	}
}

func WithJitter(j float64) Option {
	return func(c *Config) {
		if j >= 0 && j <= 1 {
			c.Jitter = j
		}
	}
}

func WithRetryIf(fn func(error) bool) Option {
	return func(c *Config) { c.RetryIf = fn }
}

func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

// Retrier is immutable and safe to share.
type Retrier struct {
	cfg Config
}

// New creates a Retrier.
func New(opts ...Option) *Retrier {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Retrier{cfg: cfg}
}

// Do calls op until it succeeds, returns a permanent or non-retryable error,
// runs out of attempts, or ctx ends. The last operation error wins over a
// context error once at least one attempt has run.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	var last error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		last = err
		if r.cfg.RetryIf != nil && !r.cfg.RetryIf(err) {
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.Delay(attempt)
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(attempt, err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last
		case <-timer.C:
		}
	}
	return last
}

// Delay returns the wait after the given failed attempt (1-based).
func (r *Retrier) Delay(attempt int) time.Duration {
	d := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1))
	d = math.Min(d, float64(r.cfg.MaxDelay))
	if r.cfg.Jitter > 0 {
		d += d * r.cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(math.Max(d, 0))
}

// Do runs op with a one-off Retrier.
func Do(ctx context.Context, op func(context.Context) error, opts ...Option) error {
	return New(opts...).Do(ctx, op)
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, op func(context.Context) (T, error), opts ...Option) (T, error) {
	var out T
	err := New(opts...).Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// FeedReconnect is tuned for re-subscribing a change feed after a drop.
func FeedReconnect() *Retrier {
	return New(
		WithMaxAttempts(10),
		WithInitialDelay(500*time.Millisecond),
		WithMaxDelay(15*time.Second),
		WithMultiplier(1.5),
		WithJitter(0.1),
	)
}
