// Package resilient persists values through a chain of storage tiers with
// integrity checks, optional compression and encryption, capacity-driven
// demotion and cross-instance change notifications.
package resilient

import (
	"errors"
	"fmt"
)

// Kind classifies store failures.
type Kind string

const (
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindEncryptionFailed  Kind = "encryption_failed"
	KindCompressionFailed Kind = "compression_failed"
	KindCorruption        Kind = "corruption"
	KindVersionMismatch   Kind = "version_mismatch"
	KindUnavailable       Kind = "unavailable"
)

// Kind sentinels; match with errors.Is.
var (
	ErrQuotaExceeded     = &Error{Kind: KindQuotaExceeded}
	ErrEncryptionFailed  = &Error{Kind: KindEncryptionFailed}
	ErrCompressionFailed = &Error{Kind: KindCompressionFailed}
	ErrCorruption        = &Error{Kind: KindCorruption}
	ErrVersionMismatch   = &Error{Kind: KindVersionMismatch}
	ErrUnavailable       = &Error{Kind: KindUnavailable}
)

// Tier sentinels.
var (
	// ErrNotFound is returned by Tier.Get for a missing key.
	ErrNotFound = errors.New("resilient: key not found")
	// ErrCapacity is returned by Tier.Set when the tier is full. The store
	// demotes permanently on it.
	ErrCapacity = errors.New("resilient: tier capacity exhausted")
	// ErrWatchUnsupported is returned by Store.Watch when the primary tier
	// has no change feed.
	ErrWatchUnsupported = errors.New("resilient: primary tier has no change feed")
)

// Error is a classified store failure.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %q)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op) && (t.Key == "" || t.Key == e.Key)
}

func newError(kind Kind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
