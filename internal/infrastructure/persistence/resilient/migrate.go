package resilient

import (
	"context"
	"errors"
	"fmt"
)

// Transform rewrites a stored JSON payload from one schema version to
// another.
type Transform func(payload []byte, from int) ([]byte, error)

// Migrate rewrites the value under key with transform and stamps it with
// target when the stored version differs. It reports whether a rewrite
// happened. A missing key is not an error.
func (s *Store) Migrate(ctx context.Context, key string, target int, transform Transform) (bool, error) {
	payload, meta, err := s.LoadRaw(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if meta.Version == target {
		return false, nil
	}

	next, err := transform(payload, meta.Version)
	if err != nil {
		return false, s.capture(newError(KindVersionMismatch, "migrate", s.StorageKey(key),
			fmt.Errorf("transform v%d to v%d: %w", meta.Version, target, err)))
	}
	if err := s.saveRaw(ctx, key, next, target); err != nil {
		return false, err
	}
	s.logger.Info("migrated record", "key", s.StorageKey(key), "from", meta.Version, "to", target)
	return true, nil
}
