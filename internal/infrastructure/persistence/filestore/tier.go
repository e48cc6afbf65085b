// Package filestore implements a resilient.Tier as one file per key in a
// directory. Several processes may share the directory; Watch reports their
// writes through fsnotify.
package filestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
)

const ext = ".rec"

// Tier stores each key in dir/<base64url(key)>.rec. Writes go through a
// temporary file and a rename, so readers never see a partial record.
type Tier struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger

	mu sync.Mutex // serializes the quota check with the write
}

// Open creates dir if needed. A positive maxBytes caps the total size of the
// stored records.
func Open(dir string, maxBytes int64, logger *slog.Logger) (*Tier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tier{dir: dir, maxBytes: maxBytes, logger: logger.With("component", "tier.file")}, nil
}

func (t *Tier) Name() string { return "file" }

// Dir returns the store directory.
func (t *Tier) Dir() string { return t.dir }

func (t *Tier) path(key string) string {
	return filepath.Join(t.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+ext)
}

// keyOf reverses path. ok is false for files that are not records.
func keyOf(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ext) || strings.HasPrefix(base, ".") {
		return "", false
	}
	k, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(base, ext))
	if err != nil {
		return "", false
	}
	return string(k), true
}

func (t *Tier) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(t.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, resilient.ErrNotFound
	}
	return b, err
}

func (t *Tier) Set(_ context.Context, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := t.path(key)
	if t.maxBytes > 0 {
		used, err := t.usedBytes(target)
		if err != nil {
			return err
		}
		if used+int64(len(value)) > t.maxBytes {
			return fmt.Errorf("%w: %d of %d bytes used", resilient.ErrCapacity, used, t.maxBytes)
		}
	}

	tmp, err := os.CreateTemp(t.dir, ".tmp-*")
	if err != nil {
		return classify(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return classify(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return classify(err)
	}
	if err := tmp.Close(); err != nil {
		return classify(err)
	}
	return classify(os.Rename(tmp.Name(), target))
}

func (t *Tier) Delete(_ context.Context, key string) error {
	err := os.Remove(t.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// usedBytes sums record sizes, leaving out skip.
func (t *Tier) usedBytes(skip string) (int64, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if _, ok := keyOf(e.Name()); !ok || filepath.Join(t.dir, e.Name()) == skip {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// Watch calls fn with the key of every record created, rewritten or removed
// in the directory until ctx ends.
func (t *Tier) Watch(ctx context.Context, fn func(key string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(t.dir); err != nil {
		return fmt.Errorf("watch %s: %w", t.dir, err)
	}
	t.logger.Info("watching store directory", "dir", t.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("filestore: watcher closed")
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if key, ok := keyOf(ev.Name); ok {
				fn(key)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("filestore: watcher closed")
			}
			t.logger.Warn("watcher error", "error", err)
		}
	}
}

// classify maps a full disk to resilient.ErrCapacity.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", resilient.ErrCapacity, err)
	}
	return err
}
