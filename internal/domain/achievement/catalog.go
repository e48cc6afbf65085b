// Package achievement holds the static achievement catalog and the evaluator
// that turns analytics into unlock actions.
package achievement

import (
	_ "embed"
	"fmt"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/alem-hub/roadmap-tracker/internal/domain/progress"
)

//go:embed catalog.yaml
var catalogYAML []byte

var (
	catalogOnce sync.Once
	catalog     []progress.Achievement
	catalogErr  error
)

// Catalog returns a copy of the built-in catalog. The embedded file is
// parsed once.
func Catalog() ([]progress.Achievement, error) {
	catalogOnce.Do(func() {
		catalog, catalogErr = ParseCatalog(catalogYAML)
	})
	if catalogErr != nil {
		return nil, catalogErr
	}
	return slices.Clone(catalog), nil
}

// MustCatalog is Catalog for callers that treat a broken embedded file as a
// programming error.
func MustCatalog() []progress.Achievement {
	c, err := Catalog()
	if err != nil {
		panic(err)
	}
	return c
}

// ParseCatalog decodes a YAML achievement list and validates it: ids must be
// unique and non-empty, criterion kinds known and thresholds positive.
func ParseCatalog(data []byte) ([]progress.Achievement, error) {
	var entries []progress.Achievement
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse achievement catalog: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	for i, a := range entries {
		switch {
		case a.ID == "":
			return nil, fmt.Errorf("achievement %d: missing id", i)
		case seen[a.ID]:
			return nil, fmt.Errorf("achievement %q: duplicate id", a.ID)
		case !a.Criterion.Kind.IsValid():
			return nil, fmt.Errorf("achievement %q: unknown criterion %q", a.ID, a.Criterion.Kind)
		case a.Criterion.Threshold <= 0:
			return nil, fmt.Errorf("achievement %q: threshold must be positive", a.ID)
		}
		seen[a.ID] = true
	}
	return entries, nil
}
