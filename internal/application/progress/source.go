package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	domain "github.com/alem-hub/roadmap-tracker/internal/domain/progress"
)

// FileSource is a RoadmapSource backed by a JSON file. The file holds either
// a bare milestone array or an object keyed by topic whose values are
// milestone arrays; a "*" entry serves topics with no entry of their own.
type FileSource struct {
	Path string
}

var _ domain.RoadmapSource = FileSource{}

// GenerateRoadmap reads the file on every call, so edits are picked up.
func (f FileSource) GenerateRoadmap(ctx context.Context, topic string) ([]domain.MilestoneSeed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read roadmap file: %w", err)
	}
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '[' {
		var seeds []domain.MilestoneSeed
		if err := json.Unmarshal(data, &seeds); err != nil {
			return nil, fmt.Errorf("decode roadmap file: %w", err)
		}
		return domain.NormalizeSeeds(seeds), nil
	}

	var byTopic map[string][]domain.MilestoneSeed
	if err := json.Unmarshal(data, &byTopic); err != nil {
		return nil, fmt.Errorf("decode roadmap file: %w", err)
	}
	for k, seeds := range byTopic {
		if strings.EqualFold(k, topic) {
			return domain.NormalizeSeeds(seeds), nil
		}
	}
	if seeds, ok := byTopic["*"]; ok {
		return domain.NormalizeSeeds(seeds), nil
	}
	return nil, fmt.Errorf("no roadmap for topic %q in %s", topic, f.Path)
}
