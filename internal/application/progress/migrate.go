package progress

import (
	"encoding/json"
	"fmt"
)

// derivedPathFields were stored on every learning path by schema v1. They
// are recomputed from the milestones now.
var derivedPathFields = []string{"completedMilestones", "totalMilestones", "totalProgress"}

// MigrateState upgrades a stored state document to SchemaVersion.
func MigrateState(payload []byte, from int) ([]byte, error) {
	if from > SchemaVersion {
		return nil, fmt.Errorf("cannot downgrade schema v%d", from)
	}
	if from < 1 {
		return nil, fmt.Errorf("unknown schema v%d", from)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if from == 1 {
		if err := dropDerivedPathFields(doc); err != nil {
			return nil, err
		}
	}
	return json.Marshal(doc)
}

func dropDerivedPathFields(doc map[string]json.RawMessage) error {
	raw, ok := doc["learningPaths"]
	if !ok || string(raw) == "null" {
		return nil
	}
	var paths map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &paths); err != nil {
		return fmt.Errorf("decode learningPaths: %w", err)
	}
	for _, p := range paths {
		for _, f := range derivedPathFields {
			delete(p, f)
		}
	}
	b, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	doc["learningPaths"] = b
	return nil
}
