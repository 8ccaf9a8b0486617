package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"syncbridge/internal/sync/types"
)

// LoadMappingsFromFile reads sync mappings from a JSON or YAML file and
// validates every entry. A single invalid mapping rejects the whole file.
func LoadMappingsFromFile(filename string) ([]*SyncMapping, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read mappings file: %w", err)
	}

	var mappings []*SyncMapping
	ext := filepath.Ext(filename)

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &mappings); err != nil {
			return nil, fmt.Errorf("%w: failed to parse YAML mappings: %v", types.ErrConfig, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &mappings); err != nil {
			return nil, fmt.Errorf("%w: failed to parse JSON mappings: %v", types.ErrConfig, err)
		}
	default:
		// Try JSON first, then YAML
		if err := json.Unmarshal(data, &mappings); err != nil {
			if err := yaml.Unmarshal(data, &mappings); err != nil {
				return nil, fmt.Errorf("%w: failed to parse mappings (unknown format): %v", types.ErrConfig, err)
			}
		}
	}

	for _, m := range mappings {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return mappings, nil
}
