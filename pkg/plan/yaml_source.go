package plan

import (
	"context"
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlSource loads the plan catalog from a YAML file on every Load call,
// so a restart-free reload is possible for callers that re-load periodically.
type yamlSource struct {
	path string
}

// NewYAMLSource returns a Source that reads the catalog from the given file.
//
// Expected document shape:
//
//	starter:
//	  plan: starter
//	  usage:
//	    template_generation: 10
//	    image_generation: 20
//	  premium_models: false
//	  priority_queue: false
func NewYAMLSource(path string) Source {
	return &yamlSource{path: path}
}

// Load reads and validates the catalog file.
func (s *yamlSource) Load(ctx context.Context) (Catalog, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadCatalog, err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, errors.Join(ErrFailedToLoadCatalog, err)
	}

	if err := catalog.Validate(); err != nil {
		return nil, err
	}

	return catalog, nil
}
