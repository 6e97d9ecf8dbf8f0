package checks

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dandantas/lookout/internal/model"
)

// LoadCatalogue reads a YAML check catalogue and returns its validated
// definitions, services expanded into availability checks
func LoadCatalogue(path string) ([]model.CheckDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read check catalogue: %w", err)
	}
	return ParseCatalogue(data)
}

// ParseCatalogue parses catalogue YAML
func ParseCatalogue(data []byte) ([]model.CheckDefinition, error) {
	var cat model.Catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse check catalogue: %w", err)
	}

	defs, err := cat.Definitions()
	if err != nil {
		return nil, fmt.Errorf("invalid check catalogue: %w", err)
	}
	return defs, nil
}
