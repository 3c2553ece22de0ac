package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/utss/backtester/internal/strategy"
)

// LoadStrategyTree reads and decodes a strategy.Tree from a JSON file.
// The tree arrives pre-parsed from the caller's perspective -- this is
// the one place in the module that turns bytes on disk into a Tree.
func LoadStrategyTree(path string) (*strategy.Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy %s: %w", path, err)
	}

	var tree strategy.Tree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode strategy %s: %w", path, err)
	}

	if tree.Info.ID == "" {
		return nil, fmt.Errorf("strategy %s: info.id is required", path)
	}
	if len(tree.Rules) == 0 {
		return nil, fmt.Errorf("strategy %s: at least one rule is required", path)
	}

	return &tree, nil
}
