package feeders

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YamlFeeder reads a YAML file into a struct using its yaml tags.
type YamlFeeder struct {
	Path string
}

// NewYamlFeeder creates a YamlFeeder for filePath.
func NewYamlFeeder(filePath string) YamlFeeder {
	return YamlFeeder{Path: filePath}
}

// Feed decodes the whole file into structure.
func (y YamlFeeder) Feed(structure any) error {
	if _, err := structValue(structure); err != nil {
		return err
	}
	data, err := os.ReadFile(y.Path)
	if err != nil {
		return fmt.Errorf("yaml: read %s: %w", y.Path, err)
	}
	if err := yaml.Unmarshal(data, structure); err != nil {
		return fmt.Errorf("yaml: decode %s: %w", y.Path, err)
	}
	return nil
}

// FeedKey decodes only the value under a top-level key. A missing key
// leaves target untouched.
func (y YamlFeeder) FeedKey(key string, target any) error {
	data, err := os.ReadFile(y.Path)
	if err != nil {
		return fmt.Errorf("yaml: read %s: %w", y.Path, err)
	}
	var all map[string]yaml.Node
	if err := yaml.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("yaml: decode %s: %w", y.Path, err)
	}
	node, ok := all[key]
	if !ok {
		return nil
	}
	if err := node.Decode(target); err != nil {
		return fmt.Errorf("yaml: decode key %q: %w", key, err)
	}
	return nil
}
