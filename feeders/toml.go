package feeders

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// TomlFeeder reads a TOML file into a struct using its toml tags.
type TomlFeeder struct {
	Path string
}

// NewTomlFeeder creates a TomlFeeder for filePath.
func NewTomlFeeder(filePath string) TomlFeeder {
	return TomlFeeder{Path: filePath}
}

// Feed decodes the whole file into structure.
func (t TomlFeeder) Feed(structure any) error {
	if _, err := structValue(structure); err != nil {
		return err
	}
	if _, err := toml.DecodeFile(t.Path, structure); err != nil {
		return fmt.Errorf("toml: decode %s: %w", t.Path, err)
	}
	return nil
}

// FeedKey decodes only the table or value under a top-level key.
func (t TomlFeeder) FeedKey(key string, target any) error {
	var all map[string]toml.Primitive
	md, err := toml.DecodeFile(t.Path, &all)
	if err != nil {
		return fmt.Errorf("toml: decode %s: %w", t.Path, err)
	}
	prim, ok := all[key]
	if !ok {
		return nil
	}
	if err := md.PrimitiveDecode(prim, target); err != nil {
		return fmt.Errorf("toml: decode key %q: %w", key, err)
	}
	return nil
}
