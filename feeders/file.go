package feeders

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ForFile picks the file feeder matching path's extension.
func ForFile(path string) (KeyFeeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return NewYamlFeeder(path), nil
	case ".toml":
		return NewTomlFeeder(path), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}
