// Package loader resolves bundle locations into libraries and looks up the
// symbols a bundle exports: its activator factory and, optionally, an
// embedded manifest.
package loader

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no library exists at a location.
	ErrNotFound = errors.New("library not found")
	// ErrSymbolNotFound is returned by Lookup for unknown symbols.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrUnsupported is returned when a loader cannot run on this platform.
	ErrUnsupported = errors.New("dynamic loading not supported on this platform")
)

// ManifestSymbol is the symbol a library may export to carry its manifest.
const ManifestSymbol = "BundleManifest"

// Library is an opened bundle library.
type Library interface {
	Location() string
	Lookup(symbol string) (any, error)
	Close() error
}

// Loader opens libraries by location.
type Loader interface {
	Load(location string) (Library, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(location string) (Library, error)

// Load calls f.
func (f LoaderFunc) Load(location string) (Library, error) { return f(location) }

// ActivatorSymbol returns the exported symbol name that holds the activator
// factory for a bundle. Characters that cannot appear in a Go identifier
// are replaced with underscores.
func ActivatorSymbol(symbolicName string) string {
	var sb strings.Builder
	sb.WriteString("CreateBundleActivator_")
	for _, r := range symbolicName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

type chain []Loader

// Chain tries each loader in turn and returns the first library that opens.
// ErrNotFound from one loader moves on to the next; any other error stops
// the search.
func Chain(loaders ...Loader) Loader {
	return chain(loaders)
}

func (c chain) Load(location string) (Library, error) {
	var errs []error
	for _, l := range c {
		lib, err := l.Load(location)
		if err == nil {
			return lib, nil
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUnsupported) {
			return nil, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, location, errors.Join(errs...))
}
