//go:build (linux || darwin || freebsd) && cgo

package loader

import (
	"errors"
	"fmt"
	"os"
	"plugin"
)

// Plugin opens libraries built with -buildmode=plugin.
type Plugin struct{}

// NewPlugin returns a loader backed by the plugin package.
func NewPlugin() *Plugin { return &Plugin{} }

// Load opens the shared object at location.
func (Plugin) Load(location string) (Library, error) {
	if _, err := os.Stat(location); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return nil, fmt.Errorf("stat %s: %w", location, err)
	}
	p, err := plugin.Open(location)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", location, err)
	}
	return &pluginLibrary{location: location, p: p}, nil
}

type pluginLibrary struct {
	location string
	p        *plugin.Plugin
}

func (l *pluginLibrary) Location() string { return l.location }

func (l *pluginLibrary) Lookup(symbol string) (any, error) {
	sym, err := l.p.Lookup(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, symbol, l.location)
	}
	return sym, nil
}

// Close is a no-op: the Go runtime never unloads plugins.
func (l *pluginLibrary) Close() error { return nil }
