package loader

import (
	"fmt"
	"sort"
	"sync"
)

// Static serves libraries compiled into the executable. Each location maps
// to a fixed symbol table.
type Static struct {
	mu   sync.RWMutex
	libs map[string]map[string]any
}

// NewStatic creates an empty static loader.
func NewStatic() *Static {
	return &Static{libs: make(map[string]map[string]any)}
}

// Register makes symbols available under location, replacing any previous
// table.
func (s *Static) Register(location string, symbols map[string]any) {
	table := make(map[string]any, len(symbols))
	for k, v := range symbols {
		table[k] = v
	}
	s.mu.Lock()
	s.libs[location] = table
	s.mu.Unlock()
}

// Unregister forgets location.
func (s *Static) Unregister(location string) {
	s.mu.Lock()
	delete(s.libs, location)
	s.mu.Unlock()
}

// Locations lists registered locations, sorted.
func (s *Static) Locations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.libs))
	for loc := range s.libs {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

// Load returns the library registered under location.
func (s *Static) Load(location string) (Library, error) {
	s.mu.RLock()
	table, ok := s.libs[location]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return &staticLibrary{location: location, symbols: table}, nil
}

type staticLibrary struct {
	location string
	symbols  map[string]any
}

func (l *staticLibrary) Location() string { return l.location }

func (l *staticLibrary) Lookup(symbol string) (any, error) {
	v, ok := l.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, symbol, l.location)
	}
	return v, nil
}

func (l *staticLibrary) Close() error { return nil }
