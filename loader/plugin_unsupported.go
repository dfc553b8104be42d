//go:build !((linux || darwin || freebsd) && cgo)

package loader

import "fmt"

// Plugin is unavailable on this platform; Load always fails with
// ErrUnsupported.
type Plugin struct{}

// NewPlugin returns a loader that reports ErrUnsupported.
func NewPlugin() *Plugin { return &Plugin{} }

// Load fails with ErrUnsupported.
func (Plugin) Load(location string) (Library, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, location)
}
