package osgi

import (
	"fmt"

	"github.com/GoCodeAlone/osgi/props"
)

// ServiceReference is a copyable handle to a service registration. It
// keeps answering property queries after the service unregisters, but
// BundleContext.GetService returns nil for it from then on. The zero value
// refers to no service.
type ServiceReference struct {
	reg *ServiceRegistration
}

// IsZero reports whether r refers to no service.
func (r ServiceReference) IsZero() bool { return r.reg == nil }

// Available reports whether the service is still registered.
func (r ServiceReference) Available() bool {
	return r.reg != nil && r.reg.isAvailable()
}

// ID returns the service.id property.
func (r ServiceReference) ID() int64 {
	if r.reg == nil {
		return -1
	}
	return r.reg.id
}

// Ranking returns the service.ranking property, 0 when unset.
func (r ServiceReference) Ranking() int {
	if r.reg == nil {
		return 0
	}
	return r.reg.currentRanking()
}

// Interfaces returns the objectClass names the service was registered
// under.
func (r ServiceReference) Interfaces() []string {
	if r.reg == nil {
		return nil
	}
	return append([]string(nil), r.reg.classes...)
}

// Property returns a property by key, ignoring case.
func (r ServiceReference) Property(key string) any {
	if r.reg == nil {
		return nil
	}
	return r.reg.properties().Value(key)
}

// PropertyKeys returns the property keys, sorted.
func (r ServiceReference) PropertyKeys() []string {
	if r.reg == nil {
		return nil
	}
	return r.reg.properties().Keys()
}

// Properties returns a copy of all properties.
func (r ServiceReference) Properties() map[string]any {
	if r.reg == nil {
		return nil
	}
	return r.reg.properties().ToMap()
}

func (r ServiceReference) properties() props.Map {
	if r.reg == nil {
		return props.Map{}
	}
	return r.reg.properties()
}

// Bundle returns the registering bundle, or nil once unregistered.
func (r ServiceReference) Bundle() *Bundle {
	if r.reg == nil {
		return nil
	}
	return r.reg.bundle()
}

// UsingBundles lists bundles currently holding the service, by id.
func (r ServiceReference) UsingBundles() []*Bundle {
	if r.reg == nil {
		return nil
	}
	return r.reg.usingBundles()
}

// Less orders references: lower ranking sorts first, and at equal ranking
// the newer service (higher id) sorts first. Lookups return references in
// descending order, so the highest ranked and then oldest service wins.
func (r ServiceReference) Less(o ServiceReference) bool {
	return r.Compare(o) < 0
}

// Compare returns -1, 0 or 1 following Less.
func (r ServiceReference) Compare(o ServiceReference) int {
	rr, or := r.Ranking(), o.Ranking()
	switch {
	case rr < or:
		return -1
	case rr > or:
		return 1
	}
	ri, oi := r.ID(), o.ID()
	switch {
	case ri > oi:
		return -1
	case ri < oi:
		return 1
	}
	return 0
}

func (r ServiceReference) String() string {
	if r.reg == nil {
		return "ServiceReference[<none>]"
	}
	return fmt.Sprintf("ServiceReference[id=%d, objectClass=%v, ranking=%d]", r.reg.id, r.reg.classes, r.Ranking())
}
