package osgi

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/GoCodeAlone/osgi/ldap"
)

var intType = reflect.TypeOf(0)

// serviceRegistry indexes registrations by interface name and by owning
// bundle. Per-class lists are kept sorted best-first. Structural changes
// take the write lock; listener delivery always happens outside it.
type serviceRegistry struct {
	core *coreContext

	mu       sync.RWMutex
	all      []*ServiceRegistration
	byClass  map[string][]*ServiceRegistration
	byBundle map[*Bundle][]*ServiceRegistration
}

func newServiceRegistry(core *coreContext) *serviceRegistry {
	return &serviceRegistry{
		core:     core,
		byClass:  make(map[string][]*ServiceRegistration),
		byBundle: make(map[*Bundle][]*ServiceRegistration),
	}
}

// bestFirst sorts higher ranking first, then lower id first.
func bestFirst(a, b *ServiceRegistration) int {
	return b.Reference().Compare(a.Reference())
}

// register publishes service on behalf of ctx's bundle. The context is
// checked again under the write lock so a registration racing with the
// bundle's cleanup either fails or is seen by unregisterAll.
func (r *serviceRegistry) register(ctx *BundleContext, classes []string, service any, properties map[string]any) (*ServiceRegistration, error) {
	owner := ctx.bundle
	if service == nil {
		return nil, ErrServiceNil
	}
	if len(classes) == 0 {
		return nil, ErrNoInterfaces
	}
	for _, c := range classes {
		if c == "" {
			return nil, fmt.Errorf("%w: empty interface name", ErrNoInterfaces)
		}
	}

	reg := &ServiceRegistration{
		registry:  r,
		classes:   slices.Clone(classes),
		service:   service,
		owner:     owner,
		available: true,
		usage:     make(map[*Bundle]int),
		instances: make(map[*Bundle]any),
	}
	scope := ScopeSingleton
	if f, ok := service.(ServiceFactory); ok {
		reg.factory = f
		scope = ScopeBundle
	}

	// Validate properties before consuming an id so failed registrations
	// leave no gap in the id sequence.
	if _, _, err := buildProperties(classes, 0, scope, properties); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if !ctx.IsValid() {
		r.mu.Unlock()
		return nil, newBundleError(owner, "register service", ErrInvalidContext, nil)
	}
	reg.id = r.core.nextServiceID.Add(1)
	p, ranking, _ := buildProperties(classes, reg.id, scope, properties)
	reg.props = p
	reg.ranking = ranking
	r.all = append(r.all, reg)
	for _, c := range reg.classes {
		list := append(r.byClass[c], reg)
		slices.SortStableFunc(list, bestFirst)
		r.byClass[c] = list
	}
	r.byBundle[owner] = append(r.byBundle[owner], reg)
	r.mu.Unlock()

	r.core.logger.Debug("Service registered", "serviceID", reg.id, "objectClass", reg.classes, "bundle", owner.ID())
	r.core.listeners.serviceChanged(ServiceEvent{Type: ServiceRegistered, Reference: reg.Reference()}, nil)
	return reg, nil
}

func (r *serviceRegistry) resort(reg *ServiceRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range reg.classes {
		slices.SortStableFunc(r.byClass[c], bestFirst)
	}
}

func (r *serviceRegistry) remove(reg *ServiceRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = slices.DeleteFunc(r.all, func(x *ServiceRegistration) bool { return x == reg })
	for _, c := range reg.classes {
		list := slices.DeleteFunc(r.byClass[c], func(x *ServiceRegistration) bool { return x == reg })
		if len(list) == 0 {
			delete(r.byClass, c)
		} else {
			r.byClass[c] = list
		}
	}
	owner := reg.bundle()
	list := slices.DeleteFunc(r.byBundle[owner], func(x *ServiceRegistration) bool { return x == reg })
	if len(list) == 0 {
		delete(r.byBundle, owner)
	} else {
		r.byBundle[owner] = list
	}
}

// references returns matching registrations best-first. An empty class
// matches every interface.
func (r *serviceRegistry) references(class string, filter *ldap.Filter) []ServiceReference {
	r.mu.RLock()
	var candidates []*ServiceRegistration
	if class != "" {
		candidates = slices.Clone(r.byClass[class])
	} else if classes, ok := filterClasses(filter); ok {
		seen := make(map[*ServiceRegistration]bool)
		for _, c := range classes {
			for _, reg := range r.byClass[c] {
				if !seen[reg] {
					seen[reg] = true
					candidates = append(candidates, reg)
				}
			}
		}
	} else {
		candidates = slices.Clone(r.all)
	}
	r.mu.RUnlock()

	out := make([]ServiceReference, 0, len(candidates))
	for _, reg := range candidates {
		if !reg.isAvailable() {
			continue
		}
		if filter != nil && !filter.Match(reg.properties()) {
			continue
		}
		out = append(out, reg.Reference())
	}
	if class == "" {
		slices.SortStableFunc(out, func(a, b ServiceReference) int { return b.Compare(a) })
	}
	return out
}

func filterClasses(filter *ldap.Filter) ([]string, bool) {
	if filter == nil {
		return nil, false
	}
	return filter.ObjectClasses(ObjectClass)
}

func (r *serviceRegistry) registeredBy(b *Bundle) []*ServiceRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byBundle[b])
}

func (r *serviceRegistry) usedBy(b *Bundle) []*ServiceRegistration {
	r.mu.RLock()
	all := slices.Clone(r.all)
	r.mu.RUnlock()
	var out []*ServiceRegistration
	for _, reg := range all {
		if reg.usedBy(b) {
			out = append(out, reg)
		}
	}
	return out
}

// unregisterAll removes every service b registered. Failures are logged;
// a service already unregistering elsewhere is skipped.
func (r *serviceRegistry) unregisterAll(b *Bundle) {
	for _, reg := range r.registeredBy(b) {
		if err := reg.Unregister(); err != nil {
			r.core.logger.Debug("Skipping service during cleanup", "serviceID", reg.id, "error", err)
		}
	}
}

// releaseAll drops every service reference b still holds.
func (r *serviceRegistry) releaseAll(b *Bundle) {
	for _, reg := range r.usedBy(b) {
		reg.ungetService(b, true)
	}
}

func (r *serviceRegistry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

func (r *serviceRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = nil
	r.byClass = make(map[string][]*ServiceRegistration)
	r.byBundle = make(map[*Bundle][]*ServiceRegistration)
}
