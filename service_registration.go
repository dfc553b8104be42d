package osgi

import (
	"fmt"
	"sync"

	"github.com/golobby/cast"

	"github.com/GoCodeAlone/osgi/props"
)

// ServiceFactory customizes the instance each consuming bundle receives.
// A service registered as a ServiceFactory has bundle scope: GetService is
// called once per consumer and the result cached until the consumer's
// usage count drops to zero.
type ServiceFactory interface {
	GetService(consumer *Bundle, reg *ServiceRegistration) any
	UngetService(consumer *Bundle, reg *ServiceRegistration, service any)
}

// ServiceRegistration is the registering bundle's handle to a published
// service.
type ServiceRegistration struct {
	registry *serviceRegistry
	id       int64
	classes  []string
	service  any
	factory  ServiceFactory

	mu            sync.RWMutex
	owner         *Bundle
	props         props.Map
	ranking       int
	available     bool
	unregistering bool
	usage         map[*Bundle]int
	instances     map[*Bundle]any

	// serializes factory calls so each consumer gets exactly one instance
	factoryMu sync.Mutex
}

// Reference returns a handle that stays usable after unregistration.
func (r *ServiceRegistration) Reference() ServiceReference {
	return ServiceReference{reg: r}
}

// SetProperties replaces the user properties of the service. Reserved
// keys (objectClass, service.id, service.scope) keep their values; a
// changed service.ranking reorders lookups. MODIFIED is delivered to
// listeners that match the new properties and MODIFIED_ENDMATCH to those
// that matched only the old ones.
func (r *ServiceRegistration) SetProperties(properties map[string]any) error {
	r.mu.Lock()
	if r.unregistering || !r.available {
		r.mu.Unlock()
		return fmt.Errorf("set properties on service %d: %w", r.id, ErrServiceUnregistered)
	}
	scope, _ := r.props.Get(ServiceScope)
	next, ranking, err := buildProperties(r.classes, r.id, scope.(string), properties)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	previous := r.props
	rankingChanged := ranking != r.ranking
	r.props = next
	r.ranking = ranking
	r.mu.Unlock()

	if rankingChanged {
		r.registry.resort(r)
	}
	r.registry.core.listeners.serviceChanged(ServiceEvent{Type: ServiceModified, Reference: r.Reference()}, &previous)
	return nil
}

// Unregister removes the service. Listeners receive UNREGISTERING while
// the service is still obtainable; afterwards lookups no longer return it.
func (r *ServiceRegistration) Unregister() error {
	r.mu.Lock()
	if r.unregistering || !r.available {
		r.mu.Unlock()
		return fmt.Errorf("unregister service %d: %w", r.id, ErrServiceUnregistered)
	}
	r.unregistering = true
	r.mu.Unlock()

	r.registry.core.listeners.serviceChanged(ServiceEvent{Type: ServiceUnregistering, Reference: r.Reference()}, nil)
	r.registry.remove(r)

	r.mu.Lock()
	r.available = false
	instances := r.instances
	r.instances = make(map[*Bundle]any)
	r.usage = make(map[*Bundle]int)
	r.owner = nil
	r.mu.Unlock()

	if r.factory != nil {
		for consumer, inst := range instances {
			r.ungetFactory(consumer, inst)
		}
	}
	r.registry.core.logger.Debug("Service unregistered", "serviceID", r.id, "objectClass", r.classes)
	return nil
}

func (r *ServiceRegistration) isAvailable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.available
}

func (r *ServiceRegistration) properties() props.Map {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.props
}

func (r *ServiceRegistration) currentRanking() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ranking
}

func (r *ServiceRegistration) bundle() *Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

func (r *ServiceRegistration) usingBundles() []*Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Bundle, 0, len(r.usage))
	for b := range r.usage {
		out = append(out, b)
	}
	sortBundles(out)
	return out
}

func (r *ServiceRegistration) usedBy(b *Bundle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usage[b] > 0
}

// getService returns the instance for consumer and counts the use. A nil
// result means the service is gone or its factory failed.
func (r *ServiceRegistration) getService(consumer *Bundle) any {
	r.mu.Lock()
	if !r.available {
		r.mu.Unlock()
		return nil
	}
	if r.factory == nil {
		r.usage[consumer]++
		s := r.service
		r.mu.Unlock()
		return s
	}
	if s, ok := r.instances[consumer]; ok {
		r.usage[consumer]++
		r.mu.Unlock()
		return s
	}
	r.mu.Unlock()

	r.factoryMu.Lock()
	defer r.factoryMu.Unlock()

	r.mu.Lock()
	if s, ok := r.instances[consumer]; ok {
		r.usage[consumer]++
		r.mu.Unlock()
		return s
	}
	r.mu.Unlock()

	s, err := r.callFactory(consumer)
	if err != nil {
		r.registry.core.listeners.frameworkEvent(FrameworkEvent{
			Type:    FrameworkError,
			Bundle:  r.bundle(),
			Message: fmt.Sprintf("service factory for service %d failed", r.id),
			Err:     err,
		})
		return nil
	}

	r.mu.Lock()
	if !r.available {
		r.mu.Unlock()
		r.ungetFactory(consumer, s)
		return nil
	}
	r.instances[consumer] = s
	r.usage[consumer]++
	r.mu.Unlock()
	return s
}

func (r *ServiceRegistration) callFactory(consumer *Bundle) (s any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicError(rec)
		}
	}()
	s = r.factory.GetService(consumer, r)
	if s == nil {
		return nil, fmt.Errorf("service factory returned nil: %w", ErrServiceNil)
	}
	return s, nil
}

func (r *ServiceRegistration) ungetFactory(consumer *Bundle, inst any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.registry.core.logger.Error("Service factory UngetService panicked", "serviceID", r.id, "error", panicError(rec))
		}
	}()
	r.factory.UngetService(consumer, r, inst)
}

// ungetService decrements consumer's usage. It reports false when the
// consumer held no reference.
func (r *ServiceRegistration) ungetService(consumer *Bundle, all bool) bool {
	r.mu.Lock()
	n := r.usage[consumer]
	if n == 0 {
		r.mu.Unlock()
		return false
	}
	if all {
		n = 0
	} else {
		n--
	}
	var inst any
	var release bool
	if n == 0 {
		delete(r.usage, consumer)
		inst, release = r.instances[consumer]
		delete(r.instances, consumer)
	} else {
		r.usage[consumer] = n
	}
	r.mu.Unlock()

	if release && r.factory != nil {
		r.ungetFactory(consumer, inst)
	}
	return true
}

// buildProperties merges reserved keys over the caller's properties and
// extracts the ranking.
func buildProperties(classes []string, id int64, scope string, user map[string]any) (props.Map, int, error) {
	p, err := props.New(user)
	if err != nil {
		return props.Map{}, 0, fmt.Errorf("service properties: %w", err)
	}
	p = p.With(ObjectClass, classes).With(ServiceID, id).With(ServiceScope, scope)

	ranking := 0
	if v, ok := p.Get(ServiceRanking); ok {
		switch t := v.(type) {
		case int64:
			ranking = int(t)
		case string:
			if n, err := cast.FromType(t, intType); err == nil {
				ranking = n.(int)
			}
		}
	}
	return p, ranking, nil
}
