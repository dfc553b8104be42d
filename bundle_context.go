package osgi

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/GoCodeAlone/osgi/ldap"
	"github.com/GoCodeAlone/osgi/manifest"
)

// BundleContext is a bundle's capability handle onto the framework. It is
// created when the bundle starts and invalidated when it stops; every
// method fails with ErrInvalidContext afterwards.
type BundleContext struct {
	bundle *Bundle
	core   *coreContext
	valid  atomic.Bool
}

func newBundleContext(b *Bundle) *BundleContext {
	ctx := &BundleContext{bundle: b, core: b.core}
	ctx.valid.Store(true)
	return ctx
}

func (c *BundleContext) check(op string) error {
	if c == nil || !c.valid.Load() {
		var b *Bundle
		if c != nil {
			b = c.bundle
		}
		return newBundleError(b, op, ErrInvalidContext, nil)
	}
	return nil
}

// invalidate marks the context unusable and drops its listeners.
func (c *BundleContext) invalidate() {
	if !c.valid.CompareAndSwap(true, false) {
		return
	}
	c.core.listeners.removeAll(c)
}

// IsValid reports whether the context can still be used.
func (c *BundleContext) IsValid() bool { return c != nil && c.valid.Load() }

// Bundle returns the bundle this context belongs to.
func (c *BundleContext) Bundle() (*Bundle, error) {
	if err := c.check("get bundle"); err != nil {
		return nil, err
	}
	return c.bundle, nil
}

// Property returns a framework property, or nil.
func (c *BundleContext) Property(key string) any {
	if c.check("get property") != nil {
		return nil
	}
	return c.core.props.Value(key)
}

// Properties returns a copy of all framework properties.
func (c *BundleContext) Properties() map[string]any {
	if c.check("get properties") != nil {
		return nil
	}
	return c.core.props.ToMap()
}

// GetBundle returns the bundle with id.
func (c *BundleContext) GetBundle(id int64) (*Bundle, error) {
	if err := c.check("get bundle"); err != nil {
		return nil, err
	}
	b := c.core.bundles.get(id)
	if b == nil {
		return nil, fmt.Errorf("bundle %d: %w", id, ErrBundleNotFound)
	}
	return b, nil
}

// GetBundleByLocation returns the bundle installed from location.
func (c *BundleContext) GetBundleByLocation(location string) (*Bundle, error) {
	if err := c.check("get bundle"); err != nil {
		return nil, err
	}
	b := c.core.bundles.byLocationOf(location)
	if b == nil {
		return nil, fmt.Errorf("bundle at %s: %w", location, ErrBundleNotFound)
	}
	return b, nil
}

// Bundles returns every installed bundle, system bundle first, by id.
func (c *BundleContext) Bundles() ([]*Bundle, error) {
	if err := c.check("get bundles"); err != nil {
		return nil, err
	}
	return c.core.bundles.list(), nil
}

// InstallBundle installs the library at location. The manifest is taken
// from mf when given, else from the library's BundleManifest symbol, else
// from a sidecar manifest file next to the library.
func (c *BundleContext) InstallBundle(location string, mf ...manifest.Manifest) (*Bundle, error) {
	if err := c.check("install"); err != nil {
		return nil, err
	}
	var m manifest.Manifest
	if len(mf) > 0 {
		m = mf[0]
	}
	return c.core.bundles.install(location, m, c.bundle)
}

// RegisterService publishes service under one or more interface names.
func (c *BundleContext) RegisterService(classes []string, service any, properties map[string]any) (*ServiceRegistration, error) {
	if err := c.check("register service"); err != nil {
		return nil, err
	}
	return c.core.services.register(c, classes, service, properties)
}

// GetServiceReferences returns references for class matching filter,
// highest ranked first. An empty class matches any interface and an empty
// filter matches everything.
func (c *BundleContext) GetServiceReferences(class, filter string) ([]ServiceReference, error) {
	if err := c.check("get service references"); err != nil {
		return nil, err
	}
	var f *ldap.Filter
	if filter != "" {
		var err error
		if f, err = ldap.Parse(filter); err != nil {
			return nil, err
		}
	}
	return c.core.services.references(class, f), nil
}

// GetServiceReference returns the best reference for class, or a zero
// reference when none is registered.
func (c *BundleContext) GetServiceReference(class string) (ServiceReference, error) {
	refs, err := c.GetServiceReferences(class, "")
	if err != nil || len(refs) == 0 {
		return ServiceReference{}, err
	}
	return refs[0], nil
}

// GetService resolves ref and counts the use against this bundle. It
// returns nil when the service has been unregistered.
func (c *BundleContext) GetService(ref ServiceReference) any {
	if c.check("get service") != nil || ref.reg == nil {
		return nil
	}
	return ref.reg.getService(c.bundle)
}

// UngetService releases one use of ref. It reports false when this bundle
// held no use.
func (c *BundleContext) UngetService(ref ServiceReference) bool {
	if c.check("unget service") != nil || ref.reg == nil {
		return false
	}
	return ref.reg.ungetService(c.bundle, false)
}

// AddServiceListener registers l for service events matching filter.
func (c *BundleContext) AddServiceListener(l ServiceListener, filter string) (ListenerToken, error) {
	if err := c.check("add service listener"); err != nil {
		return 0, err
	}
	if l == nil {
		return 0, ErrListenerNil
	}
	var f *ldap.Filter
	if filter != "" {
		var err error
		if f, err = ldap.Parse(filter); err != nil {
			return 0, err
		}
	}
	return c.core.listeners.add(&listenerEntry{kind: serviceListenerKind, ctx: c, filter: f, service: l}), nil
}

// AddBundleListener registers l for bundle events matching filter. The
// filter sees the event bundle's manifest headers plus EventType,
// EventBundleID and EventBundleLocation; an empty filter matches every
// event.
func (c *BundleContext) AddBundleListener(l BundleListener, filter string) (ListenerToken, error) {
	if err := c.check("add bundle listener"); err != nil {
		return 0, err
	}
	if l == nil {
		return 0, ErrListenerNil
	}
	f, err := parseListenerFilter(filter)
	if err != nil {
		return 0, err
	}
	return c.core.listeners.add(&listenerEntry{kind: bundleListenerKind, ctx: c, filter: f, bundle: l}), nil
}

// AddFrameworkListener registers l for framework events matching filter,
// evaluated like a bundle listener filter against the event's bundle.
func (c *BundleContext) AddFrameworkListener(l FrameworkListener, filter string) (ListenerToken, error) {
	if err := c.check("add framework listener"); err != nil {
		return 0, err
	}
	if l == nil {
		return 0, ErrListenerNil
	}
	f, err := parseListenerFilter(filter)
	if err != nil {
		return 0, err
	}
	return c.core.listeners.add(&listenerEntry{kind: frameworkListenerKind, ctx: c, filter: f, fw: l}), nil
}

func parseListenerFilter(filter string) (*ldap.Filter, error) {
	if filter == "" {
		return nil, nil
	}
	return ldap.Parse(filter)
}

// RemoveListener removes a listener added through this context. Removing
// an unknown token is a no-op.
func (c *BundleContext) RemoveListener(token ListenerToken) error {
	if err := c.check("remove listener"); err != nil {
		return err
	}
	c.core.listeners.remove(c, token)
	return nil
}

// InterfaceName returns the interface name used to register and look up
// services of type T: the import path qualified type name.
func InterfaceName[T any]() string {
	t := reflect.TypeFor[T]()
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// RegisterService publishes service under the interface name of T.
func RegisterService[T any](ctx *BundleContext, service T, properties map[string]any) (*ServiceRegistration, error) {
	return ctx.RegisterService([]string{InterfaceName[T]()}, service, properties)
}

// GetServiceReferences returns references registered under T's interface
// name that match filter.
func GetServiceReferences[T any](ctx *BundleContext, filter string) ([]ServiceReference, error) {
	return ctx.GetServiceReferences(InterfaceName[T](), filter)
}

// GetService resolves ref and asserts the instance to T.
func GetService[T any](ctx *BundleContext, ref ServiceReference) (T, error) {
	var zero T
	s := ctx.GetService(ref)
	if s == nil {
		if err := ctx.check("get service"); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%s: %w", ref, ErrServiceUnregistered)
	}
	t, ok := s.(T)
	if !ok {
		ctx.UngetService(ref)
		return zero, fmt.Errorf("%w: %T is not %s", ErrServiceWrongType, s, InterfaceName[T]())
	}
	return t, nil
}
