package osgi

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/osgi/loader"
	"github.com/GoCodeAlone/osgi/manifest"
)

// BundleActivator is implemented by a bundle that wants to run code when
// it starts and stops. Start may register services and listeners through
// ctx; whatever it leaves behind is cleaned up after Stop regardless of
// Stop's result.
type BundleActivator interface {
	Start(ctx *BundleContext) error
	Stop(ctx *BundleContext) error
}

// ActivatorFactory is the type of the symbol a bundle library exports
// under loader.ActivatorSymbol(symbolicName).
type ActivatorFactory func() BundleActivator

// StartOptions modify Bundle.Start.
type StartOptions uint32

const (
	// StartTransient starts the bundle without changing its autostart
	// setting.
	StartTransient StartOptions = 1 << iota
	// StartActivationPolicy honors the bundle's declared activation
	// policy.
	StartActivationPolicy
)

// StopOptions modify Bundle.Stop.
type StopOptions uint32

// StopTransient stops the bundle without changing its autostart setting.
const StopTransient StopOptions = 1

// AutostartSetting records how a bundle was last started.
type AutostartSetting int

const (
	AutostartStopped AutostartSetting = iota
	AutostartEager
	AutostartDeclared
)

func (a AutostartSetting) String() string {
	switch a {
	case AutostartEager:
		return "eager"
	case AutostartDeclared:
		return "declared"
	default:
		return "stopped"
	}
}

type bundleOperation int

const (
	opIdle bundleOperation = iota
	opResolving
	opActivating
	opDeactivating
	opUpdating
	opUninstalling
	opInitializing
	opShuttingDown
)

func (o bundleOperation) String() string {
	return [...]string{"idle", "resolving", "activating", "deactivating", "updating", "uninstalling", "initializing", "shutting down"}[o]
}

// Bundle is one installed unit of code. Handles stay valid after
// uninstall and then report StateUninstalled.
type Bundle struct {
	core   *coreContext
	id     int64
	system bool

	state atomic.Uint32
	ctx   atomic.Pointer[BundleContext]

	// mu and cond implement the in-progress operation marker; mutators
	// wait on cond until operation returns to opIdle.
	mu        sync.Mutex
	cond      *sync.Cond
	operation bundleOperation

	meta         sync.RWMutex
	location     string
	headers      manifest.Manifest
	lib          loader.Library
	autostart    AutostartSetting
	lastModified time.Time

	// owned by whoever holds the operation marker
	activator BundleActivator
}

func newBundle(core *coreContext, location string, lib loader.Library, headers manifest.Manifest) *Bundle {
	b := &Bundle{
		core:         core,
		location:     location,
		lib:          lib,
		headers:      headers,
		lastModified: time.Now(),
	}
	b.cond = sync.NewCond(&b.mu)
	b.state.Store(uint32(StateInstalled))
	return b
}

// ID returns the bundle id. The system bundle is 0.
func (b *Bundle) ID() int64 { return b.id }

// State returns the current lifecycle state.
func (b *Bundle) State() BundleState { return BundleState(b.state.Load()) }

func (b *Bundle) setState(s BundleState) { b.state.Store(uint32(s)) }

// Location returns where the bundle was installed from.
func (b *Bundle) Location() string {
	b.meta.RLock()
	defer b.meta.RUnlock()
	return b.location
}

// SymbolicName returns the bundle.symbolic_name header.
func (b *Bundle) SymbolicName() string {
	b.meta.RLock()
	defer b.meta.RUnlock()
	return b.headers.SymbolicName()
}

// Version returns the canonical bundle version.
func (b *Bundle) Version() string {
	b.meta.RLock()
	defer b.meta.RUnlock()
	return b.headers.Version()
}

// Headers returns a copy of the manifest.
func (b *Bundle) Headers() manifest.Manifest {
	b.meta.RLock()
	defer b.meta.RUnlock()
	return b.headers.Clone()
}

func (b *Bundle) manifest() manifest.Manifest {
	b.meta.RLock()
	defer b.meta.RUnlock()
	return b.headers
}

func (b *Bundle) library() loader.Library {
	b.meta.RLock()
	defer b.meta.RUnlock()
	return b.lib
}

// LastModified returns when the bundle was installed or last updated.
func (b *Bundle) LastModified() time.Time {
	b.meta.RLock()
	defer b.meta.RUnlock()
	return b.lastModified
}

// Autostart returns the persisted autostart setting.
func (b *Bundle) Autostart() AutostartSetting {
	b.meta.RLock()
	defer b.meta.RUnlock()
	return b.autostart
}

func (b *Bundle) setAutostart(a AutostartSetting) {
	b.meta.Lock()
	b.autostart = a
	b.meta.Unlock()
}

// Context returns the bundle's context while it is STARTING, ACTIVE or
// STOPPING, else nil.
func (b *Bundle) Context() *BundleContext { return b.ctx.Load() }

// Property returns a framework property.
func (b *Bundle) Property(key string) any { return b.core.props.Value(key) }

// RegisteredServices returns the services this bundle has registered.
func (b *Bundle) RegisteredServices() []ServiceReference {
	regs := b.core.services.registeredBy(b)
	out := make([]ServiceReference, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.Reference())
	}
	return out
}

// ServicesInUse returns the services this bundle currently holds.
func (b *Bundle) ServicesInUse() []ServiceReference {
	regs := b.core.services.usedBy(b)
	out := make([]ServiceReference, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.Reference())
	}
	return out
}

func (b *Bundle) String() string {
	return fmt.Sprintf("Bundle[id=%d, name=%s, version=%s, state=%s]", b.id, b.SymbolicName(), b.Version(), b.State())
}

// beginOperation claims the operation marker, waiting for a running
// operation to finish. The wait is bounded by the operation timeout so a
// reentrant call from an activator or listener fails instead of
// deadlocking.
func (b *Bundle) beginOperation(op bundleOperation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.operation != opIdle {
		timeout := b.core.config.OperationTimeout
		deadline := time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		defer timer.Stop()
		for b.operation != opIdle {
			if !time.Now().Before(deadline) {
				return newBundleError(b, op.String(), ErrState,
					fmt.Errorf("timed out after %s waiting for %s to finish", timeout, b.operation))
			}
			b.cond.Wait()
		}
	}
	b.operation = op
	return nil
}

func (b *Bundle) endOperation() {
	b.mu.Lock()
	b.operation = opIdle
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *Bundle) fire(t BundleEventType) {
	b.core.listeners.bundleChanged(BundleEvent{Type: t, Bundle: b, Origin: b})
}

func (b *Bundle) frameworkError(msg string, err error) {
	b.core.listeners.frameworkEvent(FrameworkEvent{Type: FrameworkError, Bundle: b, Message: msg, Err: err})
}

// Start resolves the bundle if needed and runs its activator. Starting an
// ACTIVE bundle is a no-op. An activator error rolls the bundle back to
// RESOLVED and is returned.
func (b *Bundle) Start(opts ...StartOptions) error {
	if b.system {
		return b.core.framework.Start()
	}
	var o StartOptions
	for _, opt := range opts {
		o |= opt
	}
	if err := b.beginOperation(opActivating); err != nil {
		return err
	}
	defer b.endOperation()
	return b.start0(o)
}

func (b *Bundle) start0(o StartOptions) error {
	switch b.State() {
	case StateUninstalled:
		return newBundleError(b, "start", ErrState, errors.New("bundle is uninstalled"))
	case StateStopping:
		return newBundleError(b, "start", ErrState, errors.New("bundle is stopping"))
	case StateActive, StateStarting:
		if o&StartTransient == 0 {
			b.setAutostart(b.autostartFor(o))
		}
		return nil
	}
	if !b.core.framework.State().In(StateStarting | StateActive) {
		return newBundleError(b, "start", ErrState, errors.New("framework is not running"))
	}
	if o&StartTransient == 0 {
		b.setAutostart(b.autostartFor(o))
	}
	if err := b.resolve(); err != nil {
		return err
	}
	if o&StartActivationPolicy != 0 && b.manifest().Lazy() {
		b.fire(BundleLazyActivation)
	}
	return b.activate()
}

func (b *Bundle) autostartFor(o StartOptions) AutostartSetting {
	if o&StartActivationPolicy != 0 {
		return AutostartDeclared
	}
	return AutostartEager
}

// resolve moves an INSTALLED bundle to RESOLVED once every bundle named
// in bundle.requires is installed.
func (b *Bundle) resolve() error {
	if b.State() != StateInstalled {
		return nil
	}
	for _, name := range b.manifest().Requires() {
		if len(b.core.bundles.withSymbolicName(name)) == 0 {
			err := newBundleError(b, "resolve", ErrResolve, fmt.Errorf("required bundle %q is not installed", name))
			b.frameworkError("bundle could not be resolved", err)
			return err
		}
	}
	b.setState(StateResolved)
	b.core.logger.Debug("Bundle resolved", "bundle", b.SymbolicName(), "id", b.id)
	b.fire(BundleResolved)
	return nil
}

func (b *Bundle) activate() error {
	b.setState(StateStarting)
	ctx := newBundleContext(b)
	b.ctx.Store(ctx)
	b.fire(BundleStarting)

	var err error
	if b.manifest().HasActivator() {
		var act BundleActivator
		act, err = b.loadActivator()
		if err == nil {
			b.activator = act
			err = b.callActivator("start", act.Start, ctx)
		}
	}
	if err != nil {
		b.startFailed(err)
		return err
	}

	b.setState(StateActive)
	b.core.logger.Info("Bundle started", "bundle", b.SymbolicName(), "id", b.id, "location", b.Location())
	b.fire(BundleStarted)
	return nil
}

// startFailed rolls a failed activation back to RESOLVED.
func (b *Bundle) startFailed(err error) {
	b.setState(StateStopping)
	b.fire(BundleStopping)
	b.releaseResources()
	b.activator = nil
	b.setState(StateResolved)
	b.fire(BundleStopped)
	b.frameworkError("bundle failed to start", err)
}

func (b *Bundle) loadActivator() (BundleActivator, error) {
	lib := b.library()
	if lib == nil {
		return nil, newBundleError(b, "start", ErrNoActivator, errors.New("bundle has no library"))
	}
	sym, err := lib.Lookup(loader.ActivatorSymbol(b.SymbolicName()))
	if err != nil {
		return nil, newBundleError(b, "start", ErrNoActivator, err)
	}
	var act BundleActivator
	switch f := sym.(type) {
	case ActivatorFactory:
		act = f()
	case func() BundleActivator:
		act = f()
	case *ActivatorFactory:
		act = (*f)()
	case *func() BundleActivator:
		act = (*f)()
	case BundleActivator:
		act = f
	default:
		return nil, newBundleError(b, "start", ErrNoActivator, fmt.Errorf("symbol has unexpected type %T", sym))
	}
	if act == nil {
		return nil, newBundleError(b, "start", ErrNoActivator, errors.New("activator factory returned nil"))
	}
	return act, nil
}

func (b *Bundle) callActivator(op string, fn func(*BundleContext) error, ctx *BundleContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newBundleError(b, op, ErrActivator, panicError(r))
		}
	}()
	if err := fn(ctx); err != nil {
		return newBundleError(b, op, ErrActivator, err)
	}
	return nil
}

// Stop runs the activator's Stop and then unconditionally unregisters the
// bundle's services, releases the services it used and removes its
// listeners. The activator's error, if any, is returned afterwards.
func (b *Bundle) Stop(opts ...StopOptions) error {
	if b.system {
		return b.core.framework.Stop()
	}
	var o StopOptions
	for _, opt := range opts {
		o |= opt
	}
	if err := b.beginOperation(opDeactivating); err != nil {
		return err
	}
	defer b.endOperation()
	return b.stop0(o)
}

func (b *Bundle) stop0(o StopOptions) error {
	state := b.State()
	if state == StateUninstalled {
		return newBundleError(b, "stop", ErrState, errors.New("bundle is uninstalled"))
	}
	if o&StopTransient == 0 {
		b.setAutostart(AutostartStopped)
	}
	if !state.In(StateStarting | StateActive) {
		return nil
	}
	return b.deactivate()
}

func (b *Bundle) deactivate() error {
	b.setState(StateStopping)
	b.fire(BundleStopping)

	var err error
	if act := b.activator; act != nil {
		err = b.callActivator("stop", act.Stop, b.ctx.Load())
	}
	b.activator = nil
	b.releaseResources()

	b.setState(StateResolved)
	b.core.logger.Info("Bundle stopped", "bundle", b.SymbolicName(), "id", b.id, "location", b.Location())
	b.fire(BundleStopped)
	if err != nil {
		b.frameworkError("bundle activator failed to stop", err)
	}
	return err
}

// releaseResources invalidates the bundle's context, which drops its
// listeners and refuses further registrations, then unregisters its
// services and releases the ones it used.
func (b *Bundle) releaseResources() {
	if ctx := b.ctx.Swap(nil); ctx != nil {
		ctx.invalidate()
	}
	b.core.services.unregisterAll(b)
	b.core.services.releaseAll(b)
}

// Update reloads the bundle, from location when given. An active bundle
// is stopped, reloaded and started again.
func (b *Bundle) Update(location ...string) error {
	if b.system {
		return b.core.framework.Update()
	}
	if err := b.beginOperation(opUpdating); err != nil {
		return err
	}
	defer b.endOperation()

	state := b.State()
	if state == StateUninstalled {
		return newBundleError(b, "update", ErrState, errors.New("bundle is uninstalled"))
	}
	wasActive := state.In(StateStarting | StateActive)
	if wasActive {
		if err := b.deactivate(); err != nil {
			b.core.logger.Warn("Bundle stop failed during update", "bundle", b.SymbolicName(), "id", b.id, "error", err)
		}
	}

	oldLocation := b.Location()
	newLocation := oldLocation
	if len(location) > 0 && location[0] != "" {
		newLocation = location[0]
	}

	lib, headers, err := b.core.bundles.load(newLocation, nil)
	if err == nil {
		err = b.core.bundles.relocate(b, oldLocation, newLocation, headers)
		if err != nil {
			_ = lib.Close()
		}
	}
	if err != nil {
		err = newBundleError(b, "update", ErrInstall, err)
		b.frameworkError("bundle update failed", err)
		if wasActive {
			if serr := b.start0(StartTransient); serr != nil {
				b.core.logger.Error("Bundle restart after failed update failed", "bundle", b.SymbolicName(), "id", b.id, "error", serr)
			}
		}
		return err
	}

	b.meta.Lock()
	old := b.lib
	b.lib = lib
	b.headers = headers
	b.location = newLocation
	b.lastModified = time.Now()
	b.meta.Unlock()
	if old != nil && old != lib {
		_ = old.Close()
	}

	if b.State() == StateResolved {
		b.setState(StateInstalled)
		b.fire(BundleUnresolved)
	}
	b.core.logger.Info("Bundle updated", "bundle", b.SymbolicName(), "id", b.id, "location", newLocation)
	b.fire(BundleUpdated)

	if wasActive {
		return b.start0(StartTransient)
	}
	return nil
}

// Uninstall stops the bundle if needed and removes it from the framework.
func (b *Bundle) Uninstall() error {
	if b.system {
		return newBundleError(b, "uninstall", ErrState, errors.New("the system bundle cannot be uninstalled"))
	}
	if err := b.beginOperation(opUninstalling); err != nil {
		return err
	}
	defer b.endOperation()

	state := b.State()
	if state == StateUninstalled {
		return newBundleError(b, "uninstall", ErrState, errors.New("bundle is already uninstalled"))
	}
	if state.In(StateStarting | StateActive | StateStopping) {
		if err := b.deactivate(); err != nil {
			b.core.logger.Warn("Bundle stop failed during uninstall", "bundle", b.SymbolicName(), "id", b.id, "error", err)
		}
	}

	b.core.bundles.remove(b)
	if b.State() == StateResolved {
		b.fire(BundleUnresolved)
	}
	b.setState(StateUninstalled)

	if lib := b.library(); lib != nil {
		if err := lib.Close(); err != nil {
			b.core.logger.Warn("Failed to close bundle library", "bundle", b.SymbolicName(), "id", b.id, "error", err)
		}
	}
	b.core.logger.Info("Bundle uninstalled", "bundle", b.SymbolicName(), "id", b.id, "location", b.Location())
	b.fire(BundleUninstalled)
	return nil
}

func sortBundles(bs []*Bundle) {
	slices.SortFunc(bs, func(a, b *Bundle) int { return cmp.Compare(a.id, b.id) })
}
