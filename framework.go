package osgi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/osgi/manifest"
)

// Framework is the system bundle: bundle 0, which owns the registries of
// one framework instance and drives its startup and shutdown.
//
// Bundle methods are promoted from the embedded system bundle; Start, Stop,
// Update and Uninstall are overridden with framework semantics.
type Framework struct {
	*Bundle

	observers     []*observerRegistration
	observerMutex sync.RWMutex

	stopMu       sync.Mutex
	stop         *stopSignal
	shuttingDown bool
}

// stopSignal is completed once per framework run with the event
// WaitForStop reports.
type stopSignal struct {
	done  chan struct{}
	event FrameworkEvent
}

func newStopSignal() *stopSignal {
	return &stopSignal{done: make(chan struct{})}
}

func (s *stopSignal) completed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// NewFramework creates a framework from launch properties. The framework
// is INSTALLED; call Init or Start to run it.
func NewFramework(configuration map[string]any, opts ...Option) (*Framework, error) {
	b := &frameworkBuilder{}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	cfg, err := LoadFrameworkConfig(configuration)
	if err != nil {
		return nil, err
	}
	return b.build(cfg, configuration)
}

func systemManifest() manifest.Manifest {
	return manifest.Manifest{
		manifest.SymbolicName: SystemBundleSymbolicName,
		manifest.Version:      FrameworkVersionValue,
		manifest.Name:         SystemBundleLocation,
		manifest.Vendor:       FrameworkVendorValue,
	}
}

// Init moves the framework to STARTING: registries are created and the
// system bundle gets a context, but no bundle is installed or started
// yet. It is a no-op on a framework that is starting or active.
func (f *Framework) Init() error {
	if err := f.beginOperation(opInitializing); err != nil {
		return err
	}
	defer f.endOperation()
	return f.init0()
}

func (f *Framework) init0() error {
	switch f.State() {
	case StateStarting, StateActive:
		return nil
	case StateStopping, StateUninstalled:
		return newBundleError(f.Bundle, "init", ErrState, fmt.Errorf("framework is %s", f.State()))
	}

	f.stopMu.Lock()
	if f.stop.completed() {
		f.stop = newStopSignal()
	}
	f.stopMu.Unlock()

	f.setState(StateStarting)
	f.core.init()
	f.ctx.Store(newBundleContext(f.Bundle))
	f.core.logger.Info("Framework initialized", "uuid", f.core.config.UUID, "version", FrameworkVersionValue)
	f.fire(BundleStarting)
	f.core.listeners.frameworkEvent(FrameworkEvent{Type: FrameworkStarting, Bundle: f.Bundle})
	return nil
}

// Start initializes the framework if needed, installs the bundles named
// by framework.bundles.install (starting them when
// framework.bundles.autostart is set) and moves the framework to ACTIVE.
// Failures of individual bundles are reported as FrameworkEvent(ERROR)
// and do not fail Start.
func (f *Framework) Start() error {
	if err := f.beginOperation(opActivating); err != nil {
		return err
	}
	defer f.endOperation()

	if err := f.init0(); err != nil {
		return err
	}
	if f.State() == StateActive {
		return nil
	}

	f.installConfiguredBundles()

	f.setState(StateActive)
	f.core.logger.Info("Framework started", "uuid", f.core.config.UUID, "bundles", len(f.core.bundles.list())-1)
	f.fire(BundleStarted)
	f.core.listeners.frameworkEvent(FrameworkEvent{Type: FrameworkStarted, Bundle: f.Bundle})
	return nil
}

func (f *Framework) installConfiguredBundles() {
	for _, location := range f.core.config.InstallBundles {
		b, err := f.core.bundles.install(location, nil, f.Bundle)
		if err != nil {
			f.core.listeners.frameworkEvent(FrameworkEvent{
				Type:    FrameworkError,
				Bundle:  f.Bundle,
				Message: "failed to install " + location,
				Err:     err,
			})
			continue
		}
		if !f.core.config.AutoStart {
			continue
		}
		// activation failures are already reported by the bundle
		if err := b.Start(); err != nil {
			f.core.logger.Warn("Configured bundle failed to start", "bundle", b.SymbolicName(), "id", b.id, "error", err)
		}
	}
}

// Stop shuts the framework down: every active bundle is stopped in
// descending id order, the registries are torn down and the framework
// returns to RESOLVED. With framework.threading enabled the shutdown
// runs on its own goroutine and Stop returns immediately; use
// WaitForStop to wait for it.
func (f *Framework) Stop() error {
	f.shutdown(false)
	return nil
}

// Update stops the framework like Stop and then starts it again. The
// restart waits on the same signal as Stop and completes with
// FrameworkStoppedUpdate.
func (f *Framework) Update() error {
	f.shutdown(true)
	return nil
}

// Uninstall always fails: the system bundle cannot be uninstalled.
func (f *Framework) Uninstall() error {
	return newBundleError(f.Bundle, "uninstall", ErrState, errors.New("the system bundle cannot be uninstalled"))
}

func (f *Framework) shutdown(restart bool) {
	f.stopMu.Lock()
	state := f.State()
	switch {
	case state.In(StateInstalled | StateResolved):
		f.completeStopLocked(f.stopEvent(restart))
		f.stopMu.Unlock()
		return
	case !state.In(StateStarting|StateActive) || f.shuttingDown:
		// already shutting down
		f.stopMu.Unlock()
		return
	}
	f.shuttingDown = true
	f.stopMu.Unlock()

	if f.core.config.Threading {
		go f.shutdown0(restart)
		return
	}
	f.shutdown0(restart)
}

func (f *Framework) shutdown0(restart bool) {
	claimed := false
	defer func() {
		if r := recover(); r != nil {
			if claimed {
				f.setState(StateResolved)
				f.endOperation()
			}
			err := newBundleError(f.Bundle, "shutdown", ErrFramework, panicError(r))
			f.core.logger.Error("Framework shutdown failed", "error", err)
			f.completeStop(FrameworkEvent{Type: FrameworkError, Bundle: f.Bundle, Message: "framework shutdown failed", Err: err})
		}
	}()

	op := "stop"
	if restart {
		op = "update"
	}
	if err := f.beginOperation(opShuttingDown); err != nil {
		f.core.logger.Error("Framework shutdown failed", "op", op, "error", err)
		f.completeStop(FrameworkEvent{Type: FrameworkError, Bundle: f.Bundle, Message: "framework " + op + " failed", Err: err})
		return
	}
	claimed = true

	wasActive := f.State() == StateActive
	f.setState(StateStopping)
	f.core.logger.Info("Framework stopping", "uuid", f.core.config.UUID, "restart", restart)
	f.fire(BundleStopping)
	f.core.listeners.frameworkEvent(FrameworkEvent{Type: FrameworkStopping, Bundle: f.Bundle})
	f.stopAllBundles()
	f.core.uninit()
	f.setState(StateResolved)
	claimed = false
	f.endOperation()

	evt := f.stopEvent(restart)
	f.core.logger.Info("Framework stopped", "uuid", f.core.config.UUID, "event", evt.Type)
	f.core.notifyObservers(func() CloudEvent { return frameworkCloudEvent(evt) })
	f.completeStop(evt)

	if !restart {
		return
	}
	var err error
	if wasActive {
		err = f.Start()
	} else {
		err = f.Init()
	}
	if err != nil {
		f.core.logger.Error("Framework restart failed", "error", err)
	}
}

func (f *Framework) stopEvent(restart bool) FrameworkEvent {
	if restart {
		return FrameworkEvent{Type: FrameworkStoppedUpdate, Bundle: f.Bundle}
	}
	return FrameworkEvent{Type: FrameworkStopped, Bundle: f.Bundle}
}

// stopAllBundles stops active bundles in descending id order without
// changing their autostart settings.
func (f *Framework) stopAllBundles() {
	active := f.core.bundles.active()
	for i := len(active) - 1; i >= 0; i-- {
		b := active[i]
		if !b.State().In(StateStarting | StateActive) {
			continue
		}
		err := b.Stop(StopTransient)
		if err == nil || errors.Is(err, ErrActivator) {
			// activator failures are already reported by the bundle
			continue
		}
		f.core.listeners.frameworkEvent(FrameworkEvent{
			Type:    FrameworkError,
			Bundle:  b,
			Message: "failed to stop bundle during shutdown",
			Err:     err,
		})
	}
}

func (f *Framework) completeStop(evt FrameworkEvent) {
	f.stopMu.Lock()
	defer f.stopMu.Unlock()
	f.completeStopLocked(evt)
}

func (f *Framework) completeStopLocked(evt FrameworkEvent) {
	f.shuttingDown = false
	if f.stop.completed() {
		f.stop = newStopSignal()
	}
	f.stop.event = evt
	close(f.stop.done)
}

// WaitForStop blocks until the framework has completely stopped and
// returns the event describing why: FrameworkStopped,
// FrameworkStoppedUpdate or FrameworkError. A timeout of zero waits
// forever; when a positive timeout expires first the result is
// FrameworkWaitTimedOut and the shutdown carries on. A framework that was
// never started reports FrameworkError.
func (f *Framework) WaitForStop(timeout time.Duration) FrameworkEvent {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f.WaitForStopContext(ctx)
}

// WaitForStopContext is WaitForStop bounded by ctx instead of a timeout.
func (f *Framework) WaitForStopContext(ctx context.Context) FrameworkEvent {
	f.stopMu.Lock()
	s := f.stop
	f.stopMu.Unlock()

	select {
	case <-s.done:
		return s.event
	case <-ctx.Done():
		return FrameworkEvent{Type: FrameworkWaitTimedOut, Bundle: f.Bundle, Err: ctx.Err()}
	}
}

// BundleContext returns the system bundle's context, or nil while the
// framework is not initialized.
func (f *Framework) BundleContext() *BundleContext {
	return f.Context()
}

// Properties returns a copy of the framework properties.
func (f *Framework) Properties() map[string]any {
	return f.core.props.ToMap()
}

// Config returns the resolved framework configuration.
func (f *Framework) Config() FrameworkConfig {
	cfg := *f.core.config
	cfg.InstallBundles = append([]string(nil), cfg.InstallBundles...)
	return cfg
}

// Logger returns the framework's logger.
func (f *Framework) Logger() Logger {
	return f.core.logger
}
