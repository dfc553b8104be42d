package osgi

import (
	"fmt"
	"sync/atomic"

	"github.com/GoCodeAlone/osgi/loader"
	"github.com/GoCodeAlone/osgi/props"
)

// coreContext is the state shared by every part of one framework instance.
// Nothing in the package is global: two frameworks in one process never
// see each other's bundles, services or listeners.
type coreContext struct {
	framework *Framework
	config    *FrameworkConfig
	props     props.Map
	logger    Logger
	loader    loader.Loader

	// ids are never reused, not even across a framework restart
	nextBundleID  atomic.Int64
	nextServiceID atomic.Int64

	bundles   *bundleRegistry
	services  *serviceRegistry
	listeners *serviceListeners
}

func newCoreContext(cfg *FrameworkConfig, configuration map[string]any, logger Logger, ldr loader.Loader) (*coreContext, error) {
	p, err := props.New(cfg.properties(configuration))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	c := &coreContext{
		config: cfg,
		props:  p,
		logger: logger,
		loader: ldr,
	}
	c.bundles = newBundleRegistry(c)
	c.services = newServiceRegistry(c)
	c.listeners = newServiceListeners(c)
	return c, nil
}

// init prepares empty registries holding only the system bundle.
func (c *coreContext) init() {
	c.listeners.reset()
	c.services.reset()
	c.bundles.reset()
	c.bundles.addSystem(c.framework.Bundle)
}

// uninit tears down the system bundle's context and drops every registry.
// Bundles still referenced by callers are detached and report
// StateUninstalled.
func (c *coreContext) uninit() {
	sys := c.framework.Bundle
	if ctx := sys.ctx.Swap(nil); ctx != nil {
		ctx.invalidate()
	}
	c.services.unregisterAll(sys)
	c.services.releaseAll(sys)

	for _, b := range c.bundles.list() {
		if b.system {
			continue
		}
		if ctx := b.ctx.Swap(nil); ctx != nil {
			ctx.invalidate()
		}
		b.setState(StateUninstalled)
		if lib := b.library(); lib != nil {
			if err := lib.Close(); err != nil {
				c.logger.Warn("Failed to close bundle library", "bundle", b.SymbolicName(), "id", b.id, "error", err)
			}
		}
	}

	c.listeners.reset()
	c.services.reset()
	c.bundles.reset()
}
