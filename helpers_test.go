package osgi

import (
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/osgi/loader"
	"github.com/GoCodeAlone/osgi/manifest"
)

// testActivator counts calls and delegates to optional hooks.
type testActivator struct {
	onStart func(ctx *BundleContext) error
	onStop  func(ctx *BundleContext) error
	starts  atomic.Int32
	stops   atomic.Int32
}

func (a *testActivator) Start(ctx *BundleContext) error {
	a.starts.Add(1)
	if a.onStart != nil {
		return a.onStart(ctx)
	}
	return nil
}

func (a *testActivator) Stop(ctx *BundleContext) error {
	a.stops.Add(1)
	if a.onStop != nil {
		return a.onStop(ctx)
	}
	return nil
}

type testEnv struct {
	t      *testing.T
	fw     *Framework
	static *loader.Static
}

func newTestEnv(t *testing.T, configuration map[string]any, opts ...Option) *testEnv {
	t.Helper()
	static := loader.NewStatic()
	cfg := map[string]any{FrameworkThreading: false}
	maps.Copy(cfg, configuration)
	opts = append([]Option{WithLogger(DiscardLogger()), WithLoader(static)}, opts...)
	fw, err := NewFramework(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = fw.Stop()
		fw.WaitForStop(5 * time.Second)
	})
	return &testEnv{t: t, fw: fw, static: static}
}

// started returns an active framework's system context.
func (e *testEnv) started() *BundleContext {
	e.t.Helper()
	require.NoError(e.t, e.fw.Start())
	ctx := e.fw.BundleContext()
	require.NotNil(e.t, ctx)
	return ctx
}

// register publishes a static library for name and returns its location.
func (e *testEnv) register(name string, act BundleActivator, headers map[string]any) string {
	location := "mem://" + name
	m := map[string]any{
		manifest.SymbolicName: name,
		manifest.Version:      "1.0.0",
		manifest.Activator:    act != nil,
	}
	maps.Copy(m, headers)
	symbols := map[string]any{loader.ManifestSymbol: m}
	if act != nil {
		symbols[loader.ActivatorSymbol(name)] = ActivatorFactory(func() BundleActivator { return act })
	}
	e.static.Register(location, symbols)
	return location
}

func (e *testEnv) install(name string, act BundleActivator) *Bundle {
	e.t.Helper()
	return e.installWith(name, act, nil)
}

func (e *testEnv) installWith(name string, act BundleActivator, headers map[string]any) *Bundle {
	e.t.Helper()
	b, err := e.fw.BundleContext().InstallBundle(e.register(name, act, headers))
	require.NoError(e.t, err)
	return b
}

// eventLog collects events from listeners that may run on any goroutine.
type eventLog[E any] struct {
	mu     sync.Mutex
	events []E
}

func (l *eventLog[E]) add(e E) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog[E]) all() []E {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]E(nil), l.events...)
}
