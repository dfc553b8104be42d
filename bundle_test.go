package osgi

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/osgi/manifest"
)

func TestBundleLifecycleStateSequence(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()

	var states eventLog[BundleState]
	var types eventLog[BundleEventType]
	_, err := sys.AddBundleListener(func(evt BundleEvent) {
		if evt.Bundle.SymbolicName() != "seq" {
			return
		}
		types.add(evt.Type)
		states.add(evt.Bundle.State())
	}, "")
	require.NoError(t, err)

	b := env.install("seq", &testActivator{})
	require.NoError(t, b.Start())
	require.NoError(t, b.Stop())
	require.NoError(t, b.Uninstall())

	assert.Equal(t, []BundleEventType{
		BundleInstalled, BundleResolved, BundleStarting, BundleStarted,
		BundleStopping, BundleStopped, BundleUnresolved, BundleUninstalled,
	}, types.all())

	var seen []BundleState
	for _, s := range states.all() {
		if len(seen) == 0 || seen[len(seen)-1] != s {
			seen = append(seen, s)
		}
	}
	assert.Equal(t, []BundleState{
		StateInstalled, StateResolved, StateStarting, StateActive,
		StateStopping, StateResolved, StateUninstalled,
	}, seen)
}

func TestBundleStartIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.started()
	act := &testActivator{}
	b := env.install("idem", act)

	require.NoError(t, b.Start())
	require.NoError(t, b.Start())

	assert.Equal(t, StateActive, b.State())
	assert.Equal(t, int32(1), act.starts.Load())
}

func TestBundleStartFailureRollsBack(t *testing.T) {
	tests := []struct {
		name    string
		onStart func(ctx *BundleContext) error
	}{
		{"error", func(ctx *BundleContext) error {
			_, _ = ctx.RegisterService([]string{"svc.Leak"}, "x", nil)
			return errors.New("boom")
		}},
		{"panic", func(ctx *BundleContext) error {
			_, _ = ctx.RegisterService([]string{"svc.Leak"}, "x", nil)
			panic("kaboom")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			sys := env.started()
			var fwEvents eventLog[FrameworkEvent]
			_, err := sys.AddFrameworkListener(fwEvents.add, "")
			require.NoError(t, err)

			b := env.install("failing", &testActivator{onStart: tt.onStart})
			err = b.Start()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrActivator)

			var be *BundleError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, b.ID(), be.BundleID)

			assert.Equal(t, StateResolved, b.State())
			assert.Nil(t, b.Context())
			refs, err := sys.GetServiceReferences("svc.Leak", "")
			require.NoError(t, err)
			assert.Empty(t, refs)

			events := fwEvents.all()
			require.NotEmpty(t, events)
			last := events[len(events)-1]
			assert.Equal(t, FrameworkError, last.Type)
			assert.Equal(t, b, last.Bundle)
		})
	}
}

func TestBundleStopCleansUpWhenActivatorFails(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()

	var bundleCtx *BundleContext
	act := &testActivator{
		onStart: func(ctx *BundleContext) error {
			bundleCtx = ctx
			for _, class := range []string{"svc.A", "svc.B", "svc.C"} {
				if _, err := ctx.RegisterService([]string{class}, class, nil); err != nil {
					return err
				}
			}
			if _, err := ctx.AddServiceListener(func(ServiceEvent) {}, ""); err != nil {
				return err
			}
			_, err := ctx.AddBundleListener(func(BundleEvent) {}, "")
			return err
		},
		onStop: func(*BundleContext) error { return errors.New("stop failed") },
	}
	b := env.install("leaky", act)
	require.NoError(t, b.Start())
	assert.Len(t, b.RegisteredServices(), 3)
	assert.Equal(t, 2, env.fw.core.listeners.count(bundleCtx))

	err := b.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrActivator)

	assert.Equal(t, StateResolved, b.State())
	assert.Empty(t, b.RegisteredServices())
	assert.Equal(t, 0, env.fw.core.listeners.count(bundleCtx))
	assert.False(t, bundleCtx.IsValid())
	for _, class := range []string{"svc.A", "svc.B", "svc.C"} {
		refs, err := sys.GetServiceReferences(class, "")
		require.NoError(t, err)
		assert.Empty(t, refs, class)
	}

	_, err = bundleCtx.RegisterService([]string{"svc.D"}, "d", nil)
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestStoppingBundleCannotRepublishServices(t *testing.T) {
	tests := []struct {
		name    string
		failing bool
	}{
		{"stop", false},
		{"start failure", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			sys := env.started()

			var bundleCtx *BundleContext
			act := &testActivator{onStart: func(ctx *BundleContext) error {
				bundleCtx = ctx
				if _, err := ctx.RegisterService([]string{"svc.A"}, "a", nil); err != nil {
					return err
				}
				_, err := ctx.AddServiceListener(func(evt ServiceEvent) {
					if evt.Type == ServiceUnregistering {
						_, _ = ctx.RegisterService([]string{"svc.Fallback"}, "own", nil)
					}
				}, "(objectClass=svc.A)")
				if err != nil {
					return err
				}
				if tt.failing {
					return errors.New("boom")
				}
				return nil
			}}

			var lateErrs eventLog[error]
			_, err := sys.AddServiceListener(func(evt ServiceEvent) {
				if evt.Type == ServiceUnregistering {
					_, err := bundleCtx.RegisterService([]string{"svc.Fallback"}, "foreign", nil)
					lateErrs.add(err)
				}
			}, "(objectClass=svc.A)")
			require.NoError(t, err)

			b := env.install("republisher", act)
			if tt.failing {
				require.ErrorIs(t, b.Start(), ErrActivator)
			} else {
				require.NoError(t, b.Start())
				require.NoError(t, b.Stop())
			}

			assert.Equal(t, StateResolved, b.State())
			assert.Empty(t, b.RegisteredServices())
			refs, err := sys.GetServiceReferences("svc.Fallback", "")
			require.NoError(t, err)
			assert.Empty(t, refs)

			errs := lateErrs.all()
			require.Len(t, errs, 1)
			assert.ErrorIs(t, errs[0], ErrInvalidContext)
		})
	}
}

func TestBundleStopReleasesServicesInUse(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	reg, err := sys.RegisterService([]string{"svc.Shared"}, "shared", nil)
	require.NoError(t, err)

	act := &testActivator{onStart: func(ctx *BundleContext) error {
		ref, err := ctx.GetServiceReference("svc.Shared")
		if err != nil {
			return err
		}
		ctx.GetService(ref)
		ctx.GetService(ref)
		return nil
	}}
	b := env.install("consumer", act)
	require.NoError(t, b.Start())
	assert.Equal(t, []*Bundle{b}, reg.Reference().UsingBundles())
	assert.Len(t, b.ServicesInUse(), 1)

	require.NoError(t, b.Stop())
	assert.Empty(t, reg.Reference().UsingBundles())
	assert.Empty(t, b.ServicesInUse())
}

func TestUninstalledBundleIsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	b := env.install("gone", nil)
	id, location := b.ID(), b.Location()

	require.NoError(t, b.Uninstall())

	_, err := sys.GetBundle(id)
	assert.ErrorIs(t, err, ErrBundleNotFound)
	_, err = sys.GetBundleByLocation(location)
	assert.ErrorIs(t, err, ErrBundleNotFound)

	assert.Equal(t, StateUninstalled, b.State())
	assert.Equal(t, id, b.ID())
	assert.Equal(t, location, b.Location())

	assert.ErrorIs(t, b.Uninstall(), ErrState)
	assert.ErrorIs(t, b.Start(), ErrState)
	assert.ErrorIs(t, b.Stop(), ErrState)
}

func TestBundleIDsAreNeverReused(t *testing.T) {
	env := newTestEnv(t, nil)
	env.started()
	a := env.install("a", nil)
	require.NoError(t, a.Uninstall())
	b := env.install("b", nil)
	assert.Equal(t, int64(1), a.ID())
	assert.Equal(t, int64(2), b.ID())
}

func TestInstallSameLocationReturnsSameBundle(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	location := env.register("twice", nil, nil)

	var wg sync.WaitGroup
	results := make([]*Bundle, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := sys.InstallBundle(location)
			assert.NoError(t, err)
			results[i] = b
		}()
	}
	wg.Wait()
	for _, b := range results {
		assert.Same(t, results[0], b)
	}
	bundles, err := sys.Bundles()
	require.NoError(t, err)
	assert.Len(t, bundles, 2)
}

func TestInstallErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	env.install("dup", nil)

	t.Run("duplicate symbolic name and version", func(t *testing.T) {
		env.static.Register("mem://dup-copy", map[string]any{
			"BundleManifest": map[string]any{manifest.SymbolicName: "dup", manifest.Version: "1.0.0"},
		})
		_, err := sys.InstallBundle("mem://dup-copy")
		assert.ErrorIs(t, err, ErrInstall)
		var be *BundleError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, int64(-1), be.BundleID)
	})

	t.Run("unknown location", func(t *testing.T) {
		_, err := sys.InstallBundle("mem://nowhere")
		assert.ErrorIs(t, err, ErrInstall)
	})

	t.Run("malformed manifest", func(t *testing.T) {
		_, err := sys.InstallBundle(env.register("bad", nil, nil), manifest.Manifest{manifest.Version: "1.0"})
		assert.ErrorIs(t, err, manifest.ErrMalformed)
	})

	t.Run("no manifest", func(t *testing.T) {
		env.static.Register("mem://bare", map[string]any{})
		_, err := sys.InstallBundle("mem://bare")
		assert.ErrorIs(t, err, ErrNoManifest)
	})

	t.Run("missing activator symbol", func(t *testing.T) {
		env.static.Register("mem://noact", map[string]any{
			"BundleManifest": map[string]any{manifest.SymbolicName: "noact", manifest.Activator: true},
		})
		b, err := sys.InstallBundle("mem://noact")
		require.NoError(t, err)
		err = b.Start()
		assert.ErrorIs(t, err, ErrNoActivator)
		assert.Equal(t, StateResolved, b.State())
	})
}

func TestResolveRequiresInstalledBundles(t *testing.T) {
	env := newTestEnv(t, nil)
	env.started()
	b := env.installWith("needs", &testActivator{}, map[string]any{manifest.Requires: []string{"provider"}})

	err := b.Start()
	assert.ErrorIs(t, err, ErrResolve)
	assert.Equal(t, StateInstalled, b.State())

	env.install("provider", nil)
	require.NoError(t, b.Start())
	assert.Equal(t, StateActive, b.State())
}

func TestStartWithActivationPolicy(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	var types eventLog[BundleEventType]
	_, err := sys.AddBundleListener(func(evt BundleEvent) {
		if evt.Bundle.SymbolicName() == "lazy" {
			types.add(evt.Type)
		}
	}, "(bundle.symbolic_name=lazy)")
	require.NoError(t, err)

	b := env.installWith("lazy", &testActivator{}, map[string]any{manifest.ActivationPolicy: manifest.PolicyLazy})
	require.NoError(t, b.Start(StartActivationPolicy))

	assert.Equal(t, StateActive, b.State())
	assert.Equal(t, AutostartDeclared, b.Autostart())
	assert.Equal(t, []BundleEventType{BundleInstalled, BundleResolved, BundleLazyActivation, BundleStarting, BundleStarted}, types.all())
}

func TestAutostartSetting(t *testing.T) {
	env := newTestEnv(t, nil)
	env.started()
	b := env.install("auto", &testActivator{})

	require.NoError(t, b.Start(StartTransient))
	assert.Equal(t, AutostartStopped, b.Autostart())
	require.NoError(t, b.Stop(StopTransient))

	require.NoError(t, b.Start())
	assert.Equal(t, AutostartEager, b.Autostart())
	require.NoError(t, b.Stop(StopTransient))
	assert.Equal(t, AutostartEager, b.Autostart())

	require.NoError(t, b.Start())
	require.NoError(t, b.Stop())
	assert.Equal(t, AutostartStopped, b.Autostart())
}

func TestBundleUpdateRestartsActiveBundle(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	act := &testActivator{}
	b := env.install("upd", act)
	require.NoError(t, b.Start())

	var types eventLog[BundleEventType]
	_, err := sys.AddBundleListener(func(evt BundleEvent) {
		if evt.Bundle == b {
			types.add(evt.Type)
		}
	}, "")
	require.NoError(t, err)

	env.static.Register("mem://upd-v2", map[string]any{
		"BundleManifest": map[string]any{manifest.SymbolicName: "upd", manifest.Version: "2.0.0", manifest.Activator: true},
		"CreateBundleActivator_upd": ActivatorFactory(func() BundleActivator { return act }),
	})
	require.NoError(t, b.Update("mem://upd-v2"))

	assert.Equal(t, StateActive, b.State())
	assert.Equal(t, "2.0.0", b.Version())
	assert.Equal(t, "mem://upd-v2", b.Location())
	assert.Equal(t, int32(2), act.starts.Load())
	assert.Equal(t, []BundleEventType{
		BundleStopping, BundleStopped, BundleUnresolved, BundleUpdated,
		BundleResolved, BundleStarting, BundleStarted,
	}, types.all())

	found, err := sys.GetBundleByLocation("mem://upd-v2")
	require.NoError(t, err)
	assert.Same(t, b, found)
	_, err = sys.GetBundleByLocation("mem://upd")
	assert.ErrorIs(t, err, ErrBundleNotFound)
}

func TestSystemBundle(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()

	b, err := sys.GetBundle(SystemBundleID)
	require.NoError(t, err)
	assert.Same(t, env.fw.Bundle, b)
	assert.Equal(t, SystemBundleSymbolicName, b.SymbolicName())
	assert.Equal(t, SystemBundleLocation, b.Location())
	assert.Equal(t, StateActive, b.State())
	assert.ErrorIs(t, b.Uninstall(), ErrState)
	assert.ErrorIs(t, env.fw.Uninstall(), ErrState)
}

func TestConcurrentStartStopIsSerialized(t *testing.T) {
	env := newTestEnv(t, nil)
	env.started()

	var inFlight, overlap atomic.Int32
	enter := func(*BundleContext) error {
		if inFlight.Add(1) > 1 {
			overlap.Add(1)
		}
		inFlight.Add(-1)
		return nil
	}
	act := &testActivator{onStart: enter, onStop: enter}
	b := env.install("busy", act)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, b.Start())
			} else {
				assert.NoError(t, b.Stop())
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, overlap.Load())
	starts, stops := act.starts.Load(), act.stops.Load()
	if b.State() == StateActive {
		assert.Equal(t, stops+1, starts)
	} else {
		assert.Equal(t, stops, starts)
	}
}

func TestReentrantOperationTimesOut(t *testing.T) {
	env := newTestEnv(t, map[string]any{FrameworkOperationTimeout: "50ms"})
	env.started()

	var stopErr error
	act := &testActivator{onStart: func(ctx *BundleContext) error {
		self, err := ctx.Bundle()
		if err != nil {
			return err
		}
		stopErr = self.Stop()
		return nil
	}}
	b := env.install("reentrant", act)
	require.NoError(t, b.Start())

	assert.ErrorIs(t, stopErr, ErrState)
	assert.Equal(t, StateActive, b.State())
}

func TestBundleContextQueries(t *testing.T) {
	env := newTestEnv(t, map[string]any{"custom.key": "custom"})
	sys := env.started()
	a := env.install("a", nil)
	b := env.install("b", nil)

	bundles, err := sys.Bundles()
	require.NoError(t, err)
	require.Len(t, bundles, 3)
	assert.Equal(t, []int64{0, a.ID(), b.ID()}, []int64{bundles[0].ID(), bundles[1].ID(), bundles[2].ID()})

	assert.Equal(t, FrameworkVersionValue, sys.Property(FrameworkVersion))
	assert.Equal(t, FrameworkVendorValue, sys.Property(FrameworkVendor))
	assert.NotEmpty(t, sys.Property(FrameworkUUID))
	assert.Equal(t, "custom", sys.Property("CUSTOM.KEY"))
	assert.Equal(t, "custom", a.Property("custom.key"))

	self, err := sys.Bundle()
	require.NoError(t, err)
	assert.Same(t, env.fw.Bundle, self)
}
