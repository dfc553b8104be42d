package osgi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameworkLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	fw := env.fw
	assert.Equal(t, StateInstalled, fw.State())
	assert.Nil(t, fw.BundleContext())

	require.NoError(t, fw.Init())
	assert.Equal(t, StateStarting, fw.State())
	require.NotNil(t, fw.BundleContext())
	require.NoError(t, fw.Init())

	var fwEvents eventLog[FrameworkEventType]
	_, err := fw.BundleContext().AddFrameworkListener(func(evt FrameworkEvent) { fwEvents.add(evt.Type) }, "")
	require.NoError(t, err)

	require.NoError(t, fw.Start())
	assert.Equal(t, StateActive, fw.State())
	require.NoError(t, fw.Start())
	assert.Equal(t, []FrameworkEventType{FrameworkStarted}, fwEvents.all())

	sys := fw.BundleContext()
	require.NoError(t, fw.Stop())
	evt := fw.WaitForStop(time.Second)
	assert.Equal(t, FrameworkStopped, evt.Type)
	assert.Same(t, fw.Bundle, evt.Bundle)
	assert.Equal(t, StateResolved, fw.State())
	assert.Nil(t, fw.BundleContext())
	assert.False(t, sys.IsValid())

	// stopping again completes immediately
	require.NoError(t, fw.Stop())
	assert.Equal(t, FrameworkStopped, fw.WaitForStop(time.Second).Type)
}

func TestWaitForStopBeforeStart(t *testing.T) {
	env := newTestEnv(t, nil)
	evt := env.fw.WaitForStop(time.Second)
	assert.Equal(t, FrameworkError, evt.Type)
}

func TestShutdownStopsBundlesInReverseIDOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.started()

	var mu sync.Mutex
	var stopped []int64
	bundles := make([]*Bundle, 5)
	for i := range bundles {
		var self *Bundle
		act := &testActivator{
			onStart: func(ctx *BundleContext) error {
				b, err := ctx.Bundle()
				self = b
				return err
			},
			onStop: func(*BundleContext) error {
				mu.Lock()
				stopped = append(stopped, self.ID())
				mu.Unlock()
				return nil
			},
		}
		bundles[i] = env.install(string(rune('a'+i)), act)
	}
	// start out of order; shutdown order only depends on ids
	for _, i := range []int{3, 0, 4, 1, 2} {
		require.NoError(t, bundles[i].Start())
	}

	require.NoError(t, env.fw.Stop())
	require.Equal(t, FrameworkStopped, env.fw.WaitForStop(time.Second).Type)

	assert.Equal(t, []int64{5, 4, 3, 2, 1}, stopped)
	for _, b := range bundles {
		assert.Equal(t, StateUninstalled, b.State())
		assert.Equal(t, AutostartEager, b.Autostart())
	}
}

func TestShutdownContinuesPastFailingBundles(t *testing.T) {
	env := newTestEnv(t, nil)
	env.started()
	failing := env.install("failing", &testActivator{onStop: func(*BundleContext) error { return errors.New("nope") }})
	healthy := &testActivator{}
	other := env.install("healthy", healthy)
	require.NoError(t, failing.Start())
	require.NoError(t, other.Start())

	require.NoError(t, env.fw.Stop())
	assert.Equal(t, FrameworkStopped, env.fw.WaitForStop(time.Second).Type)
	assert.Equal(t, int32(1), healthy.stops.Load())
}

func TestWaitForStopTimesOut(t *testing.T) {
	env := newTestEnv(t, map[string]any{FrameworkThreading: true})
	env.started()

	release := make(chan struct{})
	stopping := make(chan struct{})
	b := env.install("stuck", &testActivator{onStop: func(*BundleContext) error {
		close(stopping)
		<-release
		return nil
	}})
	require.NoError(t, b.Start())

	require.NoError(t, env.fw.Stop())
	<-stopping

	begin := time.Now()
	evt := env.fw.WaitForStop(100 * time.Millisecond)
	elapsed := time.Since(begin)
	assert.Equal(t, FrameworkWaitTimedOut, evt.Type)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, StateStopping, env.fw.State())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, FrameworkWaitTimedOut, env.fw.WaitForStopContext(ctx).Type)

	close(release)
	assert.Equal(t, FrameworkStopped, env.fw.WaitForStop(0).Type)
	assert.Equal(t, StateResolved, env.fw.State())
}

func TestFrameworkUpdateRestarts(t *testing.T) {
	var stops eventLog[string]
	env := newTestEnv(t, nil, WithObserverFunc("stops", func(_ context.Context, evt cloudevents.Event) error {
		stops.add(evt.Type())
		return nil
	}))
	location := env.register("boot", &testActivator{}, nil)
	env.fw.core.config.InstallBundles = []string{location}
	env.started()

	first, err := env.fw.BundleContext().GetBundleByLocation(location)
	require.NoError(t, err)
	assert.Equal(t, StateActive, first.State())

	require.NoError(t, env.fw.Update())
	assert.Contains(t, stops.all(), EventTypeFrameworkStoppedUpdate)
	assert.NotContains(t, stops.all(), EventTypeFrameworkStopped)

	// the restarted framework waits for its next stop
	assert.Equal(t, FrameworkWaitTimedOut, env.fw.WaitForStop(20*time.Millisecond).Type)
	assert.Equal(t, StateActive, env.fw.State())
	assert.Equal(t, StateUninstalled, first.State())
	second, err := env.fw.BundleContext().GetBundleByLocation(location)
	require.NoError(t, err)
	assert.Equal(t, StateActive, second.State())
	assert.Greater(t, second.ID(), first.ID())
}

func TestConfiguredBundles(t *testing.T) {
	t.Run("installed and started", func(t *testing.T) {
		env := newTestEnv(t, nil)
		act := &testActivator{}
		location := env.register("configured", act, nil)
		env.fw.core.config.InstallBundles = []string{location}
		sys := env.started()

		b, err := sys.GetBundleByLocation(location)
		require.NoError(t, err)
		assert.Equal(t, StateActive, b.State())
		assert.Equal(t, int32(1), act.starts.Load())
	})

	t.Run("autostart disabled", func(t *testing.T) {
		env := newTestEnv(t, map[string]any{FrameworkBundlesAutostart: false})
		location := env.register("configured", &testActivator{}, nil)
		env.fw.core.config.InstallBundles = []string{location}
		sys := env.started()

		b, err := sys.GetBundleByLocation(location)
		require.NoError(t, err)
		assert.Equal(t, StateInstalled, b.State())
	})

	t.Run("install failure reported", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.fw.core.config.InstallBundles = []string{"mem://missing"}
		require.NoError(t, env.fw.Init())
		var fwEvents eventLog[FrameworkEvent]
		_, err := env.fw.BundleContext().AddFrameworkListener(fwEvents.add, "")
		require.NoError(t, err)

		require.NoError(t, env.fw.Start())
		events := fwEvents.all()
		require.Len(t, events, 2)
		assert.Equal(t, FrameworkError, events[0].Type)
		assert.ErrorIs(t, events[0].Err, ErrInstall)
		assert.Equal(t, FrameworkStarted, events[1].Type)
	})
}

func TestListenerPanicIsIsolated(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()

	var fwEvents eventLog[FrameworkEvent]
	_, err := sys.AddFrameworkListener(fwEvents.add, "")
	require.NoError(t, err)
	_, err = sys.AddFrameworkListener(func(FrameworkEvent) { panic("framework listener") }, "")
	require.NoError(t, err)

	var reached bool
	_, err = sys.AddServiceListener(func(ServiceEvent) { panic("first") }, "")
	require.NoError(t, err)
	_, err = sys.AddServiceListener(func(ServiceEvent) { reached = true }, "")
	require.NoError(t, err)

	_, err = sys.RegisterService([]string{"svc.P"}, "p", nil)
	require.NoError(t, err)

	assert.True(t, reached)
	events := fwEvents.all()
	require.Len(t, events, 1)
	assert.Equal(t, FrameworkError, events[0].Type)
	assert.Same(t, env.fw.Bundle, events[0].Bundle)
	assert.ErrorIs(t, events[0].Err, ErrListener)
}

func TestRemoveListener(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	var count int
	token, err := sys.AddServiceListener(func(ServiceEvent) { count++ }, "")
	require.NoError(t, err)

	_, err = sys.RegisterService([]string{"svc.R"}, "r", nil)
	require.NoError(t, err)
	require.NoError(t, sys.RemoveListener(token))
	require.NoError(t, sys.RemoveListener(token))
	_, err = sys.RegisterService([]string{"svc.R"}, "r", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = sys.AddServiceListener(nil, "")
	assert.ErrorIs(t, err, ErrListenerNil)
	_, err = sys.AddServiceListener(func(ServiceEvent) {}, "(broken")
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestBundleAndFrameworkListenerFilters(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()

	var alphaStarted, secondBundle eventLog[BundleEventType]
	var failures eventLog[FrameworkEvent]
	_, err := sys.AddBundleListener(func(evt BundleEvent) { alphaStarted.add(evt.Type) }, "(&(bundle.symbolic_name=alpha)(event.type=STARTED))")
	require.NoError(t, err)
	_, err = sys.AddBundleListener(func(evt BundleEvent) { secondBundle.add(evt.Type) }, "(bundle.id=2)")
	require.NoError(t, err)
	_, err = sys.AddFrameworkListener(failures.add, "(&(bundle.symbolic_name=failing)(event.type=ERROR))")
	require.NoError(t, err)

	alpha := env.install("alpha", &testActivator{})
	beta := env.install("beta", &testActivator{})
	require.Equal(t, int64(2), beta.ID())
	require.NoError(t, alpha.Start())
	require.NoError(t, beta.Start())
	failing := env.install("failing", &testActivator{onStart: func(*BundleContext) error { return errors.New("boom") }})
	require.Error(t, failing.Start())

	assert.Equal(t, []BundleEventType{BundleStarted}, alphaStarted.all())
	assert.Equal(t, []BundleEventType{BundleInstalled, BundleResolved, BundleStarting, BundleStarted}, secondBundle.all())
	events := failures.all()
	require.Len(t, events, 1)
	assert.Equal(t, failing, events[0].Bundle)

	_, err = sys.AddBundleListener(func(BundleEvent) {}, "(broken")
	assert.ErrorIs(t, err, ErrInvalidFilter)
	_, err = sys.AddFrameworkListener(func(FrameworkEvent) {}, "(broken")
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestListenerRemovedDuringDeliveryIsSkipped(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	var second ListenerToken
	var secondCalled bool
	_, err := sys.AddServiceListener(func(ServiceEvent) { _ = sys.RemoveListener(second) }, "")
	require.NoError(t, err)
	second, err = sys.AddServiceListener(func(ServiceEvent) { secondCalled = true }, "")
	require.NoError(t, err)

	_, err = sys.RegisterService([]string{"svc.S"}, "s", nil)
	require.NoError(t, err)
	assert.False(t, secondCalled)
}

func TestFrameworksAreIndependent(t *testing.T) {
	one := newTestEnv(t, nil)
	two := newTestEnv(t, nil)
	ctxOne, ctxTwo := one.started(), two.started()

	_, err := ctxOne.RegisterService([]string{"svc.Iso"}, 1, nil)
	require.NoError(t, err)
	refs, err := ctxTwo.GetServiceReferences("svc.Iso", "")
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.NotEqual(t, ctxOne.Property(FrameworkUUID), ctxTwo.Property(FrameworkUUID))
}

func TestObserversReceiveCloudEvents(t *testing.T) {
	var mu sync.Mutex
	var types []string
	observer := NewFunctionalObserver("recorder", func(_ context.Context, evt cloudevents.Event) error {
		mu.Lock()
		types = append(types, evt.Type())
		mu.Unlock()
		return nil
	})
	env := newTestEnv(t, nil, WithObserver(observer, EventTypeBundleInstalled, EventTypeServiceRegistered, EventTypeFrameworkStopped))
	sys := env.started()

	env.install("observed", nil)
	_, err := sys.RegisterService([]string{"svc.O"}, "o", nil)
	require.NoError(t, err)
	require.NoError(t, env.fw.Stop())
	env.fw.WaitForStop(time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventTypeBundleInstalled, EventTypeServiceRegistered, EventTypeFrameworkStopped}, types)
}

func TestObserverPayloadAndRegistry(t *testing.T) {
	var got []cloudevents.Event
	env := newTestEnv(t, nil, WithObserverFunc("payload", func(_ context.Context, evt cloudevents.Event) error {
		if evt.Type() == EventTypeBundleStarted {
			got = append(got, evt)
		}
		return errors.New("observer errors are only logged")
	}))
	env.started()
	b := env.install("payload", &testActivator{})
	require.NoError(t, b.Start())

	require.Len(t, got, 2) // system bundle, then "payload"
	var data BundleEventData
	require.NoError(t, got[1].DataAs(&data))
	assert.Equal(t, b.ID(), data.BundleID)
	assert.Equal(t, "payload", data.SymbolicName)
	assert.Equal(t, "ACTIVE", data.State)
	assert.NoError(t, ValidateCloudEvent(got[1]))

	infos := env.fw.GetObservers()
	require.Len(t, infos, 1)
	assert.Equal(t, "payload", infos[0].ID)
	assert.Empty(t, infos[0].EventTypes)

	require.NoError(t, env.fw.UnregisterObserver(NewFunctionalObserver("payload", nil)))
	assert.Empty(t, env.fw.GetObservers())
	require.NoError(t, env.fw.UnregisterObserver(NewFunctionalObserver("payload", nil)))
}

func TestNewFrameworkRejectsBadConfiguration(t *testing.T) {
	_, err := NewFramework(map[string]any{FrameworkLogLevel: "loud"}, WithLogger(DiscardLogger()))
	assert.ErrorIs(t, err, ErrConfigInvalid)

	_, err = NewFramework(nil, WithLogger(nil))
	assert.Error(t, err)
}
