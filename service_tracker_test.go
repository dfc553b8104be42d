package osgi

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCustomizer struct {
	mu      sync.Mutex
	calls   []string
	reject  map[string]bool
	removed []string
}

func (c *recordingCustomizer) AddingService(ref ServiceReference) (string, bool) {
	name, _ := ref.Property("name").(string)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "add:"+name)
	if c.reject[name] {
		return "", false
	}
	return name, true
}

func (c *recordingCustomizer) ModifiedService(_ ServiceReference, s string) {
	c.mu.Lock()
	c.calls = append(c.calls, "modify:"+s)
	c.mu.Unlock()
}

func (c *recordingCustomizer) RemovedService(_ ServiceReference, s string) {
	c.mu.Lock()
	c.calls = append(c.calls, "remove:"+s)
	c.removed = append(c.removed, s)
	c.mu.Unlock()
}

func (c *recordingCustomizer) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func TestServiceTrackerFollowsServices(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()

	_, err := RegisterService[greeter](sys, englishGreeter{}, map[string]any{ServiceRanking: 1})
	require.NoError(t, err)

	tracker, err := NewServiceTracker[greeter](sys, nil)
	require.NoError(t, err)
	assert.Equal(t, -1, tracker.TrackingCount())
	require.NoError(t, tracker.Open())
	require.NoError(t, tracker.Open())
	defer tracker.Close()

	assert.Equal(t, 1, tracker.Size())
	assert.Equal(t, 1, tracker.TrackingCount())

	better := englishGreeter{}
	reg, err := RegisterService[greeter](sys, better, map[string]any{ServiceRanking: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, tracker.Size())

	best, ok := tracker.GetServiceReference()
	require.True(t, ok)
	assert.Equal(t, reg.Reference().ID(), best.ID())
	assert.Len(t, tracker.GetServices(), 2)

	_, err = sys.RegisterService([]string{"svc.Unrelated"}, "x", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, tracker.Size())

	require.NoError(t, reg.Unregister())
	assert.Equal(t, 1, tracker.Size())
	assert.Equal(t, 3, tracker.TrackingCount())
	assert.NotEqual(t, reg.Reference().ID(), tracker.GetServiceReferences()[0].ID())
}

func TestServiceTrackerCustomizer(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	custom := &recordingCustomizer{reject: map[string]bool{"ignored": true}}

	tracker, err := NewServiceTrackerWithFilter[string](sys, "(&(objectClass=svc.Named)(enabled=true))", custom)
	require.NoError(t, err)
	require.NoError(t, tracker.Open())

	reg, err := sys.RegisterService([]string{"svc.Named"}, 1, map[string]any{"name": "one", "enabled": true})
	require.NoError(t, err)
	_, err = sys.RegisterService([]string{"svc.Named"}, 2, map[string]any{"name": "ignored", "enabled": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, tracker.GetServices())

	require.NoError(t, reg.SetProperties(map[string]any{"name": "one", "enabled": true, "extra": 1}))
	require.NoError(t, reg.SetProperties(map[string]any{"name": "one", "enabled": false}))
	assert.True(t, tracker.IsEmpty())

	// matching again is a fresh add
	require.NoError(t, reg.SetProperties(map[string]any{"name": "one", "enabled": true}))
	assert.Equal(t, 1, tracker.Size())

	tracker.Close()
	assert.Equal(t, []string{"add:one", "add:ignored", "modify:one", "remove:one", "add:one", "remove:one"}, custom.all())
	assert.Equal(t, -1, tracker.TrackingCount())
	assert.ErrorIs(t, tracker.Open(), ErrTrackerClosed)
}

func TestServiceTrackerReleasesServicesOnClose(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	reg, err := RegisterService[greeter](sys, englishGreeter{}, nil)
	require.NoError(t, err)

	tracker, err := NewServiceTracker[greeter](sys, nil)
	require.NoError(t, err)
	require.NoError(t, tracker.Open())
	g, ok := tracker.GetService()
	require.True(t, ok)
	assert.Equal(t, "hello", g.Greet())
	assert.Len(t, reg.Reference().UsingBundles(), 1)

	tracker.Close()
	assert.Empty(t, reg.Reference().UsingBundles())
	assert.True(t, tracker.IsEmpty())
}

func TestServiceTrackerWaitForService(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	tracker, err := NewServiceTracker[greeter](sys, nil)
	require.NoError(t, err)
	require.NoError(t, tracker.Open())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err = tracker.WaitForService(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = RegisterService[greeter](sys, englishGreeter{}, nil)
	}()
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, err := tracker.WaitForService(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", g.Greet())

	tracker.Close()
	_, err = tracker.WaitForService(ctx)
	assert.ErrorIs(t, err, ErrTrackerClosed)
}

func TestServiceTrackerErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	_, err := NewServiceTrackerWithFilter[any](sys, "(broken", nil)
	assert.ErrorIs(t, err, ErrInvalidFilter)

	tracker, err := NewServiceTracker[greeter](sys, nil)
	require.NoError(t, err)
	assert.Contains(t, tracker.Filter(), InterfaceName[greeter]())

	require.NoError(t, env.fw.Stop())
	env.fw.WaitForStop(time.Second)
	_, err = NewServiceTracker[greeter](sys, nil)
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestServiceTrackerFailedOpenRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	sys := env.started()
	_, err := sys.RegisterService([]string{"svc.Named"}, 1, map[string]any{"name": "one"})
	require.NoError(t, err)
	baseline := env.fw.core.listeners.count(sys)

	custom := &recordingCustomizer{}
	tracker, err := NewServiceTrackerWithFilter[string](sys, "(objectClass=svc.Named)", custom)
	require.NoError(t, err)
	require.NoError(t, tracker.Open())
	require.Equal(t, baseline+1, env.fw.core.listeners.count(sys))

	tracker.abandonOpen(tracker.token)
	assert.Equal(t, baseline, env.fw.core.listeners.count(sys))
	assert.Equal(t, -1, tracker.TrackingCount())
	assert.True(t, tracker.IsEmpty())
	assert.Equal(t, []string{"add:one", "remove:one"}, custom.all())

	require.NoError(t, tracker.Open())
	defer tracker.Close()
	assert.Equal(t, 1, tracker.Size())
	assert.Equal(t, baseline+1, env.fw.core.listeners.count(sys))
}

func TestServiceTrackerOpenOnStoppedContext(t *testing.T) {
	env := newTestEnv(t, nil)
	env.started()

	var bundleCtx *BundleContext
	b := env.install("tracking", &testActivator{onStart: func(ctx *BundleContext) error {
		bundleCtx = ctx
		return nil
	}})
	require.NoError(t, b.Start())
	tracker, err := NewServiceTracker[greeter](bundleCtx, nil)
	require.NoError(t, err)
	require.NoError(t, b.Stop())

	assert.ErrorIs(t, tracker.Open(), ErrInvalidContext)
	assert.Equal(t, -1, tracker.TrackingCount())
	assert.Equal(t, 0, env.fw.core.listeners.count(bundleCtx))
}
