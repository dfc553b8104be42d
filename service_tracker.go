package osgi

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/GoCodeAlone/osgi/ldap"
)

// ServiceTrackerCustomizer decides which services a ServiceTracker keeps
// and what object it keeps for each. Callbacks run without the tracker's
// lock held, on the goroutine that produced the service event.
type ServiceTrackerCustomizer[T any] interface {
	// AddingService returns the object to track for ref, or false to
	// ignore the service.
	AddingService(ref ServiceReference) (T, bool)
	ModifiedService(ref ServiceReference, service T)
	RemovedService(ref ServiceReference, service T)
}

// defaultCustomizer tracks the service object itself, obtained through
// the tracker's context.
type defaultCustomizer[T any] struct {
	ctx *BundleContext
}

func (c defaultCustomizer[T]) AddingService(ref ServiceReference) (T, bool) {
	s, err := GetService[T](c.ctx, ref)
	return s, err == nil
}

func (c defaultCustomizer[T]) ModifiedService(ServiceReference, T) {}

func (c defaultCustomizer[T]) RemovedService(ref ServiceReference, _ T) {
	c.ctx.UngetService(ref)
}

type trackerState int

const (
	trackerNew trackerState = iota
	trackerOpen
	trackerClosed
)

type trackedService[T any] struct {
	ref     ServiceReference
	service T
}

// ServiceTracker follows the services matching a filter as they come and
// go, keeping a customized object for each.
type ServiceTracker[T any] struct {
	ctx        *BundleContext
	filter     string
	customizer ServiceTrackerCustomizer[T]

	mu            sync.Mutex
	state         trackerState
	token         ListenerToken
	tracked       map[int64]*trackedService[T]
	adding        map[int64]bool
	cancelled     map[int64]bool
	trackingCount int
	changed       chan struct{}
}

// NewServiceTracker tracks services registered under T's interface name.
// A nil customizer tracks the service objects themselves.
func NewServiceTracker[T any](ctx *BundleContext, customizer ServiceTrackerCustomizer[T]) (*ServiceTracker[T], error) {
	filter := "(" + ObjectClass + "=" + ldap.Escape(InterfaceName[T]()) + ")"
	return NewServiceTrackerWithFilter(ctx, filter, customizer)
}

// NewServiceTrackerWithFilter tracks every service matching filter.
func NewServiceTrackerWithFilter[T any](ctx *BundleContext, filter string, customizer ServiceTrackerCustomizer[T]) (*ServiceTracker[T], error) {
	if err := ctx.check("create service tracker"); err != nil {
		return nil, err
	}
	if _, err := ldap.Parse(filter); err != nil {
		return nil, err
	}
	if customizer == nil {
		customizer = defaultCustomizer[T]{ctx: ctx}
	}
	return &ServiceTracker[T]{
		ctx:        ctx,
		filter:     filter,
		customizer: customizer,
		tracked:    make(map[int64]*trackedService[T]),
		adding:     make(map[int64]bool),
		cancelled:  make(map[int64]bool),
		changed:    make(chan struct{}),
	}, nil
}

// Filter returns the filter the tracker matches services with.
func (t *ServiceTracker[T]) Filter() string { return t.filter }

// Open starts tracking: services already registered are added, and a
// listener follows later changes. Opening an open tracker is a no-op; a
// closed tracker cannot be reopened.
func (t *ServiceTracker[T]) Open() error {
	t.mu.Lock()
	switch t.state {
	case trackerOpen:
		t.mu.Unlock()
		return nil
	case trackerClosed:
		t.mu.Unlock()
		return ErrTrackerClosed
	}
	t.state = trackerOpen
	t.mu.Unlock()

	token, err := t.ctx.AddServiceListener(t.serviceChanged, t.filter)
	if err != nil {
		t.mu.Lock()
		t.state = trackerNew
		t.mu.Unlock()
		return err
	}
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()

	refs, err := t.ctx.GetServiceReferences("", t.filter)
	if err != nil {
		t.abandonOpen(token)
		return err
	}
	for _, ref := range refs {
		t.add(ref)
	}
	return nil
}

// abandonOpen returns a partially opened tracker to its initial state. It
// removes the listener and drops services the listener already added.
func (t *ServiceTracker[T]) abandonOpen(token ListenerToken) {
	if err := t.ctx.RemoveListener(token); err != nil && !errors.Is(err, ErrInvalidContext) {
		t.ctx.core.logger.Warn("Failed to remove tracker listener", "filter", t.filter, "error", err)
	}
	t.mu.Lock()
	t.state = trackerNew
	t.token = 0
	items := make([]*trackedService[T], 0, len(t.tracked))
	for _, item := range t.tracked {
		items = append(items, item)
	}
	t.tracked = make(map[int64]*trackedService[T])
	t.adding = make(map[int64]bool)
	t.cancelled = make(map[int64]bool)
	t.signalLocked()
	t.mu.Unlock()

	for _, item := range items {
		t.customizer.RemovedService(item.ref, item.service)
	}
}

// Close stops tracking and calls RemovedService for every tracked
// service.
func (t *ServiceTracker[T]) Close() {
	t.mu.Lock()
	if t.state != trackerOpen {
		t.state = trackerClosed
		t.mu.Unlock()
		return
	}
	t.state = trackerClosed
	token := t.token
	items := make([]*trackedService[T], 0, len(t.tracked))
	for _, item := range t.tracked {
		items = append(items, item)
	}
	t.tracked = make(map[int64]*trackedService[T])
	t.signalLocked()
	t.mu.Unlock()

	if err := t.ctx.RemoveListener(token); err != nil && !errors.Is(err, ErrInvalidContext) {
		t.ctx.core.logger.Warn("Failed to remove tracker listener", "filter", t.filter, "error", err)
	}
	for _, item := range items {
		t.customizer.RemovedService(item.ref, item.service)
	}
}

func (t *ServiceTracker[T]) serviceChanged(evt ServiceEvent) {
	switch evt.Type {
	case ServiceRegistered:
		t.add(evt.Reference)
	case ServiceModified:
		if !t.modified(evt.Reference) {
			t.add(evt.Reference)
		}
	case ServiceModifiedEndMatch, ServiceUnregistering:
		t.remove(evt.Reference)
	}
}

func (t *ServiceTracker[T]) add(ref ServiceReference) {
	id := ref.ID()
	t.mu.Lock()
	if t.state != trackerOpen || t.tracked[id] != nil || t.adding[id] {
		t.mu.Unlock()
		return
	}
	t.adding[id] = true
	t.mu.Unlock()

	service, ok := t.customizer.AddingService(ref)

	t.mu.Lock()
	delete(t.adding, id)
	cancelled := t.cancelled[id]
	delete(t.cancelled, id)
	if !ok || cancelled || t.state != trackerOpen {
		t.mu.Unlock()
		if ok {
			t.customizer.RemovedService(ref, service)
		}
		return
	}
	t.tracked[id] = &trackedService[T]{ref: ref, service: service}
	t.trackingCount++
	t.signalLocked()
	t.mu.Unlock()
}

func (t *ServiceTracker[T]) modified(ref ServiceReference) bool {
	t.mu.Lock()
	item := t.tracked[ref.ID()]
	if item == nil {
		t.mu.Unlock()
		return false
	}
	t.trackingCount++
	t.signalLocked()
	t.mu.Unlock()
	t.customizer.ModifiedService(ref, item.service)
	return true
}

func (t *ServiceTracker[T]) remove(ref ServiceReference) {
	id := ref.ID()
	t.mu.Lock()
	if t.adding[id] {
		t.cancelled[id] = true
		t.mu.Unlock()
		return
	}
	item := t.tracked[id]
	if item == nil {
		t.mu.Unlock()
		return
	}
	delete(t.tracked, id)
	t.trackingCount++
	t.signalLocked()
	t.mu.Unlock()
	t.customizer.RemovedService(ref, item.service)
}

func (t *ServiceTracker[T]) signalLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// sortedLocked returns tracked services best-first.
func (t *ServiceTracker[T]) sortedLocked() []*trackedService[T] {
	out := make([]*trackedService[T], 0, len(t.tracked))
	for _, item := range t.tracked {
		out = append(out, item)
	}
	slices.SortFunc(out, func(a, b *trackedService[T]) int { return b.ref.Compare(a.ref) })
	return out
}

// GetServiceReferences returns the tracked references, best first.
func (t *ServiceTracker[T]) GetServiceReferences() []ServiceReference {
	t.mu.Lock()
	defer t.mu.Unlock()
	items := t.sortedLocked()
	out := make([]ServiceReference, len(items))
	for i, item := range items {
		out[i] = item.ref
	}
	return out
}

// GetServiceReference returns the best tracked reference.
func (t *ServiceTracker[T]) GetServiceReference() (ServiceReference, bool) {
	refs := t.GetServiceReferences()
	if len(refs) == 0 {
		return ServiceReference{}, false
	}
	return refs[0], true
}

// GetServices returns the tracked objects, best first.
func (t *ServiceTracker[T]) GetServices() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	items := t.sortedLocked()
	out := make([]T, len(items))
	for i, item := range items {
		out[i] = item.service
	}
	return out
}

// GetService returns the object tracked for the best service.
func (t *ServiceTracker[T]) GetService() (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bestLocked()
}

func (t *ServiceTracker[T]) bestLocked() (T, bool) {
	var best *trackedService[T]
	for _, item := range t.tracked {
		if best == nil || item.ref.Compare(best.ref) > 0 {
			best = item
		}
	}
	if best == nil {
		var zero T
		return zero, false
	}
	return best.service, true
}

// Size returns the number of tracked services.
func (t *ServiceTracker[T]) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// IsEmpty reports whether no service is tracked.
func (t *ServiceTracker[T]) IsEmpty() bool { return t.Size() == 0 }

// TrackingCount increases every time a service is added, modified or
// removed, or -1 when the tracker is not open.
func (t *ServiceTracker[T]) TrackingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != trackerOpen {
		return -1
	}
	return t.trackingCount
}

// WaitForService blocks until at least one service is tracked and returns
// the best one.
func (t *ServiceTracker[T]) WaitForService(ctx context.Context) (T, error) {
	for {
		t.mu.Lock()
		if t.state == trackerClosed {
			t.mu.Unlock()
			var zero T
			return zero, ErrTrackerClosed
		}
		if s, ok := t.bestLocked(); ok {
			t.mu.Unlock()
			return s, nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
