package osgi

import (
	"container/list"
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/osgi/ldap"
	"github.com/GoCodeAlone/osgi/props"
)

// ListenerToken identifies one listener registration.
type ListenerToken uint64

type listenerKind int

const (
	serviceListenerKind listenerKind = iota
	bundleListenerKind
	frameworkListenerKind
)

type listenerEntry struct {
	token   ListenerToken
	kind    listenerKind
	ctx     *BundleContext
	filter  *ldap.Filter
	service ServiceListener
	bundle  BundleListener
	fw      FrameworkListener
	removed atomic.Bool
	elem    *list.Element
}

// serviceListeners keeps every listener in registration order, one list
// per kind, plus an index by owning context so a stopping bundle's
// listeners can be dropped without a full scan.
type serviceListeners struct {
	core *coreContext

	mu        sync.Mutex
	nextToken ListenerToken
	ordered   [3]*list.List
	byToken   map[ListenerToken]*listenerEntry
	byContext map[*BundleContext]map[ListenerToken]*listenerEntry
}

func newServiceListeners(core *coreContext) *serviceListeners {
	l := &serviceListeners{core: core}
	l.reset()
	return l
}

func (l *serviceListeners) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.ordered {
		l.ordered[i] = list.New()
	}
	for _, e := range l.byToken {
		e.removed.Store(true)
	}
	l.byToken = make(map[ListenerToken]*listenerEntry)
	l.byContext = make(map[*BundleContext]map[ListenerToken]*listenerEntry)
}

func (l *serviceListeners) add(e *listenerEntry) ListenerToken {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextToken++
	e.token = l.nextToken
	e.elem = l.ordered[e.kind].PushBack(e)
	l.byToken[e.token] = e
	owned := l.byContext[e.ctx]
	if owned == nil {
		owned = make(map[ListenerToken]*listenerEntry)
		l.byContext[e.ctx] = owned
	}
	owned[e.token] = e
	return e.token
}

// remove drops token if it belongs to ctx.
func (l *serviceListeners) remove(ctx *BundleContext, token ListenerToken) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byToken[token]
	if !ok || e.ctx != ctx {
		return false
	}
	l.unlink(e)
	return true
}

func (l *serviceListeners) unlink(e *listenerEntry) {
	e.removed.Store(true)
	l.ordered[e.kind].Remove(e.elem)
	delete(l.byToken, e.token)
	if owned := l.byContext[e.ctx]; owned != nil {
		delete(owned, e.token)
		if len(owned) == 0 {
			delete(l.byContext, e.ctx)
		}
	}
}

// removeAll drops every listener registered through ctx.
func (l *serviceListeners) removeAll(ctx *BundleContext) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	owned := l.byContext[ctx]
	for _, e := range owned {
		l.unlink(e)
	}
	return len(owned)
}

func (l *serviceListeners) count(ctx *BundleContext) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byContext[ctx])
}

func (l *serviceListeners) snapshot(kind listenerKind) []*listenerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*listenerEntry, 0, l.ordered[kind].Len())
	for el := l.ordered[kind].Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*listenerEntry))
	}
	return out
}

// serviceChanged delivers evt to every service listener whose filter
// matches the reference's current properties. For MODIFIED events,
// listeners that matched only the previous properties get
// MODIFIED_ENDMATCH instead.
func (l *serviceListeners) serviceChanged(evt ServiceEvent, previous *props.Map) {
	current := evt.Reference.properties()
	for _, e := range l.snapshot(serviceListenerKind) {
		if e.removed.Load() {
			continue
		}
		deliver := evt
		if e.filter != nil && !e.filter.Match(current) {
			if evt.Type != ServiceModified || previous == nil || !e.filter.Match(*previous) {
				continue
			}
			deliver.Type = ServiceModifiedEndMatch
		}
		l.invoke(e, func() { e.service(deliver) })
	}
	l.core.notifyObservers(func() CloudEvent { return serviceCloudEvent(evt) })
}

func (l *serviceListeners) bundleChanged(evt BundleEvent) {
	match := eventMatcher(evt.Type, evt.Bundle)
	for _, e := range l.snapshot(bundleListenerKind) {
		if e.removed.Load() || !match(e.filter) {
			continue
		}
		l.invoke(e, func() { e.bundle(evt) })
	}
	l.core.notifyObservers(func() CloudEvent { return bundleCloudEvent(evt) })
}

func (l *serviceListeners) frameworkEvent(evt FrameworkEvent) {
	if evt.Type == FrameworkError {
		l.core.logger.Error("Framework error", "bundle", bundleIDOf(evt.Bundle), "message", evt.Message, "error", evt.Err)
	}
	match := eventMatcher(evt.Type, evt.Bundle)
	for _, e := range l.snapshot(frameworkListenerKind) {
		if e.removed.Load() || !match(e.filter) {
			continue
		}
		l.invoke(e, func() { e.fw(evt) })
	}
	l.core.notifyObservers(func() CloudEvent { return frameworkCloudEvent(evt) })
}

// eventMatcher evaluates bundle and framework listener filters against
// the event type and b's headers. The properties are built on first use.
func eventMatcher(eventType fmt.Stringer, b *Bundle) func(*ldap.Filter) bool {
	var p *props.Map
	return func(f *ldap.Filter) bool {
		if f == nil {
			return true
		}
		if p == nil {
			m := map[string]any{EventType: eventType.String()}
			if b != nil {
				maps.Copy(m, b.Headers())
				m[EventBundleID] = b.ID()
				m[EventBundleLocation] = b.Location()
			}
			built, err := props.New(m)
			if err != nil {
				return false
			}
			p = &built
		}
		return f.Match(*p)
	}
}

// invoke runs one listener. A panicking framework listener is only logged;
// any other listener panic is reported as a framework error event.
func (l *serviceListeners) invoke(e *listenerEntry, call func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := panicError(r)
		var owner *Bundle
		if e.ctx != nil {
			owner = e.ctx.bundle
		}
		if e.kind == frameworkListenerKind {
			l.core.logger.Error("Framework listener panicked", "bundle", bundleIDOf(owner), "error", err)
			return
		}
		l.frameworkEvent(FrameworkEvent{
			Type:    FrameworkError,
			Bundle:  owner,
			Message: "listener panicked",
			Err:     newBundleError(owner, "listener", ErrListener, err),
		})
	}()
	call()
}

func bundleIDOf(b *Bundle) int64 {
	if b == nil {
		return -1
	}
	return b.ID()
}

// notifyObservers forwards a converted event to framework observers. The
// event is only built when someone is listening.
func (c *coreContext) notifyObservers(build func() CloudEvent) {
	f := c.framework
	if f == nil || !f.hasObservers() {
		return
	}
	evt := build()
	if err := f.NotifyObservers(context.Background(), evt); err != nil {
		c.logger.Debug("Failed to notify observers", "eventType", evt.Type(), "error", err)
	}
}
