// Package osgi provides Observer pattern interfaces for framework events.
// Bundle, service and framework events are mirrored to observers as
// CloudEvents so they can be forwarded to external systems.
package osgi

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer defines the interface for objects that want to be notified of
// framework events. Observers are called synchronously after the
// framework's own listeners, on the goroutine that produced the event.
type Observer interface {
	// OnEvent is called for every event the observer subscribed to.
	// Observers should return quickly; a slow observer delays the
	// operation that produced the event.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer.
	ObserverID() string
}

// Subject defines the interface for objects that can be observed.
type Subject interface {
	// RegisterObserver adds an observer. If eventTypes is empty the
	// observer receives all events. Registering an ID again replaces the
	// earlier registration.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. It is idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to all interested observers.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about currently registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo provides information about a registered observer.
type ObserverInfo struct {
	// ID is the unique identifier of the observer
	ID string `json:"id"`

	// EventTypes are the event types this observer is subscribed to.
	// Empty slice means all events.
	EventTypes []string `json:"eventTypes"`

	// RegisteredAt indicates when the observer was registered
	RegisteredAt time.Time `json:"registeredAt"`
}

// EventType constants for the CloudEvents emitted by the framework.
const (
	// Bundle events
	EventTypeBundleInstalled      = "com.osgi.bundle.installed"
	EventTypeBundleStarted        = "com.osgi.bundle.started"
	EventTypeBundleStopped        = "com.osgi.bundle.stopped"
	EventTypeBundleUpdated        = "com.osgi.bundle.updated"
	EventTypeBundleUninstalled    = "com.osgi.bundle.uninstalled"
	EventTypeBundleResolved       = "com.osgi.bundle.resolved"
	EventTypeBundleUnresolved     = "com.osgi.bundle.unresolved"
	EventTypeBundleStarting       = "com.osgi.bundle.starting"
	EventTypeBundleStopping       = "com.osgi.bundle.stopping"
	EventTypeBundleLazyActivation = "com.osgi.bundle.lazy_activation"

	// Service events
	EventTypeServiceRegistered       = "com.osgi.service.registered"
	EventTypeServiceModified         = "com.osgi.service.modified"
	EventTypeServiceUnregistering    = "com.osgi.service.unregistering"
	EventTypeServiceModifiedEndMatch = "com.osgi.service.modified_endmatch"

	// Framework events
	EventTypeFrameworkStarting      = "com.osgi.framework.starting"
	EventTypeFrameworkStarted       = "com.osgi.framework.started"
	EventTypeFrameworkError         = "com.osgi.framework.error"
	EventTypeFrameworkWarning       = "com.osgi.framework.warning"
	EventTypeFrameworkInfo          = "com.osgi.framework.info"
	EventTypeFrameworkStopped       = "com.osgi.framework.stopped"
	EventTypeFrameworkStopping      = "com.osgi.framework.stopping"
	EventTypeFrameworkStoppedUpdate = "com.osgi.framework.stopped_update"
	EventTypeFrameworkWaitTimedOut  = "com.osgi.framework.wait_timedout"
)

// FunctionalObserver provides a simple way to create observers using functions.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates a new observer that uses the provided function
// to handle events.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements the Observer interface by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements the Observer interface by returning the observer ID.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
