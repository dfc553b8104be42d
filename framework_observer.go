package osgi

import (
	"context"
	"errors"
	"slices"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// observerRegistration holds information about a registered observer
type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool // empty means every event type
	registeredAt time.Time
}

func (r *observerRegistration) wants(eventType string) bool {
	return len(r.eventTypes) == 0 || r.eventTypes[eventType]
}

var _ Subject = (*Framework)(nil)

// RegisterObserver adds an observer to receive framework events as
// CloudEvents. If eventTypes is empty, the observer receives all events.
// Observers are notified in registration order; registering an ID again
// replaces the subscription in place.
func (f *Framework) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return errors.New("observer is nil")
	}
	eventTypeMap := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		eventTypeMap[eventType] = true
	}
	reg := &observerRegistration{
		observer:     observer,
		eventTypes:   eventTypeMap,
		registeredAt: time.Now(),
	}

	f.observerMutex.Lock()
	i := slices.IndexFunc(f.observers, func(r *observerRegistration) bool {
		return r.observer.ObserverID() == observer.ObserverID()
	})
	if i >= 0 {
		f.observers[i] = reg
	} else {
		f.observers = append(f.observers, reg)
	}
	f.observerMutex.Unlock()

	f.core.logger.Info("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver removes an observer from receiving notifications.
// This method is idempotent and won't error if the observer wasn't registered.
func (f *Framework) UnregisterObserver(observer Observer) error {
	f.observerMutex.Lock()
	n := len(f.observers)
	f.observers = slices.DeleteFunc(f.observers, func(r *observerRegistration) bool {
		return r.observer.ObserverID() == observer.ObserverID()
	})
	removed := len(f.observers) != n
	f.observerMutex.Unlock()

	if removed {
		f.core.logger.Info("Observer unregistered", "observerID", observer.ObserverID())
	}
	return nil
}

// NotifyObservers sends a CloudEvent to every interested observer on the
// calling goroutine. Observer errors and panics are logged and do not
// stop delivery to the remaining observers.
func (f *Framework) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := ValidateCloudEvent(event); err != nil {
		f.core.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}

	f.observerMutex.RLock()
	observers := slices.Clone(f.observers)
	f.observerMutex.RUnlock()

	for _, registration := range observers {
		if !registration.wants(event.Type()) {
			continue
		}
		f.deliver(ctx, registration.observer, event)
	}
	return nil
}

func (f *Framework) deliver(ctx context.Context, observer Observer, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			f.core.logger.Error("Observer panicked", "observerID", observer.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()
	if err := observer.OnEvent(ctx, event); err != nil {
		f.core.logger.Error("Observer error", "observerID", observer.ObserverID(), "event", event.Type(), "error", err)
	}
}

func (f *Framework) hasObservers() bool {
	f.observerMutex.RLock()
	defer f.observerMutex.RUnlock()
	return len(f.observers) > 0
}

// GetObservers returns information about currently registered observers.
func (f *Framework) GetObservers() []ObserverInfo {
	f.observerMutex.RLock()
	defer f.observerMutex.RUnlock()

	info := make([]ObserverInfo, 0, len(f.observers))
	for _, registration := range f.observers {
		eventTypes := make([]string, 0, len(registration.eventTypes))
		for eventType := range registration.eventTypes {
			eventTypes = append(eventTypes, eventType)
		}
		slices.Sort(eventTypes)

		info = append(info, ObserverInfo{
			ID:           registration.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: registration.registeredAt,
		})
	}
	return info
}
