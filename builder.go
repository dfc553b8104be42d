package osgi

import (
	"context"
	"errors"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/osgi/loader"
)

// Option represents a functional option for configuring a framework
type Option func(*frameworkBuilder) error

type observerOption struct {
	observer   Observer
	eventTypes []string
}

// frameworkBuilder collects options before the configuration is loaded.
type frameworkBuilder struct {
	logger    Logger
	loader    loader.Loader
	observers []observerOption
}

// ObserverFunc is a functional observer that can be registered with the framework
type ObserverFunc func(ctx context.Context, event cloudevents.Event) error

// WithLogger sets the logger for the framework. Without it a slog text
// logger on stderr at framework.log.level is used.
func WithLogger(logger Logger) Option {
	return func(b *frameworkBuilder) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		b.logger = logger
		return nil
	}
}

// WithLoader sets how bundle locations are loaded. The default opens Go
// plugins.
func WithLoader(l loader.Loader) Option {
	return func(b *frameworkBuilder) error {
		if l == nil {
			return errors.New("loader is nil")
		}
		b.loader = l
		return nil
	}
}

// WithObserver registers an observer before the framework emits its first
// event.
func WithObserver(observer Observer, eventTypes ...string) Option {
	return func(b *frameworkBuilder) error {
		if observer == nil {
			return errors.New("observer is nil")
		}
		b.observers = append(b.observers, observerOption{observer: observer, eventTypes: eventTypes})
		return nil
	}
}

// WithObserverFunc registers fn as an observer of every event type.
func WithObserverFunc(id string, fn ObserverFunc) Option {
	return WithObserver(NewFunctionalObserver(id, fn))
}

func (b *frameworkBuilder) build(cfg *FrameworkConfig, configuration map[string]any) (*Framework, error) {
	logger := b.logger
	if logger == nil {
		logger = defaultLogger(cfg.LogLevel)
	}
	ldr := b.loader
	if ldr == nil {
		ldr = loader.NewPlugin()
	}

	core, err := newCoreContext(cfg, configuration, logger, ldr)
	if err != nil {
		return nil, err
	}

	sys := newBundle(core, SystemBundleLocation, nil, systemManifest())
	sys.id = SystemBundleID
	sys.system = true
	sys.setAutostart(AutostartEager)

	f := &Framework{
		Bundle: sys,
		stop:   newStopSignal(),
	}
	// WaitForStop on a framework that never ran reports an error.
	f.completeStopLocked(FrameworkEvent{Type: FrameworkError, Bundle: sys, Message: "framework has not been started"})
	core.framework = f

	for _, o := range b.observers {
		if err := f.RegisterObserver(o.observer, o.eventTypes...); err != nil {
			return nil, err
		}
	}
	return f, nil
}
