package osgi

import (
	"fmt"
	"strings"
)

// BundleState is a bundle lifecycle state. Values are bit flags so a set of
// states can be tested with a mask.
type BundleState uint32

const (
	StateUninstalled BundleState = 1 << iota
	StateInstalled
	StateResolved
	StateStarting
	StateStopping
	StateActive
)

func (s BundleState) String() string {
	switch s {
	case StateUninstalled:
		return "UNINSTALLED"
	case StateInstalled:
		return "INSTALLED"
	case StateResolved:
		return "RESOLVED"
	case StateStarting:
		return "STARTING"
	case StateStopping:
		return "STOPPING"
	case StateActive:
		return "ACTIVE"
	}
	return fmt.Sprintf("BundleState(%d)", uint32(s))
}

// In reports whether s is one of mask's states.
func (s BundleState) In(mask BundleState) bool { return s&mask != 0 }

// BundleEventType identifies a bundle lifecycle change.
type BundleEventType uint32

const (
	BundleInstalled BundleEventType = 1 << iota
	BundleStarted
	BundleStopped
	BundleUpdated
	BundleUninstalled
	BundleResolved
	BundleUnresolved
	BundleStarting
	BundleStopping
	BundleLazyActivation
)

var bundleEventNames = map[BundleEventType]string{
	BundleInstalled:      "INSTALLED",
	BundleStarted:        "STARTED",
	BundleStopped:        "STOPPED",
	BundleUpdated:        "UPDATED",
	BundleUninstalled:    "UNINSTALLED",
	BundleResolved:       "RESOLVED",
	BundleUnresolved:     "UNRESOLVED",
	BundleStarting:       "STARTING",
	BundleStopping:       "STOPPING",
	BundleLazyActivation: "LAZY_ACTIVATION",
}

func (t BundleEventType) String() string {
	if n, ok := bundleEventNames[t]; ok {
		return n
	}
	return fmt.Sprintf("BundleEventType(%d)", uint32(t))
}

// BundleEvent reports a lifecycle change of Bundle. Origin is the bundle
// whose context caused the change, which differs from Bundle for installs.
type BundleEvent struct {
	Type   BundleEventType
	Bundle *Bundle
	Origin *Bundle
}

func (e BundleEvent) String() string {
	return fmt.Sprintf("BundleEvent[%s] %s", e.Type, e.Bundle)
}

// ServiceEventType identifies a service registry change.
type ServiceEventType uint32

const (
	ServiceRegistered ServiceEventType = 1 << iota
	ServiceModified
	ServiceUnregistering
	ServiceModifiedEndMatch
)

func (t ServiceEventType) String() string {
	switch t {
	case ServiceRegistered:
		return "REGISTERED"
	case ServiceModified:
		return "MODIFIED"
	case ServiceUnregistering:
		return "UNREGISTERING"
	case ServiceModifiedEndMatch:
		return "MODIFIED_ENDMATCH"
	}
	return fmt.Sprintf("ServiceEventType(%d)", uint32(t))
}

// ServiceEvent reports a change to the service behind Reference.
type ServiceEvent struct {
	Type      ServiceEventType
	Reference ServiceReference
}

func (e ServiceEvent) String() string {
	return fmt.Sprintf("ServiceEvent[%s] %s", e.Type, e.Reference)
}

// FrameworkEventType identifies a framework-wide condition.
type FrameworkEventType uint32

const (
	FrameworkStarting      FrameworkEventType = 0
	FrameworkStarted       FrameworkEventType = 1
	FrameworkError         FrameworkEventType = 2
	FrameworkWarning       FrameworkEventType = 16
	FrameworkInfo          FrameworkEventType = 32
	FrameworkStopped       FrameworkEventType = 64
	FrameworkStopping      FrameworkEventType = 65
	FrameworkStoppedUpdate FrameworkEventType = 128
	FrameworkWaitTimedOut  FrameworkEventType = 512
)

func (t FrameworkEventType) String() string {
	switch t {
	case FrameworkStarting:
		return "STARTING"
	case FrameworkStarted:
		return "STARTED"
	case FrameworkError:
		return "ERROR"
	case FrameworkWarning:
		return "WARNING"
	case FrameworkInfo:
		return "INFO"
	case FrameworkStopped:
		return "STOPPED"
	case FrameworkStopping:
		return "STOPPING"
	case FrameworkStoppedUpdate:
		return "STOPPED_UPDATE"
	case FrameworkWaitTimedOut:
		return "WAIT_TIMEDOUT"
	}
	return fmt.Sprintf("FrameworkEventType(%d)", uint32(t))
}

// FrameworkEvent reports a framework-wide condition, usually an error
// raised while operating on Bundle.
type FrameworkEvent struct {
	Type    FrameworkEventType
	Bundle  *Bundle
	Message string
	Err     error
}

func (e FrameworkEvent) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FrameworkEvent[%s]", e.Type)
	if e.Bundle != nil {
		fmt.Fprintf(&sb, " %s", e.Bundle)
	}
	if e.Message != "" {
		fmt.Fprintf(&sb, " %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

// Listener callbacks.
type (
	BundleListener    func(BundleEvent)
	ServiceListener   func(ServiceEvent)
	FrameworkListener func(FrameworkEvent)
)
