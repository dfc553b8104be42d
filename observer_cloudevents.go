package osgi

import (
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience
type CloudEvent = cloudevents.Event

// BundleEventData is the payload of com.osgi.bundle.* events.
type BundleEventData struct {
	BundleID     int64  `json:"bundleId"`
	SymbolicName string `json:"symbolicName"`
	Version      string `json:"version"`
	Location     string `json:"location"`
	State        string `json:"state"`
	OriginID     int64  `json:"originId"`
}

// ServiceEventData is the payload of com.osgi.service.* events.
type ServiceEventData struct {
	ServiceID  int64    `json:"serviceId"`
	Interfaces []string `json:"objectClass"`
	Ranking    int      `json:"ranking"`
	BundleID   int64    `json:"bundleId"`
}

// FrameworkEventData is the payload of com.osgi.framework.* events.
type FrameworkEventData struct {
	Type     string `json:"type"`
	BundleID int64  `json:"bundleId"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewCloudEvent creates a new CloudEvent with the specified parameters.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()

	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}

	for key, value := range metadata {
		event.SetExtension(key, value)
	}

	return event
}

// generateEventID generates a unique identifier for CloudEvents using UUIDv7.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent validates that a CloudEvent conforms to the CloudEvents specification.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}

func bundleSource(b *Bundle) string {
	return fmt.Sprintf("osgi/bundle/%d", bundleIDOf(b))
}

func bundleCloudEvent(evt BundleEvent) CloudEvent {
	data := BundleEventData{BundleID: bundleIDOf(evt.Bundle), OriginID: bundleIDOf(evt.Origin)}
	if b := evt.Bundle; b != nil {
		data.SymbolicName = b.SymbolicName()
		data.Version = b.Version()
		data.Location = b.Location()
		data.State = b.State().String()
	}
	return NewCloudEvent("com.osgi.bundle."+strings.ToLower(evt.Type.String()), bundleSource(evt.Bundle), data, nil)
}

func serviceCloudEvent(evt ServiceEvent) CloudEvent {
	ref := evt.Reference
	data := ServiceEventData{
		ServiceID:  ref.ID(),
		Interfaces: ref.Interfaces(),
		Ranking:    ref.Ranking(),
		BundleID:   bundleIDOf(ref.Bundle()),
	}
	return NewCloudEvent("com.osgi.service."+strings.ToLower(evt.Type.String()),
		fmt.Sprintf("osgi/service/%d", ref.ID()), data, nil)
}

func frameworkCloudEvent(evt FrameworkEvent) CloudEvent {
	data := FrameworkEventData{
		Type:     evt.Type.String(),
		BundleID: bundleIDOf(evt.Bundle),
		Message:  evt.Message,
	}
	if evt.Err != nil {
		data.Error = evt.Err.Error()
	}
	return NewCloudEvent("com.osgi.framework."+strings.ToLower(evt.Type.String()), bundleSource(evt.Bundle), data, nil)
}
