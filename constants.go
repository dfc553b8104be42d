package osgi

import "github.com/GoCodeAlone/osgi/manifest"

// Framework identity.
const (
	FrameworkVersionValue = "1.0.0"
	FrameworkVendorValue  = "GoCodeAlone"

	SystemBundleLocation     = "System Bundle"
	SystemBundleSymbolicName = "system_bundle"
	SystemBundleID           = 0
)

// Framework launch property keys.
const (
	FrameworkVersion          = "framework.version"
	FrameworkVendor           = "framework.vendor"
	FrameworkUUID             = "framework.uuid"
	FrameworkStorage          = "framework.storage"
	FrameworkThreading        = "framework.threading"
	FrameworkLogLevel         = "framework.log.level"
	FrameworkOperationTimeout = "framework.operation.timeout"
	FrameworkBundlesInstall   = "framework.bundles.install"
	FrameworkBundlesAutostart = "framework.bundles.autostart"
	FrameworkConfigFile       = "framework.config.file"
)

// Reserved service property keys. Keys are matched ignoring case.
const (
	ObjectClass        = "objectClass"
	ServiceID          = "service.id"
	ServiceRanking     = "service.ranking"
	ServiceScope       = "service.scope"
	ServicePID         = "service.pid"
	ServiceDescription = "service.description"
	ServiceVendor      = "service.vendor"
)

// Properties bundle and framework listener filters see in addition to the
// event bundle's manifest headers.
const (
	EventType           = "event.type"
	EventBundleID       = "bundle.id"
	EventBundleLocation = "bundle.location"
)

// Service scopes.
const (
	ScopeSingleton = "singleton"
	ScopeBundle    = "bundle"
)

// Manifest header keys, re-exported for bundle authors.
const (
	BundleSymbolicName     = manifest.SymbolicName
	BundleVersion          = manifest.Version
	BundleName             = manifest.Name
	BundleDescription      = manifest.Description
	BundleVendor           = manifest.Vendor
	BundleActivatorHeader  = manifest.Activator
	BundleActivationPolicy = manifest.ActivationPolicy
	BundleRequires         = manifest.Requires
)
