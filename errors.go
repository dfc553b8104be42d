package osgi

import (
	"errors"
	"fmt"

	"github.com/GoCodeAlone/osgi/ldap"
	"github.com/GoCodeAlone/osgi/props"
)

// Framework errors
var (
	// Bundle lifecycle errors
	ErrInstall        = errors.New("bundle install failed")
	ErrResolve        = errors.New("bundle could not be resolved")
	ErrState          = errors.New("illegal bundle state")
	ErrActivator      = errors.New("bundle activator failed")
	ErrNoActivator    = errors.New("bundle activator symbol not found")
	ErrNoManifest     = errors.New("bundle manifest not found")
	ErrBundleNotFound = errors.New("bundle not found")
	ErrFramework      = errors.New("framework error")

	// Context errors
	ErrInvalidContext = errors.New("bundle context is no longer valid")

	// Service registry errors
	ErrServiceNil          = errors.New("service is nil")
	ErrNoInterfaces        = errors.New("service must be registered under at least one interface")
	ErrServiceUnregistered = errors.New("service has already been unregistered")
	ErrServiceWrongType    = errors.New("service doesn't satisfy required type")
	ErrInvalidFilter       = ldap.ErrInvalidFilter
	ErrDuplicateProperty   = props.ErrDuplicateKey

	// Listener errors
	ErrListener      = errors.New("listener failed")
	ErrListenerNil   = errors.New("listener is nil")
	ErrTrackerClosed = errors.New("service tracker is closed")

	// Configuration errors
	ErrConfigInvalid = errors.New("invalid framework configuration")
)

// BundleError reports a failed operation on a bundle. Kind is one of the
// sentinel errors above so callers can match with errors.Is.
type BundleError struct {
	BundleID int64
	Location string
	Op       string
	Kind     error
	Err      error
}

func (e *BundleError) Error() string {
	msg := fmt.Sprintf("bundle #%d (%s): %s: %v", e.BundleID, e.Location, e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BundleError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newBundleError(b *Bundle, op string, kind, err error) *BundleError {
	be := &BundleError{Op: op, Kind: kind, Err: err}
	if b != nil {
		be.BundleID = b.ID()
		be.Location = b.Location()
	}
	return be
}

// panicError turns a recovered panic value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
