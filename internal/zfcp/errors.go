package zfcp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported is returned by every operation on hosts without zFCP.
	ErrNotSupported = errors.New("zfcp is not supported on this system")

	ErrUnknownController = errors.New("unknown zfcp controller")
	ErrUnknownWWPN       = errors.New("unknown wwpn")
	ErrUnknownLUN        = errors.New("unknown lun")

	// ErrPreconditionFailed means an ancestor of the addressed node is not active.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrActivationFailed is wrapped by every *ActivationError.
	ErrActivationFailed = errors.New("activation failed")

	// ErrSubscriptionLost terminates a subscription whose notification source dropped.
	ErrSubscriptionLost = errors.New("notification subscription lost")
)

// Operation names used in errors, logs, metrics and the journal.
const (
	OpSupported          = "supported"
	OpActivateController = "activate_controller"
	OpActivateDisk       = "activate_disk"
	OpDeactivateDisk     = "deactivate_disk"
	OpProbe              = "probe"
	OpListWWPNs          = "list_wwpns"
	OpListLUNs           = "list_luns"
)

// ActivationError carries the raw reason reported by the hardware layer
// when it rejected an activation or deactivation.
type ActivationError struct {
	Op     string
	Path   Path
	Reason string
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("%s %s: %s: %s", e.Op, e.Path, ErrActivationFailed, e.Reason)
}

func (e *ActivationError) Unwrap() error {
	return ErrActivationFailed
}

// unknownAt returns the lookup error matching the level that did not resolve.
func unknownAt(level Level, p Path) error {
	switch level {
	case LevelController:
		return fmt.Errorf("%w: %q", ErrUnknownController, p.Controller)
	case LevelWWPN:
		return fmt.Errorf("%w: %q on controller %s", ErrUnknownWWPN, p.WWPN, p.Controller)
	default:
		return fmt.Errorf("%w: %q on %s", ErrUnknownLUN, p.LUN, WWPNPath(p.Controller, p.WWPN))
	}
}

func notActive(id string) error {
	return fmt.Errorf("%w: controller %s is not active", ErrPreconditionFailed, id)
}
