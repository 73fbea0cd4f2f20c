package omnicore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/omnicore/operation"
)

var (
	// ErrBusy is returned when a transition or discrete request is already in flight.
	ErrBusy = operation.ErrBusy
	// ErrWrongMode is returned for requests the current mode does not allow.
	ErrWrongMode = errors.New("not allowed in the current mode")
	// ErrAckTimeout is returned when the robot does not acknowledge a discrete request in time.
	ErrAckTimeout = errors.New("robot did not acknowledge in time")
	// ErrNotInitialized is returned for requests made before Init or after Shutdown.
	ErrNotInitialized = errors.New("hardware interface is not initialized")
)

// NewWrongModeError reports that what cannot be done while in mode.
func NewWrongModeError(what string, mode Mode) error {
	return errors.Wrapf(ErrWrongMode, "cannot %s while %s", what, mode)
}

// NewAckTimeoutError reports a discrete request that was not acknowledged within timeout.
func NewAckTimeoutError(kind RequestKind, timeout time.Duration, cause error) error {
	return errors.Wrapf(ErrAckTimeout, "%s not acknowledged within %v: %v", kind, timeout, cause)
}

// Reason is the failure code reported to callers of mode-change and move requests.
type Reason string

// Reasons.
const (
	ReasonNone           Reason = ""
	ReasonBusy           Reason = "busy"
	ReasonWrongMode      Reason = "wrong_mode"
	ReasonTimeout        Reason = "timeout"
	ReasonNotInitialized Reason = "not_initialized"
	ReasonFailed         Reason = "failed"
)

// ReasonFromError maps an error returned by this package to its reason code.
func ReasonFromError(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrBusy):
		return ReasonBusy
	case errors.Is(err, ErrWrongMode):
		return ReasonWrongMode
	case errors.Is(err, ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrNotInitialized):
		return ReasonNotInitialized
	default:
		return ReasonFailed
	}
}
