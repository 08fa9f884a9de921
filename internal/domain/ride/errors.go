package ride

import (
	"errors"
	"fmt"
)

// Rejections. The messages are returned to API callers as is.
var (
	ErrRideNotFound     = errors.New("ride not found")
	ErrRideNotAvailable = errors.New("ride not available")
	ErrNotAssigned      = errors.New("ride not found or not assigned to driver")
	ErrRideNotAccepted  = errors.New("ride not found or not in accepted state")
	ErrRideNotStarted   = errors.New("ride not found or not started")
	ErrRideFinished     = errors.New("ride already completed or cancelled")
	ErrUnknownTrigger   = errors.New("unknown ride transition")

	ErrFareRequired = errors.New("fare is required when the ride has no estimate")
	ErrInvalidFare  = errors.New("fare must not be negative")

	ErrInvalidStatus = errors.New("invalid ride status")

	// ErrVersionConflict means another writer changed the ride first.
	ErrVersionConflict = errors.New("ride was modified concurrently")
	ErrDuplicateRide   = errors.New("ride already exists")
)

// TransitionError is a refused transition. It prints as the underlying
// rejection so callers can surface it directly.
type TransitionError struct {
	Trigger Trigger
	From    Status
	Err     error
}

func (e *TransitionError) Error() string {
	return e.Err.Error()
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// Detail includes the trigger and status, for logs.
func (e *TransitionError) Detail() string {
	return fmt.Sprintf("%s from %s: %v", e.Trigger, e.From, e.Err)
}

// RejectionFor is the error a caller sees when trigger loses a race or its
// guard does not hold.
func RejectionFor(trigger Trigger) error {
	switch trigger {
	case TriggerAccept:
		return ErrRideNotAvailable
	case TriggerReject:
		return ErrNotAssigned
	case TriggerArrive, TriggerStart:
		return ErrRideNotAccepted
	case TriggerComplete:
		return ErrRideNotStarted
	case TriggerCancel:
		return ErrRideNotFound
	}
	return ErrUnknownTrigger
}

// IsValidation reports whether err is bad input rather than a refused
// transition.
func IsValidation(err error) bool {
	return errors.Is(err, ErrFareRequired) || errors.Is(err, ErrInvalidFare) || errors.Is(err, ErrInvalidStatus)
}
