package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/course-booking/internal/repository"
)

// Engine error taxonomy.  Every error returned by the Coordinator, the
// HoldManager and the Ledger matches exactly one of these with errors.Is.
var (
	// ErrInvalidArgument covers malformed spot counts, ids and requests
	// that conflict with the current state of a record.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned for unknown sessions, bookings and holds.
	ErrNotFound = errors.New("not found")
	// ErrCapacityExceeded is returned when the requested spots exceed the
	// spots still available.  The concrete error is a *CapacityError.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrBusy means the session lock could not be acquired after the
	// configured retries.  The request is safe to retry.
	ErrBusy = errors.New("session busy")
	// ErrHoldNotActive is returned when converting, expiring or cancelling
	// a hold that is no longer ACTIVE.
	ErrHoldNotActive = errors.New("hold not active")
	// ErrReferenceExhausted means no free reference could be found within
	// the attempt ceiling.  It is an operational alert, not a retry hint.
	ErrReferenceExhausted = errors.New("reference generation exhausted")
	// ErrInternal wraps storage and transport failures.
	ErrInternal = errors.New("internal error")
)

// CapacityError reports a rejected reservation together with the spots that
// were actually available at the instant the lock was held, so the caller
// can offer a smaller group.
type CapacityError struct {
	SessionID uint64
	Requested int
	Available int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded on session %d: requested %d, available %d",
		e.SessionID, e.Requested, e.Available)
}

// Is lets errors.Is(err, ErrCapacityExceeded) match.
func (e *CapacityError) Is(target error) bool { return target == ErrCapacityExceeded }

var engineErrors = []error{
	ErrInvalidArgument,
	ErrNotFound,
	ErrCapacityExceeded,
	ErrBusy,
	ErrHoldNotActive,
	ErrReferenceExhausted,
	ErrInternal,
}

// translate maps repository and driver errors onto the engine taxonomy.
// Errors already in the taxonomy and context errors pass through.
func translate(err error) error {
	if err == nil {
		return nil
	}
	for _, e := range engineErrors {
		if errors.Is(err, e) {
			return err
		}
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrBookingNotFound),
		errors.Is(err, repository.ErrHoldNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, repository.ErrLockTimeout):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	default:
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}
