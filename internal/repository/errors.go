// Package repository defines error types that are reused across the
// storage implementations.  These sentinel values allow the booking
// engine to distinguish between different failure scenarios without
// knowing which store is behind it.  For example, ErrLockTimeout
// indicates that a session row could not be locked within the
// configured wait and the operation is safe to retry, while
// ErrDuplicateIdempotencyKey signals that a concurrent request already
// created the booking.
package repository

import "errors"

// ErrSessionNotFound is returned when a course session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrBookingNotFound is returned when a booking does not exist.
var ErrBookingNotFound = errors.New("booking not found")

// ErrHoldNotFound is returned when an inquiry hold does not exist.
var ErrHoldNotFound = errors.New("hold not found")

// ErrLockTimeout is returned when the exclusive lock on a session row
// could not be acquired in time (or the store aborted the transaction
// to break a deadlock).  Callers may retry.
var ErrLockTimeout = errors.New("session lock timeout")

// ErrDuplicateReference is returned when an insert collides with an
// existing booking or hold reference.
var ErrDuplicateReference = errors.New("duplicate reference")

// ErrDuplicateIdempotencyKey is returned when a booking insert collides
// with an existing idempotency key.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// ErrTxDone is returned when a unit of work is used after Commit or
// Rollback.
var ErrTxDone = errors.New("transaction already finished")
