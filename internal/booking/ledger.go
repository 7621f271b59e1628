package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/iliyamo/course-booking/internal/model"
	"github.com/iliyamo/course-booking/internal/repository"
)

// Ledger computes availability from the session row and the spots held by
// bookings and active holds.  Its mutating helpers take a SessionTx and never
// lock on their own, so callers can compose several steps under one lock.
type Ledger struct {
	store Store
	now   func() time.Time
}

func NewLedger(store Store, now func() time.Time) *Ledger {
	return &Ledger{store: store, now: now}
}

// GetAvailability returns the current snapshot without taking the lock.
func (l *Ledger) GetAvailability(ctx context.Context, sessionID uint64) (model.AvailabilitySnapshot, error) {
	if sessionID == 0 {
		return model.AvailabilitySnapshot{}, fmt.Errorf("%w: session id is required", ErrInvalidArgument)
	}
	// The session (and its version) is read before the spots.  A commit
	// landing in between yields an older version with newer counts, which
	// the broadcaster later supersedes; the reverse order could pin a
	// subscriber to stale counts under a current version.
	sess, err := l.store.ReadSession(ctx, sessionID)
	if err != nil {
		return model.AvailabilitySnapshot{}, translate(err)
	}
	booked, err := l.store.ReadBookedSpots(ctx, sessionID)
	if err != nil {
		return model.AvailabilitySnapshot{}, translate(err)
	}
	return model.NewSnapshot(*sess, booked, l.now()), nil
}

// TryReserve reports whether spots fit into the locked session.  The
// snapshot reflects the state inside the lock before any reservation.
// A session that is cancelled or completed accepts nothing.
func (l *Ledger) TryReserve(ctx context.Context, tx repository.SessionTx, spots int) (bool, model.AvailabilitySnapshot, error) {
	if spots <= 0 {
		return false, model.AvailabilitySnapshot{}, fmt.Errorf("%w: spots must be positive, got %d", ErrInvalidArgument, spots)
	}
	snap, sess, err := l.read(ctx, tx)
	if err != nil {
		return false, snap, err
	}
	if !sess.Status.Open() {
		return false, snap, fmt.Errorf("%w: session %d is %s", ErrInvalidArgument, sess.ID, sess.Status)
	}
	return spots <= snap.AvailableSpots, snap, nil
}

// Release settles the ledger after the caller moved spots out of a
// spot-occupying status.
func (l *Ledger) Release(ctx context.Context, tx repository.SessionTx, spots int) (model.AvailabilitySnapshot, error) {
	if spots <= 0 {
		return model.AvailabilitySnapshot{}, fmt.Errorf("%w: spots must be positive, got %d", ErrInvalidArgument, spots)
	}
	return l.Settle(ctx, tx)
}

// Settle recomputes current_participants from committed bookings, bumps the
// session version and returns the resulting snapshot.  It must run after
// every mutation, inside the same lock.
func (l *Ledger) Settle(ctx context.Context, tx repository.SessionTx) (model.AvailabilitySnapshot, error) {
	if _, err := tx.SyncParticipants(ctx); err != nil {
		return model.AvailabilitySnapshot{}, err
	}
	if _, err := tx.BumpVersion(ctx); err != nil {
		return model.AvailabilitySnapshot{}, err
	}
	snap, _, err := l.read(ctx, tx)
	return snap, err
}

func (l *Ledger) read(ctx context.Context, tx repository.SessionTx) (model.AvailabilitySnapshot, *model.CourseSession, error) {
	sess, err := tx.ReadSession(ctx)
	if err != nil {
		return model.AvailabilitySnapshot{}, nil, err
	}
	booked, err := tx.ReadBookedSpots(ctx)
	if err != nil {
		return model.AvailabilitySnapshot{}, nil, err
	}
	return model.NewSnapshot(*sess, booked, l.now()), sess, nil
}
